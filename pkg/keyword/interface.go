// Package keyword abstracts a one-shot keyword recognition engine.
// A Session performs exactly one recognition attempt: once a result is
// produced or the input is closed, the session is spent and must be
// disposed, never reused.
package keyword

import (
	"errors"
	"time"

	"github.com/realtime-ai/wyoming-wakeword/pkg/wyoming"
)

var (
	// ErrModelLoad means the keyword model could not be loaded. Fatal to
	// the session being started, not to the process.
	ErrModelLoad = errors.New("keyword: model load failed")

	// ErrStreamClosed means audio was pushed after the input was closed.
	ErrStreamClosed = errors.New("keyword: input stream closed")

	// ErrEngine is an opaque recognition failure inside the engine.
	ErrEngine = errors.New("keyword: engine error")
)

// Result is the terminal outcome of one recognition attempt.
type Result struct {
	// Detected reports whether the keyword was recognized.
	Detected bool

	// Text is the recognized phrase when Detected is true.
	Text string
}

// Session is one recognition attempt over a live audio stream.
type Session interface {
	// Push writes one frame of raw PCM to the engine. Frames must arrive
	// in stream order. Returns ErrStreamClosed after CloseInput.
	Push(frame []byte) error

	// CloseInput signals end of audio. Idempotent.
	CloseInput()

	// AwaitResult blocks until the engine produces a result, the input
	// has been closed and drained, or the timeout elapses. A timeout
	// resolves as a not-detected Result, not an error.
	AwaitResult(timeout time.Duration) (Result, error)

	// Dispose releases all native resources. Must be called exactly once
	// per session regardless of outcome; safe on sessions whose start
	// never fully completed.
	Dispose()
}

// Engine creates recognition sessions.
type Engine interface {
	// Name identifies the engine implementation.
	Name() string

	// Start loads the model and opens a session for the given stream
	// format. Fails with ErrModelLoad for a bad or missing model.
	Start(modelPath string, format wyoming.AudioFormat) (Session, error)
}
