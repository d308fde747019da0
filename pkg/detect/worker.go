// Package detect runs keyword recognition sessions in isolated workers and
// supervises their lifecycle. The engine performs exactly one recognition
// attempt per session and tends to leak native memory, so workers are spent
// and replaced rather than reused.
package detect

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/realtime-ai/wyoming-wakeword/pkg/keyword"
	"github.com/realtime-ai/wyoming-wakeword/pkg/wyoming"
)

// workerResult is the single terminal message a worker emits.
type workerResult struct {
	res keyword.Result
	err error
}

// workerHandle binds a worker goroutine to its channels. The Supervisor
// exclusively owns every handle; nothing else addresses a worker directly.
type workerHandle struct {
	id string

	// inbox carries audio frames in arrival order. A nil frame is the
	// stop sentinel.
	inbox chan []byte

	// outbox receives exactly one terminal message.
	outbox chan workerResult

	// started closes once the engine session is accepting audio.
	started chan struct{}

	// kill closes to force-terminate the worker without a result.
	kill chan struct{}

	// done closes when the worker goroutine returns.
	done chan struct{}

	killOnce     sync.Once
	sentinelOnce sync.Once
}

func newWorkerHandle(inboxSize int) *workerHandle {
	return &workerHandle{
		id:      uuid.New().String()[:8],
		inbox:   make(chan []byte, inboxSize),
		outbox:  make(chan workerResult, 1),
		started: make(chan struct{}),
		kill:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// sendSentinel enqueues the stop sentinel behind all pending frames.
// Returns false when the inbox is full; the caller must force-kill.
func (h *workerHandle) sendSentinel() bool {
	ok := true
	h.sentinelOnce.Do(func() {
		select {
		case h.inbox <- nil:
		default:
			ok = false
		}
	})
	return ok
}

// forceKill terminates the worker unconditionally. Idempotent.
func (h *workerHandle) forceKill() {
	h.killOnce.Do(func() { close(h.kill) })
}

// alive reports whether the worker goroutine is still running.
func (h *workerHandle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// runWorker hosts one engine session. It starts the engine, drains the
// inbox in strict arrival order, and emits exactly one terminal message.
// Engine failures are never retried here; replacement is the Supervisor's
// job.
func runWorker(engine keyword.Engine, modelPath string, format wyoming.AudioFormat,
	h *workerHandle, resultGrace, awaitCap time.Duration, log *logrus.Entry) {

	defer close(h.done)

	sess, err := engine.Start(modelPath, format)
	if err != nil {
		// Start failed: report and exit without reading the inbox.
		h.outbox <- workerResult{err: err}
		return
	}
	close(h.started)

	var disposeOnce sync.Once
	dispose := func() { disposeOnce.Do(sess.Dispose) }
	defer dispose()

	// The engine is pull-only, so a detection that fires mid-stream is
	// surfaced by this background wait.
	resCh := make(chan workerResult, 1)
	go func() {
		r, err := sess.AwaitResult(awaitCap)
		select {
		case resCh <- workerResult{res: r, err: err}:
		case <-h.kill:
		}
	}()

	for {
		select {
		case frame := <-h.inbox:
			if frame == nil {
				// Stop sentinel: close input, then allow a bounded
				// grace for a pending recognition.
				sess.CloseInput()
				select {
				case r := <-resCh:
					h.outbox <- r
				case <-time.After(resultGrace):
					h.outbox <- workerResult{}
				case <-h.kill:
				}
				return
			}
			if err := sess.Push(frame); err != nil {
				log.WithError(err).Warn("dropping frame: push failed")
			}
		case r := <-resCh:
			h.outbox <- r
			return
		case <-h.kill:
			return
		}
	}
}
