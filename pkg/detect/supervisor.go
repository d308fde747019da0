package detect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/realtime-ai/wyoming-wakeword/pkg/keyword"
	"github.com/realtime-ai/wyoming-wakeword/pkg/wyoming"
)

// ErrTimeout means a worker did not respond within its bound and was
// force-terminated.
var ErrTimeout = errors.New("detect: worker timed out")

// State is the supervisor's lifecycle state.
type State int

const (
	// StateIdle means no engine session exists.
	StateIdle State = iota
	// StateStarting means a worker was spawned but the engine is not yet
	// accepting audio.
	StateStarting
	// StateListening means the active worker is accepting audio.
	StateListening
	// StateDetecting means a result was recognized and rotation is about
	// to begin.
	StateDetecting
	// StateRotating means the spent worker is being torn down while its
	// replacement starts.
	StateRotating
	// StateStopped means the supervisor was shut down cleanly.
	StateStopped
	// StateFailed means an unrecoverable engine error was surfaced.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateDetecting:
		return "detecting"
	case StateRotating:
		return "rotating"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Detection is an asynchronous recognition reported by the active worker.
type Detection struct {
	Text string
	At   time.Time
}

// Config holds the supervisor configuration.
type Config struct {
	// Engine creates recognition sessions.
	Engine keyword.Engine

	// ModelPath is the keyword model file passed to every session.
	ModelPath string

	// RotateInterval replaces the active worker on a fixed period to
	// bound native memory growth over long idle sessions.
	RotateInterval time.Duration

	// StartTimeout bounds how long BeginSession and rotation wait for a
	// worker to start accepting audio.
	StartTimeout time.Duration

	// ResultGrace is how long a worker waits for a pending recognition
	// after closing the engine input.
	ResultGrace time.Duration

	// FinalizeTimeout bounds end-to-end result retrieval in Finalize.
	FinalizeTimeout time.Duration

	// EndTimeout bounds joining a worker during teardown.
	EndTimeout time.Duration

	// AwaitCap bounds the background result wait of a single worker.
	AwaitCap time.Duration

	// InboxSize is the audio frame queue capacity per worker.
	InboxSize int

	// OnCycleComplete runs after each completed detection cycle. The
	// memory watchdog hooks in here.
	OnCycleComplete func()

	// Logger defaults to the standard logrus logger.
	Logger *logrus.Entry
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig(engine keyword.Engine, modelPath string) Config {
	return Config{
		Engine:          engine,
		ModelPath:       modelPath,
		RotateInterval:  30 * time.Second,
		StartTimeout:    15 * time.Second,
		ResultGrace:     time.Second,
		FinalizeTimeout: 15 * time.Second,
		EndTimeout:      20 * time.Second,
		AwaitCap:        5 * time.Minute,
		InboxSize:       256,
	}
}

// Supervisor owns at most one active detection worker, feeding it audio,
// collecting its single terminal result, and replacing it on detection, on
// a fixed rotation interval, on timeout and on shutdown.
type Supervisor struct {
	cfg Config
	log *logrus.Entry

	results chan Detection

	mu             sync.Mutex
	state          State
	lastErr        error
	format         wyoming.AudioFormat
	cur            *workerHandle
	pending        *keyword.Result
	finalizeCh     chan workerResult
	finalizeHandle *workerHandle
	sessionDone    chan struct{}
}

// NewSupervisor creates a supervisor in the Idle state.
func NewSupervisor(cfg Config) *Supervisor {
	def := DefaultConfig(cfg.Engine, cfg.ModelPath)
	if cfg.RotateInterval <= 0 {
		cfg.RotateInterval = def.RotateInterval
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.ResultGrace <= 0 {
		cfg.ResultGrace = def.ResultGrace
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = def.FinalizeTimeout
	}
	if cfg.EndTimeout <= 0 {
		cfg.EndTimeout = def.EndTimeout
	}
	if cfg.AwaitCap <= 0 {
		cfg.AwaitCap = def.AwaitCap
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		cfg:     cfg,
		log:     log,
		state:   StateIdle,
		results: make(chan Detection, 8),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent worker error, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Results delivers detections that occur asynchronously while streaming.
// The channel is never closed; sends never block (overflow is dropped).
func (s *Supervisor) Results() <-chan Detection {
	return s.results
}

// BeginSession spawns a fresh worker for the given stream format and waits,
// bounded by StartTimeout, for it to accept audio. A model failure surfaces
// as keyword.ErrModelLoad; the supervisor does not retry on its own.
func (s *Supervisor) BeginSession(format wyoming.AudioFormat) error {
	if err := format.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if old := s.cur; old != nil {
		// Misbehaving client sent a second start; replace the worker.
		s.cur = nil
		go s.endWorker(old)
	}
	if s.sessionDone != nil {
		close(s.sessionDone)
	}
	s.format = format
	s.pending = nil
	s.lastErr = nil
	s.state = StateStarting
	done := make(chan struct{})
	s.sessionDone = done
	h := s.spawnLocked()
	s.mu.Unlock()

	if err := s.awaitStart(h); err != nil {
		s.mu.Lock()
		if s.cur == h {
			s.cur = nil
		}
		s.state = StateFailed
		s.lastErr = err
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.cur == h && s.state == StateStarting {
		s.state = StateListening
	}
	s.mu.Unlock()
	go s.rotateLoop(done)
	s.log.WithField("worker", h.id).Debug("session started")
	return nil
}

// awaitStart waits, bounded by StartTimeout, for a worker to accept audio.
// On success the worker's result pump is started; the pump never runs for
// a worker that failed to start, so the start error is read here directly.
func (s *Supervisor) awaitStart(h *workerHandle) error {
	select {
	case <-h.started:
		go s.pump(h)
		return nil
	case res := <-h.outbox:
		select {
		case <-h.started:
			// Started and produced its terminal result in one breath
			// (e.g. a match on an already-queued frame). Not a start
			// failure; apply the result and skip the pump.
			s.onTerminal(h, res)
			return nil
		default:
		}
		if res.err != nil {
			return res.err
		}
		return keyword.ErrEngine
	case <-time.After(s.cfg.StartTimeout):
		h.forceKill()
		return ErrTimeout
	}
}

// FeedAudio enqueues one frame for the active worker. Never blocks and
// never fails the session: when the worker is dead, not yet started, or
// its inbox is full, the frame is dropped with a warning.
func (s *Supervisor) FeedAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	s.mu.Lock()
	h := s.cur
	st := s.state
	s.mu.Unlock()

	if h == nil || st == StateStopped || st == StateFailed || !h.alive() {
		s.log.WithField("state", st.String()).Warn("dropping frame: no active worker")
		return
	}
	select {
	case h.inbox <- frame:
	default:
		s.log.WithField("worker", h.id).Warn("dropping frame: worker inbox full")
	}
}

// Finalize closes the current recognition attempt and returns its terminal
// result, bounded by FinalizeTimeout. A detection that already fired during
// this stream is returned directly. Errors are returned for logging; the
// session layer resolves them as not-detected.
func (s *Supervisor) Finalize(ctx context.Context) (keyword.Result, error) {
	s.mu.Lock()
	if s.sessionDone != nil {
		close(s.sessionDone)
		s.sessionDone = nil
	}
	h := s.cur
	s.cur = nil

	if p := s.pending; p != nil {
		s.pending = nil
		s.state = StateIdle
		s.mu.Unlock()
		if h != nil {
			go s.endWorker(h)
		}
		return *p, nil
	}

	if h == nil {
		err := s.lastErr
		if s.state != StateStopped {
			s.state = StateIdle
		}
		s.mu.Unlock()
		return keyword.Result{}, err
	}

	fin := make(chan workerResult, 1)
	s.finalizeCh = fin
	s.finalizeHandle = h
	s.mu.Unlock()

	if !h.sendSentinel() {
		h.forceKill()
	}

	var out workerResult
	select {
	case out = <-fin:
	case <-time.After(s.cfg.FinalizeTimeout):
		h.forceKill()
		out = workerResult{err: ErrTimeout}
	case <-ctx.Done():
		h.forceKill()
		out = workerResult{err: ctx.Err()}
	}

	select {
	case <-h.done:
	case <-time.After(s.cfg.EndTimeout):
		h.forceKill()
	}

	s.mu.Lock()
	s.finalizeCh = nil
	s.finalizeHandle = nil
	if out.err != nil {
		s.lastErr = out.err
	}
	if s.state != StateStopped {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if s.cfg.OnCycleComplete != nil {
		s.cfg.OnCycleComplete()
	}
	return out.res, out.err
}

// EndSession shuts the supervisor down: stop sentinel, bounded join, force
// termination if the worker hangs. Idempotent; a second call is a no-op
// that returns the previous terminal state.
func (s *Supervisor) EndSession() State {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return StateStopped
	}
	prev := s.state
	if s.sessionDone != nil {
		close(s.sessionDone)
		s.sessionDone = nil
	}
	h := s.cur
	s.cur = nil
	s.pending = nil
	s.state = StateStopped
	s.mu.Unlock()

	if h != nil {
		s.endWorker(h)
	}
	s.log.WithField("prev_state", prev.String()).Debug("session ended")
	return prev
}

// spawnLocked creates a worker handle and launches its goroutine. The
// result pump is attached later by awaitStart. Caller holds s.mu.
func (s *Supervisor) spawnLocked() *workerHandle {
	h := newWorkerHandle(s.cfg.InboxSize)
	s.cur = h
	wlog := s.log.WithField("worker", h.id)
	go runWorker(s.cfg.Engine, s.cfg.ModelPath, s.format, h, s.cfg.ResultGrace, s.cfg.AwaitCap, wlog)
	return h
}

// pump waits for a worker's single terminal message and applies it.
func (s *Supervisor) pump(h *workerHandle) {
	select {
	case res := <-h.outbox:
		s.onTerminal(h, res)
	case <-h.kill:
	}
}

func (s *Supervisor) onTerminal(h *workerHandle, res workerResult) {
	s.mu.Lock()
	if s.finalizeCh != nil && s.finalizeHandle == h {
		ch := s.finalizeCh
		s.mu.Unlock()
		ch <- res
		return
	}
	if s.cur != h {
		s.mu.Unlock()
		s.log.WithField("worker", h.id).Debug("terminal result from replaced worker")
		return
	}

	if res.err != nil {
		s.lastErr = res.err
		s.state = StateFailed
		s.cur = nil
		s.mu.Unlock()
		s.log.WithError(res.err).Warn("worker failed")
		return
	}

	if res.res.Detected {
		r := res.res
		s.pending = &r
		s.state = StateDetecting
		s.mu.Unlock()

		s.log.WithField("text", r.Text).Info("keyword detected")
		select {
		case s.results <- Detection{Text: r.Text, At: time.Now()}:
		default:
			s.log.Warn("dropping detection: results channel full")
		}
		if s.cfg.OnCycleComplete != nil {
			s.cfg.OnCycleComplete()
		}
		s.rotate(h, "detection")
		return
	}

	// The engine resolved without a match before any stop was requested.
	// Keep the session listening on a fresh worker.
	s.mu.Unlock()
	s.rotate(h, "engine resolved early")
}

// rotateLoop replaces the active worker on a fixed interval regardless of
// detection activity.
func (s *Supervisor) rotateLoop(done chan struct{}) {
	ticker := time.NewTicker(s.cfg.RotateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			h := s.cur
			s.mu.Unlock()
			if h != nil {
				s.rotate(h, "interval")
			}
		case <-done:
			return
		}
	}
}

// rotate tears down old and brings a replacement to Listening, bounded by
// StartTimeout. Frames that arrive meanwhile buffer in the new worker's
// inbox; frames still queued for the old worker are lost with it.
func (s *Supervisor) rotate(old *workerHandle, reason string) {
	s.mu.Lock()
	if s.cur != old || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateRotating
	nh := s.spawnLocked()
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"old": old.id, "new": nh.id, "reason": reason}).Debug("rotating worker")
	go s.endWorker(old)

	if err := s.awaitStart(nh); err != nil {
		s.mu.Lock()
		if s.cur == nh {
			s.cur = nil
			s.state = StateFailed
			s.lastErr = err
		}
		s.mu.Unlock()
		s.log.WithError(err).Warn("replacement worker failed to start")
		return
	}

	s.mu.Lock()
	if s.cur == nh && s.state == StateRotating {
		s.state = StateListening
	}
	s.mu.Unlock()
}

// endWorker stops a worker with a bounded join, force-terminating on
// timeout. A stuck native call cannot block shutdown: after the final
// bound the worker is abandoned.
func (s *Supervisor) endWorker(h *workerHandle) {
	if !h.sendSentinel() {
		h.forceKill()
	}
	select {
	case <-h.done:
	case <-time.After(s.cfg.EndTimeout):
		h.forceKill()
		select {
		case <-h.done:
		case <-time.After(time.Second):
			s.log.WithField("worker", h.id).Warn("worker did not exit after force kill; abandoning")
		}
	}
}
