package keyword

import (
	"sync"
	"time"

	"github.com/realtime-ai/wyoming-wakeword/pkg/wyoming"
)

// MockEngine is a scripted Engine for testing. Behavior is customized
// through the public fields; the zero value never detects anything.
type MockEngine struct {
	// StartErr, when set, is returned by every Start call.
	StartErr error

	// MatchOnFrame, when > 0, makes the Nth pushed frame (1-based)
	// resolve the session as detected.
	MatchOnFrame int

	// MatchText is the recognized phrase reported on a match.
	MatchText string

	// Hang, when true, makes AwaitResult block until the timeout and
	// CloseInput never resolve the result.
	Hang bool

	mu       sync.Mutex
	sessions []*MockSession
}

// Start implements Engine.
func (e *MockEngine) Start(modelPath string, format wyoming.AudioFormat) (Session, error) {
	if e.StartErr != nil {
		return nil, e.StartErr
	}
	s := &MockSession{
		engine:   e,
		resultCh: make(chan Result, 1),
	}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

// Name implements Engine.
func (e *MockEngine) Name() string { return "mock" }

// Sessions returns all sessions the engine has started, in order.
func (e *MockEngine) Sessions() []*MockSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*MockSession, len(e.sessions))
	copy(out, e.sessions)
	return out
}

// SessionCount returns how many sessions were started.
func (e *MockEngine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// MockSession records every interaction for verification.
type MockSession struct {
	engine *MockEngine

	mu           sync.Mutex
	Pushed       [][]byte
	InputClosed  bool
	DisposeCalls int
	resolved     bool

	resultCh chan Result
}

// Push implements Session and records the frame.
func (s *MockSession) Push(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InputClosed {
		return ErrStreamClosed
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Pushed = append(s.Pushed, cp)

	if !s.resolved && s.engine.MatchOnFrame > 0 && len(s.Pushed) == s.engine.MatchOnFrame {
		s.resolved = true
		text := s.engine.MatchText
		if text == "" {
			text = "keyword"
		}
		s.resultCh <- Result{Detected: true, Text: text}
	}
	return nil
}

// CloseInput implements Session. Without a pending match this resolves
// the attempt as not detected, unless the engine is scripted to hang.
func (s *MockSession) CloseInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InputClosed {
		return
	}
	s.InputClosed = true
	if !s.resolved && !s.engine.Hang {
		s.resolved = true
		s.resultCh <- Result{}
	}
}

// AwaitResult implements Session.
func (s *MockSession) AwaitResult(timeout time.Duration) (Result, error) {
	select {
	case r := <-s.resultCh:
		return r, nil
	case <-time.After(timeout):
		return Result{}, nil
	}
}

// Dispose implements Session.
func (s *MockSession) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DisposeCalls++
}

// PushOrder returns the first byte of every pushed frame, a cheap way for
// tests to check ordering of tagged frames.
func (s *MockSession) PushOrder() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, 0, len(s.Pushed))
	for _, f := range s.Pushed {
		if len(f) > 0 {
			out = append(out, f[0])
		}
	}
	return out
}

// PushCount returns how many frames were pushed.
func (s *MockSession) PushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Pushed)
}

// Disposed reports whether Dispose was called at least once.
func (s *MockSession) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DisposeCalls > 0
}

var _ Engine = (*MockEngine)(nil)
var _ Session = (*MockSession)(nil)
