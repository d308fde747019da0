package detect

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/wyoming-wakeword/pkg/keyword"
	"github.com/realtime-ai/wyoming-wakeword/pkg/wyoming"
)

var testFormat = wyoming.AudioFormat{Rate: 16000, Width: 2, Channels: 1}

func testConfig(engine keyword.Engine) Config {
	cfg := DefaultConfig(engine, "model.table")
	cfg.RotateInterval = time.Hour // only explicit rotation in most tests
	cfg.StartTimeout = 2 * time.Second
	cfg.ResultGrace = 200 * time.Millisecond
	cfg.FinalizeTimeout = 2 * time.Second
	cfg.EndTimeout = 2 * time.Second
	return cfg
}

func TestBeginSessionReachesListening(t *testing.T) {
	engine := &keyword.MockEngine{}
	s := NewSupervisor(testConfig(engine))
	defer s.EndSession()

	require.NoError(t, s.BeginSession(testFormat))
	assert.Equal(t, StateListening, s.State())
	assert.Equal(t, 1, engine.SessionCount())
}

func TestBeginSessionBadFormat(t *testing.T) {
	s := NewSupervisor(testConfig(&keyword.MockEngine{}))
	assert.Error(t, s.BeginSession(wyoming.AudioFormat{}))
}

func TestBeginSessionModelLoadError(t *testing.T) {
	engine := &keyword.MockEngine{StartErr: keyword.ErrModelLoad}
	s := NewSupervisor(testConfig(engine))

	err := s.BeginSession(testFormat)
	assert.ErrorIs(t, err, keyword.ErrModelLoad)
	assert.Equal(t, StateFailed, s.State())

	// The supervisor does not retry on its own; an explicit new begin
	// recovers it.
	engine2 := &keyword.MockEngine{}
	s2 := NewSupervisor(testConfig(engine2))
	defer s2.EndSession()
	require.NoError(t, s2.BeginSession(testFormat))
	assert.Equal(t, StateListening, s2.State())
}

// blockingEngine never finishes starting, simulating a stuck native call.
type blockingEngine struct {
	release chan struct{}
}

func (e *blockingEngine) Name() string { return "blocking" }

func (e *blockingEngine) Start(string, wyoming.AudioFormat) (keyword.Session, error) {
	<-e.release
	return nil, keyword.ErrEngine
}

func TestBeginSessionTimeout(t *testing.T) {
	engine := &blockingEngine{release: make(chan struct{})}
	defer close(engine.release)

	cfg := testConfig(engine)
	cfg.StartTimeout = 50 * time.Millisecond
	s := NewSupervisor(cfg)

	start := time.Now()
	err := s.BeginSession(testFormat)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateFailed, s.State())
}

func TestFrameOrderPreserved(t *testing.T) {
	engine := &keyword.MockEngine{}
	s := NewSupervisor(testConfig(engine))
	defer s.EndSession()
	require.NoError(t, s.BeginSession(testFormat))

	// Randomized frame sizes; ordering must survive the queue bridge.
	rng := rand.New(rand.NewSource(42))
	var want []byte
	for i := 0; i < 100; i++ {
		frame := make([]byte, 1+rng.Intn(512))
		frame[0] = byte(i)
		want = append(want, byte(i))
		s.FeedAudio(frame)
	}

	res, err := s.Finalize(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Detected)

	sessions := engine.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, want, sessions[0].PushOrder())
	assert.True(t, sessions[0].Disposed())
}

func TestFinalizeNotDetected(t *testing.T) {
	// AudioStart -> 50 chunks of silence -> AudioStop with an engine that
	// never matches must resolve as not detected.
	engine := &keyword.MockEngine{}
	s := NewSupervisor(testConfig(engine))
	defer s.EndSession()
	require.NoError(t, s.BeginSession(testFormat))

	silence := make([]byte, 2048)
	for i := 0; i < 50; i++ {
		s.FeedAudio(append([]byte(nil), silence...))
	}

	res, err := s.Finalize(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Detected)
	assert.Equal(t, StateIdle, s.State())
}

func TestDetectionRotatesAndStaysListening(t *testing.T) {
	engine := &keyword.MockEngine{MatchOnFrame: 30, MatchText: "test_word"}
	s := NewSupervisor(testConfig(engine))
	defer s.EndSession()
	require.NoError(t, s.BeginSession(testFormat))

	silence := make([]byte, 2048)
	for i := 0; i < 50; i++ {
		s.FeedAudio(append([]byte(nil), silence...))
	}

	// The detection surfaces asynchronously.
	select {
	case d := <-s.Results():
		assert.Equal(t, "test_word", d.Text)
		assert.False(t, d.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no detection reported")
	}

	// Rotation liveness: a fresh worker reaches Listening without a new
	// begin from the client.
	assert.Eventually(t, func() bool {
		return s.State() == StateListening
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, engine.SessionCount(), 2)

	// The finalize after stop reports the detection from this cycle.
	res, err := s.Finalize(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Detected)
	assert.Equal(t, "test_word", res.Text)
}

func TestCycleCompleteHook(t *testing.T) {
	cycles := make(chan struct{}, 4)
	engine := &keyword.MockEngine{MatchOnFrame: 1}
	cfg := testConfig(engine)
	cfg.OnCycleComplete = func() { cycles <- struct{}{} }
	s := NewSupervisor(cfg)
	defer s.EndSession()
	require.NoError(t, s.BeginSession(testFormat))

	s.FeedAudio([]byte{1})
	select {
	case <-cycles:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle hook not invoked after detection")
	}
}

func TestPeriodicRotation(t *testing.T) {
	engine := &keyword.MockEngine{}
	cfg := testConfig(engine)
	cfg.RotateInterval = 50 * time.Millisecond
	s := NewSupervisor(cfg)
	defer s.EndSession()
	require.NoError(t, s.BeginSession(testFormat))

	// No detection activity, yet workers must be replaced on the timer.
	assert.Eventually(t, func() bool {
		return engine.SessionCount() >= 3 && s.State() == StateListening
	}, 2*time.Second, 10*time.Millisecond)

	// Spent workers are disposed exactly once.
	for _, sess := range engine.Sessions()[:2] {
		assert.Eventually(t, sess.Disposed, time.Second, 10*time.Millisecond)
		assert.Equal(t, 1, sess.DisposeCalls)
	}

	// And no detection event was fabricated by rotation.
	select {
	case d := <-s.Results():
		t.Fatalf("unexpected detection %+v from periodic rotation", d)
	default:
	}
}

func TestFinalizeTimeoutWithHangingEngine(t *testing.T) {
	engine := &keyword.MockEngine{Hang: true}
	cfg := testConfig(engine)
	cfg.ResultGrace = 100 * time.Millisecond
	cfg.FinalizeTimeout = 500 * time.Millisecond
	cfg.EndTimeout = 500 * time.Millisecond
	s := NewSupervisor(cfg)
	defer s.EndSession()
	require.NoError(t, s.BeginSession(testFormat))
	s.FeedAudio([]byte{1})

	// The worker's post-close grace resolves this as not detected well
	// within finalize + termination bounds.
	start := time.Now()
	res, err := s.Finalize(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Detected)
	assert.Less(t, time.Since(start), cfg.FinalizeTimeout+cfg.EndTimeout)

	sess := engine.Sessions()[0]
	assert.Eventually(t, sess.Disposed, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sess.DisposeCalls)
}

func TestEndSessionIdempotent(t *testing.T) {
	engine := &keyword.MockEngine{}
	s := NewSupervisor(testConfig(engine))
	require.NoError(t, s.BeginSession(testFormat))

	prev := s.EndSession()
	assert.Equal(t, StateListening, prev)
	assert.Equal(t, StateStopped, s.State())

	// Second stop is a no-op returning the terminal state.
	assert.Equal(t, StateStopped, s.EndSession())
	assert.Equal(t, StateStopped, s.State())

	sess := engine.Sessions()[0]
	assert.Equal(t, 1, sess.DisposeCalls)
}

func TestFeedAudioWithoutSessionDropsQuietly(t *testing.T) {
	s := NewSupervisor(testConfig(&keyword.MockEngine{}))
	// Must not panic or block.
	s.FeedAudio([]byte{1, 2, 3})
	s.FeedAudio(nil)
}

func TestFinalizeWithoutSession(t *testing.T) {
	s := NewSupervisor(testConfig(&keyword.MockEngine{}))
	res, err := s.Finalize(context.Background())
	assert.NoError(t, err)
	assert.False(t, res.Detected)
}
