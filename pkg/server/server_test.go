package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/wyoming-wakeword/pkg/keyword"
	"github.com/realtime-ai/wyoming-wakeword/pkg/wyoming"
)

var testInfo = wyoming.Info{
	Wake: []wyoming.WakeProgram{{
		Name:        "azure",
		Description: "Azure speech keyword detection",
		Attribution: wyoming.Attribution{Name: "Microsoft", URL: "https://azure.microsoft.com"},
		Installed:   true,
		Models: []wyoming.WakeModel{{
			Name:      "Microsoft Azure Keyword",
			Phrase:    "test_word",
			Installed: true,
			Languages: []string{"en-US"},
		}},
	}},
}

type testClient struct {
	conn net.Conn
	r    *wyoming.EventReader
	w    *wyoming.EventWriter
}

func startTestServer(t *testing.T, engine keyword.Engine, continuous bool) (*Server, *testClient) {
	t.Helper()

	srv := New(Config{
		URI:            "tcp://127.0.0.1:0",
		Engine:         engine,
		ModelPath:      "model.table",
		KeywordName:    "test_word",
		Info:           testInfo,
		Continuous:     continuous,
		RotateInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-serverDone:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return srv, &testClient{
		conn: conn,
		r:    wyoming.NewEventReader(conn),
		w:    wyoming.NewEventWriter(conn),
	}
}

func (c *testClient) send(t *testing.T, ev wyoming.Event, err error) {
	t.Helper()
	require.NoError(t, err)
	require.NoError(t, c.w.WriteEvent(ev))
}

func (c *testClient) read(t *testing.T) wyoming.Event {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ev, err := c.r.ReadEvent()
	require.NoError(t, err)
	return ev
}

func (c *testClient) streamCycle(t *testing.T, chunks int) {
	t.Helper()
	ev, err := (wyoming.AudioStart{AudioFormat: wyoming.AudioFormat{Rate: 16000, Width: 2, Channels: 1}}).Event()
	c.send(t, ev, err)

	silence := make([]byte, 2048) // 1024 samples of 16-bit silence
	for i := 0; i < chunks; i++ {
		ev, err := (wyoming.AudioChunk{
			AudioFormat: wyoming.AudioFormat{Rate: 16000, Width: 2, Channels: 1},
			Audio:       silence,
		}).Event()
		c.send(t, ev, err)
	}

	stop, err := wyoming.AudioStop{}.Event()
	c.send(t, stop, err)
}

func TestDescribeReturnsInfo(t *testing.T) {
	_, client := startTestServer(t, &keyword.MockEngine{}, false)

	client.send(t, wyoming.Describe{}.Event(), nil)
	ev := client.read(t)
	require.Equal(t, wyoming.TypeInfo, ev.Type)

	var info wyoming.Info
	require.NoError(t, json.Unmarshal(ev.Data, &info))
	require.Len(t, info.Wake, 1)
	assert.Equal(t, "azure", info.Wake[0].Name)
	assert.Equal(t, "test_word", info.Wake[0].Models[0].Phrase)
}

func TestStreamWithoutMatchYieldsNotDetected(t *testing.T) {
	engine := &keyword.MockEngine{}
	_, client := startTestServer(t, engine, false)

	client.streamCycle(t, 50)

	ev := client.read(t)
	assert.Equal(t, wyoming.TypeNotDetected, ev.Type)

	// Every frame reached the engine in order.
	sessions := engine.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 50, sessions[0].PushCount())
}

func TestStreamWithMatchYieldsDetection(t *testing.T) {
	engine := &keyword.MockEngine{MatchOnFrame: 30, MatchText: "test_word"}
	_, client := startTestServer(t, engine, false)

	client.streamCycle(t, 50)

	ev := client.read(t)
	require.Equal(t, wyoming.TypeDetection, ev.Type)
	det, err := wyoming.ParseDetection(ev)
	require.NoError(t, err)
	assert.Equal(t, "test_word", det.Name)
	assert.NotZero(t, det.Timestamp)
}

func TestContinuousModeEmitsUnsolicitedDetection(t *testing.T) {
	engine := &keyword.MockEngine{MatchOnFrame: 5, MatchText: "test_word"}
	_, client := startTestServer(t, engine, true)

	ev, err := (wyoming.AudioStart{AudioFormat: wyoming.AudioFormat{Rate: 16000, Width: 2, Channels: 1}}).Event()
	client.send(t, ev, err)
	for i := 0; i < 10; i++ {
		ev, err := (wyoming.AudioChunk{
			AudioFormat: wyoming.AudioFormat{Rate: 16000, Width: 2, Channels: 1},
			Audio:       make([]byte, 2048),
		}).Event()
		client.send(t, ev, err)
	}

	// The detection arrives without any audio-stop.
	got := client.read(t)
	require.Equal(t, wyoming.TypeDetection, got.Type)
	det, err := wyoming.ParseDetection(got)
	require.NoError(t, err)
	assert.Equal(t, "test_word", det.Name)
}

func TestTerminalEventPerCycle(t *testing.T) {
	engine := &keyword.MockEngine{}
	_, client := startTestServer(t, engine, false)

	// Two consecutive cycles on one connection, one terminal event each.
	for i := 0; i < 2; i++ {
		client.streamCycle(t, 5)
		ev := client.read(t)
		assert.Equal(t, wyoming.TypeNotDetected, ev.Type)
	}
	assert.Equal(t, 2, engine.SessionCount())
}

func TestDoubleAudioStopIsNoOp(t *testing.T) {
	engine := &keyword.MockEngine{}
	_, client := startTestServer(t, engine, false)

	client.streamCycle(t, 3)
	ev := client.read(t)
	require.Equal(t, wyoming.TypeNotDetected, ev.Type)

	// A stray second stop must not produce a second terminal event.
	stop, err := wyoming.AudioStop{}.Event()
	client.send(t, stop, err)

	client.send(t, wyoming.Describe{}.Event(), nil)
	next := client.read(t)
	assert.Equal(t, wyoming.TypeInfo, next.Type)
}

func TestBeginFailureStillResolvesNotDetected(t *testing.T) {
	engine := &keyword.MockEngine{StartErr: keyword.ErrModelLoad}
	_, client := startTestServer(t, engine, false)

	client.streamCycle(t, 3)
	ev := client.read(t)
	assert.Equal(t, wyoming.TypeNotDetected, ev.Type)
}
