// Package server accepts Wyoming connections and drives one detection
// supervisor per client session.
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/realtime-ai/wyoming-wakeword/pkg/detect"
	"github.com/realtime-ai/wyoming-wakeword/pkg/trace"
	"github.com/realtime-ai/wyoming-wakeword/pkg/wyoming"
)

// SessionHandler is the per-connection event state machine. It translates
// inbound protocol events into supervisor calls and supervisor results into
// outbound events. One instance per connection.
type SessionHandler struct {
	id   string
	conn *wyoming.Conn
	sup  *detect.Supervisor
	log  *logrus.Entry

	infoEvent   wyoming.Event
	keywordName string
	continuous  bool

	// mu serializes the start/feed/stop sequence so overlapping events
	// from a misbehaving client cannot interleave supervisor calls.
	mu        sync.Mutex
	streaming bool
	endCycle  func(err error)
}

// NewSessionHandler creates a handler for one accepted connection.
func NewSessionHandler(id string, conn *wyoming.Conn, sup *detect.Supervisor,
	info wyoming.Info, keywordName string, continuous bool, log *logrus.Entry) (*SessionHandler, error) {

	infoEvent, err := info.Event()
	if err != nil {
		return nil, err
	}
	return &SessionHandler{
		id:          id,
		conn:        conn,
		sup:         sup,
		log:         log,
		infoEvent:   infoEvent,
		keywordName: keywordName,
		continuous:  continuous,
	}, nil
}

// Run processes events until the connection closes or ctx ends. The
// supervisor is always shut down on the way out.
func (h *SessionHandler) Run(ctx context.Context) error {
	ctx, span := trace.InstrumentSession(ctx, h.id, h.conn.RemoteAddr())
	defer span.End()
	defer h.sup.EndSession()

	// Asynchronous detections are forwarded the moment they are produced
	// under continuous listening; otherwise they are only drained so the
	// finalize path reports them.
	done := make(chan struct{})
	defer close(done)
	go h.forwardDetections(done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := h.conn.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.log.Debug("client disconnected")
				return nil
			}
			return err
		}
		if err := h.handleEvent(ctx, ev); err != nil {
			return err
		}
	}
}

func (h *SessionHandler) forwardDetections(done chan struct{}) {
	for {
		select {
		case d := <-h.sup.Results():
			if !h.continuous {
				continue
			}
			ev, err := (wyoming.Detection{
				Name:      h.keywordName,
				Timestamp: d.At.Unix(),
			}).Event()
			if err == nil {
				err = h.conn.WriteEvent(ev)
			}
			if err != nil {
				h.log.WithError(err).Warn("failed to send detection event")
			}
		case <-done:
			return
		}
	}
}

func (h *SessionHandler) handleEvent(ctx context.Context, ev wyoming.Event) error {
	switch ev.Type {
	case wyoming.TypeDescribe:
		h.log.Debug("describe")
		return h.conn.WriteEvent(h.infoEvent)

	case wyoming.TypeAudioStart:
		start, err := wyoming.ParseAudioStart(ev)
		if err != nil {
			h.log.WithError(err).Warn("ignoring malformed audio-start")
			return nil
		}
		h.handleAudioStart(ctx, start)
		return nil

	case wyoming.TypeAudioChunk:
		chunk, err := wyoming.ParseAudioChunk(ev)
		if err != nil {
			h.log.WithError(err).Warn("ignoring malformed audio-chunk")
			return nil
		}
		h.handleAudioChunk(chunk)
		return nil

	case wyoming.TypeAudioStop:
		return h.handleAudioStop(ctx)

	case wyoming.TypeDetect:
		// Informational; the keyword is fixed by the loaded model.
		h.log.Debug("detect request")
		return nil

	default:
		h.log.WithField("type", ev.Type).Debug("unhandled event type")
		return nil
	}
}

func (h *SessionHandler) handleAudioStart(ctx context.Context, start wyoming.AudioStart) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"rate":     start.Rate,
		"width":    start.Width,
		"channels": start.Channels,
	}).Debug("audio start")

	_, span := trace.InstrumentDetectionCycle(ctx, h.id, start.Rate, start.Width, start.Channels)
	h.endCycle = func(err error) {
		trace.RecordError(span, err)
		span.End()
	}

	if err := h.sup.BeginSession(start.AudioFormat); err != nil {
		// Fatal to this session only; the stop event still resolves as
		// not detected.
		h.log.WithError(err).Error("failed to begin detection session")
	}
	h.streaming = true
}

func (h *SessionHandler) handleAudioChunk(chunk wyoming.AudioChunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.streaming {
		h.log.Debug("dropping chunk outside stream")
		return
	}
	h.sup.FeedAudio(chunk.Audio)
}

// handleAudioStop finalizes the recognition attempt and emits exactly one
// terminal event for the stream. Engine errors resolve as not-detected so
// the client always gets a terminal response.
func (h *SessionHandler) handleAudioStop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.streaming {
		h.log.Debug("audio stop outside stream")
		return nil
	}
	h.streaming = false

	res, err := h.sup.Finalize(ctx)
	if h.endCycle != nil {
		h.endCycle(err)
		h.endCycle = nil
	}
	if err != nil {
		h.log.WithError(err).Warn("finalize failed, resolving as not detected")
		return h.conn.WriteEvent(wyoming.NotDetected{}.Event())
	}
	if res.Detected {
		h.log.WithField("text", res.Text).Info("detection")
		ev, err := (wyoming.Detection{
			Name:      h.keywordName,
			Timestamp: time.Now().Unix(),
		}).Event()
		if err != nil {
			return err
		}
		return h.conn.WriteEvent(ev)
	}
	return h.conn.WriteEvent(wyoming.NotDetected{}.Event())
}
