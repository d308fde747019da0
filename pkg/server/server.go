package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/realtime-ai/wyoming-wakeword/pkg/detect"
	"github.com/realtime-ai/wyoming-wakeword/pkg/keyword"
	"github.com/realtime-ai/wyoming-wakeword/pkg/wyoming"
)

// Config holds the server configuration.
type Config struct {
	// URI is the listen endpoint (tcp://, unix://, ws:// or stdio://).
	URI string

	// Engine creates recognition sessions for every connection.
	Engine keyword.Engine

	// ModelPath is the keyword model file.
	ModelPath string

	// KeywordName is reported in Detection events.
	KeywordName string

	// Info is the capability reply to Describe.
	Info wyoming.Info

	// Continuous forwards detections the moment they occur instead of
	// holding them for the audio-stop reply.
	Continuous bool

	// RotateInterval overrides the supervisor worker rotation period.
	RotateInterval time.Duration

	// OnCycleComplete runs after each completed detection cycle,
	// regardless of which session produced it.
	OnCycleComplete func()

	// Logger defaults to the standard logrus logger.
	Logger *logrus.Entry
}

// Server accepts Wyoming connections and runs one session handler per
// client, each with its own detection supervisor.
type Server struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	listener wyoming.Listener
}

// New creates a server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{cfg: cfg, log: log}
}

// Run listens and serves until ctx ends. Per-connection failures are
// logged, never fatal to the server.
func (s *Server) Run(ctx context.Context) error {
	ln, err := wyoming.Listen(s.cfg.URI)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.WithField("uri", s.cfg.URI).Info("server ready")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		var wg sync.WaitGroup
		defer wg.Wait()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, wyoming.ErrListenerClosed) {
					return nil
				}
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleConn(ctx, conn)
			}()
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Addr returns the bound endpoint once Run has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(ctx context.Context, conn *wyoming.Conn) {
	id := uuid.New().String()[:8]
	log := s.log.WithFields(logrus.Fields{"session": id, "remote": conn.RemoteAddr()})
	log.Info("client connected")
	defer conn.Close()

	// Unblock the read loop when the server shuts down.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	supCfg := detect.DefaultConfig(s.cfg.Engine, s.cfg.ModelPath)
	if s.cfg.RotateInterval > 0 {
		supCfg.RotateInterval = s.cfg.RotateInterval
	}
	supCfg.OnCycleComplete = s.cfg.OnCycleComplete
	supCfg.Logger = log
	sup := detect.NewSupervisor(supCfg)

	h, err := NewSessionHandler(id, conn, sup, s.cfg.Info, s.cfg.KeywordName, s.cfg.Continuous, log)
	if err != nil {
		log.WithError(err).Error("failed to create session handler")
		return
	}
	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		log.WithError(err).Warn("session ended with error")
	}
	log.Info("client disconnected")
}
