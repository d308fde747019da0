// Package watchdog schedules whole-process restarts when the host runs low
// on memory or a daily maintenance window opens. The surrounding deployment
// is expected to restart the process; exits here are deliberate.
package watchdog

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Sampler reports host memory utilization as a percentage in [0, 100].
type Sampler func() (float64, error)

// HostMemory samples real host memory pressure.
func HostMemory() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return 100 - (float64(vm.Available) / float64(vm.Total) * 100), nil
}

// Config holds the watchdog configuration.
type Config struct {
	// Sampler defaults to HostMemory.
	Sampler Sampler

	// GracefulThreshold schedules a delayed exit when exceeded.
	GracefulThreshold float64

	// ImmediateThreshold schedules a near-immediate exit when exceeded.
	ImmediateThreshold float64

	// GracefulDelay leaves time for in-flight work; a later sample below
	// the thresholds cancels the exit.
	GracefulDelay time.Duration

	// ImmediateDelay is the short bound for a critical exit. Once
	// scheduled it is not cancellable.
	ImmediateDelay time.Duration

	// Exit performs the shutdown. Defaults to logging and os.Exit(0).
	Exit func(reason string)

	// Logger defaults to the standard logrus logger.
	Logger *logrus.Entry
}

// DefaultConfig returns the default watchdog configuration.
func DefaultConfig() Config {
	return Config{
		Sampler:            HostMemory,
		GracefulThreshold:  75,
		ImmediateThreshold: 90,
		GracefulDelay:      10 * time.Second,
		ImmediateDelay:     time.Second,
	}
}

// Watchdog samples memory pressure after each completed detection cycle and
// escalates to a process exit when the host approaches exhaustion.
type Watchdog struct {
	cfg Config
	log *logrus.Entry

	mu        sync.Mutex
	timer     *time.Timer
	immediate bool
	stopped   bool
}

// New creates a watchdog.
func New(cfg Config) *Watchdog {
	def := DefaultConfig()
	if cfg.Sampler == nil {
		cfg.Sampler = def.Sampler
	}
	if cfg.GracefulThreshold <= 0 {
		cfg.GracefulThreshold = def.GracefulThreshold
	}
	if cfg.ImmediateThreshold <= 0 {
		cfg.ImmediateThreshold = def.ImmediateThreshold
	}
	if cfg.GracefulDelay <= 0 {
		cfg.GracefulDelay = def.GracefulDelay
	}
	if cfg.ImmediateDelay <= 0 {
		cfg.ImmediateDelay = def.ImmediateDelay
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Exit == nil {
		cfg.Exit = func(reason string) {
			log.WithField("reason", reason).Warn("watchdog exit")
			os.Exit(0)
		}
	}
	return &Watchdog{cfg: cfg, log: log}
}

// Observe samples memory pressure once. Call after each completed
// detection cycle. A pending graceful exit is cancelled when pressure
// drops below the thresholds before its delay elapses.
func (w *Watchdog) Observe() {
	used, err := w.cfg.Sampler()
	if err != nil {
		w.log.WithError(err).Warn("memory sample failed")
		return
	}
	w.log.WithField("used_percent", int(used)).Info("memory used")

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	switch {
	case used > w.cfg.ImmediateThreshold:
		w.scheduleLocked("memory critical", w.cfg.ImmediateDelay, true)
	case used > w.cfg.GracefulThreshold:
		w.scheduleLocked("memory high", w.cfg.GracefulDelay, false)
	default:
		w.cancelLocked()
	}
}

// Stop cancels any pending cancellable exit and disables the watchdog.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.cancelLocked()
}

func (w *Watchdog) scheduleLocked(reason string, delay time.Duration, immediate bool) {
	if w.timer != nil {
		if w.immediate {
			// A critical exit is already in flight and stays that way.
			return
		}
		w.timer.Stop()
	}
	w.immediate = immediate
	w.log.WithFields(logrus.Fields{"reason": reason, "delay": delay}).Warn("scheduling process exit")
	w.timer = time.AfterFunc(delay, func() { w.cfg.Exit(reason) })
}

func (w *Watchdog) cancelLocked() {
	if w.timer == nil || w.immediate {
		return
	}
	w.timer.Stop()
	w.timer = nil
	w.log.Info("memory pressure cleared, cancelling scheduled exit")
}

// MaintenanceWindow exits the process once during a fixed daily hour as a
// scheduled preventive restart, independent of memory pressure.
type MaintenanceWindow struct {
	// Hour is the local hour (0-23) of the daily window.
	Hour int

	// Every is the polling interval. Defaults to 30 minutes.
	Every time.Duration

	// Exit performs the shutdown. Defaults to logging and os.Exit(0).
	Exit func(reason string)

	// Now is the clock, injectable for tests.
	Now func() time.Time

	// Logger defaults to the standard logrus logger.
	Logger *logrus.Entry
}

// Run polls until ctx ends or the window opens. Blocks; run in its own
// goroutine.
func (m *MaintenanceWindow) Run(ctx context.Context) {
	every := m.Every
	if every <= 0 {
		every = 30 * time.Minute
	}
	now := m.Now
	if now == nil {
		now = time.Now
	}
	log := m.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	exit := m.Exit
	if exit == nil {
		exit = func(reason string) {
			log.WithField("reason", reason).Info("maintenance exit")
			os.Exit(0)
		}
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if now().Hour() == m.Hour {
			exit("maintenance window")
			return
		}
		log.WithField("hour", m.Hour).Debug("outside maintenance window")
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
