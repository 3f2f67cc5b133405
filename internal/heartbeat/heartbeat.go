// Package heartbeat is the sample service hosted by svchost. It logs a
// message on a fixed interval and answers every control the lifecycle can
// deliver so the whole dispatch surface can be exercised end to end.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"

	"github.com/BrainStation-23/svcctl/internal/config"
	"github.com/BrainStation-23/svcctl/internal/lifecycle"
	"github.com/BrainStation-23/svcctl/internal/service"
)

const stepWaitHint = 5000

var (
	beats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcctl_heartbeat_beats_total",
			Help: "Total heartbeats logged by service",
		},
		[]string{"service"},
	)

	events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcctl_heartbeat_events_total",
			Help: "Total control notifications received by service and event",
		},
		[]string{"service", "event"},
	)
)

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock driving the heartbeat ticker.
func WithClock(c clock.WithTicker) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithConfigPath makes ParamChange reload the heartbeat section from path.
func WithConfigPath(path string) Option {
	return func(s *Service) {
		s.configPath = path
	}
}

// WithWatch reloads the configuration whenever the file changes while running.
func WithWatch() Option {
	return func(s *Service) {
		s.watch = true
	}
}

// Service is a lifecycle.Program that emits heartbeats.
type Service struct {
	name       string
	logger     *slog.Logger
	clock      clock.WithTicker
	configPath string
	watch      bool

	mu       sync.Mutex
	interval time.Duration
	message  string
	paused   bool
	count    uint64
	received map[string]int

	reset chan struct{}
}

// New creates the heartbeat service from its configuration section.
func New(name string, cfg config.HeartbeatConfig, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		name:     name,
		logger:   logger.With("component", "heartbeat", "service", name),
		clock:    clock.RealClock{},
		interval: cfg.Interval,
		message:  cfg.Message,
		received: make(map[string]int),
		reset:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize validates the interval. args[0] is the service name; any
// further start parameters replace the message.
func (s *Service) Initialize(ctx context.Context, args []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(args) > 1 {
		s.message = strings.Join(args[1:], " ")
	}
	lifecycle.ReportProgress(ctx, stepWaitHint)

	if s.interval <= 0 {
		return &lifecycle.ExitError{Code: 1, Err: fmt.Errorf("heartbeat interval must be positive, got %s", s.interval)}
	}
	s.logger.Info("heartbeat initialized", "interval", s.interval, "message", s.message)
	return nil
}

// Run logs a heartbeat every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.watch && s.configPath != "" {
		w, err := config.Watch(s.configPath, func(cfg *config.Config, err error) {
			if err != nil {
				s.logger.Warn("config reload failed", "error", err)
				return
			}
			s.apply(cfg.Heartbeat)
		})
		if err != nil {
			s.logger.Warn("config watch unavailable", "error", err)
		} else {
			defer w.Close()
		}
	}

	ticker := s.clock.NewTicker(s.currentInterval())
	defer func() { ticker.Stop() }()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("heartbeat stopped", "beats", s.Beats())
			return nil
		case <-s.reset:
			ticker.Stop()
			ticker = s.clock.NewTicker(s.currentInterval())
		case <-ticker.C():
			s.beat()
		}
	}
}

func (s *Service) beat() {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.count++
	count, message := s.count, s.message
	s.mu.Unlock()

	beats.WithLabelValues(s.name).Inc()
	s.logger.Info(message, "beat", count)
}

func (s *Service) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// apply installs a new heartbeat section, restarting the ticker if the interval changed.
func (s *Service) apply(cfg config.HeartbeatConfig) {
	s.mu.Lock()
	changed := cfg.Interval > 0 && cfg.Interval != s.interval
	if cfg.Interval > 0 {
		s.interval = cfg.Interval
	}
	if cfg.Message != "" {
		s.message = cfg.Message
	}
	interval, message := s.interval, s.message
	s.mu.Unlock()

	if changed {
		select {
		case s.reset <- struct{}{}:
		default:
		}
	}
	s.logger.Info("heartbeat reconfigured", "interval", interval, "message", message)
}

// Beats returns the number of heartbeats logged so far.
func (s *Service) Beats() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Paused reports whether heartbeats are suspended.
func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Received returns how many times the named notification was delivered.
func (s *Service) Received(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[event]
}

func (s *Service) record(event string, args ...any) {
	s.mu.Lock()
	s.received[event]++
	s.mu.Unlock()

	events.WithLabelValues(s.name, event).Inc()
	s.logger.Info("control notification", append([]any{"event", event}, args...)...)
}

func (s *Service) Stop(ctx context.Context) error {
	lifecycle.ReportProgress(ctx, stepWaitHint)
	s.record("stop", "beats", s.Beats())
	return nil
}

func (s *Service) Pause(_ context.Context) error {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.record("pause")
	return nil
}

func (s *Service) Continue(_ context.Context) error {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.record("continue")
	return nil
}

// ParamChange reloads the heartbeat section from the configuration file.
func (s *Service) ParamChange(_ context.Context) error {
	if s.configPath == "" {
		return lifecycle.ErrNotImplemented
	}
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	s.apply(cfg.Heartbeat)
	s.record("param_change", "path", s.configPath)
	return nil
}

func (s *Service) NetBindChange(_ context.Context, kind service.ControlKind) error {
	s.record("netbind", "control", kind)
	return nil
}

func (s *Service) DeviceEvent(_ context.Context, eventType uint32, eventData any) error {
	s.record("device", "event_type", eventType, "data", eventData)
	return nil
}

func (s *Service) HardwareProfileChange(_ context.Context, eventType uint32) error {
	s.record("hardware_profile", "event_type", eventType)
	return nil
}

func (s *Service) PowerEvent(_ context.Context, eventType uint32, eventData any) error {
	s.record("power", "event_type", eventType, "data", eventData)
	return nil
}

func (s *Service) SessionChange(_ context.Context, eventType uint32, eventData any) error {
	s.record("session", "event_type", eventType, "data", eventData)
	return nil
}

func (s *Service) TimeChange(_ context.Context, eventData any) error {
	s.record("time", "data", eventData)
	return nil
}

func (s *Service) UserLogoff(_ context.Context, eventData any) error {
	s.record("user_logoff", "data", eventData)
	return nil
}

func (s *Service) TriggerEvent(_ context.Context) error {
	s.record("trigger")
	return nil
}

// LowResources is recorded only. Heartbeats keep running so the reported
// state stays Running; Pause is the way to suspend them.
func (s *Service) LowResources(_ context.Context) error {
	s.record("low_resources")
	return nil
}

func (s *Service) SystemLowResources(_ context.Context, eventData any) error {
	s.record("system_low_resources", "data", eventData)
	return nil
}
