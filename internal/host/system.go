package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kservice "github.com/kardianos/service"

	"github.com/BrainStation-23/svcctl/internal/service"
)

// systemStopTimeout bounds how long the System dispatcher keeps re-sending
// Stop to a service that answers CannotAcceptControl.
const systemStopTimeout = 30 * time.Second

// System hosts one service through github.com/kardianos/service, which binds
// to systemd, launchd, SysV or the Windows SCM depending on the platform.
// Stop and shutdown signals from the service manager become Stop control codes;
// published status records go to the system logger.
type System struct {
	config *kservice.Config
	logger *slog.Logger

	mu        sync.Mutex
	name      string
	token     StatusToken
	handler   ControlHandler
	sysLogger kservice.Logger
}

// NewSystem creates a dispatcher backed by the platform service manager.
// An empty config Name is filled from the entry table.
func NewSystem(config *kservice.Config, logger *slog.Logger) *System {
	if config == nil {
		config = &kservice.Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &System{
		config: config,
		logger: logger.With("component", "system-host"),
	}
}

// RegisterHandler installs the handler for the single hosted service.
func (d *System) RegisterHandler(name string, handler ControlHandler) (StatusToken, error) {
	if handler == nil {
		return StatusToken{}, fmt.Errorf("nil control handler for %s", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.name != "" && d.name != name {
		return StatusToken{}, fmt.Errorf("%w: system host already serves %s", ErrUnsupportedTable, d.name)
	}
	d.name = name
	d.handler = handler
	d.token = newToken(name)
	return d.token, nil
}

// SetStatus writes the status record to the system logger.
func (d *System) SetStatus(token StatusToken, status service.Status) error {
	d.mu.Lock()
	valid := token == d.token
	sysLogger := d.sysLogger
	d.mu.Unlock()
	if !valid {
		return fmt.Errorf("%w: %s", ErrNotRegistered, token.name)
	}

	d.logger.Info("status",
		"service", token.name,
		"state", status.State,
		"checkpoint", status.CheckPoint,
		"wait_hint_ms", status.WaitHint,
		"exit_code", status.ExitCode)
	if sysLogger != nil {
		return sysLogger.Infof("%s: %s (checkpoint %d, wait hint %dms, exit code %d)",
			token.name, status.State, status.CheckPoint, status.WaitHint, status.ExitCode)
	}
	return nil
}

// StartDispatch hosts the single entry until the service manager stops it,
// ctx is done, or the entry returns on its own.
func (d *System) StartDispatch(ctx context.Context, table []Entry) error {
	if err := validateTable(table); err != nil {
		return err
	}
	if len(table) != 1 {
		return fmt.Errorf("%w: system host runs exactly one service, got %d", ErrUnsupportedTable, len(table))
	}
	entry := table[0]

	config := *d.config
	if config.Name == "" {
		config.Name = entry.Name
	}

	prg := &systemProgram{host: d, entry: entry, exited: make(chan struct{})}
	s, err := kservice.New(prg, &config)
	if err != nil {
		return fmt.Errorf("failed to create system service %s: %w", entry.Name, err)
	}

	sysLogger, err := s.Logger(nil)
	if err != nil {
		d.logger.Warn("system logger unavailable", "error", err)
	} else {
		d.mu.Lock()
		d.sysLogger = sysLogger
		d.mu.Unlock()
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run()
	}()

	select {
	case err := <-runErr:
		if err != nil {
			return fmt.Errorf("system service %s failed: %w", entry.Name, err)
		}
		<-prg.exited
		return prg.result()
	case <-ctx.Done():
		d.logger.Info("stop requested by context", "service", entry.Name)
		d.deliverStop(entry.Name, prg.exited)
		<-prg.exited
		return prg.result()
	case <-prg.exited:
		return prg.result()
	}
}

// deliverStop sends Stop until the service accepts it, exits, or the timeout passes.
func (d *System) deliverStop(name string, exited <-chan struct{}) {
	deadline := time.Now().Add(systemStopTimeout)
	for {
		d.mu.Lock()
		handler := d.handler
		d.mu.Unlock()

		if handler != nil {
			result := invokeHandler(d.logger, name, handler, service.ControlStop, 0, nil)
			if result != service.ResultCannotAcceptControl {
				return
			}
		}
		if time.Now().After(deadline) {
			d.logger.Error("service did not accept stop", "service", name)
			return
		}
		select {
		case <-exited:
			return
		case <-time.After(stopRetryInterval):
		}
	}
}

// systemProgram adapts an Entry to kardianos/service's Interface.
type systemProgram struct {
	host   *System
	entry  Entry
	exited chan struct{}
	once   sync.Once
	code   uint32
}

// result is valid once exited is closed.
func (p *systemProgram) result() error {
	return entryResult(p.entry.Name, p.code)
}

func (p *systemProgram) Start(s kservice.Service) error {
	go func() {
		defer p.once.Do(func() { close(p.exited) })
		code := p.entry.Main(p.host, []string{p.entry.Name})
		p.code = code
		p.host.logger.Info("service entry returned", "service", p.entry.Name, "exit_code", code)
	}()
	return nil
}

func (p *systemProgram) Stop(s kservice.Service) error {
	p.host.deliverStop(p.entry.Name, p.exited)
	select {
	case <-p.exited:
	case <-time.After(systemStopTimeout):
		return fmt.Errorf("service %s did not stop within %s", p.entry.Name, systemStopTimeout)
	}
	return nil
}
