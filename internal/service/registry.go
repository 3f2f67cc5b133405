package service

import (
	"errors"
	"fmt"
	"log/slog"

	"k8s.io/utils/clock"
)

// Registry is a connection to the service registry. It is not safe for
// concurrent use; callers controlling several services concurrently open one
// Handle per service.
type Registry struct {
	backend Backend
	clock   clock.Clock
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the clock used by handles for polling.
func WithClock(clk clock.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry wraps a backend connection.
func NewRegistry(backend Backend, opts ...RegistryOption) *Registry {
	r := &Registry{
		backend: backend,
		clock:   clock.RealClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Create registers a new service and returns a handle to it.
func (r *Registry) Create(cfg Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ref, err := r.backend.CreateService(cfg)
	recordOperation("create", err)
	if err != nil {
		return nil, fmt.Errorf("failed to create service %s: %w", cfg.Name, err)
	}
	r.logger.Info("service created", "service", cfg.Name, "executable", cfg.ExecutablePath)
	return newHandle(cfg.Name, ref, r.clock, r.logger), nil
}

// Open returns a handle to an existing service.
func (r *Registry) Open(name string, access Access) (*Handle, error) {
	ref, err := r.backend.OpenService(name, access)
	recordOperation("open", err)
	if err != nil {
		return nil, fmt.Errorf("failed to open service %s: %w", name, err)
	}
	return newHandle(name, ref, r.clock, r.logger), nil
}

// List enumerates registered service names.
func (r *Registry) List() ([]string, error) {
	names, err := r.backend.ListServices()
	recordOperation("list", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	return names, nil
}

// StopDependentServices stops every active dependent of h and waits for each
// to reach Stopped. The cascade aborts at the first dependent that fails.
func (r *Registry) StopDependentServices(h *Handle) error {
	dependents, err := h.DependentServices()
	if err != nil {
		return err
	}

	for _, name := range dependents {
		if err := r.stopDependent(name); err != nil {
			stopCascadeFailures.Inc()
			r.logger.Error("dependent stop failed, aborting cascade",
				"service", h.Name(), "dependent", name, "error", err)
			return fmt.Errorf("%w: %s: %w", ErrDependentStopFailed, name, err)
		}
	}
	return nil
}

func (r *Registry) stopDependent(name string) error {
	dep, err := r.Open(name, AccessStop|AccessQueryStatus)
	if err != nil {
		return err
	}
	defer dep.Close()

	r.logger.Info("stopping dependent service", "dependent", name)
	status, err := dep.ControlService(ControlStop)
	if err != nil {
		if errors.Is(err, ErrServiceNotActive) {
			return nil
		}
		return err
	}
	if !dep.waitUntil(&status, Stopped) {
		return fmt.Errorf("%w (state %s)", ErrStopTimeout, status.State)
	}
	return nil
}

// StopService stops the service behind h after stopping its active dependents.
// A service that is already stopped returns immediately; one that is already
// stopping is waited for.
func (r *Registry) StopService(h *Handle) error {
	status, err := h.Query()
	if err != nil {
		return err
	}

	switch status.State {
	case Stopped:
		return nil
	case StopPending:
		if !h.WaitForServiceState(&status, StopPending, Stopped) {
			return fmt.Errorf("%w: %s (state %s)", ErrStopTimeout, h.Name(), status.State)
		}
		return nil
	}

	if err := r.StopDependentServices(h); err != nil {
		return err
	}

	r.logger.Info("stopping service", "service", h.Name())
	status, err = h.ControlService(ControlStop)
	if err != nil {
		if errors.Is(err, ErrServiceNotActive) {
			return nil
		}
		return err
	}
	if !h.waitUntil(&status, Stopped) {
		return fmt.Errorf("%w: %s (state %s)", ErrStopTimeout, h.Name(), status.State)
	}
	r.logger.Info("service stopped", "service", h.Name())
	return nil
}

// DeleteService stops the named service if needed, then deletes it. A service
// that does not exist or is already marked for deletion counts as deleted.
func (r *Registry) DeleteService(name string) error {
	h, err := r.Open(name, AccessStop|AccessQueryStatus|AccessEnumerateDependent|AccessDelete)
	if err != nil {
		if isAlreadyDeleted(err) {
			return nil
		}
		return err
	}
	defer h.Close()

	if err := r.StopService(h); err != nil && !isAlreadyDeleted(err) {
		return err
	}
	err = h.Delete()
	recordOperation("delete", err)
	if err != nil {
		return err
	}
	r.logger.Info("service deleted", "service", name)
	return nil
}

// Close releases the registry connection.
func (r *Registry) Close() error {
	return r.backend.Close()
}

// Install registers the service with the service manager
func (r *Registry) Install(cfg Config) error {
	h, err := r.Create(cfg)
	if err != nil {
		return err
	}
	return h.Close()
}

// Uninstall stops and removes the service
func (r *Registry) Uninstall(serviceName string) error {
	return r.DeleteService(serviceName)
}

// Start starts the service and waits until it is running. A service that is
// already starting is waited for.
func (r *Registry) Start(serviceName string, args ...string) error {
	h, err := r.Open(serviceName, AccessStart|AccessQueryStatus)
	if err != nil {
		return err
	}
	defer h.Close()

	started, err := h.Start(args...)
	if err != nil {
		return err
	}
	if started {
		return nil
	}
	status, err := h.Query()
	if err != nil {
		return err
	}
	switch status.State {
	case Running:
		return nil
	case StartPending, ContinuePending:
		// Started elsewhere.
		if h.waitUntil(&status, Running) {
			return nil
		}
	}
	return fmt.Errorf("service %s did not reach running (state %s)", serviceName, status.State)
}

// Stop stops the service and its active dependents
func (r *Registry) Stop(serviceName string) error {
	h, err := r.Open(serviceName, AccessStop|AccessQueryStatus|AccessEnumerateDependent)
	if err != nil {
		// If service doesn't exist, that's okay - it's already "stopped"
		if errors.Is(err, ErrServiceNotFound) {
			return nil
		}
		return err
	}
	defer h.Close()
	return r.StopService(h)
}

// Restart stops then starts the service
func (r *Registry) Restart(serviceName string) error {
	if err := r.Stop(serviceName); err != nil {
		return err
	}
	return r.Start(serviceName)
}

// Status returns the current status record of the service
func (r *Registry) Status(serviceName string) (Status, error) {
	h, err := r.Open(serviceName, AccessQueryStatus)
	if err != nil {
		return Status{}, err
	}
	defer h.Close()
	return h.Query()
}

// IsRunning checks if the service is running
func (r *Registry) IsRunning(serviceName string) (bool, error) {
	status, err := r.Status(serviceName)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			return false, nil
		}
		return false, err
	}
	return status.State == Running, nil
}

// GetServiceBinaryPath returns the executable registered for the service
func (r *Registry) GetServiceBinaryPath(serviceName string) (string, error) {
	h, err := r.Open(serviceName, AccessQueryConfig)
	if err != nil {
		return "", err
	}
	defer h.Close()

	cfg, err := h.Config()
	if err != nil {
		return "", err
	}
	if cfg.ExecutablePath == "" {
		return "", fmt.Errorf("binary path not found for service %s", serviceName)
	}
	return cfg.ExecutablePath, nil
}

// Control sends a control code without waiting for the service to act on it
func (r *Registry) Control(serviceName string, kind ControlKind) (Status, error) {
	h, err := r.Open(serviceName, controlAccess(kind)|AccessQueryStatus)
	if err != nil {
		return Status{}, err
	}
	defer h.Close()
	return h.ControlService(kind)
}

// controlAccess returns the access right the registry checks before delivering kind.
func controlAccess(kind ControlKind) Access {
	switch kind {
	case ControlStop:
		return AccessStop
	case ControlPause, ControlContinue, ControlParamChange,
		ControlNetBindAdd, ControlNetBindRemove, ControlNetBindEnable, ControlNetBindDisable:
		return AccessPauseContinue
	case ControlInterrogate:
		return AccessInterrogate
	default:
		return AccessUserDefined
	}
}
