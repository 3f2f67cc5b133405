package service

import (
	"errors"
	"fmt"
	"log/slog"

	"k8s.io/utils/clock"
)

// Handle is an exclusive reference to one registered service.
// A Handle is not safe for concurrent use; open one handle per goroutine.
type Handle struct {
	name   string
	ref    ServiceRef
	clock  clock.Clock
	logger *slog.Logger
}

func newHandle(name string, ref ServiceRef, clk clock.Clock, logger *slog.Logger) *Handle {
	return &Handle{
		name:   name,
		ref:    ref,
		clock:  clk,
		logger: logger.With("service", name),
	}
}

// Name returns the service name.
func (h *Handle) Name() string {
	return h.name
}

// Query returns the current status record from the registry.
func (h *Handle) Query() (Status, error) {
	if h.ref == nil {
		return Status{}, ErrHandleClosed
	}
	status, err := h.ref.Query()
	if err != nil {
		return Status{}, fmt.Errorf("failed to query service %s: %w", h.name, err)
	}
	return status, nil
}

// ControlService sends a control code without waiting for the service to act on it.
// Combine with WaitForServiceState for synchronous semantics.
func (h *Handle) ControlService(kind ControlKind) (Status, error) {
	if h.ref == nil {
		return Status{}, ErrHandleClosed
	}
	status, err := h.ref.Control(kind)
	if err != nil {
		return status, fmt.Errorf("failed to send %s to service %s: %w", kind, h.name, err)
	}
	return status, nil
}

// WaitForServiceState polls until the service leaves current, updating status in
// place, and reports whether it arrived in target.
//
// Each poll sleeps status.WaitTime(). A checkpoint advance resets the stall
// timer, so a progressing service is waited for indefinitely; a service whose
// checkpoint does not move for longer than its wait hint is treated as stalled.
// A failed query ends the wait immediately.
func (h *Handle) WaitForServiceState(status *Status, current, target State) bool {
	start := h.clock.Now()
	previousCheckPoint := status.CheckPoint

	for status.State == current {
		h.clock.Sleep(status.WaitTime())

		next, err := h.Query()
		if err != nil {
			h.logger.Warn("status query failed while waiting", "from", current, "to", target, "error", err)
			recordWait(current, target, waitOutcomeQueryFailed)
			return false
		}
		*status = next

		if status.State != current {
			break
		}
		if status.CheckPoint > previousCheckPoint {
			start = h.clock.Now()
			previousCheckPoint = status.CheckPoint
			continue
		}
		if h.clock.Since(start) > status.WaitHintDuration() {
			h.logger.Warn("service stalled",
				"state", status.State,
				"checkpoint", status.CheckPoint,
				"wait_hint_ms", status.WaitHint)
			recordWait(current, target, waitOutcomeStalled)
			return false
		}
	}

	if status.State != target {
		recordWait(current, target, waitOutcomeUnexpected)
		return false
	}
	recordWait(current, target, waitOutcomeReached)
	return true
}

// waitUntil follows the service through intermediate states until it reaches
// target, stalls, or stops moving.
func (h *Handle) waitUntil(status *Status, target State) bool {
	for status.State != target {
		from := status.State
		if h.WaitForServiceState(status, from, target) {
			return true
		}
		if status.State == from || status.State == Stopped {
			return false
		}
	}
	return true
}

// Start starts a stopped service and waits for it to run. A service that is
// stopping is first waited for. It returns false when the service is in any
// other state or does not reach Running.
func (h *Handle) Start(args ...string) (bool, error) {
	status, err := h.Query()
	if err != nil {
		return false, err
	}

	switch status.State {
	case Stopped:
	case StopPending:
		if !h.WaitForServiceState(&status, StopPending, Stopped) {
			return false, nil
		}
	default:
		h.logger.Debug("start skipped", "state", status.State)
		return false, nil
	}

	h.logger.Info("starting service")
	if err := h.ref.Start(args...); err != nil {
		return false, fmt.Errorf("failed to start service %s: %w", h.name, err)
	}

	status, err = h.Query()
	if err != nil {
		return false, err
	}
	if status.State == Stopped {
		// The registry may not have moved the service out of Stopped yet.
		if !h.WaitForServiceState(&status, Stopped, Running) && status.State == Stopped {
			return false, nil
		}
	}
	if !h.waitUntil(&status, Running) {
		h.logger.Warn("service did not reach running", "state", status.State)
		return false, nil
	}
	h.logger.Info("service running")
	return true, nil
}

// Config returns the registration metadata.
func (h *Handle) Config() (Config, error) {
	if h.ref == nil {
		return Config{}, ErrHandleClosed
	}
	cfg, err := h.ref.Config()
	if err != nil {
		return Config{}, fmt.Errorf("failed to query config of service %s: %w", h.name, err)
	}
	return cfg, nil
}

// DependentServices returns the active services that depend on this one.
func (h *Handle) DependentServices() ([]string, error) {
	if h.ref == nil {
		return nil, ErrHandleClosed
	}
	names, err := h.ref.ListDependentServices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate dependents of service %s: %w", h.name, err)
	}
	return names, nil
}

// Delete marks the service for deletion. A service that is already gone or
// already marked for deletion counts as deleted.
func (h *Handle) Delete() error {
	if h.ref == nil {
		return ErrHandleClosed
	}
	if err := h.ref.Delete(); err != nil && !isAlreadyDeleted(err) {
		return fmt.Errorf("failed to delete service %s: %w", h.name, err)
	}
	return nil
}

// Close releases the registry reference. The service itself is untouched.
// Closing twice is a no-op.
func (h *Handle) Close() error {
	if h.ref == nil {
		return nil
	}
	err := h.ref.Close()
	h.ref = nil
	return err
}

func isAlreadyDeleted(err error) bool {
	return errors.Is(err, ErrServiceNotFound) || errors.Is(err, ErrServiceMarkedForDelete)
}
