package lifecycle

import (
	"context"
	"errors"

	"github.com/BrainStation-23/svcctl/internal/service"
)

var (
	// ErrNotImplemented makes a control hook answer NotImplemented.
	ErrNotImplemented = errors.New("control not implemented")

	// ErrCannotAccept makes a control hook answer CannotAcceptControl.
	ErrCannotAccept = errors.New("control cannot be accepted now")
)

// Program is the service body driven by a Lifecycle.
type Program interface {
	// Initialize prepares the service while it is StartPending. A non-nil
	// error ends the start attempt and the service reports Stopped.
	Initialize(ctx context.Context, args []string) error

	// Run is the service body. ctx is cancelled when a stop is requested;
	// Run returning is the completion signal the stop path waits for.
	Run(ctx context.Context) error
}

// Stopper is called when a stop is requested, after StopPending is reported
// and before Run's context is cancelled.
type Stopper interface {
	Stop(ctx context.Context) error
}

type Pauser interface {
	Pause(ctx context.Context) error
}

type Continuer interface {
	Continue(ctx context.Context) error
}

type ParamChanger interface {
	ParamChange(ctx context.Context) error
}

// NetBindHandler receives NetBindAdd, NetBindRemove, NetBindEnable and NetBindDisable.
type NetBindHandler interface {
	NetBindChange(ctx context.Context, kind service.ControlKind) error
}

type DeviceEventHandler interface {
	DeviceEvent(ctx context.Context, eventType uint32, eventData any) error
}

type HardwareProfileHandler interface {
	HardwareProfileChange(ctx context.Context, eventType uint32) error
}

type PowerEventHandler interface {
	PowerEvent(ctx context.Context, eventType uint32, eventData any) error
}

type SessionChangeHandler interface {
	SessionChange(ctx context.Context, eventType uint32, eventData any) error
}

type ShutdownHandler interface {
	Shutdown(ctx context.Context) error
}

type PreShutdownHandler interface {
	PreShutdown(ctx context.Context) error
}

type TimeChangeHandler interface {
	TimeChange(ctx context.Context, eventData any) error
}

type UserLogoffHandler interface {
	UserLogoff(ctx context.Context, eventData any) error
}

type TriggerEventHandler interface {
	TriggerEvent(ctx context.Context) error
}

type LowResourcesHandler interface {
	LowResources(ctx context.Context) error
}

type SystemLowResourcesHandler interface {
	SystemLowResources(ctx context.Context, eventData any) error
}

// acceptsFor derives the declared control set from the capabilities p implements.
func acceptsFor(p Program, stopOnShutdown bool) service.Accepted {
	accepts := service.AcceptStop
	_, pauser := p.(Pauser)
	_, continuer := p.(Continuer)
	if pauser && continuer {
		accepts |= service.AcceptPauseAndContinue
	}
	if _, ok := p.(ShutdownHandler); ok || stopOnShutdown {
		accepts |= service.AcceptShutdown
	}
	capabilities := []struct {
		ok     bool
		accept service.Accepted
	}{
		{is[ParamChanger](p), service.AcceptParamChange},
		{is[NetBindHandler](p), service.AcceptNetBindChange},
		{is[HardwareProfileHandler](p), service.AcceptHardwareProfileChange},
		{is[PowerEventHandler](p), service.AcceptPowerEvent},
		{is[SessionChangeHandler](p), service.AcceptSessionChange},
		{is[PreShutdownHandler](p), service.AcceptPreShutdown},
		{is[TimeChangeHandler](p), service.AcceptTimeChange},
		{is[TriggerEventHandler](p), service.AcceptTriggerEvent},
		{is[UserLogoffHandler](p), service.AcceptUserLogoff},
		{is[LowResourcesHandler](p), service.AcceptLowResources},
		{is[SystemLowResourcesHandler](p), service.AcceptSystemLowResources},
	}
	for _, c := range capabilities {
		if c.ok {
			accepts |= c.accept
		}
	}
	return accepts
}

func is[T any](p Program) bool {
	_, ok := p.(T)
	return ok
}

// resultFromError maps a hook error onto the result code returned to the control source.
func resultFromError(err error) service.Result {
	switch {
	case err == nil:
		return service.ResultSuccess
	case errors.Is(err, ErrNotImplemented):
		return service.ResultNotImplemented
	case errors.Is(err, ErrCannotAccept):
		return service.ResultCannotAcceptControl
	default:
		return service.ResultFailure
	}
}
