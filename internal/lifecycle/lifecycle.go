// Package lifecycle implements the service-side state machine: it reports
// StartPending, Running, StopPending and Stopped through a status reporter,
// routes control codes to the capabilities a Program implements, and turns
// hook errors and panics into control result codes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/BrainStation-23/svcctl/internal/host"
	"github.com/BrainStation-23/svcctl/internal/service"
)

const (
	// StopWaitHint is the wait hint reported with StopPending, in milliseconds.
	StopWaitHint uint32 = 15000

	// DefaultStartWaitHint is the wait hint reported with StartPending, in milliseconds.
	DefaultStartWaitHint uint32 = 30000

	// pendingWaitHint covers PausePending and ContinuePending.
	pendingWaitHint uint32 = 5000

	// exitCodeException is reported when the service entry panics.
	exitCodeException uint32 = 1064
)

// ExitError carries a service-specific exit code out of Initialize, Run or Stop.
type ExitError struct {
	Code uint32
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exit code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitCodes maps a service error to the exit code and service-specific exit code of the Stopped record.
func exitCodes(err error) (uint32, uint32) {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0, 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Code == 0 {
			return 0, 0
		}
		return service.ExitCodeServiceSpecific, exitErr.Code
	}
	return service.ExitCodeServiceSpecific, 1
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithAccepts overrides the control set derived from the program's capabilities.
func WithAccepts(accepts service.Accepted) Option {
	return func(l *Lifecycle) {
		l.accepts = accepts
		l.acceptsSet = true
	}
}

// WithStopOnShutdown handles Shutdown and PreShutdown as Stop.
func WithStopOnShutdown() Option {
	return func(l *Lifecycle) {
		l.stopOnShutdown = true
	}
}

// WithStartWaitHint sets the wait hint reported while initializing, in milliseconds.
func WithStartWaitHint(ms uint32) Option {
	return func(l *Lifecycle) {
		l.startWaitHint = ms
	}
}

// WithStopWaitHint sets the wait hint reported with StopPending, in milliseconds.
func WithStopWaitHint(ms uint32) Option {
	return func(l *Lifecycle) {
		l.stopWaitHint = ms
	}
}

// WithReporter publishes status through r instead of the dispatcher.
func WithReporter(r StatusReporter) Option {
	return func(l *Lifecycle) {
		l.reporter = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lifecycle) {
		l.logger = logger
	}
}

type progressKey struct{}

// Lifecycle drives one Program through the service state machine. Execute runs
// on the dispatcher's entry goroutine; HandleControl may be called concurrently
// from the control goroutine.
type Lifecycle struct {
	name           string
	program        Program
	dispatcher     host.Dispatcher
	accepts        service.Accepted
	acceptsSet     bool
	stopOnShutdown bool
	startWaitHint  uint32
	stopWaitHint   uint32
	logger         *slog.Logger

	hookCtx   context.Context
	runCtx    context.Context
	cancelRun context.CancelFunc
	runDone   chan struct{}
	done      chan struct{}

	mu          sync.Mutex
	reporter    StatusReporter
	status      service.Status
	started     bool
	stopClaimed bool
	finished    bool
	runErr      error
}

// New creates the state machine for program. The dispatcher receives the
// control handler when Execute runs.
func New(name string, d host.Dispatcher, program Program, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		name:          name,
		program:       program,
		dispatcher:    d,
		startWaitHint: DefaultStartWaitHint,
		stopWaitHint:  StopWaitHint,
		logger:        slog.Default(),
		runDone:       make(chan struct{}),
		done:          make(chan struct{}),
		status: service.Status{
			Kind:      service.KindOwnProcess,
			ProcessID: uint32(os.Getpid()),
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	if !l.acceptsSet {
		l.accepts = acceptsFor(program, l.stopOnShutdown)
	}
	l.logger = l.logger.With("component", "lifecycle", "service", name)

	l.hookCtx = context.WithValue(context.Background(), progressKey{}, l)
	l.runCtx, l.cancelRun = context.WithCancel(l.hookCtx)
	return l
}

// Name returns the service name.
func (l *Lifecycle) Name() string {
	return l.name
}

// Status returns the last status record set.
func (l *Lifecycle) Status() service.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Done is closed once Stopped has been reported.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// ExitCode returns the process exit code: the service-specific code when one
// was reported, otherwise the exit code of the Stopped record.
func (l *Lifecycle) ExitCode() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status.ExitCode == service.ExitCodeServiceSpecific {
		return l.status.ServiceSpecificExitCode
	}
	return l.status.ExitCode
}

// Execute registers the control handler, reports StartPending, runs
// Initialize and, on success, reports Running and starts Run on its own
// goroutine. It returns without waiting for the service to stop; use Done.
// Nothing escapes Execute: failures and panics end in a Stopped report.
func (l *Lifecycle) Execute(args []string) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("service entry panicked", "panic", r)
			l.finish(exitCodeException, 0)
		}
	}()

	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		l.logger.Warn("execute called twice")
		return
	}
	l.started = true
	needsReporter := l.reporter == nil
	l.mu.Unlock()

	if needsReporter {
		if l.dispatcher == nil {
			l.logger.Error("no dispatcher or status reporter configured")
			l.finish(exitCodeException, 0)
			return
		}
		token, err := l.dispatcher.RegisterHandler(l.name, l.HandleControl)
		if err != nil {
			l.logger.Error("failed to register control handler", "error", err)
			l.finish(exitCodeException, 0)
			return
		}
		l.mu.Lock()
		l.reporter = dispatcherReporter{dispatcher: l.dispatcher, token: token}
		l.mu.Unlock()
	}

	l.SetStatus(service.StartPending, 0, l.startWaitHint)
	if err := l.program.Initialize(l.hookCtx, args); err != nil {
		l.logger.Error("initialization failed", "error", err)
		exitCode, specific := exitCodes(err)
		l.finish(exitCode, specific)
		return
	}

	l.SetStatus(service.Running, 0, 0)
	go l.run()
}

func (l *Lifecycle) run() {
	err := l.runProgram()

	l.mu.Lock()
	l.runErr = err
	l.mu.Unlock()
	close(l.runDone)

	if !l.claimStop() {
		return
	}
	if err != nil {
		l.logger.Error("service exited unexpectedly", "error", err)
	} else {
		l.logger.Warn("service exited without a stop request")
	}
	exitCode, specific := exitCodes(err)
	l.finish(exitCode, specific)
}

func (l *Lifecycle) runProgram() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return l.program.Run(l.runCtx)
}

func (l *Lifecycle) claimStop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopClaimed {
		return false
	}
	l.stopClaimed = true
	return true
}

// finish reports Stopped once and releases everything waiting on Done.
func (l *Lifecycle) finish(exitCode, specific uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return
	}
	l.stopClaimed = true
	l.setStatusLocked(service.Stopped, exitCode, specific, 0)
	l.finished = true
	l.cancelRun()
	close(l.done)
}

// SetStatus records and publishes a new status. Accepted controls are cleared
// while StartPending. The checkpoint resets to zero for Running, Stopped and
// Paused and otherwise advances by one. It reports whether the record was
// published; a failed publish is logged and not retried.
func (l *Lifecycle) SetStatus(state service.State, exitCode uint32, waitHint uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setStatusLocked(state, exitCode, 0, waitHint)
}

func (l *Lifecycle) setStatusLocked(state service.State, exitCode, specific, waitHint uint32) bool {
	if l.finished {
		return false
	}
	previous := l.status

	next := previous
	next.State = state
	next.ExitCode = exitCode
	next.ServiceSpecificExitCode = specific
	next.WaitHint = waitHint
	next.Accepts = l.accepts
	if state == service.StartPending {
		next.Accepts = 0
	}
	switch state {
	case service.Running, service.Stopped, service.Paused:
		next.CheckPoint = 0
	default:
		next.CheckPoint = previous.CheckPoint + 1
	}
	l.status = next

	level := slog.LevelInfo
	if previous.State == state {
		level = slog.LevelDebug
	}
	l.logger.Log(context.Background(), level, "status",
		"state", state,
		"checkpoint", next.CheckPoint,
		"wait_hint_ms", next.WaitHint,
		"exit_code", next.ExitCode)
	transitions.WithLabelValues(l.name, state.String()).Inc()

	return l.publishLocked(next)
}

func (l *Lifecycle) publishLocked(status service.Status) bool {
	if l.reporter == nil {
		l.logger.Warn("no status reporter, status not published", "state", status.State)
		return false
	}
	if err := l.reporter.ReportStatus(status); err != nil {
		publishFailures.WithLabelValues(l.name).Inc()
		l.logger.Warn("failed to publish status", "state", status.State, "error", err)
		return false
	}
	return true
}

// transition moves from one state to another only if the service is still in from.
func (l *Lifecycle) transition(from, to service.State, waitHint uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status.State != from {
		return false
	}
	return l.setStatusLocked(to, 0, 0, waitHint)
}

// ReportProgress advances the checkpoint of a pending state and replaces its
// wait hint. ctx must be the context passed to a Program hook. It returns false
// when the service is not in a pending state.
func ReportProgress(ctx context.Context, waitHint uint32) bool {
	l, ok := ctx.Value(progressKey{}).(*Lifecycle)
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.status.State.IsPending() {
		return false
	}
	return l.setStatusLocked(l.status.State, l.status.ExitCode, l.status.ServiceSpecificExitCode, waitHint)
}

// HandleControl routes a control code to its handler. Unknown kinds and kinds
// the program has no capability for answer NotImplemented; a panicking
// handler answers Failure.
func (l *Lifecycle) HandleControl(kind service.ControlKind, eventType uint32, eventData any) (result service.Result) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("control handler panicked", "control", kind, "panic", r)
			result = service.ResultFailure
		}
		recordControl(l.name, kind, result)
	}()

	handler, ok := controlTable[kind]
	if !ok {
		l.logger.Debug("unhandled control", "control", kind)
		return service.ResultNotImplemented
	}
	return handler(l, eventType, eventData)
}

// HandleStop reports StopPending, calls the Stopper hook, cancels Run's context
// and blocks until Run returns, then reports Stopped. A stop while still
// starting answers CannotAcceptControl; a repeated stop answers Success
// without blocking.
func (l *Lifecycle) HandleStop() service.Result {
	l.mu.Lock()
	switch {
	case l.stopClaimed:
		l.mu.Unlock()
		return service.ResultSuccess
	case !l.started || l.status.State == service.StartPending || l.status.State == service.Unknown:
		l.mu.Unlock()
		return service.ResultCannotAcceptControl
	}
	l.stopClaimed = true
	l.setStatusLocked(service.StopPending, 0, 0, l.stopWaitHint)
	l.mu.Unlock()

	var stopErr error
	if s, ok := l.program.(Stopper); ok {
		stopErr = l.callHook(service.ControlStop, func() error { return s.Stop(l.hookCtx) })
		if stopErr != nil {
			l.logger.Error("stop hook failed", "error", stopErr)
		}
	}

	l.cancelRun()
	<-l.runDone

	l.mu.Lock()
	err := l.runErr
	l.mu.Unlock()
	if err == nil || errors.Is(err, context.Canceled) {
		err = stopErr
	}
	exitCode, specific := exitCodes(err)
	l.finish(exitCode, specific)
	return service.ResultSuccess
}

// callHook runs a Program hook, converting a panic into an error.
func (l *Lifecycle) callHook(kind service.ControlKind, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("control hook panicked", "control", kind, "panic", r)
			err = fmt.Errorf("%s hook panicked: %v", kind, r)
		}
	}()
	return fn()
}

// active reports whether the service is between Running and a stop request.
func (l *Lifecycle) active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started || l.stopClaimed {
		return false
	}
	return l.status.State != service.StartPending && l.status.State != service.Unknown
}

// notify runs an event hook when the program implements it and the service is active.
func (l *Lifecycle) notify(kind service.ControlKind, implemented bool, fn func(ctx context.Context) error) service.Result {
	if !implemented {
		return service.ResultNotImplemented
	}
	if !l.active() {
		return service.ResultCannotAcceptControl
	}
	err := l.callHook(kind, func() error { return fn(l.hookCtx) })
	if err != nil {
		l.logger.Warn("control hook failed", "control", kind, "error", err)
	}
	return resultFromError(err)
}

type controlFunc func(l *Lifecycle, eventType uint32, eventData any) service.Result

var controlTable = map[service.ControlKind]controlFunc{
	service.ControlStop: func(l *Lifecycle, _ uint32, _ any) service.Result {
		return l.HandleStop()
	},
	service.ControlPause:                 (*Lifecycle).handlePause,
	service.ControlContinue:              (*Lifecycle).handleContinue,
	service.ControlInterrogate:           (*Lifecycle).handleInterrogate,
	service.ControlShutdown:              (*Lifecycle).handleShutdown,
	service.ControlPreShutdown:           (*Lifecycle).handlePreShutdown,
	service.ControlParamChange:           (*Lifecycle).handleParamChange,
	service.ControlNetBindAdd:            netBind(service.ControlNetBindAdd),
	service.ControlNetBindRemove:         netBind(service.ControlNetBindRemove),
	service.ControlNetBindEnable:         netBind(service.ControlNetBindEnable),
	service.ControlNetBindDisable:        netBind(service.ControlNetBindDisable),
	service.ControlDeviceEvent:           (*Lifecycle).handleDeviceEvent,
	service.ControlHardwareProfileChange: (*Lifecycle).handleHardwareProfileChange,
	service.ControlPowerEvent:            (*Lifecycle).handlePowerEvent,
	service.ControlSessionChange:         (*Lifecycle).handleSessionChange,
	service.ControlTimeChange:            (*Lifecycle).handleTimeChange,
	service.ControlUserLogoff:            (*Lifecycle).handleUserLogoff,
	service.ControlTriggerEvent:          (*Lifecycle).handleTriggerEvent,
	service.ControlLowResources:          (*Lifecycle).handleLowResources,
	service.ControlSystemLowResources:    (*Lifecycle).handleSystemLowResources,
}

func (l *Lifecycle) handlePause(_ uint32, _ any) service.Result {
	p, ok := l.program.(Pauser)
	if !ok {
		return service.ResultNotImplemented
	}
	l.mu.Lock()
	if l.stopClaimed || l.status.State != service.Running {
		l.mu.Unlock()
		return service.ResultCannotAcceptControl
	}
	l.setStatusLocked(service.PausePending, 0, 0, pendingWaitHint)
	l.mu.Unlock()

	if err := l.callHook(service.ControlPause, func() error { return p.Pause(l.hookCtx) }); err != nil {
		l.logger.Warn("pause failed", "error", err)
		l.transition(service.PausePending, service.Running, 0)
		return resultFromError(err)
	}
	l.transition(service.PausePending, service.Paused, 0)
	return service.ResultSuccess
}

func (l *Lifecycle) handleContinue(_ uint32, _ any) service.Result {
	c, ok := l.program.(Continuer)
	if !ok {
		return service.ResultNotImplemented
	}
	l.mu.Lock()
	if l.stopClaimed || l.status.State != service.Paused {
		l.mu.Unlock()
		return service.ResultCannotAcceptControl
	}
	l.setStatusLocked(service.ContinuePending, 0, 0, pendingWaitHint)
	l.mu.Unlock()

	if err := l.callHook(service.ControlContinue, func() error { return c.Continue(l.hookCtx) }); err != nil {
		l.logger.Warn("continue failed", "error", err)
		l.transition(service.ContinuePending, service.Paused, 0)
		return resultFromError(err)
	}
	l.transition(service.ContinuePending, service.Running, 0)
	return service.ResultSuccess
}

// handleInterrogate republishes the current record unchanged.
func (l *Lifecycle) handleInterrogate(_ uint32, _ any) service.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return service.ResultCannotAcceptControl
	}
	l.publishLocked(l.status)
	return service.ResultSuccess
}

func (l *Lifecycle) handleShutdown(_ uint32, _ any) service.Result {
	if l.stopOnShutdown {
		return l.HandleStop()
	}
	h, ok := l.program.(ShutdownHandler)
	return l.notify(service.ControlShutdown, ok, func(ctx context.Context) error { return h.Shutdown(ctx) })
}

func (l *Lifecycle) handlePreShutdown(_ uint32, _ any) service.Result {
	h, ok := l.program.(PreShutdownHandler)
	if !ok && l.stopOnShutdown {
		return l.HandleStop()
	}
	return l.notify(service.ControlPreShutdown, ok, func(ctx context.Context) error { return h.PreShutdown(ctx) })
}

func (l *Lifecycle) handleParamChange(_ uint32, _ any) service.Result {
	h, ok := l.program.(ParamChanger)
	return l.notify(service.ControlParamChange, ok, func(ctx context.Context) error { return h.ParamChange(ctx) })
}

func netBind(kind service.ControlKind) controlFunc {
	return func(l *Lifecycle, _ uint32, _ any) service.Result {
		h, ok := l.program.(NetBindHandler)
		return l.notify(kind, ok, func(ctx context.Context) error { return h.NetBindChange(ctx, kind) })
	}
}

func (l *Lifecycle) handleDeviceEvent(eventType uint32, eventData any) service.Result {
	h, ok := l.program.(DeviceEventHandler)
	return l.notify(service.ControlDeviceEvent, ok, func(ctx context.Context) error { return h.DeviceEvent(ctx, eventType, eventData) })
}

func (l *Lifecycle) handleHardwareProfileChange(eventType uint32, _ any) service.Result {
	h, ok := l.program.(HardwareProfileHandler)
	return l.notify(service.ControlHardwareProfileChange, ok, func(ctx context.Context) error { return h.HardwareProfileChange(ctx, eventType) })
}

func (l *Lifecycle) handlePowerEvent(eventType uint32, eventData any) service.Result {
	h, ok := l.program.(PowerEventHandler)
	return l.notify(service.ControlPowerEvent, ok, func(ctx context.Context) error { return h.PowerEvent(ctx, eventType, eventData) })
}

func (l *Lifecycle) handleSessionChange(eventType uint32, eventData any) service.Result {
	h, ok := l.program.(SessionChangeHandler)
	return l.notify(service.ControlSessionChange, ok, func(ctx context.Context) error { return h.SessionChange(ctx, eventType, eventData) })
}

func (l *Lifecycle) handleTimeChange(_ uint32, eventData any) service.Result {
	h, ok := l.program.(TimeChangeHandler)
	return l.notify(service.ControlTimeChange, ok, func(ctx context.Context) error { return h.TimeChange(ctx, eventData) })
}

func (l *Lifecycle) handleUserLogoff(_ uint32, eventData any) service.Result {
	h, ok := l.program.(UserLogoffHandler)
	return l.notify(service.ControlUserLogoff, ok, func(ctx context.Context) error { return h.UserLogoff(ctx, eventData) })
}

func (l *Lifecycle) handleTriggerEvent(_ uint32, _ any) service.Result {
	h, ok := l.program.(TriggerEventHandler)
	return l.notify(service.ControlTriggerEvent, ok, func(ctx context.Context) error { return h.TriggerEvent(ctx) })
}

func (l *Lifecycle) handleLowResources(_ uint32, _ any) service.Result {
	h, ok := l.program.(LowResourcesHandler)
	return l.notify(service.ControlLowResources, ok, func(ctx context.Context) error { return h.LowResources(ctx) })
}

func (l *Lifecycle) handleSystemLowResources(_ uint32, eventData any) service.Result {
	h, ok := l.program.(SystemLowResourcesHandler)
	return l.notify(service.ControlSystemLowResources, ok, func(ctx context.Context) error { return h.SystemLowResources(ctx, eventData) })
}
