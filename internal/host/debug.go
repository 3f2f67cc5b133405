package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BrainStation-23/svcctl/internal/service"
)

// stopRetryInterval is how long the debug dispatcher waits before re-sending
// Stop to a service that is still starting.
const stopRetryInterval = 50 * time.Millisecond

type debugRegistration struct {
	token   StatusToken
	handler ControlHandler
}

// Debug runs services in-process. Each entry gets its own goroutine; control
// codes are delivered on the caller's goroutine. StartDispatch waits for a line
// on the prompt reader (or context cancellation), then stops every registered
// service and joins the entry goroutines.
type Debug struct {
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]debugRegistration
	statuses map[string][]service.Status
	changed  chan struct{}
}

// DebugOption configures a Debug dispatcher.
type DebugOption func(*Debug)

// WithPrompt sets the reader that ends dispatch and the writer the prompt goes to.
// A nil reader disables the prompt; dispatch then ends on context cancellation
// or when every entry has returned.
func WithPrompt(in io.Reader, out io.Writer) DebugOption {
	return func(d *Debug) {
		d.in = in
		d.out = out
	}
}

// WithDebugLogger sets the logger.
func WithDebugLogger(logger *slog.Logger) DebugOption {
	return func(d *Debug) {
		d.logger = logger
	}
}

// NewDebug creates an in-process dispatcher that prompts on the console.
func NewDebug(opts ...DebugOption) *Debug {
	d := &Debug{
		in:       os.Stdin,
		out:      os.Stdout,
		logger:   slog.Default(),
		handlers: make(map[string]debugRegistration),
		statuses: make(map[string][]service.Status),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "debug-host")
	return d
}

// RegisterHandler installs the handler in the in-process table.
func (d *Debug) RegisterHandler(name string, handler ControlHandler) (StatusToken, error) {
	if handler == nil {
		return StatusToken{}, fmt.Errorf("nil control handler for %s", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	token := newToken(name)
	d.handlers[name] = debugRegistration{token: token, handler: handler}
	d.logger.Debug("handler registered", "service", name)
	return token, nil
}

// SetStatus records the status and wakes anyone waiting in WaitFor.
func (d *Debug) SetStatus(token StatusToken, status service.Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg, ok := d.handlers[token.name]
	if !ok || reg.token != token {
		return fmt.Errorf("%w: %s", ErrNotRegistered, token.name)
	}
	d.statuses[token.name] = append(d.statuses[token.name], status)
	close(d.changed)
	d.changed = make(chan struct{})

	d.logger.Info("status",
		"service", token.name,
		"state", status.State,
		"checkpoint", status.CheckPoint,
		"wait_hint_ms", status.WaitHint,
		"exit_code", status.ExitCode)
	return nil
}

// StartDispatch runs every entry on its own goroutine and blocks until the
// prompt is answered, ctx is done, or all entries return. Remaining services
// are then sent Stop and joined. The first non-zero exit code is returned as
// an *EntryError.
func (d *Debug) StartDispatch(ctx context.Context, table []Entry) error {
	if err := validateTable(table); err != nil {
		return err
	}

	var g errgroup.Group
	returned := make(map[string]chan struct{}, len(table))
	for _, entry := range table {
		entry := entry
		done := make(chan struct{})
		returned[entry.Name] = done
		g.Go(func() error {
			defer close(done)
			code := entry.Main(d, []string{entry.Name})
			d.logger.Info("service entry returned", "service", entry.Name, "exit_code", code)
			return entryResult(entry.Name, code)
		})
	}
	exited := make(chan struct{})
	var dispatchErr error
	go func() {
		dispatchErr = g.Wait()
		close(exited)
	}()

	prompt := make(chan struct{})
	if d.in != nil {
		fmt.Fprintln(d.out, "Services running in debug mode. Press Enter to stop.")
		go func() {
			reader := bufio.NewReader(d.in)
			if _, err := reader.ReadString('\n'); err != nil && err != io.EOF {
				d.logger.Warn("prompt read failed", "error", err)
			}
			close(prompt)
		}()
	}

	select {
	case <-prompt:
		d.logger.Info("stop requested from console")
	case <-ctx.Done():
		d.logger.Info("stop requested by context", "error", ctx.Err())
	case <-exited:
		d.logger.Info("all services returned")
	}

	for _, entry := range table {
		d.stopEntry(entry.Name, returned[entry.Name])
	}
	<-exited
	return dispatchErr
}

// stopEntry delivers Stop until the service accepts it or its entry has returned.
func (d *Debug) stopEntry(name string, exited <-chan struct{}) {
	for {
		d.mu.Lock()
		reg, ok := d.handlers[name]
		d.mu.Unlock()

		if ok {
			result := invokeHandler(d.logger, name, reg.handler, service.ControlStop, 0, nil)
			if result != service.ResultCannotAcceptControl {
				return
			}
		}

		select {
		case <-exited:
			return
		case <-time.After(stopRetryInterval):
		}
	}
}

// Control delivers a control code to the named service on the caller's goroutine.
func (d *Debug) Control(name string, kind service.ControlKind, eventType uint32, eventData any) (service.Result, error) {
	d.mu.Lock()
	reg, ok := d.handlers[name]
	d.mu.Unlock()
	if !ok {
		return service.ResultFailure, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return invokeHandler(d.logger, name, reg.handler, kind, eventType, eventData), nil
}

// invokeHandler calls handler, converting a panic into ResultFailure.
func invokeHandler(logger *slog.Logger, name string, handler ControlHandler, kind service.ControlKind, eventType uint32, eventData any) (result service.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("control handler panicked", "service", name, "control", kind, "panic", r)
			result = service.ResultFailure
		}
	}()
	result = handler(kind, eventType, eventData)
	logger.Debug("control delivered", "service", name, "control", kind, "result", result)
	return result
}

// Statuses returns every status the named service has published, oldest first.
func (d *Debug) Statuses(name string) []service.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]service.Status(nil), d.statuses[name]...)
}

// Current returns the latest status the named service published.
func (d *Debug) Current(name string) (service.Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	history := d.statuses[name]
	if len(history) == 0 {
		return service.Status{}, false
	}
	return history[len(history)-1], true
}

// WaitFor blocks until the named service publishes state or ctx is done.
func (d *Debug) WaitFor(ctx context.Context, name string, state service.State) error {
	for {
		d.mu.Lock()
		history := d.statuses[name]
		changed := d.changed
		d.mu.Unlock()

		for _, st := range history {
			if st.State == state {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to reach %s: %w", name, state, ctx.Err())
		case <-changed:
		}
	}
}
