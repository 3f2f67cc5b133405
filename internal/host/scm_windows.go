package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/windows/svc"

	"github.com/BrainStation-23/svcctl/internal/service"
)

// SCM hosts one service under the Windows Service Control Manager. Control
// requests are handled one at a time on the dispatch goroutine; status records
// are forwarded to the SCM as they are published.
type SCM struct {
	logger *slog.Logger

	mu      sync.Mutex
	name    string
	token   StatusToken
	handler ControlHandler
	changes chan<- svc.Status
	last    service.Status
}

// NewSCM creates a dispatcher bound to the Service Control Manager.
func NewSCM(logger *slog.Logger) *SCM {
	if logger == nil {
		logger = slog.Default()
	}
	return &SCM{logger: logger.With("component", "scm-host")}
}

// RegisterHandler installs the handler for the hosted service.
func (d *SCM) RegisterHandler(name string, handler ControlHandler) (StatusToken, error) {
	if handler == nil {
		return StatusToken{}, fmt.Errorf("nil control handler for %s", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.name != "" && d.name != name {
		return StatusToken{}, fmt.Errorf("%w: SCM host already serves %s", ErrUnsupportedTable, d.name)
	}
	d.name = name
	d.handler = handler
	d.token = newToken(name)
	return d.token, nil
}

// SetStatus forwards the record to the SCM.
func (d *SCM) SetStatus(token StatusToken, status service.Status) error {
	d.mu.Lock()
	if token != d.token {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, token.name)
	}
	changes := d.changes
	d.last = status
	d.mu.Unlock()

	if changes == nil {
		return fmt.Errorf("service %s is not being dispatched", token.name)
	}
	changes <- svc.Status{
		State:                   svc.State(status.State),
		Accepts:                 svc.Accepted(status.Accepts),
		CheckPoint:              status.CheckPoint,
		WaitHint:                status.WaitHint,
		ProcessId:               status.ProcessID,
		Win32ExitCode:           status.ExitCode,
		ServiceSpecificExitCode: status.ServiceSpecificExitCode,
	}
	return nil
}

// StartDispatch connects to the SCM and blocks until the service stops.
func (d *SCM) StartDispatch(ctx context.Context, table []Entry) error {
	if err := validateTable(table); err != nil {
		return err
	}
	if len(table) != 1 {
		return fmt.Errorf("%w: SCM host runs exactly one service, got %d", ErrUnsupportedTable, len(table))
	}
	entry := table[0]

	if err := svc.Run(entry.Name, &scmHandler{host: d, entry: entry, ctx: ctx}); err != nil {
		return fmt.Errorf("service %s failed: %w", entry.Name, err)
	}
	return nil
}

// scmHandler implements svc.Handler.
type scmHandler struct {
	host  *SCM
	entry Entry
	ctx   context.Context
}

func (h *scmHandler) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	d := h.host
	d.mu.Lock()
	d.changes = changes
	d.mu.Unlock()

	if len(args) == 0 {
		args = []string{h.entry.Name}
	}
	exited := make(chan uint32, 1)
	go func() {
		exited <- h.entry.Main(d, args)
	}()

	ctxDone := h.ctx.Done()
	for {
		select {
		case code := <-exited:
			d.logger.Info("service entry returned", "service", h.entry.Name, "exit_code", code)
			d.mu.Lock()
			last := d.last
			d.changes = nil
			d.mu.Unlock()
			if last.ExitCode == service.ExitCodeServiceSpecific {
				return true, last.ServiceSpecificExitCode
			}
			if last.ExitCode != 0 {
				return false, last.ExitCode
			}
			return false, code
		case <-ctxDone:
			ctxDone = nil
			d.deliver(h.entry.Name, service.ControlStop, 0, nil)
		case req := <-r:
			d.deliver(h.entry.Name, service.ControlKind(req.Cmd), req.EventType, req.EventData)
		}
	}
}

func (d *SCM) deliver(name string, kind service.ControlKind, eventType uint32, eventData any) {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler == nil {
		d.logger.Warn("control received before handler registration", "service", name, "control", kind)
		return
	}
	// The SCM takes no result from the handler; non-success results are logged only.
	if result := invokeHandler(d.logger, name, handler, kind, eventType, eventData); result != service.ResultSuccess {
		d.logger.Warn("control not handled", "service", name, "control", kind, "result", result)
	}
}
