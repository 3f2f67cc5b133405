// Package host binds service entry points to a control facility.
//
// A Dispatcher routes control codes from the facility to the handler each
// service registers, and forwards the status records the service publishes.
// The production dispatchers bind to the operating system's service manager;
// the debug dispatcher runs the same protocol in-process so services can be
// exercised under a test runner.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/BrainStation-23/svcctl/internal/service"
)

var (
	// ErrNotRegistered is returned when a status token or service name has no registered handler.
	ErrNotRegistered = errors.New("service handler not registered")

	// ErrUnsupportedTable is returned when a dispatcher cannot host the given entry table.
	ErrUnsupportedTable = errors.New("unsupported service table")

	// ErrServiceFailed is matched by every EntryError.
	ErrServiceFailed = errors.New("service exited with failure")
)

// EntryError reports an entry that returned a non-zero exit code.
type EntryError struct {
	Service string
	Code    uint32
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("service %s exited with code %d", e.Service, e.Code)
}

func (e *EntryError) Is(target error) bool {
	return target == ErrServiceFailed
}

// entryResult converts an entry's exit code into an error, nil for zero.
func entryResult(name string, code uint32) error {
	if code == 0 {
		return nil
	}
	return &EntryError{Service: name, Code: code}
}

// ControlHandler receives control codes for one service. It may run on a
// different goroutine than the service's entry function.
type ControlHandler func(kind service.ControlKind, eventType uint32, eventData any) service.Result

// EntryFunc is a service entry point. It is invoked once per service with the
// dispatcher that hosts it and must not return until the service has stopped.
// The return value is the process exit code for the service.
type EntryFunc func(d Dispatcher, args []string) uint32

// Entry pairs a service name with its entry point.
type Entry struct {
	Name string
	Main EntryFunc
}

// StatusToken identifies a registered handler when publishing status.
type StatusToken struct {
	id   uint64
	name string
}

// Name returns the service name the token was issued for.
func (t StatusToken) Name() string {
	return t.name
}

// Valid reports whether the token was issued by a dispatcher.
func (t StatusToken) Valid() bool {
	return t.id != 0
}

var tokenSeq atomic.Uint64

func newToken(name string) StatusToken {
	return StatusToken{id: tokenSeq.Add(1), name: name}
}

// Dispatcher is the transport between a control facility and hosted services.
type Dispatcher interface {
	// RegisterHandler installs the control handler for the named service.
	RegisterHandler(name string, handler ControlHandler) (StatusToken, error)

	// StartDispatch runs the entries and blocks until every one of them has
	// returned. A non-zero exit code surfaces as an *EntryError.
	StartDispatch(ctx context.Context, table []Entry) error

	// SetStatus publishes a status record for the service the token belongs to.
	SetStatus(token StatusToken, status service.Status) error
}

func validateTable(table []Entry) error {
	if len(table) == 0 {
		return fmt.Errorf("%w: no entries", ErrUnsupportedTable)
	}
	seen := make(map[string]bool, len(table))
	for _, e := range table {
		if e.Name == "" || e.Main == nil {
			return fmt.Errorf("%w: entry needs a name and an entry function", ErrUnsupportedTable)
		}
		if seen[e.Name] {
			return fmt.Errorf("%w: duplicate entry %q", ErrUnsupportedTable, e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}
