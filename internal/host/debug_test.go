package host

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrainStation-23/svcctl/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoEntry registers a handler, reports Running and blocks until Stop arrives.
// The first refusals Stop requests answer CannotAcceptControl.
func echoEntry(name string, refusals int32, stops *atomic.Int32) Entry {
	return Entry{
		Name: name,
		Main: func(d Dispatcher, args []string) uint32 {
			stopped := make(chan struct{})
			var refused atomic.Int32
			var token StatusToken
			token, err := d.RegisterHandler(name, func(kind service.ControlKind, eventType uint32, eventData any) service.Result {
				switch kind {
				case service.ControlStop:
					if refused.Add(1) <= refusals {
						return service.ResultCannotAcceptControl
					}
					stops.Add(1)
					d.SetStatus(token, service.Status{State: service.Stopped})
					close(stopped)
					return service.ResultSuccess
				case service.ControlInterrogate:
					return service.ResultSuccess
				case service.ControlParamChange:
					panic("reload exploded")
				}
				return service.ResultNotImplemented
			})
			if err != nil {
				return 1
			}
			d.SetStatus(token, service.Status{State: service.Running, Accepts: service.AcceptStop})
			<-stopped
			return 0
		},
	}
}

func TestDebugStopsEveryEntryOnCancel(t *testing.T) {
	d := NewDebug(WithPrompt(nil, io.Discard), WithDebugLogger(discardLogger()))
	var stops atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.StartDispatch(ctx, []Entry{
			echoEntry("alpha", 0, &stops),
			echoEntry("beta", 0, &stops),
		})
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, d.WaitFor(waitCtx, "alpha", service.Running))
	require.NoError(t, d.WaitFor(waitCtx, "beta", service.Running))

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return")
	}

	assert.Equal(t, int32(2), stops.Load())
	for _, name := range []string{"alpha", "beta"} {
		current, ok := d.Current(name)
		require.True(t, ok)
		assert.Equal(t, service.Stopped, current.State)
		assert.Len(t, d.Statuses(name), 2)
	}
}

func TestDebugRetriesStopWhileServiceRefuses(t *testing.T) {
	d := NewDebug(WithPrompt(nil, io.Discard), WithDebugLogger(discardLogger()))
	var stops atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.StartDispatch(ctx, []Entry{echoEntry("slow", 2, &stops)})
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, d.WaitFor(waitCtx, "slow", service.Running))

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return")
	}
	assert.Equal(t, int32(1), stops.Load())
}

func TestDebugPromptEndsDispatch(t *testing.T) {
	var out bytes.Buffer
	prompt, release := io.Pipe()
	d := NewDebug(WithPrompt(prompt, &out), WithDebugLogger(discardLogger()))
	var stops atomic.Int32

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.StartDispatch(context.Background(), []Entry{echoEntry("console", 0, &stops)})
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, d.WaitFor(waitCtx, "console", service.Running))

	_, err := release.Write([]byte("\n"))
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return")
	}
	assert.Equal(t, int32(1), stops.Load())
	assert.Contains(t, out.String(), "Press Enter to stop")
}

func TestDebugControl(t *testing.T) {
	d := NewDebug(WithPrompt(strings.NewReader(""), io.Discard), WithDebugLogger(discardLogger()))
	var stops atomic.Int32

	_, err := d.Control("missing", service.ControlStop, 0, nil)
	require.ErrorIs(t, err, ErrNotRegistered)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	entry := echoEntry("ctl", 0, &stops)
	go entry.Main(d, nil)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, d.WaitFor(waitCtx, "ctl", service.Running))

	result, err := d.Control("ctl", service.ControlPause, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, service.ResultNotImplemented, result)

	result, err = d.Control("ctl", service.ControlParamChange, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, service.ResultFailure, result, "a panicking handler answers failure")

	result, err = d.Control("ctl", service.ControlStop, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, service.ResultSuccess, result)
	require.NoError(t, d.WaitFor(ctx, "ctl", service.Stopped))
}

func TestDebugWaitForHonoursContext(t *testing.T) {
	d := NewDebug(WithPrompt(nil, io.Discard), WithDebugLogger(discardLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.WaitFor(ctx, "nobody", service.Running)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDebugRejectsForeignToken(t *testing.T) {
	d := NewDebug(WithPrompt(nil, io.Discard), WithDebugLogger(discardLogger()))
	other := NewDebug(WithPrompt(nil, io.Discard), WithDebugLogger(discardLogger()))

	handler := func(service.ControlKind, uint32, any) service.Result { return service.ResultSuccess }
	token, err := other.RegisterHandler("svc", handler)
	require.NoError(t, err)
	assert.True(t, token.Valid())
	assert.Equal(t, "svc", token.Name())

	_, err = d.RegisterHandler("svc", handler)
	require.NoError(t, err)
	require.ErrorIs(t, d.SetStatus(token, service.Status{State: service.Running}), ErrNotRegistered)

	_, err = d.RegisterHandler("svc", nil)
	require.Error(t, err)
}

func TestValidateTable(t *testing.T) {
	main := func(Dispatcher, []string) uint32 { return 0 }

	tests := []struct {
		name  string
		table []Entry
		ok    bool
	}{
		{"empty", nil, false},
		{"missing name", []Entry{{Main: main}}, false},
		{"missing main", []Entry{{Name: "a"}}, false},
		{"duplicate", []Entry{{Name: "a", Main: main}, {Name: "a", Main: main}}, false},
		{"valid", []Entry{{Name: "a", Main: main}, {Name: "b", Main: main}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTable(tt.table)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrUnsupportedTable)
		})
	}
}

func TestSystemRejectsMultipleEntries(t *testing.T) {
	d := NewSystem(nil, discardLogger())
	main := func(Dispatcher, []string) uint32 { return 0 }
	err := d.StartDispatch(context.Background(), []Entry{{Name: "a", Main: main}, {Name: "b", Main: main}})
	require.ErrorIs(t, err, ErrUnsupportedTable)
}

func TestDebugReturnsFailedEntry(t *testing.T) {
	d := NewDebug(WithPrompt(nil, io.Discard), WithDebugLogger(discardLogger()))
	var stops atomic.Int32

	failing := Entry{Name: "failing", Main: func(Dispatcher, []string) uint32 { return 3 }}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.StartDispatch(ctx, []Entry{failing, echoEntry("healthy", 0, &stops)})
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, d.WaitFor(waitCtx, "healthy", service.Running))

	cancel()
	var err error
	select {
	case err = <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return")
	}
	require.ErrorIs(t, err, ErrServiceFailed)
	var entryErr *EntryError
	require.ErrorAs(t, err, &entryErr)
	assert.Equal(t, "failing", entryErr.Service)
	assert.Equal(t, uint32(3), entryErr.Code)
	assert.Equal(t, int32(1), stops.Load(), "healthy entry still stopped")
}
