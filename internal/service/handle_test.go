package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestHandle(t *testing.T, ref *fakeRef) (*Handle, *fakeBackend, func() time.Duration) {
	t.Helper()
	b := newFakeBackend(ref)
	r, clk := newTestRegistry(b)
	h, err := r.Open(ref.name, AccessAll)
	require.NoError(t, err)
	start := clk.Now()
	return h, b, func() time.Duration { return clk.Since(start) }
}

func TestStartFromStoppedWithProgress(t *testing.T) {
	ref := &fakeRef{name: "svc", script: script(
		Status{State: Stopped},
		Status{State: StartPending, CheckPoint: 1, WaitHint: 3000},
		Status{State: StartPending, CheckPoint: 2, WaitHint: 3000},
		Status{State: StartPending, CheckPoint: 3, WaitHint: 3000},
		Status{State: Running},
	)}
	h, _, elapsed := openTestHandle(t, ref)

	started, err := h.Start("--verbose")
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, [][]string{{"--verbose"}}, ref.started)
	assert.Equal(t, 5, ref.queries)
	assert.Equal(t, 3*time.Second, elapsed())
}

func TestStartSkipsRunningService(t *testing.T) {
	ref := &fakeRef{name: "svc", script: script(Status{State: Running})}
	h, _, _ := openTestHandle(t, ref)

	started, err := h.Start()
	require.NoError(t, err)
	assert.False(t, started)
	assert.Empty(t, ref.started)
}

func TestStartWaitsForStopPendingFirst(t *testing.T) {
	ref := &fakeRef{name: "svc", script: script(
		Status{State: StopPending, CheckPoint: 1, WaitHint: 5000},
		Status{State: Stopped},
		Status{State: StartPending, CheckPoint: 1, WaitHint: 5000},
		Status{State: Running},
	)}
	h, _, _ := openTestHandle(t, ref)

	started, err := h.Start()
	require.NoError(t, err)
	assert.True(t, started)
	assert.Len(t, ref.started, 1)
}

func TestStartReportsStartError(t *testing.T) {
	ref := &fakeRef{name: "svc", script: script(Status{State: Stopped}), startErr: errors.New("access denied")}
	h, _, _ := openTestHandle(t, ref)

	started, err := h.Start()
	require.Error(t, err)
	assert.False(t, started)
}

func TestStartFailsWhenServiceFallsBackToStopped(t *testing.T) {
	ref := &fakeRef{name: "svc", script: script(
		Status{State: Stopped},
		Status{State: StartPending, CheckPoint: 1, WaitHint: 2000},
		Status{State: Stopped, ExitCode: ExitCodeServiceSpecific, ServiceSpecificExitCode: 3},
	)}
	h, _, _ := openTestHandle(t, ref)

	started, err := h.Start()
	require.NoError(t, err)
	assert.False(t, started)
}

func TestWaitForServiceStateStalls(t *testing.T) {
	hung := Status{State: StopPending, CheckPoint: 4, WaitHint: 2000}
	ref := &fakeRef{name: "svc", script: script(hung)}
	h, _, elapsed := openTestHandle(t, ref)

	status := hung
	ok := h.WaitForServiceState(&status, StopPending, Stopped)
	assert.False(t, ok)
	assert.Equal(t, StopPending, status.State)
	// one poll per second; the third poll is the first past the 2s hint
	assert.Equal(t, 3, ref.queries)
	assert.Equal(t, 3*time.Second, elapsed())
}

func TestWaitForServiceStateExtendsOnProgress(t *testing.T) {
	var statuses []Status
	for cp := uint32(1); cp <= 10; cp++ {
		statuses = append(statuses, Status{State: StopPending, CheckPoint: cp, WaitHint: 2000})
	}
	statuses = append(statuses, Status{State: Stopped})
	ref := &fakeRef{name: "svc", script: script(statuses...)}
	h, _, elapsed := openTestHandle(t, ref)

	status := Status{State: StopPending, CheckPoint: 0, WaitHint: 2000}
	ok := h.WaitForServiceState(&status, StopPending, Stopped)
	assert.True(t, ok)
	assert.Equal(t, Stopped, status.State)
	assert.Greater(t, elapsed(), status.WaitHintDuration())
}

func TestWaitForServiceStateQueryFailure(t *testing.T) {
	ref := &fakeRef{name: "svc", script: []queryResult{
		{status: Status{State: StopPending, CheckPoint: 1, WaitHint: 60000}},
		{err: errors.New("rpc unavailable")},
	}}
	h, _, elapsed := openTestHandle(t, ref)

	status := Status{State: StopPending, WaitHint: 60000}
	assert.False(t, h.WaitForServiceState(&status, StopPending, Stopped))
	assert.Equal(t, 2, ref.queries)
	assert.Equal(t, 12*time.Second, elapsed(), "6s per poll for a 60s hint")
}

func TestWaitForServiceStateUnexpectedState(t *testing.T) {
	ref := &fakeRef{name: "svc", script: script(Status{State: Running})}
	h, _, _ := openTestHandle(t, ref)

	status := Status{State: StopPending, WaitHint: 1000}
	assert.False(t, h.WaitForServiceState(&status, StopPending, Stopped))
	assert.Equal(t, Running, status.State)
}

func TestWaitForServiceStateAlreadyLeft(t *testing.T) {
	ref := &fakeRef{name: "svc", script: script(Status{State: Running})}
	h, _, elapsed := openTestHandle(t, ref)

	status := Status{State: Stopped}
	assert.True(t, h.WaitForServiceState(&status, StopPending, Stopped))
	assert.Zero(t, ref.queries)
	assert.Zero(t, elapsed())
}

func TestClosedHandle(t *testing.T) {
	ref := &fakeRef{name: "svc", script: script(Status{State: Running})}
	h, _, _ := openTestHandle(t, ref)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 1, ref.closed)

	_, err := h.Query()
	assert.ErrorIs(t, err, ErrHandleClosed)
	_, err = h.ControlService(ControlStop)
	assert.ErrorIs(t, err, ErrHandleClosed)
	assert.ErrorIs(t, h.Delete(), ErrHandleClosed)
}

func TestHandleDeleteToleratesAlreadyDeleted(t *testing.T) {
	for _, deleteErr := range []error{ErrServiceNotFound, ErrServiceMarkedForDelete} {
		ref := &fakeRef{name: "svc", script: script(Status{State: Stopped}), deleteErr: deleteErr}
		h, _, _ := openTestHandle(t, ref)
		assert.NoError(t, h.Delete())
	}

	ref := &fakeRef{name: "svc", script: script(Status{State: Stopped}), deleteErr: errors.New("access denied")}
	h, _, _ := openTestHandle(t, ref)
	assert.Error(t, h.Delete())
}
