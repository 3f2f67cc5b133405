package service

import (
	"io"
	"log/slog"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

type queryResult struct {
	status Status
	err    error
}

// fakeRef replays a scripted sequence of query results; the last entry repeats.
type fakeRef struct {
	name    string
	backend *fakeBackend

	script  []queryResult
	queries int

	controlStatus *Status
	controlErr    error
	controls      []ControlKind

	startErr  error
	started   [][]string
	deleteErr error
	deleted   int

	dependents []string
	config     Config
	closed     int
}

func (f *fakeRef) Query() (Status, error) {
	i := f.queries
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.queries++
	return f.script[i].status, f.script[i].err
}

func (f *fakeRef) Control(kind ControlKind) (Status, error) {
	f.controls = append(f.controls, kind)
	if f.controlErr != nil {
		return Status{}, f.controlErr
	}
	if f.controlStatus != nil {
		return *f.controlStatus, nil
	}
	return f.Query()
}

func (f *fakeRef) Start(args ...string) error {
	f.started = append(f.started, args)
	return f.startErr
}

func (f *fakeRef) Delete() error {
	f.deleted++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if f.backend != nil {
		delete(f.backend.services, f.name)
	}
	return nil
}

func (f *fakeRef) Config() (Config, error) {
	return f.config, nil
}

func (f *fakeRef) ListDependentServices() ([]string, error) {
	return f.dependents, nil
}

func (f *fakeRef) Close() error {
	f.closed++
	return nil
}

// script builds query results from statuses.
func script(statuses ...Status) []queryResult {
	results := make([]queryResult, len(statuses))
	for i, s := range statuses {
		results[i] = queryResult{status: s}
	}
	return results
}

type fakeBackend struct {
	services map[string]*fakeRef
	opened   []string
	created  []Config
	closed   bool
}

func newFakeBackend(refs ...*fakeRef) *fakeBackend {
	b := &fakeBackend{services: make(map[string]*fakeRef)}
	for _, r := range refs {
		b.add(r)
	}
	return b
}

func (b *fakeBackend) add(r *fakeRef) {
	r.backend = b
	b.services[r.name] = r
}

func (b *fakeBackend) CreateService(cfg Config) (ServiceRef, error) {
	if _, ok := b.services[cfg.Name]; ok {
		return nil, ErrServiceExists
	}
	b.created = append(b.created, cfg)
	r := &fakeRef{name: cfg.Name, config: cfg, script: script(Status{State: Stopped})}
	b.add(r)
	return r, nil
}

func (b *fakeBackend) OpenService(name string, access Access) (ServiceRef, error) {
	b.opened = append(b.opened, name)
	r, ok := b.services[name]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return r, nil
}

func (b *fakeBackend) ListServices() ([]string, error) {
	var names []string
	for name := range b.services {
		names = append(names, name)
	}
	return names, nil
}

func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(b *fakeBackend) (*Registry, *testingclock.FakeClock) {
	clk := testingclock.NewFakeClock(epoch)
	return NewRegistry(b, WithClock(clk), WithLogger(discardLogger())), clk
}
