package service

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

type windowsBackend struct {
	m *mgr.Mgr
}

// newPlatformBackend opens the Service Control Manager with the requested rights
func newPlatformBackend(access Access) (Backend, error) {
	h, err := windows.OpenSCManager(nil, nil, uint32(access))
	if err != nil {
		return nil, mapWindowsError(err)
	}
	return &windowsBackend{m: &mgr.Mgr{Handle: h}}, nil
}

// CreateService registers the service with the SCM
func (b *windowsBackend) CreateService(cfg Config) (ServiceRef, error) {
	s, err := b.m.CreateService(cfg.Name, cfg.ExecutablePath, mgr.Config{
		StartType:        windowsStartType(cfg.StartType),
		DisplayName:      cfg.DisplayName,
		Description:      cfg.Description,
		ServiceStartName: cfg.Account,
		Password:         cfg.Password,
		Dependencies:     cfg.Dependencies,
	}, cfg.Arguments...)
	if err != nil {
		return nil, mapWindowsError(err)
	}
	return &windowsService{s: s}, nil
}

// OpenService opens the named service with the requested rights
func (b *windowsBackend) OpenService(name string, access Access) (ServiceRef, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenService(b.m.Handle, namePtr, uint32(access))
	if err != nil {
		return nil, mapWindowsError(err)
	}
	return &windowsService{s: &mgr.Service{Name: name, Handle: h}}, nil
}

// ListServices enumerates every registered service
func (b *windowsBackend) ListServices() ([]string, error) {
	names, err := b.m.ListServices()
	if err != nil {
		return nil, mapWindowsError(err)
	}
	return names, nil
}

func (b *windowsBackend) Close() error {
	return b.m.Disconnect()
}

type windowsService struct {
	s *mgr.Service
}

func (w *windowsService) Query() (Status, error) {
	st, err := w.s.Query()
	if err != nil {
		return Status{}, mapWindowsError(err)
	}
	return fromWindowsStatus(st), nil
}

func (w *windowsService) Control(kind ControlKind) (Status, error) {
	st, err := w.s.Control(svc.Cmd(kind))
	if err != nil {
		return fromWindowsStatus(st), mapWindowsError(err)
	}
	return fromWindowsStatus(st), nil
}

func (w *windowsService) Start(args ...string) error {
	return mapWindowsError(w.s.Start(args...))
}

func (w *windowsService) Delete() error {
	return mapWindowsError(w.s.Delete())
}

func (w *windowsService) Config() (Config, error) {
	c, err := w.s.Config()
	if err != nil {
		return Config{}, mapWindowsError(err)
	}
	return Config{
		Name:           w.s.Name,
		DisplayName:    c.DisplayName,
		Description:    c.Description,
		ExecutablePath: executableFromCommandLine(c.BinaryPathName),
		Account:        c.ServiceStartName,
		Dependencies:   c.Dependencies,
		StartType:      startTypeFromWindows(c.StartType),
	}, nil
}

func (w *windowsService) ListDependentServices() ([]string, error) {
	names, err := w.s.ListDependentServices(svc.Active)
	if err != nil {
		return nil, mapWindowsError(err)
	}
	return names, nil
}

func (w *windowsService) Close() error {
	return w.s.Close()
}

func fromWindowsStatus(st svc.Status) Status {
	return Status{
		Kind:                    KindOwnProcess,
		State:                   State(st.State),
		Accepts:                 Accepted(st.Accepts),
		ExitCode:                st.Win32ExitCode,
		ServiceSpecificExitCode: st.ServiceSpecificExitCode,
		CheckPoint:              st.CheckPoint,
		WaitHint:                st.WaitHint,
		ProcessID:               st.ProcessId,
	}
}

// mapWindowsError translates SCM error codes into the package sentinels
func mapWindowsError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST):
		return fmt.Errorf("%w: %w", ErrServiceNotFound, err)
	case errors.Is(err, windows.ERROR_SERVICE_MARKED_FOR_DELETE):
		return fmt.Errorf("%w: %w", ErrServiceMarkedForDelete, err)
	case errors.Is(err, windows.ERROR_SERVICE_EXISTS):
		return fmt.Errorf("%w: %w", ErrServiceExists, err)
	case errors.Is(err, windows.ERROR_SERVICE_NOT_ACTIVE):
		return fmt.Errorf("%w: %w", ErrServiceNotActive, err)
	case errors.Is(err, windows.ERROR_INVALID_SERVICE_CONTROL):
		return fmt.Errorf("%w: %w", ErrControlNotSupported, err)
	}
	return err
}

func windowsStartType(t StartType) uint32 {
	switch t {
	case StartManual:
		return mgr.StartManual
	case StartDisabled:
		return mgr.StartDisabled
	default:
		return mgr.StartAutomatic
	}
}

func startTypeFromWindows(t uint32) StartType {
	switch t {
	case mgr.StartManual:
		return StartManual
	case mgr.StartDisabled:
		return StartDisabled
	default:
		return StartAutomatic
	}
}

// executableFromCommandLine extracts the binary from a BINARY_PATH_NAME value
func executableFromCommandLine(commandLine string) string {
	commandLine = strings.TrimSpace(commandLine)
	if strings.HasPrefix(commandLine, "\"") {
		if end := strings.Index(commandLine[1:], "\""); end >= 0 {
			return commandLine[1 : end+1]
		}
		return strings.Trim(commandLine, "\"")
	}
	if idx := strings.Index(strings.ToLower(commandLine), ".exe"); idx >= 0 {
		return commandLine[:idx+len(".exe")]
	}
	return commandLine
}
