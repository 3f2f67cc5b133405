package service

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceNotFound is returned when the registry has no service by that name.
	ErrServiceNotFound = errors.New("service does not exist")

	// ErrServiceMarkedForDelete is returned when the service is already scheduled for deletion.
	ErrServiceMarkedForDelete = errors.New("service is marked for deletion")

	// ErrServiceExists is returned when creating a service whose name is taken.
	ErrServiceExists = errors.New("service already exists")

	// ErrServiceNotActive is returned when a control is sent to a service that is not running.
	ErrServiceNotActive = errors.New("service is not active")

	// ErrControlNotSupported is returned when the backend cannot deliver a control code.
	ErrControlNotSupported = errors.New("control not supported")

	// ErrDependentStopFailed is returned when a dependent service failed to stop.
	ErrDependentStopFailed = errors.New("dependent service failed to stop")

	// ErrStopTimeout is returned when a service stalls while stopping.
	ErrStopTimeout = errors.New("service stalled while stopping")

	// ErrHandleClosed is returned when a closed handle is used.
	ErrHandleClosed = errors.New("service handle is closed")
)

// Access is a bit mask of rights requested when opening the registry or a service.
// The values match the Windows SC_MANAGER_* and SERVICE_* access rights; backends
// without an access model ignore them.
type Access uint32

const (
	AccessQueryConfig        Access = 0x0001
	AccessChangeConfig       Access = 0x0002
	AccessQueryStatus        Access = 0x0004
	AccessEnumerateDependent Access = 0x0008
	AccessStart              Access = 0x0010
	AccessStop               Access = 0x0020
	AccessPauseContinue      Access = 0x0040
	AccessInterrogate        Access = 0x0080
	AccessUserDefined        Access = 0x0100
	AccessDelete             Access = 0x10000
	AccessAll                Access = 0xF01FF

	ManagerConnect       Access = 0x0001
	ManagerCreateService Access = 0x0002
	ManagerEnumerate     Access = 0x0004
	ManagerAll           Access = 0xF003F
)

// StartType controls when the registry starts a service.
type StartType string

const (
	StartAutomatic StartType = "auto"
	StartManual    StartType = "manual"
	StartDisabled  StartType = "disabled"
)

// Config is the registration metadata supplied when creating a service.
// It is opaque to the lifecycle state machine.
type Config struct {
	Name           string    `yaml:"name" koanf:"name"`
	DisplayName    string    `yaml:"display_name" koanf:"display_name"`
	Description    string    `yaml:"description" koanf:"description"`
	ExecutablePath string    `yaml:"executable" koanf:"executable"`
	Arguments      []string  `yaml:"arguments" koanf:"arguments"`
	Account        string    `yaml:"account" koanf:"account"`
	Password       string    `yaml:"password" koanf:"password"`
	Dependencies   []string  `yaml:"dependencies" koanf:"dependencies"`
	StartType      StartType `yaml:"start_type" koanf:"start_type"`
}

// Validate checks the fields every backend requires.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ExecutablePath == "" {
		return fmt.Errorf("executable path is required for service %s", c.Name)
	}
	switch c.StartType {
	case "", StartAutomatic, StartManual, StartDisabled:
	default:
		return fmt.Errorf("invalid start type %q for service %s", c.StartType, c.Name)
	}
	return nil
}

// Backend is a connection to the external service registry.
type Backend interface {
	// CreateService registers a new service.
	CreateService(cfg Config) (ServiceRef, error)

	// OpenService opens an existing service with the requested rights.
	OpenService(name string, access Access) (ServiceRef, error)

	// ListServices enumerates registered service names.
	ListServices() ([]string, error)

	// Close releases the connection.
	Close() error
}

// ServiceRef is a backend reference to one registered service.
type ServiceRef interface {
	// Query returns the current status record.
	Query() (Status, error)

	// Control sends a control code and returns the status reported in response.
	// It does not wait for the service to act on the control.
	Control(kind ControlKind) (Status, error)

	// Start asks the registry to start the service.
	Start(args ...string) error

	// Delete marks the service for deletion.
	Delete() error

	// Config returns the registration metadata.
	Config() (Config, error)

	// ListDependentServices returns the names of active services that depend on this one.
	ListDependentServices() ([]string, error)

	// Close releases the reference, never the service itself.
	Close() error
}

// Manager defines the name-based service management operations
type Manager interface {
	// Stop stops the specified service and its active dependents
	Stop(serviceName string) error

	// Uninstall removes the service from the service manager
	Uninstall(serviceName string) error

	// Install registers the service with the service manager
	Install(cfg Config) error

	// Start starts the specified service and waits until it is running
	Start(serviceName string, args ...string) error

	// Restart stops then starts the specified service
	Restart(serviceName string) error

	// Status returns the current status record of the service
	Status(serviceName string) (Status, error)

	// IsRunning checks if the service is currently running
	IsRunning(serviceName string) (bool, error)

	// GetServiceBinaryPath returns the path to the service binary
	GetServiceBinaryPath(serviceName string) (string, error)

	// List enumerates registered services
	List() ([]string, error)

	// Control sends a control code and returns the status it reported
	Control(serviceName string, kind ControlKind) (Status, error)

	// Close releases the registry connection
	Close() error
}

// NewManager connects to the platform service registry
func NewManager() (Manager, error) {
	return Connect(ManagerAll)
}

// Connect opens the platform service registry with the given access rights.
func Connect(access Access) (*Registry, error) {
	backend, err := newPlatformBackend(access)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to service registry: %w", err)
	}
	return NewRegistry(backend), nil
}
