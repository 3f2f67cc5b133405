package service

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"howett.net/plist"
)

// launchDaemonDirectory holds the plist files written by CreateService
var launchDaemonDirectory = "/Library/LaunchDaemons"

// launchdWaitHint matches launchd's default ExitTimeOut of 20 seconds
const launchdWaitHint uint32 = 20000

type darwinBackend struct {
	run commandRunner
}

func newPlatformBackend(access Access) (Backend, error) {
	return &darwinBackend{run: runCommand}, nil
}

// launchdJob is the subset of a launchd job definition this package manages
type launchdJob struct {
	Label             string   `plist:"Label"`
	ProgramArguments  []string `plist:"ProgramArguments"`
	UserName          string   `plist:"UserName,omitempty"`
	RunAtLoad         bool     `plist:"RunAtLoad"`
	KeepAlive         bool     `plist:"KeepAlive"`
	Disabled          bool     `plist:"Disabled,omitempty"`
	StandardOutPath   string   `plist:"StandardOutPath,omitempty"`
	StandardErrorPath string   `plist:"StandardErrorPath,omitempty"`
	// launchd ignores unknown keys; these carry registration metadata
	DisplayName string   `plist:"SvcctlDisplayName,omitempty"`
	Description string   `plist:"SvcctlDescription,omitempty"`
	DependsOn   []string `plist:"SvcctlDependencies,omitempty"`
}

func plistPath(name string) string {
	return filepath.Join(launchDaemonDirectory, name+".plist")
}

func serviceTarget(name string) string {
	return "system/" + name
}

// CreateService writes a plist file and bootstraps it with launchctl
func (b *darwinBackend) CreateService(cfg Config) (ServiceRef, error) {
	path := plistPath(cfg.Name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceExists, path)
	}

	job := launchdJob{
		Label:             cfg.Name,
		ProgramArguments:  append([]string{cfg.ExecutablePath}, cfg.Arguments...),
		UserName:          cfg.Account,
		RunAtLoad:         cfg.StartType != StartManual && cfg.StartType != StartDisabled,
		Disabled:          cfg.StartType == StartDisabled,
		StandardOutPath:   fmt.Sprintf("/var/log/%s.log", cfg.Name),
		StandardErrorPath: fmt.Sprintf("/var/log/%s.err", cfg.Name),
		DisplayName:       cfg.DisplayName,
		Description:       cfg.Description,
		DependsOn:         cfg.Dependencies,
	}
	data, err := plist.MarshalIndent(job, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to encode plist for %s: %w", cfg.Name, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write plist file %s: %w", path, err)
	}

	if output, err := b.run("launchctl", "bootstrap", "system", path); err != nil {
		return nil, fmt.Errorf("failed to load service %s: %w, output: %s", cfg.Name, err, string(output))
	}
	return &launchdService{name: cfg.Name, run: b.run}, nil
}

// OpenService checks that launchd knows the job
func (b *darwinBackend) OpenService(name string, access Access) (ServiceRef, error) {
	s := &launchdService{name: name, run: b.run}
	if _, err := s.Query(); err != nil {
		return nil, err
	}
	return s, nil
}

// ListServices returns the labels of loaded jobs that have a plist in the daemon directory
func (b *darwinBackend) ListServices() ([]string, error) {
	output, err := b.run("launchctl", "list")
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w, output: %s", err, string(output))
	}
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 || fields[2] == "Label" {
			continue
		}
		if _, err := os.Stat(plistPath(fields[2])); err == nil {
			names = append(names, fields[2])
		}
	}
	return names, scanner.Err()
}

func (b *darwinBackend) Close() error {
	return nil
}

type launchdService struct {
	name string
	run  commandRunner
}

// Query parses "launchctl print" output into a status record
func (s *launchdService) Query() (Status, error) {
	output, err := s.run("launchctl", "print", serviceTarget(s.name))
	if err != nil {
		if strings.Contains(string(output), "Could not find service") {
			return Status{}, fmt.Errorf("%w: %s", ErrServiceNotFound, s.name)
		}
		return Status{}, fmt.Errorf("failed to query service %s: %w, output: %s", s.name, err, string(output))
	}
	return statusFromLaunchctl(output), nil
}

// Control sends SIGTERM for stop and SIGSTOP/SIGCONT for pause/continue
func (s *launchdService) Control(kind ControlKind) (Status, error) {
	var signal string
	switch kind {
	case ControlStop:
		signal = "SIGTERM"
	case ControlPause:
		signal = "SIGSTOP"
	case ControlContinue:
		signal = "SIGCONT"
	case ControlInterrogate:
		return s.Query()
	default:
		return Status{}, fmt.Errorf("%w: %s on launchd", ErrControlNotSupported, kind)
	}

	current, err := s.Query()
	if err != nil {
		return current, err
	}
	if current.State == Stopped {
		return current, fmt.Errorf("%w: %s", ErrServiceNotActive, s.name)
	}

	if output, err := s.run("launchctl", "kill", signal, serviceTarget(s.name)); err != nil {
		return Status{}, fmt.Errorf("failed to send %s to service %s: %w, output: %s", kind, s.name, err, string(output))
	}
	status, err := s.Query()
	if err != nil {
		return status, err
	}
	switch {
	case kind == ControlStop && status.State == Running:
		status.State = StopPending
		status.WaitHint = launchdWaitHint
	case kind == ControlPause && status.State == Running:
		status.State = Paused
	}
	return status, nil
}

// Start kicks the job
func (s *launchdService) Start(args ...string) error {
	if len(args) > 0 {
		return fmt.Errorf("%w: start arguments on launchd", ErrControlNotSupported)
	}
	output, err := s.run("launchctl", "kickstart", serviceTarget(s.name))
	if err != nil {
		return fmt.Errorf("failed to start service %s: %w, output: %s", s.name, err, string(output))
	}
	return nil
}

// Delete unloads the job and removes the plist file
func (s *launchdService) Delete() error {
	path := plistPath(s.name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, path)
	}

	if output, err := s.run("launchctl", "bootout", serviceTarget(s.name)); err != nil {
		if !strings.Contains(string(output), "Could not find service") {
			return fmt.Errorf("failed to unload service %s: %w, output: %s", s.name, err, string(output))
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist file %s: %w", path, err)
	}
	return nil
}

// Config decodes the plist file written for the service
func (s *launchdService) Config() (Config, error) {
	path := plistPath(s.name)
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read plist file %s: %w", path, err)
	}

	var job launchdJob
	if _, err := plist.Unmarshal(data, &job); err != nil {
		return Config{}, fmt.Errorf("failed to parse plist file %s: %w", path, err)
	}
	if len(job.ProgramArguments) == 0 {
		return Config{}, fmt.Errorf("ProgramArguments not found in plist file %s", path)
	}

	cfg := Config{
		Name:           job.Label,
		DisplayName:    job.DisplayName,
		Description:    job.Description,
		ExecutablePath: job.ProgramArguments[0],
		Arguments:      job.ProgramArguments[1:],
		Account:        job.UserName,
		Dependencies:   job.DependsOn,
		StartType:      StartManual,
	}
	switch {
	case job.Disabled:
		cfg.StartType = StartDisabled
	case job.RunAtLoad:
		cfg.StartType = StartAutomatic
	}
	return cfg, nil
}

// ListDependentServices returns nothing: launchd has no dependency graph
func (s *launchdService) ListDependentServices() ([]string, error) {
	return nil, nil
}

func (s *launchdService) Close() error {
	return nil
}

func statusFromLaunchctl(output []byte) Status {
	status := Status{Kind: KindOwnProcess, State: Stopped}
	scanner := bufio.NewScanner(bytes.NewReader(output))
	depth := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasSuffix(line, "{") {
			depth++
		}
		if strings.HasPrefix(line, "}") {
			depth--
		}
		// only the top-level job block describes the service itself
		if depth != 1 {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "state":
			switch value {
			case "running":
				status.State = Running
			case "spawn scheduled", "spawning":
				status.State = StartPending
				status.WaitHint = launchdWaitHint
			case "exiting":
				status.State = StopPending
				status.WaitHint = launchdWaitHint
			default:
				status.State = Stopped
			}
		case "pid":
			if pid, err := strconv.ParseUint(value, 10, 32); err == nil {
				status.ProcessID = uint32(pid)
			}
		case "last exit code":
			fields := strings.Fields(value)
			if len(fields) == 0 {
				continue
			}
			if code, err := strconv.ParseUint(fields[0], 10, 32); err == nil && code != 0 {
				status.ExitCode = ExitCodeServiceSpecific
				status.ServiceSpecificExitCode = uint32(code)
			}
		}
	}
	return status
}
