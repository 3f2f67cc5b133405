package service

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// unitDirectory holds the unit files written by CreateService
var unitDirectory = "/etc/systemd/system"

// defaultSystemdWaitHint is used when systemd reports an infinite timeout
const defaultSystemdWaitHint = 90 * time.Second

type linuxBackend struct {
	run commandRunner
}

func newPlatformBackend(access Access) (Backend, error) {
	return &linuxBackend{run: runCommand}, nil
}

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description={{ .Description }}
After=network.target{{ range .Dependencies }} {{ . }}{{ end }}
{{- if .Dependencies }}
Requires={{ range $i, $d := .Dependencies }}{{ if $i }} {{ end }}{{ $d }}{{ end }}
{{- end }}

[Service]
Type=simple
ExecStart={{ .ExecStart }}
{{- if .Account }}
User={{ .Account }}
{{- end }}
Restart=on-failure
RestartSec=10

[Install]
WantedBy=multi-user.target
`))

func unitName(name string) string {
	if strings.HasSuffix(name, ".service") {
		return name
	}
	return name + ".service"
}

func unitPath(name string) string {
	return filepath.Join(unitDirectory, unitName(name))
}

// CreateService writes a unit file, reloads systemd, and enables the service
func (b *linuxBackend) CreateService(cfg Config) (ServiceRef, error) {
	path := unitPath(cfg.Name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceExists, path)
	}

	description := cfg.Description
	if description == "" {
		description = cfg.DisplayName
	}
	if description == "" {
		description = cfg.Name
	}
	deps := make([]string, 0, len(cfg.Dependencies))
	for _, d := range cfg.Dependencies {
		deps = append(deps, unitName(d))
	}

	var buf bytes.Buffer
	err := unitTemplate.Execute(&buf, map[string]any{
		"Description":  description,
		"Dependencies": deps,
		"ExecStart":    strings.Join(append([]string{cfg.ExecutablePath}, cfg.Arguments...), " "),
		"Account":      cfg.Account,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render unit file: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("failed to write service file %s: %w", path, err)
	}

	if _, err := b.run("systemctl", "daemon-reload"); err != nil {
		return nil, fmt.Errorf("failed to reload systemd daemon: %w", err)
	}

	if cfg.StartType != StartManual && cfg.StartType != StartDisabled {
		if output, err := b.run("systemctl", "enable", unitName(cfg.Name)); err != nil {
			return nil, fmt.Errorf("failed to enable service %s: %w, output: %s", cfg.Name, err, string(output))
		}
	}
	return &systemdUnit{name: cfg.Name, run: b.run}, nil
}

// OpenService verifies the unit is loaded
func (b *linuxBackend) OpenService(name string, access Access) (ServiceRef, error) {
	u := &systemdUnit{name: name, run: b.run}
	if _, err := u.show(); err != nil {
		return nil, err
	}
	return u, nil
}

// ListServices returns every service unit systemd knows about
func (b *linuxBackend) ListServices() ([]string, error) {
	output, err := b.run("systemctl", "list-units", "--type=service", "--all", "--plain", "--no-legend", "--no-pager")
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w, output: %s", err, string(output))
	}
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		names = append(names, strings.TrimSuffix(fields[0], ".service"))
	}
	return names, scanner.Err()
}

func (b *linuxBackend) Close() error {
	return nil
}

type systemdUnit struct {
	name string
	run  commandRunner
}

var showProperties = "LoadState,ActiveState,SubState,MainPID,ExecMainStatus,Result,TimeoutStartUSec,TimeoutStopUSec,ExecStart,Description,User,Requires,UnitFileState"

func (u *systemdUnit) show(properties ...string) (map[string]string, error) {
	props := showProperties
	if len(properties) > 0 {
		props = strings.Join(properties, ",")
	}
	output, err := u.run("systemctl", "show", unitName(u.name), "--property="+props, "--no-pager")
	if err != nil {
		return nil, fmt.Errorf("failed to query service %s: %w, output: %s", u.name, err, string(output))
	}
	values := parseProperties(output)
	if values["LoadState"] == "not-found" {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, u.name)
	}
	return values, nil
}

// Query maps systemd unit state onto a status record
func (u *systemdUnit) Query() (Status, error) {
	values, err := u.show()
	if err != nil {
		return Status{}, err
	}
	return statusFromProperties(values), nil
}

// Control issues a non-blocking stop, or maps pause/continue onto SIGSTOP/SIGCONT
func (u *systemdUnit) Control(kind ControlKind) (Status, error) {
	var args []string
	switch kind {
	case ControlStop:
		status, err := u.Query()
		if err != nil {
			return status, err
		}
		if status.State == Stopped {
			return status, fmt.Errorf("%w: %s", ErrServiceNotActive, u.name)
		}
		args = []string{"stop", "--no-block", unitName(u.name)}
	case ControlPause:
		args = []string{"kill", "--signal=SIGSTOP", unitName(u.name)}
	case ControlContinue:
		args = []string{"kill", "--signal=SIGCONT", unitName(u.name)}
	case ControlParamChange:
		args = []string{"reload", "--no-block", unitName(u.name)}
	case ControlInterrogate:
		return u.Query()
	default:
		return Status{}, fmt.Errorf("%w: %s on systemd", ErrControlNotSupported, kind)
	}

	if output, err := u.run("systemctl", args...); err != nil {
		return Status{}, fmt.Errorf("failed to send %s to service %s: %w, output: %s", kind, u.name, err, string(output))
	}
	status, err := u.Query()
	if err != nil {
		return status, err
	}
	switch {
	case kind == ControlPause && status.State == Running:
		status.State = Paused
	case kind == ControlStop && status.State == Running:
		// --no-block returns before systemd has queued the job
		status.State = StopPending
		status.WaitHint = uint32(defaultSystemdWaitHint / time.Millisecond)
	}
	return status, nil
}

// Start queues a start job without waiting for it
func (u *systemdUnit) Start(args ...string) error {
	if len(args) > 0 {
		return fmt.Errorf("%w: start arguments on systemd", ErrControlNotSupported)
	}
	output, err := u.run("systemctl", "start", "--no-block", unitName(u.name))
	if err != nil {
		return fmt.Errorf("failed to start service %s: %w, output: %s", u.name, err, string(output))
	}
	return nil
}

// Delete disables the service and removes the service file
func (u *systemdUnit) Delete() error {
	path := unitPath(u.name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, path)
	}

	if output, err := u.run("systemctl", "disable", unitName(u.name)); err != nil {
		return fmt.Errorf("failed to disable service %s: %w, output: %s", u.name, err, string(output))
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove service file %s: %w", path, err)
	}

	if _, err := u.run("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd daemon: %w", err)
	}
	return nil
}

// Config reads the registration metadata systemd reports for the unit
func (u *systemdUnit) Config() (Config, error) {
	values, err := u.show()
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Name:           u.name,
		Description:    values["Description"],
		ExecutablePath: execPathFromProperty(values["ExecStart"]),
		Account:        values["User"],
		StartType:      StartManual,
	}
	if values["UnitFileState"] == "enabled" {
		cfg.StartType = StartAutomatic
	}
	if values["UnitFileState"] == "masked" {
		cfg.StartType = StartDisabled
	}
	for _, dep := range strings.Fields(values["Requires"]) {
		cfg.Dependencies = append(cfg.Dependencies, strings.TrimSuffix(dep, ".service"))
	}
	return cfg, nil
}

// ListDependentServices returns active units that require or bind to this one
func (u *systemdUnit) ListDependentServices() ([]string, error) {
	values, err := u.show("RequiredBy", "BoundBy")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var active []string
	for _, dep := range append(strings.Fields(values["RequiredBy"]), strings.Fields(values["BoundBy"])...) {
		if !strings.HasSuffix(dep, ".service") || seen[dep] {
			continue
		}
		seen[dep] = true
		depUnit := &systemdUnit{name: dep, run: u.run}
		status, err := depUnit.Query()
		if err != nil {
			return nil, err
		}
		if status.State != Stopped {
			active = append(active, strings.TrimSuffix(dep, ".service"))
		}
	}
	return active, nil
}

func (u *systemdUnit) Close() error {
	return nil
}

func parseProperties(output []byte) map[string]string {
	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if ok {
			values[key] = value
		}
	}
	return values
}

func statusFromProperties(values map[string]string) Status {
	status := Status{Kind: KindOwnProcess}

	switch values["ActiveState"] {
	case "active", "reloading":
		status.State = Running
	case "activating":
		status.State = StartPending
		status.WaitHint = systemdTimeout(values["TimeoutStartUSec"])
	case "deactivating":
		status.State = StopPending
		status.WaitHint = systemdTimeout(values["TimeoutStopUSec"])
	case "inactive", "failed":
		status.State = Stopped
	default:
		status.State = Unknown
	}

	if pid, err := strconv.ParseUint(values["MainPID"], 10, 32); err == nil {
		status.ProcessID = uint32(pid)
	}
	if values["ActiveState"] == "failed" {
		status.ExitCode = ExitCodeServiceSpecific
		if code, err := strconv.ParseUint(values["ExecMainStatus"], 10, 32); err == nil && code != 0 {
			status.ServiceSpecificExitCode = uint32(code)
		} else {
			status.ServiceSpecificExitCode = 1
		}
	}
	return status
}

// systemdTimeout converts a systemd timespan such as "1min 30s" or "infinity" into milliseconds
func systemdTimeout(value string) uint32 {
	value = strings.TrimSpace(value)
	if value == "" || value == "infinity" {
		return uint32(defaultSystemdWaitHint / time.Millisecond)
	}
	var total time.Duration
	for _, part := range strings.Fields(value) {
		d, err := time.ParseDuration(strings.NewReplacer("min", "m", "us", "µs").Replace(part))
		if err != nil {
			return uint32(defaultSystemdWaitHint / time.Millisecond)
		}
		total += d
	}
	return uint32(total / time.Millisecond)
}

// execPathFromProperty extracts path= from systemd's ExecStart property
// e.g. "{ path=/usr/bin/foo ; argv[]=/usr/bin/foo -x ; ... }"
func execPathFromProperty(value string) string {
	for _, field := range strings.Split(strings.Trim(value, "{} "), ";") {
		key, v, ok := strings.Cut(strings.TrimSpace(field), "=")
		if ok && key == "path" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
