package service

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRunner answers systemctl invocations from a table keyed by the joined arguments.
type stubRunner struct {
	responses map[string]string
	failures  map[string]bool
	calls     []string
}

func (s *stubRunner) run(name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	s.calls = append(s.calls, call)
	for prefix, failed := range s.failures {
		if failed && strings.HasPrefix(call, prefix) {
			return []byte("failed"), errors.New("exit status 1")
		}
	}
	for prefix, out := range s.responses {
		if strings.HasPrefix(call, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func useUnitDirectory(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	previous := unitDirectory
	unitDirectory = dir
	t.Cleanup(func() { unitDirectory = previous })
	return dir
}

func TestStatusFromProperties(t *testing.T) {
	tests := []struct {
		name   string
		props  map[string]string
		state  State
		hint   uint32
		exit   uint32
		detail uint32
	}{
		{"active", map[string]string{"ActiveState": "active", "MainPID": "42"}, Running, 0, 0, 0},
		{"reloading", map[string]string{"ActiveState": "reloading"}, Running, 0, 0, 0},
		{"activating", map[string]string{"ActiveState": "activating", "TimeoutStartUSec": "1min 30s"}, StartPending, 90000, 0, 0},
		{"deactivating", map[string]string{"ActiveState": "deactivating", "TimeoutStopUSec": "5s"}, StopPending, 5000, 0, 0},
		{"inactive", map[string]string{"ActiveState": "inactive"}, Stopped, 0, 0, 0},
		{"failed", map[string]string{"ActiveState": "failed", "ExecMainStatus": "3"}, Stopped, 0, ExitCodeServiceSpecific, 3},
		{"failed by signal", map[string]string{"ActiveState": "failed", "ExecMainStatus": "0"}, Stopped, 0, ExitCodeServiceSpecific, 1},
		{"unknown", map[string]string{"ActiveState": "maintenance"}, Unknown, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := statusFromProperties(tt.props)
			assert.Equal(t, tt.state, status.State)
			assert.Equal(t, tt.hint, status.WaitHint)
			assert.Equal(t, tt.exit, status.ExitCode)
			assert.Equal(t, tt.detail, status.ServiceSpecificExitCode)
		})
	}
	assert.Equal(t, uint32(42), statusFromProperties(map[string]string{"ActiveState": "active", "MainPID": "42"}).ProcessID)
}

func TestSystemdTimeout(t *testing.T) {
	assert.Equal(t, uint32(90000), systemdTimeout("1min 30s"))
	assert.Equal(t, uint32(5000), systemdTimeout("5s"))
	assert.Equal(t, uint32(100), systemdTimeout("100ms"))
	assert.Equal(t, uint32(90000), systemdTimeout("infinity"))
	assert.Equal(t, uint32(90000), systemdTimeout(""))
	assert.Equal(t, uint32(90000), systemdTimeout("soon"))
}

func TestExecPathFromProperty(t *testing.T) {
	value := "{ path=/usr/bin/agent ; argv[]=/usr/bin/agent --config /etc/agent.yaml ; ignore_errors=no ; start_time=[n/a] }"
	assert.Equal(t, "/usr/bin/agent", execPathFromProperty(value))
	assert.Equal(t, "", execPathFromProperty(""))
}

func TestSystemdQueryNotFound(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{
		"systemctl show ghost.service": "LoadState=not-found\nActiveState=inactive\n",
	}}
	b := &linuxBackend{run: runner.run}

	_, err := b.OpenService("ghost", AccessQueryStatus)
	require.ErrorIs(t, err, ErrServiceNotFound)
}

func TestSystemdStopReportsPending(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{
		"systemctl show agent.service": "LoadState=loaded\nActiveState=active\nMainPID=99\n",
	}}
	b := &linuxBackend{run: runner.run}

	ref, err := b.OpenService("agent", AccessAll)
	require.NoError(t, err)

	status, err := ref.Control(ControlStop)
	require.NoError(t, err)
	assert.Equal(t, StopPending, status.State)
	assert.Equal(t, uint32(90000), status.WaitHint)
	assert.Contains(t, runner.calls, "systemctl stop --no-block agent.service")

	_, err = ref.Control(ControlPowerEvent)
	assert.ErrorIs(t, err, ErrControlNotSupported)
}

func TestSystemdStopInactive(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{
		"systemctl show agent.service": "LoadState=loaded\nActiveState=inactive\n",
	}}
	ref := &systemdUnit{name: "agent", run: runner.run}

	_, err := ref.Control(ControlStop)
	assert.ErrorIs(t, err, ErrServiceNotActive)
}

func TestSystemdCreateAndDelete(t *testing.T) {
	dir := useUnitDirectory(t)
	runner := &stubRunner{}
	b := &linuxBackend{run: runner.run}

	_, err := b.CreateService(Config{
		Name:           "agent",
		Description:    "Test agent",
		ExecutablePath: "/usr/bin/agent",
		Arguments:      []string{"--config", "/etc/agent.yaml"},
		Account:        "agent",
		Dependencies:   []string{"db"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "agent.service"))
	require.NoError(t, err)
	unit := string(data)
	assert.Contains(t, unit, "Description=Test agent")
	assert.Contains(t, unit, "After=network.target db.service")
	assert.Contains(t, unit, "Requires=db.service")
	assert.Contains(t, unit, "ExecStart=/usr/bin/agent --config /etc/agent.yaml")
	assert.Contains(t, unit, "User=agent")
	assert.Equal(t, []string{"systemctl daemon-reload", "systemctl enable agent.service"}, runner.calls)

	_, err = b.CreateService(Config{Name: "agent", ExecutablePath: "/usr/bin/agent"})
	assert.ErrorIs(t, err, ErrServiceExists)

	ref := &systemdUnit{name: "agent", run: runner.run}
	require.NoError(t, ref.Delete())
	_, err = os.Stat(filepath.Join(dir, "agent.service"))
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, ref.Delete(), ErrServiceNotFound)
}

func TestSystemdManualStartIsNotEnabled(t *testing.T) {
	useUnitDirectory(t)
	runner := &stubRunner{}
	b := &linuxBackend{run: runner.run}

	_, err := b.CreateService(Config{Name: "agent", ExecutablePath: "/usr/bin/agent", StartType: StartManual})
	require.NoError(t, err)
	assert.Equal(t, []string{"systemctl daemon-reload"}, runner.calls)
}

func TestSystemdListServices(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{
		"systemctl list-units": "agent.service loaded active running Test agent\ncron.service loaded active running Cron\n",
	}}
	b := &linuxBackend{run: runner.run}

	names, err := b.ListServices()
	require.NoError(t, err)
	assert.Equal(t, []string{"agent", "cron"}, names)
}

func TestSystemdDependents(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{
		"systemctl show db.service --property=RequiredBy,BoundBy": "RequiredBy=api.service worker.service\nBoundBy=api.service backup.timer\n",
		"systemctl show api.service":                              "LoadState=loaded\nActiveState=active\n",
		"systemctl show worker.service":                           "LoadState=loaded\nActiveState=inactive\n",
	}}
	ref := &systemdUnit{name: "db", run: runner.run}

	names, err := ref.ListDependentServices()
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, names)
}

func TestSystemdConfig(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{
		"systemctl show agent.service": strings.Join([]string{
			"LoadState=loaded",
			"Description=Test agent",
			"ExecStart={ path=/usr/bin/agent ; argv[]=/usr/bin/agent ; }",
			"User=agent",
			"UnitFileState=enabled",
			"Requires=db.service network.target",
		}, "\n"),
	}}
	ref := &systemdUnit{name: "agent", run: runner.run}

	cfg, err := ref.Config()
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/agent", cfg.ExecutablePath)
	assert.Equal(t, StartAutomatic, cfg.StartType)
	assert.Equal(t, []string{"db", "network.target"}, cfg.Dependencies)
}
