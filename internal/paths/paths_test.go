package paths

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDataDirectoryDefault(t *testing.T) {
	t.Setenv(DataDirEnv, "")
	dir := GetDataDirectory()
	assert.Equal(t, "svcctl", filepath.Base(dir))
	if runtime.GOOS == "linux" {
		assert.Equal(t, "/var/lib/svcctl", dir)
	}
}

func TestDerivedPaths(t *testing.T) {
	root := t.TempDir()
	t.Setenv(DataDirEnv, root)

	assert.Equal(t, root, GetDataDirectory())
	assert.Equal(t, filepath.Join(root, "svcctl.yaml"), GetConfigPath())
	assert.Equal(t, filepath.Join(root, "logs"), GetLogDirectory())
	assert.Equal(t, filepath.Join(root, "logs", "heartbeat.log"), GetServiceLogPath("heartbeat"))
	assert.Equal(t, ExecutableName("svchost"), filepath.Base(GetHostBinaryPath()))

	require.NoError(t, EnsureDataDirectory())
	info, err := os.Stat(GetLogDirectory())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	out := Describe()
	assert.Contains(t, out, "Data Directory: "+root)
	assert.Contains(t, out, "Config File: "+GetConfigPath())
}

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, ExecutableName(name))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0755))
	return path
}

func TestValidateExecutable(t *testing.T) {
	dir := t.TempDir()
	exe := writeExecutable(t, dir, "tool")

	assert.NoError(t, ValidateExecutable(exe))
	assert.ErrorContains(t, ValidateExecutable(""), "empty")
	assert.ErrorContains(t, ValidateExecutable(filepath.Join(dir, "missing")), "does not exist")
	assert.ErrorContains(t, ValidateExecutable(dir), "directory")

	if runtime.GOOS != "windows" {
		plain := filepath.Join(dir, "plain")
		require.NoError(t, os.WriteFile(plain, []byte("data"), 0644))
		assert.ErrorContains(t, ValidateExecutable(plain), "not executable")
	}
}

func TestLocatorPrefersOverride(t *testing.T) {
	dir := t.TempDir()
	override := writeExecutable(t, dir, "custom")
	registered := writeExecutable(t, dir, "registered")

	l := &Locator{
		Override:   override,
		Registered: func(string) (string, error) { return registered, nil },
		SearchDirs: []string{},
	}
	path, err := l.Locate("agent", "svchost")
	require.NoError(t, err)
	assert.Equal(t, override, path)
}

func TestLocatorFallsBackToRegistration(t *testing.T) {
	dir := t.TempDir()
	registered := writeExecutable(t, dir, "svchost")

	var asked string
	l := &Locator{
		Override: filepath.Join(dir, "missing"),
		Registered: func(name string) (string, error) {
			asked = name
			return registered, nil
		},
		SearchDirs: []string{},
	}
	path, err := l.Locate("agent", "svchost")
	require.NoError(t, err)
	assert.Equal(t, registered, path)
	assert.Equal(t, "agent", asked)
}

func TestLocatorSearchesCommonDirectories(t *testing.T) {
	t.Setenv("PATH", "")
	empty := t.TempDir()
	dir := t.TempDir()
	exe := writeExecutable(t, dir, "svchost-test-bin")

	l := &Locator{SearchDirs: []string{empty, dir}}
	path, err := l.Locate("agent", "svchost-test-bin")
	require.NoError(t, err)
	assert.Equal(t, exe, path)
}

func TestLocatorReportsEveryStrategy(t *testing.T) {
	t.Setenv("PATH", "")
	l := &Locator{
		Registered: func(string) (string, error) { return "", errors.New("service not registered") },
		SearchDirs: []string{t.TempDir()},
	}
	_, err := l.Locate("agent", "svchost-test-bin")
	require.ErrorIs(t, err, ErrExecutableNotFound)

	var detection DetectionError
	require.ErrorAs(t, err, &detection)
	assert.Equal(t, "override", detection.Method)
	for _, method := range []string{"override", "registered: service not registered", "path_search", "common_paths"} {
		assert.Contains(t, err.Error(), method)
	}
}
