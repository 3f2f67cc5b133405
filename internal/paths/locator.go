package paths

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrExecutableNotFound is returned when no strategy locates a usable executable.
var ErrExecutableNotFound = errors.New("executable not found")

// RegisteredPathFunc returns the executable a service is already registered with.
type RegisteredPathFunc func(serviceName string) (string, error)

// DetectionError records one failed locate strategy
type DetectionError struct {
	Method    string // Strategy name (e.g., "registered")
	Err       error  // The actual error that occurred
	PathFound string // Path that was found but failed validation (if any)
}

func (e DetectionError) Error() string {
	if e.PathFound != "" {
		return fmt.Sprintf("%s: %s: %v", e.Method, e.PathFound, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

// Locator finds the executable to register for a service. Strategies are
// tried in order: explicit override, existing registration, PATH, then the
// common installation directories.
type Locator struct {
	Override   string
	Registered RegisteredPathFunc
	SearchDirs []string
	Logger     *slog.Logger
}

// Locate returns the first valid executable path for binaryName.
func (l *Locator) Locate(serviceName, binaryName string) (string, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	binaryName = ExecutableName(binaryName)

	strategies := []struct {
		name string
		fn   func() (string, error)
	}{
		{"override", func() (string, error) {
			if l.Override == "" {
				return "", errors.New("no override configured")
			}
			return filepath.Abs(l.Override)
		}},
		{"registered", func() (string, error) {
			if l.Registered == nil {
				return "", errors.New("no registry lookup configured")
			}
			return l.Registered(serviceName)
		}},
		{"path_search", func() (string, error) {
			return exec.LookPath(binaryName)
		}},
		{"common_paths", func() (string, error) {
			return l.searchDirs(binaryName)
		}},
	}

	var failures []error
	for _, strategy := range strategies {
		path, err := strategy.fn()
		if err != nil {
			failures = append(failures, DetectionError{Method: strategy.name, Err: err})
			logger.Debug("locate strategy failed", "method", strategy.name, "error", err)
			continue
		}
		if err := ValidateExecutable(path); err != nil {
			failures = append(failures, DetectionError{Method: strategy.name, Err: err, PathFound: path})
			logger.Debug("located path rejected", "method", strategy.name, "path", path, "error", err)
			continue
		}
		logger.Debug("executable located", "method", strategy.name, "path", path)
		return path, nil
	}

	return "", fmt.Errorf("%w: %s for service %s: %w", ErrExecutableNotFound, binaryName, serviceName, errors.Join(failures...))
}

func (l *Locator) searchDirs(binaryName string) (string, error) {
	dirs := l.SearchDirs
	if dirs == nil {
		dirs = commonDirectories()
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, binaryName)
		if ValidateExecutable(path) == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("not found in %d common installation directories", len(dirs))
}

// ValidateExecutable checks that path is an existing regular file that can be executed
func ValidateExecutable(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist")
		}
		if os.IsPermission(err) {
			return fmt.Errorf("permission denied accessing file")
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, not a file")
	}

	if runtime.GOOS != "windows" && info.Mode()&0111 == 0 {
		return fmt.Errorf("file is not executable (missing execute permissions)")
	}
	return nil
}

// commonDirectories returns platform-specific installation directories
func commonDirectories() []string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "windows":
		return []string{
			GetBinaryDirectory(),
			filepath.Join(os.Getenv("ProgramFiles(x86)"), "svcctl"),
			filepath.Join(home, "go", "bin"),
		}
	case "darwin":
		return []string{"/usr/local/bin", "/usr/bin", "/opt/svcctl", filepath.Join(home, "go", "bin")}
	default:
		return []string{"/usr/local/bin", "/usr/bin", "/opt/svcctl", filepath.Join(home, "go", "bin"), filepath.Join(home, ".local", "bin")}
	}
}

// Describe lists the locations svcctl uses, one "name: path" per line
func Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operating System: %s\n", runtime.GOOS)
	fmt.Fprintf(&b, "Data Directory: %s\n", GetDataDirectory())
	fmt.Fprintf(&b, "Config File: %s\n", GetConfigPath())
	fmt.Fprintf(&b, "Log Directory: %s\n", GetLogDirectory())
	fmt.Fprintf(&b, "Binary Directory: %s\n", GetBinaryDirectory())
	fmt.Fprintf(&b, "Host Binary: %s\n", GetHostBinaryPath())
	return b.String()
}
