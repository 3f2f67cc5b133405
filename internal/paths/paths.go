package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// DataDirEnv overrides the platform data directory when set.
const DataDirEnv = "SVCCTL_DATA_DIR"

// GetDataDirectory returns the platform-specific data directory
// macOS: /Library/Application Support/svcctl
// Linux: /var/lib/svcctl
// Windows: %ProgramData%\svcctl
func GetDataDirectory() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("ProgramData")
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return filepath.Join(programData, "svcctl")
	case "darwin":
		return "/Library/Application Support/svcctl"
	default:
		return "/var/lib/svcctl"
	}
}

// GetConfigPath returns the full path to the default configuration file
func GetConfigPath() string {
	return filepath.Join(GetDataDirectory(), "svcctl.yaml")
}

// GetLogDirectory returns the directory hosted services write their logs to
func GetLogDirectory() string {
	return filepath.Join(GetDataDirectory(), "logs")
}

// GetServiceLogPath returns the log file path for the named hosted service
func GetServiceLogPath(serviceName string) string {
	return filepath.Join(GetLogDirectory(), serviceName+".log")
}

// GetBinaryDirectory returns the platform-specific binary installation directory
// Linux/macOS: /usr/local/bin
// Windows: %ProgramFiles%\svcctl
func GetBinaryDirectory() string {
	switch runtime.GOOS {
	case "windows":
		programFiles := os.Getenv("ProgramFiles")
		if programFiles == "" {
			programFiles = "C:\\Program Files"
		}
		return filepath.Join(programFiles, "svcctl")
	default:
		return "/usr/local/bin"
	}
}

// ExecutableName appends the platform executable suffix to name
func ExecutableName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

// GetHostBinaryPath returns the full path to the installed svchost binary
func GetHostBinaryPath() string {
	return filepath.Join(GetBinaryDirectory(), ExecutableName("svchost"))
}

// EnsureDataDirectory creates the data and log directories if they don't exist
// with 0755 permissions (rwxr-xr-x)
func EnsureDataDirectory() error {
	return os.MkdirAll(GetLogDirectory(), 0755)
}
