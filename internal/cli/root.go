// Package cli implements the svcctl command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BrainStation-23/svcctl/internal/config"
	"github.com/BrainStation-23/svcctl/internal/logging"
	"github.com/BrainStation-23/svcctl/internal/paths"
	"github.com/BrainStation-23/svcctl/internal/service"
)

var (
	// Version of svcctl (can be overridden at build time with -ldflags)
	Version = "dev"
	// BuildTime is the time when the binary was built
	BuildTime = "unknown"
	// GitCommit is the git commit hash
	GitCommit = "unknown"
)

// ManagerFactory opens the service registry for one command.
type ManagerFactory func() (service.Manager, error)

// Options wires the command tree to its dependencies.
type Options struct {
	NewManager ManagerFactory
	Logger     *slog.Logger
}

type app struct {
	opts       Options
	configPath string
	verbose    bool
	logger     *slog.Logger
}

// NewRootCommand creates the root command for svcctl
func NewRootCommand(opts Options) *cobra.Command {
	if opts.NewManager == nil {
		opts.NewManager = service.NewManager
	}
	a := &app{opts: opts}

	cmd := &cobra.Command{
		Use:   "svcctl",
		Short: "svcctl - control operating system services",
		Long: `svcctl installs, starts, stops and inspects services registered with the
operating system service manager (Windows SCM, systemd or launchd).

Stop waits for the service and every active dependent to reach stopped,
polling the status each service publishes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.logger = a.newLogger(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", paths.GetConfigPath(), "Path to config file")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose output")

	cmd.AddCommand(
		a.newInstallCmd(),
		a.newUninstallCmd(),
		a.newStartCmd(),
		a.newStopCmd(),
		a.newRestartCmd(),
		a.newStatusCmd(),
		a.newListCmd(),
		a.newControlCmd(),
		newPathsCmd(),
		newVersionCmd(),
	)
	return cmd
}

func (a *app) newLogger(stderr io.Writer) *slog.Logger {
	if a.opts.Logger != nil {
		return a.opts.Logger
	}
	cfg := logging.FromEnv()
	cfg.Output = stderr
	if a.verbose {
		cfg.Level = "debug"
	}
	return logging.WithComponent(logging.New(cfg), "svcctl")
}

// withManager opens the registry, runs fn and closes the registry.
func (a *app) withManager(fn func(m service.Manager) error) error {
	m, err := a.opts.NewManager()
	if err != nil {
		return fmt.Errorf("failed to connect to service manager: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			a.log().Warn("failed to close service manager", "error", err)
		}
	}()
	return fn(m)
}

func (a *app) log() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger
}

// loadConfig reads the config file, falling back to defaults when it is absent
// and the flag was not set explicitly.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err == nil {
		return cfg, nil
	}
	if !cmd.Flags().Changed("config") {
		a.log().Debug("using default configuration", "path", a.configPath, "error", err)
		return config.Default(), nil
	}
	return nil, err
}
