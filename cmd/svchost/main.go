package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	kservice "github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/BrainStation-23/svcctl/internal/config"
	"github.com/BrainStation-23/svcctl/internal/heartbeat"
	"github.com/BrainStation-23/svcctl/internal/host"
	"github.com/BrainStation-23/svcctl/internal/lifecycle"
	"github.com/BrainStation-23/svcctl/internal/logging"
	"github.com/BrainStation-23/svcctl/internal/metrics"
	"github.com/BrainStation-23/svcctl/internal/paths"
)

var (
	// Version of svchost (can be overridden at build time with -ldflags)
	Version = "dev"
	// BuildTime is the time when the binary was built
	BuildTime = "unknown"
	// GitCommit is the git commit hash
	GitCommit = "unknown"
)

type options struct {
	configPath     string
	debug          bool
	metricsAddress string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode keeps a failed service's own exit code so the service manager
// records the failure.
func exitCode(err error) int {
	var entryErr *host.EntryError
	if errors.As(err, &entryErr) && entryErr.Code != 0 {
		return int(entryErr.Code)
	}
	return 1
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "svchost",
		Short: "svchost - hosts the heartbeat service",
		Long: `svchost runs the heartbeat service under the platform service manager.

With --debug it runs in the foreground instead: status records are logged
and Enter (or Ctrl+C) delivers a stop request.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, cfg)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", paths.GetConfigPath(), "Path to config file")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Run in the foreground with the debug dispatcher")
	cmd.Flags().StringVar(&opts.metricsAddress, "metrics-address", "", "Serve Prometheus metrics on this address (e.g. :9102)")

	cmd.AddCommand(newInstallCmd(opts), newUninstallCmd(opts))
	return cmd
}

// load reads the config file and applies flag overrides. A missing file is
// only an error when --config was given explicitly.
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		if cmd.Flags().Changed("config") {
			return nil, err
		}
		cfg = config.Default()
	}
	if f := cmd.Flags().Lookup("debug"); f != nil && f.Changed {
		cfg.Host.Debug = o.debug
	}
	if f := cmd.Flags().Lookup("metrics-address"); f != nil && f.Changed {
		cfg.Host.MetricsAddress = o.metricsAddress
	}
	return cfg, nil
}

func run(ctx context.Context, opts *options, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logCfg := cfg.Log.Logging()
	if logCfg.File == "" && !cfg.Host.Debug {
		logCfg.File = paths.GetServiceLogPath(cfg.Host.Name)
	}
	logger, closer, err := logging.Open(logCfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	if cfg.Host.MetricsAddress != "" {
		server := metrics.NewServer(logger)
		if err := server.Listen(cfg.Host.MetricsAddress); err != nil {
			return err
		}
		go func() {
			if err := server.Serve(ctx); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	var d host.Dispatcher
	if cfg.Host.Debug {
		d = host.NewDebug(host.WithPrompt(os.Stdin, os.Stdout), host.WithDebugLogger(logger))
	} else {
		d = host.NewProduction(systemConfig(cfg, opts.configPath), logger)
	}

	logger.Info("starting service host",
		"service", cfg.Host.Name,
		"version", Version,
		"debug", cfg.Host.Debug,
		"config", opts.configPath)

	entry := newEntry(cfg, opts.configPath, logger)
	if err := d.StartDispatch(ctx, []host.Entry{entry}); err != nil {
		logging.Critical(logger, "service dispatch failed", "error", err)
		return err
	}
	return nil
}

func newEntry(cfg *config.Config, configPath string, logger *slog.Logger) host.Entry {
	program := heartbeat.New(cfg.Host.Name, cfg.Heartbeat, logger,
		heartbeat.WithConfigPath(configPath),
		heartbeat.WithWatch(),
	)

	lifecycleOpts := []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithStartWaitHint(config.Millis(cfg.Host.StartWaitHint)),
		lifecycle.WithStopWaitHint(config.Millis(cfg.Host.StopWaitHint)),
	}
	if cfg.Host.StopOnShutdown {
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithStopOnShutdown())
	}
	return lifecycle.NewEntry(cfg.Host.Name, program, lifecycleOpts...)
}

// systemConfig describes svchost to the platform service manager. The
// registered command line points back at the same config file.
func systemConfig(cfg *config.Config, configPath string) *kservice.Config {
	args := []string{}
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
		args = append(args, "--config", configPath)
	}
	return &kservice.Config{
		Name:        cfg.Host.Name,
		DisplayName: cfg.Host.DisplayName,
		Description: cfg.Host.Description,
		Arguments:   args,
	}
}

// installer is the no-op program kardianos needs to build install/uninstall
// commands; the service itself runs through host.System.
type installer struct{}

func (installer) Start(kservice.Service) error { return nil }
func (installer) Stop(kservice.Service) error  { return nil }

func newInstallCmd(opts *options) *cobra.Command {
	var executable string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Register svchost with the platform service manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if executable == "" {
				executable, err = os.Executable()
				if err != nil {
					return fmt.Errorf("failed to resolve executable: %w", err)
				}
			}
			locator := &paths.Locator{Override: executable}
			exe, err := locator.Locate(cfg.Host.Name, "svchost")
			if err != nil {
				return err
			}

			svcConfig := systemConfig(cfg, opts.configPath)
			svcConfig.Executable = exe
			s, err := kservice.New(installer{}, svcConfig)
			if err != nil {
				return err
			}
			if err := s.Install(); err != nil {
				return fmt.Errorf("failed to install service: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service %s installed (%s)\n", svcConfig.Name, exe)
			fmt.Fprintf(out, "Run 'svcctl start %s' to start the service\n", svcConfig.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&executable, "executable", "", "Executable to register (default: this binary)")
	return cmd
}

func newUninstallCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove svchost from the platform service manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			s, err := kservice.New(installer{}, systemConfig(cfg, opts.configPath))
			if err != nil {
				return err
			}
			if err := s.Uninstall(); err != nil {
				return fmt.Errorf("failed to uninstall service: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %s uninstalled\n", cfg.Host.Name)
			return nil
		},
	}
}
