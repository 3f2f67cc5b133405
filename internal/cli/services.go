package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BrainStation-23/svcctl/internal/paths"
	"github.com/BrainStation-23/svcctl/internal/service"
)

func (a *app) newInstallCmd() *cobra.Command {
	var (
		cfg        service.Config
		startType  string
		binaryName string
		fromFile   bool
	)

	cmd := &cobra.Command{
		Use:   "install [name]",
		Short: "Register a service",
		Long: `Register a service with the operating system service manager.

With --file, the services section of the config file is installed: every
entry, or only the named one. Otherwise the name and flags describe the
service; when --executable is omitted the binary named by --binary is
located on PATH and in the common installation directories.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if fromFile {
				return a.installFromFile(cmd, args)
			}
			if len(args) == 0 {
				return errors.New("service name is required")
			}
			cfg.Name = args[0]
			cfg.StartType = service.StartType(startType)

			return a.withManager(func(m service.Manager) error {
				if cfg.ExecutablePath != "" {
					exe, err := filepath.Abs(cfg.ExecutablePath)
					if err != nil {
						return err
					}
					if err := paths.ValidateExecutable(exe); err != nil {
						return fmt.Errorf("invalid executable %s: %w", exe, err)
					}
					cfg.ExecutablePath = exe
				} else {
					locator := &paths.Locator{
						Registered: m.GetServiceBinaryPath,
						Logger:     a.log(),
					}
					exe, err := locator.Locate(cfg.Name, binaryName)
					if err != nil {
						return err
					}
					cfg.ExecutablePath = exe
				}
				if err := m.Install(cfg); err != nil {
					return fmt.Errorf("failed to install service %s: %w", cfg.Name, err)
				}
				fmt.Fprintf(out, "Service %s installed (%s)\n", cfg.Name, cfg.ExecutablePath)
				fmt.Fprintf(out, "Run 'svcctl start %s' to start the service\n", cfg.Name)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&fromFile, "file", "f", false, "Install the services listed in the config file")
	cmd.Flags().StringVar(&cfg.ExecutablePath, "executable", "", "Path to the service executable")
	cmd.Flags().StringVar(&binaryName, "binary", "svchost", "Executable name to locate when --executable is omitted")
	cmd.Flags().StringVar(&cfg.DisplayName, "display-name", "", "Display name")
	cmd.Flags().StringVar(&cfg.Description, "description", "", "Description")
	cmd.Flags().StringSliceVar(&cfg.Arguments, "arg", nil, "Argument passed to the executable (repeatable)")
	cmd.Flags().StringSliceVar(&cfg.Dependencies, "depends", nil, "Service this service depends on (repeatable)")
	cmd.Flags().StringVar(&cfg.Account, "account", "", "Account the service runs as")
	cmd.Flags().StringVar(&cfg.Password, "password", "", "Password for --account")
	cmd.Flags().StringVar(&startType, "start-type", string(service.StartAutomatic), "Start type: auto, manual or disabled")
	return cmd
}

func (a *app) installFromFile(cmd *cobra.Command, args []string) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	entries := cfg.Services
	if len(args) == 1 {
		entry, ok := cfg.Service(args[0])
		if !ok {
			return fmt.Errorf("service %s is not defined in %s", args[0], a.configPath)
		}
		entries = []service.Config{entry}
	}
	if len(entries) == 0 {
		return fmt.Errorf("no services defined in %s", a.configPath)
	}

	return a.withManager(func(m service.Manager) error {
		for _, entry := range entries {
			if err := m.Install(entry); err != nil {
				return fmt.Errorf("failed to install service %s: %w", entry.Name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %s installed (%s)\n", entry.Name, entry.ExecutablePath)
		}
		return nil
	})
}

func (a *app) newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <name>",
		Short: "Stop and remove a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m service.Manager) error {
				if err := m.Uninstall(args[0]); err != nil {
					return fmt.Errorf("failed to uninstall service %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %s uninstalled\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name> [args...]",
		Short: "Start a service and wait until it is running",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m service.Manager) error {
				if err := m.Start(args[0], args[1:]...); err != nil {
					return fmt.Errorf("failed to start service %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %s started\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a service and its active dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m service.Manager) error {
				if err := m.Stop(args[0]); err != nil {
					return fmt.Errorf("failed to stop service %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %s stopped\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "Stop then start a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m service.Manager) error {
				if err := m.Restart(args[0]); err != nil {
					return fmt.Errorf("failed to restart service %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %s restarted\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) newStatusCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show the status record of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m service.Manager) error {
				status, err := m.Status(args[0])
				if err != nil {
					return fmt.Errorf("failed to query service %s: %w", args[0], err)
				}
				return writeStatus(cmd.OutOrStdout(), output, args[0], status)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or yaml")
	return cmd
}

func (a *app) newListCmd() *cobra.Command {
	var withStatus bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m service.Manager) error {
				names, err := m.List()
				if err != nil {
					return fmt.Errorf("failed to list services: %w", err)
				}
				sort.Strings(names)

				out := cmd.OutOrStdout()
				if !withStatus {
					for _, name := range names {
						fmt.Fprintln(out, name)
					}
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTATE")
				for _, name := range names {
					state := "unknown"
					if status, err := m.Status(name); err == nil {
						state = status.State.String()
					} else {
						a.log().Debug("status query failed", "service", name, "error", err)
					}
					fmt.Fprintf(w, "%s\t%s\n", name, state)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&withStatus, "status", false, "Include the current state of each service")
	return cmd
}

func (a *app) newControlCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "control <name> <control>",
		Short: "Send a control code to a service",
		Long: `Send a control code such as pause, continue, interrogate or param-change
to a service. The command does not wait for the service to act on it; the
status printed is the one reported when the control was delivered.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := service.ParseControlKind(args[1])
			if err != nil {
				return err
			}
			return a.withManager(func(m service.Manager) error {
				status, err := m.Control(args[0], kind)
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), output, args[0], status)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or yaml")
	return cmd
}

func writeStatus(out io.Writer, format, name string, status service.Status) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(map[string]any{"name": name, "status": status}); err != nil {
			return fmt.Errorf("failed to render status: %w", err)
		}
		return enc.Close()
	case "text", "":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Service:\t%s\n", name)
		fmt.Fprintf(w, "State:\t%s\n", status.State)
		fmt.Fprintf(w, "Accepts:\t%#x\n", uint32(status.Accepts))
		fmt.Fprintf(w, "Exit code:\t%d\n", status.ExitCode)
		if status.ExitCode == service.ExitCodeServiceSpecific {
			fmt.Fprintf(w, "Service exit code:\t%d\n", status.ServiceSpecificExitCode)
		}
		if status.State.IsPending() {
			fmt.Fprintf(w, "Checkpoint:\t%d\n", status.CheckPoint)
			fmt.Fprintf(w, "Wait hint:\t%s\n", status.WaitHintDuration())
		}
		if status.ProcessID != 0 {
			fmt.Fprintf(w, "PID:\t%d\n", status.ProcessID)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
