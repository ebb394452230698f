package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loykin/tether/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	processFlags := &ProcessFlags{}
	tetherCommand := command{out: os.Stdout}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, false),
		createRunCommand(globalFlags, true),
		createValidateCommand(tetherCommand, globalFlags),
		createDumpCommand(tetherCommand, globalFlags),
		createStartCommand(tetherCommand, processFlags),
		createStopCommand(tetherCommand, processFlags),
		createRestartCommand(tetherCommand, processFlags),
		createStatusCommand(tetherCommand, processFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tether",
		Short: "Supervise programs declared in an ecosystem file",
		Long: `Tether launches the programs listed in an ecosystem file, writes their
PID files, timestamps their output and applies a restart policy when they exit.

Examples:
  tether run ecosystem.json                 # supervise in the foreground
  tether serve ecosystem.yaml               # same, with the HTTP control API
  tether status --api-url=http://127.0.0.1:8780/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to the ecosystem file (JSON, YAML or TOML)")
	root.PersistentFlags().BoolVar(&flags.Lenient, "lenient", false, "report unknown keys as warnings instead of errors")
	return root
}

func configPath(flags *GlobalFlags, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if flags.ConfigPath == "" {
		return "", fmt.Errorf("ecosystem file required: pass it as an argument or with --config")
	}
	return flags.ConfigPath, nil
}

// createRunCommand creates run (foreground) or serve (foreground with API).
func createRunCommand(globalFlags *GlobalFlags, serve bool) *cobra.Command {
	runFlags := &RunFlags{}
	v := viper.New()

	use, short, long := "run [ecosystem file]", "Supervise the ecosystem in the foreground",
		`Load the ecosystem file and supervise every app until SIGINT or SIGTERM.
SIGHUP reloads the file: new apps are started, removed apps are stopped and
changed apps are restarted.

Examples:
  tether run ecosystem.json
  tether run --lenient ecosystem.yaml`
	if serve {
		use, short, long = "serve [ecosystem file]", "Supervise the ecosystem and serve the HTTP control API",
			`Like run, but the control API is always served (default 127.0.0.1:8780).

Examples:
  tether serve ecosystem.yaml
  tether serve --listen=0.0.0.0:8780 ecosystem.yaml
  tether serve --daemonize --pidfile=/run/tether.pid ecosystem.yaml`
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(globalFlags, args)
			if err != nil {
				return err
			}
			runFlags.ConfigPath = path
			runFlags.Lenient = globalFlags.Lenient
			if runFlags.Daemonize {
				return daemonize(runFlags.LogFile)
			}
			if runFlags.PidFile != "" {
				if err := writePidFile(runFlags.PidFile, os.Getpid()); err != nil {
					return fmt.Errorf("failed to write PID file: %w", err)
				}
				defer func() { _ = removePidFile(runFlags.PidFile) }()
			}
			return runForeground(cmd.Context(), *runFlags, v)
		},
	}

	runFlags.Serve = serve
	cmd.Flags().StringVar(&runFlags.Listen, "listen", "", "control API listen address (overrides tether.api.listen)")
	cmd.Flags().StringVar(&runFlags.MetricsListen, "metrics-listen", "", "Prometheus /metrics listen address (overrides tether.metrics.listen)")
	cmd.Flags().StringVar(&runFlags.LogLevel, "log-level", "", "supervisor log level: debug, info, warn, error")
	bindFlag(v, "api.listen", cmd, "listen")
	bindFlag(v, "metrics.listen", cmd, "metrics-listen")
	bindFlag(v, "log.slog.level", cmd, "log-level")

	if serve {
		cmd.Flags().BoolVar(&runFlags.Daemonize, "daemonize", false, "run as daemon in background")
		cmd.Flags().StringVar(&runFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
		cmd.Flags().StringVar(&runFlags.LogFile, "logfile", "", "redirect daemon output to file")
	}
	return cmd
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		panic(err) // This should never happen during setup
	}
}

// createValidateCommand creates the validate subcommand
func createValidateCommand(tetherCommand command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [ecosystem file]",
		Short: "Check an ecosystem file without starting anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(globalFlags, args)
			if err != nil {
				return err
			}
			return tetherCommand.Validate(path, globalFlags.Lenient)
		},
	}
}

// createDumpCommand creates the dump subcommand
func createDumpCommand(tetherCommand command, globalFlags *GlobalFlags) *cobra.Command {
	dumpFlags := &DumpFlags{}
	cmd := &cobra.Command{
		Use:   "dump [ecosystem file]",
		Short: "Print the effective configuration with defaults applied",
		Long: `Print the effective configuration with defaults applied.

Examples:
  tether dump ecosystem.json
  tether dump --format=json ecosystem.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(globalFlags, args)
			if err != nil {
				return err
			}
			return tetherCommand.Dump(path, globalFlags.Lenient, dumpFlags.Format)
		},
	}
	cmd.Flags().StringVar(&dumpFlags.Format, "format", "yaml", "output format: yaml or json")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", client.DefaultBaseURL, "daemon API URL")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 30*time.Second, "request timeout")
}

func requireName(cmd *cobra.Command, f *ProcessFlags) {
	cmd.Flags().StringVar(&f.Name, "name", "", "app name (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err) // This should never happen during setup
	}
}

// createStartCommand creates the start subcommand
func createStartCommand(tetherCommand command, processFlags *ProcessFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an app on a running daemon",
		Long: `Start an app registered with a running daemon.

Examples:
  tether start --name=openssh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return tetherCommand.Start(cmd.Context(), *processFlags)
		},
	}
	requireName(cmd, processFlags)
	addAPIFlags(cmd, &processFlags.APIFlags)
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(tetherCommand command, processFlags *ProcessFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop an app on a running daemon",
		Long: `Stop an app. The app receives its kill_signal and is killed after
--wait (default: the app's kill_timeout).

Examples:
  tether stop --name=openssh
  tether stop --name=openssh --wait=5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return tetherCommand.Stop(cmd.Context(), *processFlags)
		},
	}
	requireName(cmd, processFlags)
	cmd.Flags().DurationVar(&processFlags.Wait, "wait", 0, "grace period before SIGKILL")
	addAPIFlags(cmd, &processFlags.APIFlags)
	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(tetherCommand command, processFlags *ProcessFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart an app on a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tetherCommand.Restart(cmd.Context(), *processFlags)
		},
	}
	requireName(cmd, processFlags)
	addAPIFlags(cmd, &processFlags.APIFlags)
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(tetherCommand command, processFlags *ProcessFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show app status",
		Long: `Show the status of one app or of every app.

Examples:
  tether status                    # all apps
  tether status --name=openssh     # one app`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return tetherCommand.Status(cmd.Context(), *processFlags)
		},
	}
	cmd.Flags().StringVar(&processFlags.Name, "name", "", "app name (optional)")
	addAPIFlags(cmd, &processFlags.APIFlags)
	return cmd
}
