package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/prefork/internal/config"
	"github.com/loykin/prefork/internal/socket"
	"github.com/loykin/prefork/internal/supervisor"
)

// Exit codes. Orchestrators key restart policy off these.
const (
	exitOK        = 0
	exitGeneric   = 1
	exitConfig    = 2
	exitBind      = 3
	exitCrashLoop = 4
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

// exitCode maps an error to a process exit code.
func exitCode(err error) int {
	var ve *config.ValidationError
	var be *socket.BindError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ve):
		return exitConfig
	case errors.As(err, &be):
		return exitBind
	case errors.Is(err, supervisor.ErrCrashLoop):
		return exitCrashLoop
	default:
		return exitGeneric
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	statusFlags := &ClientFlags{}
	reloadFlags := &ClientFlags{}
	stopFlags := &StopFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createStatusCommand(statusFlags),
		createReloadCommand(reloadFlags),
		createStopCommand(stopFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "prefork",
		Short: "Multi-worker HTTP pool supervisor",
		Long: `Prefork runs a pool of HTTP workers behind a single listening socket,
replacing crashed or stalled workers and supporting rolling reloads
and graceful shutdown.

Examples:
  prefork serve                                  # serve with built-in handler
  prefork serve --upstream=http://127.0.0.1:5000 # proxy to a local app
  prefork status                                 # inspect a running pool
  prefork reload                                 # rolling restart of all workers`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

func createStatusCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker pool status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(flags)
		},
	}
	addClientFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

func createReloadCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Rolling restart of all workers",
		Long: `Start a fresh worker generation, wait for it to become ready, then
drain the old generation. In-flight requests on old workers are allowed
to finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReload(flags)
		},
	}
	addClientFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

func createStopCommand(flags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Shut down a running pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(flags)
		},
	}
	addClientFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	cmd.Flags().BoolVar(&flags.Force, "force", false, "kill workers without draining")
	return cmd
}

func addClientFlags(cmd *cobra.Command, url *string, timeout *time.Duration) {
	cmd.Flags().StringVar(url, "api-url", "", "control API URL (e.g. http://127.0.0.1:9090/api)")
	cmd.Flags().DurationVar(timeout, "api-timeout", 10*time.Second, "request timeout")
}
