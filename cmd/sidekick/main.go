package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := buildRoot(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	inputFlags := &InputFlags{}
	eventsFlags := &EventsFlags{}
	journalFlags := &JournalFlags{}

	sidekickCommand := &command{out: out}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(sidekickCommand, globalFlags, serveFlags),
		createStartCommand(sidekickCommand, globalFlags),
		createStopCommand(sidekickCommand, globalFlags),
		createInputCommand(sidekickCommand, globalFlags, inputFlags),
		createActivityCommand(sidekickCommand, globalFlags),
		createStateCommand(sidekickCommand, globalFlags),
		createEventsCommand(sidekickCommand, globalFlags, eventsFlags),
		createJournalCommand(sidekickCommand, globalFlags, journalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sidekick",
		Short: "Idle-timeout supervisor for a local worker process",
		Long: `Sidekick starts a platform-specific worker on demand, relays input to it
over a local socket and stops it again once it has been idle long enough.

Examples:
  sidekick serve config.toml              # Run the supervisor and control API
  sidekick start                          # Start the worker via the daemon
  sidekick input "hello world"            # Send input to the worker
  sidekick events --stream status,error   # Follow events
  sidekick state --api-url=http://remote:7788/api`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "control API base URL (default derived from --config or http://127.0.0.1:7788/api)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "control API request timeout")
	pf.StringVar(&flags.Token, "token", "", "bearer token for the control API")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	return root
}

func createServeCommand(c *command, globalFlags *GlobalFlags, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor with its control API, event journal and metrics as
configured. The worker is spawned on the first start request, or right away
with --start. SIGINT and SIGTERM stop the worker and exit.

Examples:
  sidekick serve config.toml
  sidekick serve --config=config.toml --start
  sidekick serve config.toml --daemonize --pidfile=/var/run/sidekick.pid --logfile=/var/log/sidekick.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			if len(args) == 1 {
				flags.ConfigPath = args[0]
			}
			return c.Serve(*flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Start, "start", false, "start the worker immediately")
	cmd.Flags().BoolVarP(&flags.Daemonize, "daemonize", "d", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon stdout/stderr to this file")
	return cmd
}

func createStartCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the worker",
		Long: `Ask the daemon to spawn the worker and wait until it answers its health
check. Prints the resulting state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), *globalFlags)
		},
	}
}

func createStopCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *globalFlags)
		},
	}
}

func createInputCommand(c *command, globalFlags *GlobalFlags, flags *InputFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "input TEXT",
		Short: "Send input to the worker",
		Long: `Send TEXT to the running worker and print its reply.

Examples:
  sidekick input "hello world"
  sidekick input ""`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Text = args[0]
			return c.Input(cmd.Context(), *globalFlags, *flags)
		},
	}
}

func createActivityCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "activity",
		Short: "Reset the idle timer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Activity(cmd.Context(), *globalFlags)
		},
	}
}

func createStateCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the supervisor state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.State(cmd.Context(), *globalFlags)
		},
	}
}

func createEventsCommand(c *command, globalFlags *GlobalFlags, flags *EventsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow supervisor events",
		Long: `Stream events from the daemon as JSON lines until interrupted.

Examples:
  sidekick events
  sidekick events --stream status,lifecycle
  sidekick events --count 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Events(cmd.Context(), *globalFlags, *flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.Streams, "stream", nil, "only these streams (status, input-result, error, lifecycle)")
	cmd.Flags().IntVar(&flags.Count, "count", 0, "exit after this many events")
	return cmd
}

func createJournalCommand(c *command, globalFlags *GlobalFlags, flags *JournalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent persisted events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Journal(cmd.Context(), *globalFlags, *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "maximum number of records")
	return cmd
}
