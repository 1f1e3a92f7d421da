package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/artpar/lambdaroll/internal/core/auth"
	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/shell/events"
	"github.com/artpar/lambdaroll/internal/shell/gate"
	"github.com/artpar/lambdaroll/internal/shell/store"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configPath string
	output     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "lambdaroll",
		Short: "Staged rollout of serverless functions and their shared layer",
		Long: `lambdaroll deploys a fleet of serverless functions and the shared layer
they depend on through a fixed pipeline:

  Source -> ApproveUnits -> UpdateUnits -> ApproveLayer -> UpdateLayer

Approval gates persist, so a run can wait for a decision made from another
process or through the HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("LAMBDAROLL_CONFIG"), "Path to config file")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newResumeCmd(opts),
		newDecideCmd(opts, domain.DecisionApprove),
		newDecideCmd(opts, domain.DecisionReject),
		newCancelCmd(opts),
		newStatusCmd(opts),
		newGatesCmd(opts),
		newLayersCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads configuration and builds the logger.
func loadConfig(opts *rootOptions) (*Config, *slog.Logger, error) {
	cfg, err := LoadConfig(opts.configPath)
	if err != nil {
		return nil, nil, &CommandError{Op: "load config", Err: err, ExitCode: ExitConfigError}
	}
	return cfg, SetupLogger(cfg), nil
}

// openStore opens the database for read-only commands.
func openStore(opts *rootOptions) (store.Store, error) {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &CommandError{Op: "open database", Err: err, ExitCode: ExitDatabaseError}
	}
	return s, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and execute triggered runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger.Info("starting lambdaroll", "version", Version, "config", opts.configPath, "fleet", cfg.Pipeline.Fleet)

			server, err := NewServer(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return server.Start(cmd.Context())
		},
	}
}

// =============================================================================
// run / resume
// =============================================================================

func newRunCmd(opts *rootOptions) *cobra.Command {
	var ref string

	cmd := &cobra.Command{
		Use:   "run [source-dir]",
		Short: "Run the pipeline in the foreground",
		Long: `Run captures the source directory and drives it through every stage,
printing one progress line per completed stage. Gates are decided with
"lambdaroll approve" or "lambdaroll reject" from another terminal.

Interrupting while a gate is pending leaves the run awaiting approval; it
continues with "lambdaroll resume" or under "lambdaroll serve".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Pipeline.SourceDir = args[0]
			}
			if cfg.Pipeline.SourceDir == "" {
				return &CommandError{Op: "run", Err: errors.New("no source dir given and pipeline.source_dir is not set"), ExitCode: ExitConfigError}
			}
			if ref == "" {
				ref = cfg.Pipeline.SourceDir
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			app, err := NewApp(ctx, cfg, newProgressPrinter(cmd.OutOrStdout()), logger)
			if err != nil {
				return err
			}
			defer app.Close()

			run, err := app.sequencer.Create(ctx, ref, cfg.Pipeline.SourceDir)
			if err != nil {
				return &CommandError{Op: "create run", Err: err, ExitCode: ExitCommandError}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s started for %s\n", run.ID, ref)
			return executeRun(ctx, cmd, app, run.ID)
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "Source reference recorded on the run (default: the source dir)")
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a pending or awaiting-approval run in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			app, err := NewApp(ctx, cfg, newProgressPrinter(cmd.OutOrStdout()), logger)
			if err != nil {
				return err
			}
			defer app.Close()

			return executeRun(ctx, cmd, app, args[0])
		},
	}
}

// executeRun drives a run to completion and maps its final status to an
// exit code.
func executeRun(ctx context.Context, cmd *cobra.Command, app *App, runID string) error {
	app.watcher.Start()
	defer app.watcher.Stop()

	run, err := app.sequencer.Execute(ctx, runID)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(cmd.OutOrStdout(), "run %s interrupted; resume with: lambdaroll resume %s\n", runID, runID)
		return &CommandError{Op: "run", Err: err, ExitCode: ExitRunStopped}
	}
	if err != nil {
		return &CommandError{Op: "run", Err: err, ExitCode: ExitCommandError}
	}

	switch run.Status {
	case domain.RunSucceeded:
		return nil
	case domain.RunFailed:
		return &CommandError{Op: "run " + run.ID, Err: errors.New(run.ErrorMessage), ExitCode: ExitRunFailed}
	default:
		return &CommandError{Op: "run " + run.ID, Err: fmt.Errorf("%s: %s", run.Status, run.ErrorMessage), ExitCode: ExitRunStopped}
	}
}

// =============================================================================
// approve / reject
// =============================================================================

func newDecideCmd(opts *rootOptions, decision domain.Decision) *cobra.Command {
	var identity, comment string

	cmd := &cobra.Command{
		Use:   string(decision) + " <gate-id>",
		Short: fmt.Sprintf("Record an %s decision on a pending gate", decision),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}

			who, err := auth.ResolveApprover(auth.Context{}, identity, cfg.Auth.Approvers)
			if err != nil {
				return &CommandError{Op: string(decision), Err: err, ExitCode: ExitCommandError}
			}

			s, err := store.NewSQLiteStore(cfg.Database.DSN)
			if err != nil {
				return &CommandError{Op: "open database", Err: err, ExitCode: ExitDatabaseError}
			}
			defer s.Close()

			// Hub events have no subscribers outside the server; the webhook
			// still fires.
			gates := gate.NewService(s, newNotifier(cfg, events.Discard, logger), gate.Config{}, logger)
			g, err := gates.Decide(cmd.Context(), args[0], decision, who, comment)
			if err != nil {
				return &CommandError{Op: string(decision), Err: err, ExitCode: ExitCommandError}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "gate %s %s by %s\n", g.ID, g.Status, g.DecidedBy)
			return nil
		},
	}
	cmd.Flags().StringVar(&identity, "identity", os.Getenv("USER"), "Identity recorded on the decision")
	cmd.Flags().StringVar(&comment, "comment", "", "Comment recorded on the decision")
	return cmd
}

// =============================================================================
// cancel
// =============================================================================

func newCancelCmd(opts *rootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Stop a run that is pending or waiting at a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}

			app, err := NewApp(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			run, err := app.sequencer.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return &CommandError{Op: "cancel", Err: err, ExitCode: ExitCommandError}
			}
			if run.Status.IsTerminal() {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s %s\n", run.ID, run.Status)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s cancel requested (status %s)\n", run.ID, run.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the run")
	return cmd
}

// =============================================================================
// status / gates / layers
// =============================================================================

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show recent runs, or one run with its stage reports",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			out := newPrinter(cmd.OutOrStdout(), opts.output)
			if len(args) == 1 {
				run, err := s.GetRun(cmd.Context(), args[0])
				if err != nil {
					return &CommandError{Op: "get run", Err: err, ExitCode: ExitCommandError}
				}
				return out.Run(run)
			}

			runs, err := s.ListRuns(cmd.Context(), store.ListOptions{Limit: limit})
			if err != nil {
				return &CommandError{Op: "list runs", Err: err, ExitCode: ExitDatabaseError}
			}
			return out.Runs(runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	addOutputFlag(cmd, opts)
	return cmd
}

func newGatesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gates",
		Short: "List pending approval gates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			gates, err := s.ListPendingGates(cmd.Context())
			if err != nil {
				return &CommandError{Op: "list gates", Err: err, ExitCode: ExitDatabaseError}
			}
			return newPrinter(cmd.OutOrStdout(), opts.output).Gates(gates)
		},
	}
	addOutputFlag(cmd, opts)
	return cmd
}

func newLayersCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "layers <layer-name>",
		Short: "List published versions of a layer, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			versions, err := s.ListLayerVersions(cmd.Context(), args[0], store.ListOptions{Limit: limit})
			if err != nil {
				return &CommandError{Op: "list layer versions", Err: err, ExitCode: ExitDatabaseError}
			}
			return newPrinter(cmd.OutOrStdout(), opts.output).Layers(versions)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of versions to show")
	addOutputFlag(cmd, opts)
	return cmd
}

func addOutputFlag(cmd *cobra.Command, opts *rootOptions) {
	cmd.Flags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json or yaml")
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lambdaroll %s (built %s)\n", Version, BuildTime)
		},
	}
}
