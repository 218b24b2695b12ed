// Package main is the entrypoint for the hostback CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path"
	"runtime"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hostback/hostback/internal/backup"
	"github.com/hostback/hostback/internal/catalog"
	"github.com/hostback/hostback/internal/config"
	"github.com/hostback/hostback/internal/docker"
	"github.com/hostback/hostback/internal/execctx"
	"github.com/hostback/hostback/internal/health"
	"github.com/hostback/hostback/internal/notify"
	"github.com/hostback/hostback/internal/offsite"
	"github.com/hostback/hostback/internal/restore"
	"github.com/hostback/hostback/internal/schedule"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cliOptions carries the persistent flags shared by every subcommand.
type cliOptions struct {
	configPath string
	verbose    bool
}

func (o *cliOptions) logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func (o *cliOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultConfigPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// resolveContext performs the one-time execution target resolution every
// subcommand shares.
func resolveContext(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*execctx.Context, error) {
	return execctx.Resolve(ctx, execctx.Options{
		Remote: execctx.RemoteOptions{
			Host:           cfg.Remote.Host,
			Port:           cfg.Remote.Port,
			User:           cfg.Remote.User,
			KeyFile:        cfg.Remote.KeyFile,
			Password:       cfg.Remote.Password,
			KnownHostsFile: cfg.Remote.KnownHostsFile,
			HostKey:        cfg.Remote.HostKey,
		},
		MarkerPath:         cfg.LocalMarker,
		AllowUnmarkedLocal: cfg.AllowUnmarkedLocal,
	}, logger)
}

// targetHome resolves the invoking user's home directory on the
// execution target.
func targetHome(ectx *execctx.Context) string {
	if ectx.Kind == execctx.KindRemote {
		if ectx.User == "" || ectx.User == "root" {
			return "/root"
		}
		return "/home/" + ectx.User
	}
	if current, err := user.Current(); err == nil {
		return current.HomeDir
	}
	return "/root"
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "hostback",
		Short: "Tiered backup and restore for containerized hosts",
		Long: `hostback captures Docker volumes, orchestration and host configuration,
scheduled jobs and storage topology into tiered point-in-time backups,
and restores them selectively after data loss.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.hostback/config.yml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newBackupCmd(opts),
		newRestoreCmd(opts),
		newPruneCmd(opts),
		newHealthCmd(opts),
		newHistoryCmd(opts),
		newReplicateCmd(opts),
		newScheduleCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hostback %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
		},
	}
}

func newBackupCmd(opts *cliOptions) *cobra.Command {
	var tierName, dest string
	var parallel int

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run one backup for a tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := backup.ParseTier(tierName)
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if dest != "" {
				cfg.DestinationRoot = dest
			}
			if cfg.DestinationRoot == "" {
				return fmt.Errorf("destination root required: set --dest or destination_root in config")
			}
			if parallel > 0 {
				cfg.Parallelism = parallel
			}
			logger := opts.logger()

			ctx, stop := signalContext()
			defer stop()

			ectx, err := resolveContext(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer ectx.Close()

			dcli := docker.NewDockerClientWithOptions(ectx.Executor(), cfg.DockerBinary, cfg.WorkerImage, logger)
			engine := backup.NewEngine(cfg, ectx, dcli, logger)
			engine.Console = os.Stderr

			sender := notify.NewSender(cfg.Webhook.URL, cfg.Webhook.Secret, logger)

			run, err := engine.Run(ctx, tier)
			if err != nil {
				// Run-level failure: no manifest was produced.
				notifyRun(ctx, sender, notify.EventBackupFailed, run, logger)
				return err
			}

			recordRun(ctx, run, logger)
			notifyRun(ctx, sender, notify.EventBackupCompleted, run, logger)
			replicateRun(ctx, cfg, ectx.Executor(), run, logger)

			// Partial unit failure still exits 0; the manifest carries the
			// per-unit outcomes.
			if run.Status == backup.StatusCompletedWithWarnings {
				logger.Warn().
					Int("failed_units", run.CountByOutcome(backup.OutcomeFailed)).
					Msg("Backup completed with warnings")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tierName, "tier", string(backup.TierDaily), "backup tier (daily|weekly|monthly)")
	cmd.Flags().StringVar(&dest, "dest", "", "destination root (overrides config)")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "bounded volume archive parallelism (overrides config)")
	return cmd
}

// recordRun inserts the run into the local history catalog. The archive
// is the source of truth, so catalog errors are warnings.
func recordRun(ctx context.Context, run *backup.BackupRun, logger zerolog.Logger) {
	dir, err := config.DefaultConfigDir()
	if err != nil {
		logger.Warn().Err(err).Msg("History catalog unavailable")
		return
	}
	store, err := catalog.Open(dir, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("History catalog unavailable")
		return
	}
	defer store.Close()

	if err := store.Record(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("Could not record run in history catalog")
	}
}

func notifyRun(ctx context.Context, sender *notify.Sender, event string, run *backup.BackupRun, logger zerolog.Logger) {
	if run == nil {
		return
	}
	err := sender.Send(ctx, event, map[string]any{
		"run_id":       run.ID,
		"tier":         string(run.Tier),
		"host":         run.Host,
		"status":       string(run.Status),
		"units_total":  len(run.Units),
		"units_failed": run.CountByOutcome(backup.OutcomeFailed),
		"size_bytes":   run.TotalSize(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Webhook notification failed")
	}
}

// replicateRun uploads a completed run offsite when a bucket is
// configured. Failures degrade to warnings and never un-promote latest.
func replicateRun(ctx context.Context, cfg *config.Config, exec execctx.Executor, run *backup.BackupRun, logger zerolog.Logger) {
	if !cfg.Offsite.Configured() || run.Status == backup.StatusFailed {
		return
	}
	replicator, err := offsite.New(ctx, cfg.Offsite, exec, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Offsite replication unavailable")
		return
	}
	if _, err := replicator.ReplicateRun(ctx, run.Dir); err != nil {
		logger.Warn().Err(err).Msg("Offsite replication incomplete")
	}
}

func newRestoreCmd(opts *cliOptions) *cobra.Command {
	var source, tierName, dest, categoryName string
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore volumes or configuration from a backup run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if dest != "" {
				cfg.DestinationRoot = dest
			}
			logger := opts.logger()

			ctx, stop := signalContext()
			defer stop()

			ectx, err := resolveContext(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer ectx.Close()
			exec := ectx.Executor()

			// Default to the tier's latest run when no source is given.
			if source == "" {
				tier, err := backup.ParseTier(tierName)
				if err != nil {
					return err
				}
				if cfg.DestinationRoot == "" {
					return fmt.Errorf("destination root required to resolve latest: set --dest or destination_root in config")
				}
				latest, err := backup.ResolveLatest(exec, cfg.DestinationRoot, tier)
				if err != nil {
					return err
				}
				source = path.Join(cfg.DestinationRoot, string(tier), latest)
			}

			var category restore.Category
			if categoryName != "" {
				if category, err = restore.ParseCategory(categoryName); err != nil {
					return err
				}
			} else {
				if category, err = restore.PromptCategory(os.Stdin, os.Stderr); err != nil {
					return err
				}
			}

			dcli := docker.NewDockerClientWithOptions(exec, cfg.DockerBinary, cfg.WorkerImage, logger)
			orch := restore.NewOrchestrator(exec, dcli,
				cfg.AppsRoot, cfg.TraefikDir, targetHome(ectx),
				path.Join(cfg.DestinationRoot, "pre-restore"), logger)
			if yes {
				orch.Confirm = func(string) (bool, error) { return true, nil }
			}

			if err := orch.SelectSource(source); err != nil {
				return err
			}
			if err := orch.SelectCategory(category); err != nil {
				return err
			}
			if err := orch.RequestConfirmation(); err != nil {
				if errors.Is(err, restore.ErrNotConfirmed) {
					fmt.Fprintln(os.Stderr, "Restore cancelled, nothing changed.")
					return nil
				}
				return err
			}

			results, err := orch.Run(ctx)
			if err != nil {
				return err
			}

			var failed int
			for _, r := range results {
				switch {
				case r.Err != nil:
					failed++
					fmt.Fprintf(os.Stderr, "  failed  %-16s %s: %v\n", r.Category, r.Item, r.Err)
				case r.Skipped:
					fmt.Fprintf(os.Stderr, "  skipped %-16s %s (%s)\n", r.Category, r.Item, r.Detail)
				default:
					fmt.Fprintf(os.Stderr, "  done    %-16s %s\n", r.Category, r.Item)
				}
			}
			fmt.Fprintln(os.Stderr, "Restore finished. Dependent services likely need a restart.")
			if failed > 0 {
				return fmt.Errorf("%d restore step(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "run directory to restore from (default: tier's latest)")
	cmd.Flags().StringVar(&tierName, "tier", string(backup.TierDaily), "tier whose latest run to restore from")
	cmd.Flags().StringVar(&dest, "dest", "", "destination root (overrides config)")
	cmd.Flags().StringVar(&categoryName, "category", "", "restore category (volumes|compose_config|system_config|home_config|scheduled_jobs|all)")
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the interactive confirmation")
	return cmd
}

func newPruneCmd(opts *cliOptions) *cobra.Command {
	var tierName, dest string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove runs past a tier's retention age",
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := backup.ParseTier(tierName)
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if dest != "" {
				cfg.DestinationRoot = dest
			}
			if cfg.DestinationRoot == "" {
				return fmt.Errorf("destination root required: set --dest or destination_root in config")
			}
			logger := opts.logger()

			ctx, stop := signalContext()
			defer stop()

			ectx, err := resolveContext(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer ectx.Close()

			maxAge := cfg.Retention.DailyMaxAgeDays
			switch tier {
			case backup.TierWeekly:
				maxAge = cfg.Retention.WeeklyMaxAgeDays
			case backup.TierMonthly:
				maxAge = cfg.Retention.MonthlyMaxAgeDays
			}

			pruner := backup.NewPruner(ectx.Executor(), logger)
			result, err := pruner.PruneTier(ctx, cfg.DestinationRoot, tier, maxAge)
			if err != nil {
				// Pruning is idempotent and advisory; report but exit 0.
				logger.Warn().Err(err).Msg("Retention pass incomplete")
			}
			fmt.Printf("Pruned %d run(s) from tier %s, freed %s\n",
				len(result.Removed), tier, humanize.IBytes(uint64(result.FreedBytes)))
			return nil
		},
	}

	cmd.Flags().StringVar(&tierName, "tier", string(backup.TierDaily), "tier to prune")
	cmd.Flags().StringVar(&dest, "dest", "", "destination root (overrides config)")
	return cmd
}

func newHealthCmd(opts *cliOptions) *cobra.Command {
	var tierName, dest string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Verify the latest backup is present, fresh and non-empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := backup.ParseTier(tierName)
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if dest != "" {
				cfg.DestinationRoot = dest
			}
			if cfg.DestinationRoot == "" {
				return fmt.Errorf("destination root required: set --dest or destination_root in config")
			}
			logger := opts.logger()

			ctx, stop := signalContext()
			defer stop()

			ectx, err := resolveContext(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer ectx.Close()

			checker := health.NewChecker(ectx.Executor(), cfg.Health, logger)
			report, err := checker.Check(ctx, cfg.DestinationRoot, tier)
			if err != nil {
				return err
			}

			if report.Healthy() {
				fmt.Printf("Backup healthy: tier %s, latest %s, age %s, %d archive(s), disk %.0f%% used\n",
					tier, report.Latest, report.RunAge.Round(time.Minute), report.ArchiveCount, report.DiskUsedPercent)
				if report.DiskWarning {
					fmt.Printf("Warning: destination disk %.0f%% used\n", report.DiskUsedPercent)
				}
				return nil
			}

			// Print the specific failed conditions; remediation differs per
			// class.
			for _, issue := range report.Issues {
				fmt.Fprintf(os.Stderr, "health %s: %s\n", issue.Class, issue.Message)
			}

			sender := notify.NewSender(cfg.Webhook.URL, cfg.Webhook.Secret, logger)
			if err := sender.Send(ctx, notify.EventHealthFailed, map[string]any{
				"tier":  string(tier),
				"class": string(report.Class()),
			}); err != nil {
				logger.Warn().Err(err).Msg("Webhook notification failed")
			}

			os.Exit(report.ExitCode())
			return nil
		},
	}

	cmd.Flags().StringVar(&tierName, "tier", string(backup.TierDaily), "tier to check")
	cmd.Flags().StringVar(&dest, "dest", "", "destination root (overrides config)")
	return cmd
}

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	var tierName string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent backup runs from the local catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tier backup.Tier
			if tierName != "" {
				var err error
				if tier, err = backup.ParseTier(tierName); err != nil {
					return err
				}
			}

			dir, err := config.DefaultConfigDir()
			if err != nil {
				return err
			}
			store, err := catalog.Open(dir, opts.logger())
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), tier, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No recorded runs.")
				return nil
			}

			fmt.Printf("%-19s %-8s %-24s %-8s %-8s %s\n",
				"STARTED", "TIER", "STATUS", "UNITS", "FAILED", "SIZE")
			for _, rec := range records {
				fmt.Printf("%-19s %-8s %-24s %-8d %-8d %s\n",
					rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
					rec.Tier, rec.Status, rec.UnitsTotal, rec.UnitsFailed,
					humanize.IBytes(uint64(rec.SizeBytes)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tierName, "tier", "", "limit to one tier")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func newReplicateCmd(opts *cliOptions) *cobra.Command {
	var runDir string

	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Upload a run directory to the offsite bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runDir == "" {
				return fmt.Errorf("--run is required")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Offsite.Configured() {
				return fmt.Errorf("no offsite bucket configured")
			}
			logger := opts.logger()

			ctx, stop := signalContext()
			defer stop()

			ectx, err := resolveContext(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer ectx.Close()

			replicator, err := offsite.New(ctx, cfg.Offsite, ectx.Executor(), logger)
			if err != nil {
				return err
			}
			result, err := replicator.ReplicateRun(ctx, runDir)
			if err != nil {
				return err
			}
			fmt.Printf("Replicated %d object(s), %s\n",
				result.Uploaded, humanize.IBytes(uint64(result.UploadedBytes)))
			return nil
		},
	}

	cmd.Flags().StringVar(&runDir, "run", "", "run directory to upload")
	return cmd
}

func newScheduleCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show or install the cron schedule",
	}
	cmd.AddCommand(newScheduleShowCmd(opts), newScheduleInstallCmd(opts))
	return cmd
}

func schedulePlan(cfg *config.Config) schedule.Plan {
	return schedule.Plan{DestDir: cfg.DestinationRoot}
}

func newScheduleShowCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the cron.d file and upcoming firings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			plan := schedulePlan(cfg)

			content, err := plan.Render()
			if err != nil {
				return err
			}
			fmt.Print(content)

			fmt.Println("\nNext firings:")
			now := time.Now()
			for _, entry := range plan.Entries() {
				next, err := entry.Next(now, 1)
				if err != nil {
					return err
				}
				fmt.Printf("  %-12s %s\n", next[0].Format("Jan 2 15:04"), entry.Command)
			}
			return nil
		},
	}
}

func newScheduleInstallCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Write the cron.d file on the execution target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.DestinationRoot == "" {
				return fmt.Errorf("destination root required: set destination_root in config")
			}
			logger := opts.logger()

			ctx, stop := signalContext()
			defer stop()

			ectx, err := resolveContext(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer ectx.Close()

			if err := schedulePlan(cfg).Install(ectx.Executor()); err != nil {
				return err
			}
			fmt.Printf("Installed %s on %s\n", schedule.CronDPath, ectx.String())
			return nil
		},
	}
}
