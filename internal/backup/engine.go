package backup

import (
	"context"
	"fmt"
	"io"
	"os/user"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/config"
	"github.com/hostback/hostback/internal/docker"
	"github.com/hostback/hostback/internal/execctx"
)

// Engine orchestrates one backup run: it creates the run directory,
// drives the volume archiver and the snapshotters, writes the manifest
// and finally repoints the tier's latest pointer. Unit failures are
// collected, never propagated; only run-level problems (directory or
// manifest unwritable, abort) return an error.
type Engine struct {
	cfg    *config.Config
	ectx   *execctx.Context
	exec   execctx.Executor
	docker *docker.DockerClient
	logger zerolog.Logger

	// Console, when set, receives run log output alongside backup.log.
	Console io.Writer

	// Stage implementations; NewEngine-built unless a test injects its own.
	Volumes  *VolumeArchiver
	Configs  *ConfigSnapshotter
	Cron     *CronSnapshotter
	Topology *TopologySnapshotter
	Packages *PackageSnapshotter

	username string
	homeDir  string
	now      func() time.Time
}

// NewEngine creates an engine bound to one resolved execution context.
func NewEngine(cfg *config.Config, ectx *execctx.Context, dcli *docker.DockerClient, logger zerolog.Logger) *Engine {
	username, homeDir := targetIdentity(ectx)
	return &Engine{
		cfg:      cfg,
		ectx:     ectx,
		exec:     ectx.Executor(),
		docker:   dcli,
		logger:   logger.With().Str("component", "engine").Logger(),
		username: username,
		homeDir:  homeDir,
		now:      time.Now,
	}
}

// targetIdentity resolves the invoking user and home directory on the
// execution target. For remote contexts this is the SSH user's account.
func targetIdentity(ectx *execctx.Context) (string, string) {
	if ectx.Kind == execctx.KindRemote {
		if ectx.User == "" || ectx.User == "root" {
			return "root", "/root"
		}
		return ectx.User, "/home/" + ectx.User
	}
	current, err := user.Current()
	if err != nil {
		return "root", "/root"
	}
	return current.Username, current.HomeDir
}

type snapshotStage struct {
	name string
	// timed stages run under one step timeout; the volume stage manages
	// per-volume timeouts itself.
	timed bool
	fn    func(context.Context, *RunLayout) []ArchiveUnit
}

// Run executes one backup run for the given tier. The returned BackupRun
// carries every unit outcome; err is non-nil only for run-level failures,
// in which case the latest pointer is left untouched.
func (e *Engine) Run(ctx context.Context, tier Tier) (*BackupRun, error) {
	start := e.now()
	layout := NewRunLayout(e.cfg.DestinationRoot, tier, start)
	run := NewBackupRun(tier, start)
	run.Dir = layout.Dir()
	run.Context = e.ectx.String()

	if info, err := e.exec.HostInfo(ctx); err == nil {
		run.Host = info.Hostname
	} else {
		run.Host = "unknown"
		e.logger.Warn().Err(err).Msg("Could not determine target host name")
	}

	if err := e.prepareRunDir(layout); err != nil {
		run.Status = StatusFailed
		return run, err
	}

	logFile, err := e.exec.Create(layout.LogPath())
	if err != nil {
		run.Status = StatusFailed
		return run, fmt.Errorf("create %s: %w", layout.LogPath(), err)
	}
	defer logFile.Close()

	runLog := e.runLogger(logFile, run)
	runLog.Info().
		Str("host", run.Host).
		Str("context", run.Context).
		Str("dir", run.Dir).
		Msg("Backup run started")

	for _, stage := range e.stages(runLog) {
		if err := ctx.Err(); err != nil {
			return e.abort(runLog, run, err)
		}

		stageCtx := ctx
		cancel := context.CancelFunc(func() {})
		if stage.timed && e.cfg.StepTimeout() > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, e.cfg.StepTimeout())
		}
		units := stage.fn(stageCtx, layout)
		cancel()

		run.AddUnits(units...)
		logStageOutcome(runLog, stage.name, units)
	}

	if err := ctx.Err(); err != nil {
		return e.abort(runLog, run, err)
	}

	run.Finalize(e.now())

	manifest := NewManifestBuilder(e.exec, runLog)
	if err := manifest.Write(layout, run); err != nil {
		run.Status = StatusFailed
		runLog.Error().Err(err).Msg("Manifest write failed, latest pointer left untouched")
		return run, err
	}

	if err := UpdateLatest(e.exec, e.cfg.DestinationRoot, tier, layout.DirName()); err != nil {
		// The manifest is on disk and the prior latest still points at a
		// complete run, so the recorded status stands.
		runLog.Error().Err(err).Msg("Latest pointer update failed")
		return run, fmt.Errorf("update latest pointer: %w", err)
	}

	runLog.Info().
		Str("status", string(run.Status)).
		Int("units", len(run.Units)).
		Int("failed", run.CountByOutcome(OutcomeFailed)).
		Str("total_size", humanize.IBytes(uint64(run.TotalSize()))).
		Dur("duration", run.Duration()).
		Msg("Backup run finished")
	return run, nil
}

func (e *Engine) prepareRunDir(layout *RunLayout) error {
	if err := e.exec.MkdirAll(layout.Dir(), 0o755); err != nil {
		return fmt.Errorf("create run directory %s: %w", layout.Dir(), err)
	}
	for _, dir := range layout.Subdirs() {
		if err := e.exec.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// runLogger tees run events into backup.log and, when configured, the
// console.
func (e *Engine) runLogger(logFile io.Writer, run *BackupRun) zerolog.Logger {
	writers := []io.Writer{logFile}
	if e.Console != nil {
		writers = append(writers, e.Console)
	}
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).With().
		Timestamp().
		Str("run_id", run.ID).
		Str("tier", string(run.Tier)).
		Logger()
}

func (e *Engine) stages(runLog zerolog.Logger) []snapshotStage {
	volumes := e.Volumes
	if volumes == nil {
		volumes = NewVolumeArchiver(e.docker, e.exec, e.cfg.Parallelism, e.cfg.StepTimeout(), runLog)
	}
	configs := e.Configs
	if configs == nil {
		configs = NewConfigSnapshotter(e.exec, e.docker, e.cfg.AppsRoot, e.cfg.TraefikDir, e.homeDir, e.cfg.EtcExcludes, e.cfg.HomeInclude, runLog)
	}
	cron := e.Cron
	if cron == nil {
		cron = NewCronSnapshotter(e.exec, e.username, runLog)
	}
	topology := e.Topology
	if topology == nil {
		topology = NewTopologySnapshotter(e.exec, runLog)
	}
	packages := e.Packages
	if packages == nil {
		packages = NewPackageSnapshotter(e.exec, runLog)
	}

	return []snapshotStage{
		{name: "volumes", timed: false, fn: volumes.Archive},
		{name: "configs", timed: true, fn: configs.Snapshot},
		{name: "scheduled-jobs", timed: true, fn: cron.Snapshot},
		{name: "topology", timed: true, fn: topology.Snapshot},
		{name: "packages", timed: true, fn: packages.Snapshot},
	}
}

// abort marks the run failed after an external cancellation. The run
// directory is left in place for inspection; latest is never promoted.
func (e *Engine) abort(runLog zerolog.Logger, run *BackupRun, cause error) (*BackupRun, error) {
	run.Status = StatusFailed
	run.FinishedAt = e.now()
	runLog.Error().Err(cause).Msg("Backup run aborted, latest pointer left untouched")
	return run, fmt.Errorf("backup run aborted: %w", cause)
}

func logStageOutcome(runLog zerolog.Logger, stage string, units []ArchiveUnit) {
	success, failed, skipped := 0, 0, 0
	for _, u := range units {
		switch u.Outcome {
		case OutcomeSuccess:
			success++
		case OutcomeFailed:
			failed++
		case OutcomeSkipped:
			skipped++
		}
	}
	event := runLog.Info()
	if failed > 0 {
		event = runLog.Warn()
	}
	event.
		Str("stage", stage).
		Int("success", success).
		Int("failed", failed).
		Int("skipped", skipped).
		Msg("Stage complete")
}
