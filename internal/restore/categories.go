package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/hostback/hostback/internal/backup"
	"github.com/hostback/hostback/internal/execctx"
)

var (
	defaultStdin  io.Reader = os.Stdin
	defaultStderr io.Writer = os.Stderr
)

// restoreVolumes recreates every volume archived in the run. Each archive
// is extracted through an ephemeral worker container; per-volume failures
// are reported and the loop continues.
func (o *Orchestrator) restoreVolumes(ctx context.Context) []StepResult {
	archiveDir := path.Join(o.selection.SourceDir, backup.DirVolumes)
	entries, err := o.exec.ReadDir(archiveDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []StepResult{{Category: CategoryVolumes, Item: "volumes", Skipped: true, Detail: "run has no volume archives"}}
		}
		return []StepResult{{Category: CategoryVolumes, Item: "volumes", Err: fmt.Errorf("read %s: %w", archiveDir, err)}}
	}

	var results []StepResult
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tar.gz") {
			continue
		}
		volumeName := strings.TrimSuffix(entry.Name(), ".tar.gz")
		if err := o.docker.RestoreVolume(ctx, volumeName, archiveDir, entry.Name()); err != nil {
			o.logger.Error().Err(err).Str("volume", volumeName).Msg("Volume restore failed")
			results = append(results, StepResult{Category: CategoryVolumes, Item: volumeName, Err: err})
			continue
		}
		results = append(results, StepResult{Category: CategoryVolumes, Item: volumeName})
	}

	if len(results) == 0 {
		results = append(results, StepResult{Category: CategoryVolumes, Item: "volumes", Skipped: true, Detail: "no volume archives in run"})
	}
	return results
}

// restoreCompose extracts the orchestration bundle back under the
// applications root and the reverse-proxy bundle next to its original
// location.
func (o *Orchestrator) restoreCompose(ctx context.Context) []StepResult {
	srcDir := path.Join(o.selection.SourceDir, backup.DirComposeConfs)
	results := []StepResult{
		o.extractStep(ctx, CategoryCompose, "compose-configs",
			path.Join(srcDir, backup.ComposeBundleName), o.AppsRoot),
	}

	if o.TraefikDir != "" {
		// The bundle holds the directory itself, so extraction targets
		// its parent.
		parent := path.Dir(strings.TrimSuffix(o.TraefikDir, "/"))
		results = append(results, o.extractStep(ctx, CategoryCompose, "traefik-config",
			path.Join(srcDir, backup.TraefikBundleName), parent))
	}
	return results
}

// restoreHome extracts dotfiles and allow-listed config directories back
// into the invoking user's home.
func (o *Orchestrator) restoreHome(ctx context.Context) []StepResult {
	archive := path.Join(o.selection.SourceDir, backup.DirHomeConfs, backup.HomeBundleName)
	return []StepResult{o.extractStep(ctx, CategoryHome, "home-config", archive, o.HomeDir)}
}

// restoreCron reinstalls the captured crontabs and extracts the
// system-wide scheduled-job bundle.
func (o *Orchestrator) restoreCron(ctx context.Context) []StepResult {
	srcDir := path.Join(o.selection.SourceDir, backup.DirCronJobs)
	results := []StepResult{
		o.installCrontab(ctx, path.Join(srcDir, backup.UserCrontabName), nil),
		o.installCrontab(ctx, path.Join(srcDir, backup.RootCrontabName), []string{"-u", "root"}),
	}

	bundle := path.Join(srcDir, backup.SystemCronBundle)
	results = append(results, o.extractStep(ctx, CategoryCron, "system-cron", bundle, o.EtcDir))
	return results
}

// installCrontab loads one captured crontab table. Placeholder captures of
// an empty table are skipped rather than clearing the live one.
func (o *Orchestrator) installCrontab(ctx context.Context, tablePath string, extraArgs []string) StepResult {
	item := strings.TrimSuffix(path.Base(tablePath), ".txt")

	content, err := o.exec.ReadFile(tablePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return StepResult{Category: CategoryCron, Item: item, Skipped: true, Detail: "not captured in this run"}
		}
		return StepResult{Category: CategoryCron, Item: item, Err: fmt.Errorf("read %s: %w", tablePath, err)}
	}
	if strings.HasPrefix(string(content), "# no crontab for") ||
		strings.HasPrefix(string(content), "# empty crontab for") {
		return StepResult{Category: CategoryCron, Item: item, Skipped: true, Detail: "table was empty at capture time"}
	}

	// crontab reads its table from a file argument; stage the capture in a
	// temp location on the execution target first.
	tmp := path.Join("/tmp", "hostback-"+path.Base(tablePath))
	if err := o.exec.WriteFile(tmp, content, 0o600); err != nil {
		return StepResult{Category: CategoryCron, Item: item, Err: fmt.Errorf("stage crontab: %w", err)}
	}
	defer o.exec.Remove(tmp)

	args := append(append([]string{}, extraArgs...), tmp)
	if _, err := o.exec.Run(ctx, o.CrontabBinary, args...); err != nil {
		o.logger.Error().Err(err).Str("table", item).Msg("Crontab install failed")
		return StepResult{Category: CategoryCron, Item: item, Err: fmt.Errorf("install crontab: %w", err)}
	}
	return StepResult{Category: CategoryCron, Item: item}
}

// restoreSystem overwrites the system configuration tree. The live tree is
// snapshotted to a timestamped side-location first; if that safety backup
// fails, nothing is overwritten.
func (o *Orchestrator) restoreSystem(ctx context.Context) []StepResult {
	const item = "system-config"
	archive := path.Join(o.selection.SourceDir, backup.DirSystemConfs, backup.EtcBundleName)
	if _, err := o.exec.Stat(archive); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []StepResult{{Category: CategorySystem, Item: item, Skipped: true, Detail: "run has no system configuration bundle"}}
		}
		return []StepResult{{Category: CategorySystem, Item: item, Err: fmt.Errorf("stat %s: %w", archive, err)}}
	}

	safety, err := o.safetySnapshot(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("Pre-restore safety backup failed, system configuration left untouched")
		return []StepResult{{Category: CategorySystem, Item: item, Err: fmt.Errorf("pre-restore safety backup: %w", err)}}
	}
	o.logger.Info().Str("safety_backup", safety).Msg("Live system configuration snapshotted")

	// The bundle was created relative to the tree's parent, so it extracts
	// back over the tree from there.
	parent := path.Dir(strings.TrimSuffix(o.EtcDir, "/"))
	result := o.extractStep(ctx, CategorySystem, item, archive, parent)
	result.Detail = "pre-restore backup at " + safety
	return []StepResult{result}
}

// safetySnapshot archives the live system configuration tree into the
// pre-restore side-location and returns the archive path.
func (o *Orchestrator) safetySnapshot(ctx context.Context) (string, error) {
	if err := o.exec.MkdirAll(o.PreRestoreRoot, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", o.PreRestoreRoot, err)
	}

	stamp := o.now().Format(backup.RunTimestampFormat)
	dest := path.Join(o.PreRestoreRoot, fmt.Sprintf("etc-%s.tar.gz", stamp))

	trimmed := strings.TrimSuffix(o.EtcDir, "/")
	parent, base := path.Dir(trimmed), path.Base(trimmed)
	res, err := o.exec.Run(ctx, "tar", "czf", dest, "-C", parent, base)
	// Exit 1 means files changed while being read; the snapshot is still
	// usable.
	if err != nil && res.ExitCode != 1 {
		return "", err
	}
	if _, err := o.exec.Stat(dest); err != nil {
		return "", fmt.Errorf("safety archive missing after tar: %w", err)
	}
	return dest, nil
}

// extractStep unpacks one archive into destDir. A missing archive is a
// skip, since the capturing side treats its source as optional too.
func (o *Orchestrator) extractStep(ctx context.Context, category Category, item, archive, destDir string) StepResult {
	if _, err := o.exec.Stat(archive); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return StepResult{Category: category, Item: item, Skipped: true, Detail: "not captured in this run"}
		}
		return StepResult{Category: category, Item: item, Err: fmt.Errorf("stat %s: %w", archive, err)}
	}
	if err := o.exec.MkdirAll(destDir, 0o755); err != nil {
		return StepResult{Category: category, Item: item, Err: fmt.Errorf("create %s: %w", destDir, err)}
	}

	if err := extractTarball(ctx, o.exec, archive, destDir); err != nil {
		o.logger.Error().Err(err).Str("archive", archive).Msg("Archive extraction failed")
		return StepResult{Category: category, Item: item, Err: err}
	}

	o.logger.Info().Str("archive", path.Base(archive)).Str("dest", destDir).Msg("Archive extracted")
	return StepResult{Category: category, Item: item}
}

// extractTarball unpacks archive into destDir on the execution target.
func extractTarball(ctx context.Context, exec execctx.Executor, archive, destDir string) error {
	if _, err := exec.Run(ctx, "tar", "xzf", archive, "-C", destDir); err != nil {
		return fmt.Errorf("extract %s: %w", path.Base(archive), err)
	}
	return nil
}
