package backup

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/execctx"
)

const (
	UserCrontabName  = "user-crontab.txt"
	RootCrontabName  = "root-crontab.txt"
	SystemCronBundle = "system-cron.tar.gz"
)

// systemCronEntries are the system-wide scheduled-job locations bundled
// when present, relative to the system configuration tree.
var systemCronEntries = []string{
	"crontab",
	"cron.d",
	"cron.hourly",
	"cron.daily",
	"cron.weekly",
	"cron.monthly",
	"anacrontab",
}

// CronSnapshotter captures the invoking user's and root's scheduled-job
// tables as plain text, plus a bundle of the system-wide drop-in
// directories. An empty table is a placeholder file, never an error.
type CronSnapshotter struct {
	exec   execctx.Executor
	logger zerolog.Logger

	User          string
	EtcDir        string
	CrontabBinary string
}

// NewCronSnapshotter creates a snapshotter. user is the invoking user on
// the execution target.
func NewCronSnapshotter(exec execctx.Executor, user string, logger zerolog.Logger) *CronSnapshotter {
	return &CronSnapshotter{
		exec:          exec,
		logger:        logger.With().Str("component", "cron-snapshot").Logger(),
		User:          user,
		EtcDir:        "/etc",
		CrontabBinary: "crontab",
	}
}

// Snapshot captures all scheduled-job sources, one unit each.
func (s *CronSnapshotter) Snapshot(ctx context.Context, layout *RunLayout) []ArchiveUnit {
	units := []ArchiveUnit{
		s.snapshotCrontab(ctx, layout, "user-crontab", UserCrontabName, s.User, nil),
	}
	if s.User == "root" {
		// Already captured above; duplicate the table under the root
		// name so both expected files exist.
		units = append(units, s.snapshotCrontab(ctx, layout, "root-crontab", RootCrontabName, "root", nil))
	} else {
		units = append(units, s.snapshotCrontab(ctx, layout, "root-crontab", RootCrontabName, "root", []string{"-u", "root"}))
	}
	units = append(units, s.snapshotSystemCron(ctx, layout))
	return units
}

func (s *CronSnapshotter) snapshotCrontab(ctx context.Context, layout *RunLayout, unitName, fileName, owner string, extraArgs []string) ArchiveUnit {
	args := append([]string{"-l"}, extraArgs...)
	res, err := s.exec.Run(ctx, s.CrontabBinary, args...)

	content := res.Stdout
	if err != nil {
		if !strings.Contains(res.Stderr, "no crontab for") {
			s.logger.Error().Err(err).Str("owner", owner).Msg("Crontab listing failed")
			return FailedUnit(UnitScheduledJobs, unitName, fmt.Errorf("list crontab for %s: %w", owner, err))
		}
		content = fmt.Sprintf("# no crontab for %s\n", owner)
	}
	if content == "" {
		content = fmt.Sprintf("# empty crontab for %s\n", owner)
	}

	dest := path.Join(layout.CronDir(), fileName)
	if err := s.exec.WriteFile(dest, []byte(content), 0o644); err != nil {
		return FailedUnit(UnitScheduledJobs, unitName, fmt.Errorf("write %s: %w", fileName, err))
	}

	s.logger.Info().Str("owner", owner).Str("file", fileName).Msg("Crontab captured")
	return SuccessUnit(UnitScheduledJobs, unitName, path.Join(DirCronJobs, fileName), int64(len(content)))
}

// snapshotSystemCron bundles the system crontab and cron drop-in
// directories that exist on the target.
func (s *CronSnapshotter) snapshotSystemCron(ctx context.Context, layout *RunLayout) ArchiveUnit {
	const name = "system-cron"

	var members []string
	for _, entry := range systemCronEntries {
		if _, err := s.exec.Stat(path.Join(s.EtcDir, entry)); err == nil {
			members = append(members, entry)
		}
	}
	if len(members) == 0 {
		return SkippedUnit(UnitScheduledJobs, name, "no system cron locations present")
	}

	dest := path.Join(layout.CronDir(), SystemCronBundle)
	size, err := createTarball(ctx, s.exec, dest, s.EtcDir, nil, members)
	if err != nil {
		s.logger.Error().Err(err).Msg("System cron bundle failed")
		return FailedUnit(UnitScheduledJobs, name, err)
	}

	s.logger.Info().Int("entries", len(members)).Str("archive", SystemCronBundle).Msg("System cron archived")
	return SuccessUnit(UnitScheduledJobs, name, path.Join(DirCronJobs, SystemCronBundle), size)
}
