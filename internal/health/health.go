// Package health implements the backup freshness check: the one automated
// signal that backups are still being produced. It is deliberately
// conservative; a missed failure is worse than a false alarm.
package health

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/backup"
	"github.com/hostback/hostback/internal/config"
	"github.com/hostback/hostback/internal/execctx"
)

// Class names one failure condition. Each class maps to its own exit
// code so external alerting can tell them apart without parsing output.
type Class string

const (
	ClassHealthy      Class = "healthy"
	ClassMissing      Class = "missing"
	ClassStale        Class = "stale"
	ClassEmpty        Class = "empty"
	ClassDiskCritical Class = "disk_critical"
)

// Exit codes per failure class. Operational errors (the check itself
// could not run) use ExitOperational.
const (
	ExitHealthy      = 0
	ExitOperational  = 1
	ExitMissing      = 2
	ExitStale        = 3
	ExitEmpty        = 4
	ExitDiskCritical = 5
)

// classSeverity orders classes for exit-code selection when several
// conditions fail at once.
var classSeverity = []Class{ClassMissing, ClassStale, ClassEmpty, ClassDiskCritical}

// Issue is one detected failure condition with its remediation-relevant
// detail.
type Issue struct {
	Class   Class
	Message string
}

// Report is the result of one tier's health check.
type Report struct {
	Tier      backup.Tier
	CheckedAt time.Time

	// Latest is the run directory name the latest pointer references,
	// empty when the pointer is missing.
	Latest       string
	RunAge       time.Duration
	MaxAge       time.Duration
	ArchiveCount int

	DiskUsedPercent float64
	DiskWarning     bool

	Issues []Issue
}

// Healthy reports whether no failure condition was detected. A disk
// warning alone is still healthy.
func (r *Report) Healthy() bool { return len(r.Issues) == 0 }

// Class returns the most severe failure class, or ClassHealthy.
func (r *Report) Class() Class {
	for _, class := range classSeverity {
		for _, issue := range r.Issues {
			if issue.Class == class {
				return class
			}
		}
	}
	return ClassHealthy
}

// ExitCode maps the report to the process exit code contract.
func (r *Report) ExitCode() int {
	switch r.Class() {
	case ClassMissing:
		return ExitMissing
	case ClassStale:
		return ExitStale
	case ClassEmpty:
		return ExitEmpty
	case ClassDiskCritical:
		return ExitDiskCritical
	default:
		return ExitHealthy
	}
}

// Checker verifies that a tier's latest backup exists, is fresh, and is
// non-empty, and watches destination disk pressure.
type Checker struct {
	exec   execctx.Executor
	cfg    config.HealthConfig
	logger zerolog.Logger

	now       func() time.Time
	diskUsage func(ctx context.Context, path string) (execctx.DiskUsage, error)
}

// NewChecker creates a checker with the given thresholds.
func NewChecker(exec execctx.Executor, cfg config.HealthConfig, logger zerolog.Logger) *Checker {
	return &Checker{
		exec:      exec,
		cfg:       cfg,
		logger:    logger.With().Str("component", "health").Logger(),
		now: time.Now,
		diskUsage: func(ctx context.Context, path string) (execctx.DiskUsage, error) {
			usage, err := exec.DiskUsage(ctx, path)
			if err != nil {
				return execctx.DiskUsage{}, err
			}
			return *usage, nil
		},
	}
}

// maxAgeFor returns the freshness threshold for a tier.
func (c *Checker) maxAgeFor(tier backup.Tier) time.Duration {
	hours := c.cfg.DailyMaxAgeHours
	switch tier {
	case backup.TierWeekly:
		hours = c.cfg.WeeklyMaxAgeHours
	case backup.TierMonthly:
		hours = c.cfg.MonthlyMaxAgeHours
	}
	return time.Duration(hours) * time.Hour
}

// Check inspects root/tier and reports every failed condition. The error
// return is reserved for the check itself failing to run.
func (c *Checker) Check(ctx context.Context, root string, tier backup.Tier) (*Report, error) {
	report := &Report{
		Tier:      tier,
		CheckedAt: c.now(),
		MaxAge:    c.maxAgeFor(tier),
	}

	c.checkLatest(report, root, tier)
	if err := c.checkDisk(ctx, report, root); err != nil {
		return nil, err
	}

	if report.Healthy() {
		c.logger.Info().
			Str("tier", string(tier)).
			Str("latest", report.Latest).
			Dur("age", report.RunAge).
			Msg("Backup healthy")
	} else {
		for _, issue := range report.Issues {
			c.logger.Error().
				Str("tier", string(tier)).
				Str("class", string(issue.Class)).
				Msg(issue.Message)
		}
	}
	return report, nil
}

// checkLatest verifies pointer presence, freshness and archive content.
func (c *Checker) checkLatest(report *Report, root string, tier backup.Tier) {
	latestName, err := backup.ResolveLatest(c.exec, root, tier)
	if err != nil {
		report.Issues = append(report.Issues, Issue{
			Class:   ClassMissing,
			Message: fmt.Sprintf("no latest backup for tier %s under %s", tier, root),
		})
		return
	}
	report.Latest = latestName

	runDir := path.Join(root, string(tier), latestName)
	if _, err := c.exec.Stat(runDir); err != nil {
		report.Issues = append(report.Issues, Issue{
			Class:   ClassMissing,
			Message: fmt.Sprintf("latest pointer references missing run %s", latestName),
		})
		return
	}

	start, err := backup.ParseRunTime(latestName)
	if err != nil {
		report.Issues = append(report.Issues, Issue{
			Class:   ClassMissing,
			Message: fmt.Sprintf("latest pointer references non-run directory %q", latestName),
		})
		return
	}

	report.RunAge = c.now().Sub(start)
	if report.RunAge > report.MaxAge {
		report.Issues = append(report.Issues, Issue{
			Class: ClassStale,
			Message: fmt.Sprintf("latest %s backup is %s old, threshold %s",
				tier, report.RunAge.Round(time.Hour), report.MaxAge),
		})
	}

	// The volume directory is the primary payload; an empty one means the
	// run produced nothing worth restoring.
	entries, err := c.exec.ReadDir(path.Join(runDir, backup.DirVolumes))
	if err != nil {
		report.Issues = append(report.Issues, Issue{
			Class:   ClassEmpty,
			Message: fmt.Sprintf("run %s has no volume archive directory", latestName),
		})
		return
	}
	report.ArchiveCount = len(entries)
	if report.ArchiveCount == 0 {
		report.Issues = append(report.Issues, Issue{
			Class:   ClassEmpty,
			Message: fmt.Sprintf("run %s contains no volume archives", latestName),
		})
	}
}

// checkDisk applies the two-level disk pressure thresholds to the
// destination filesystem.
func (c *Checker) checkDisk(ctx context.Context, report *Report, root string) error {
	usage, err := c.diskUsage(ctx, root)
	if err != nil {
		return fmt.Errorf("destination disk usage: %w", err)
	}
	report.DiskUsedPercent = usage.UsedPercent

	switch {
	case usage.UsedPercent >= float64(c.cfg.DiskCriticalPercent):
		report.Issues = append(report.Issues, Issue{
			Class: ClassDiskCritical,
			Message: fmt.Sprintf("destination disk %.0f%% full, critical threshold %d%%",
				usage.UsedPercent, c.cfg.DiskCriticalPercent),
		})
	case usage.UsedPercent >= float64(c.cfg.DiskWarningPercent):
		report.DiskWarning = true
		c.logger.Warn().
			Float64("used_percent", usage.UsedPercent).
			Int("threshold", c.cfg.DiskWarningPercent).
			Msg("Destination disk above warning threshold")
	}
	return nil
}
