// Package backup implements the host backup engine: tiered runs that
// archive Docker volumes through ephemeral worker containers, snapshot
// host configuration, and finish with a manifest and an atomically
// updated latest pointer.
package backup

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tier is a retention/cadence bucket with its own destination subtree.
type Tier string

const (
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
)

// Tiers returns all tiers in cadence order.
func Tiers() []Tier {
	return []Tier{TierDaily, TierWeekly, TierMonthly}
}

// ParseTier validates a tier name from CLI or config input.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierDaily, TierWeekly, TierMonthly:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("invalid tier %q (want daily, weekly or monthly)", s)
	}
}

// RunStatus is the aggregate state of a backup run.
type RunStatus string

const (
	StatusInProgress            RunStatus = "in_progress"
	StatusCompleted             RunStatus = "completed"
	StatusCompletedWithWarnings RunStatus = "completed_with_warnings"
	StatusFailed                RunStatus = "failed"
)

// UnitKind classifies what an archive unit captured.
type UnitKind string

const (
	UnitVolume           UnitKind = "volume"
	UnitComposeConfig    UnitKind = "compose_config"
	UnitSystemConfig     UnitKind = "system_config"
	UnitHomeConfig       UnitKind = "home_config"
	UnitScheduledJobs    UnitKind = "scheduled_jobs"
	UnitTopology         UnitKind = "topology"
	UnitEngineInventory  UnitKind = "engine_inventory"
	UnitPackageInventory UnitKind = "package_inventory"
)

// UnitOutcome is the result of one archive unit.
type UnitOutcome string

const (
	OutcomeSuccess UnitOutcome = "success"
	OutcomeFailed  UnitOutcome = "failed"
	OutcomeSkipped UnitOutcome = "skipped"
)

// ArchiveUnit is one independently succeeding or failing piece of a run:
// a single volume archive or one configuration bundle.
type ArchiveUnit struct {
	Kind      UnitKind    `json:"kind"`
	Name      string      `json:"name"`
	Path      string      `json:"path,omitempty"` // relative to the run directory
	SizeBytes int64       `json:"size_bytes,omitempty"`
	Outcome   UnitOutcome `json:"outcome"`
	Detail    string      `json:"detail,omitempty"`
}

// SuccessUnit builds a unit for a written artifact.
func SuccessUnit(kind UnitKind, name, relPath string, size int64) ArchiveUnit {
	return ArchiveUnit{Kind: kind, Name: name, Path: relPath, SizeBytes: size, Outcome: OutcomeSuccess}
}

// FailedUnit builds a unit recording an error. The error is captured as
// detail and never propagated past the unit boundary.
func FailedUnit(kind UnitKind, name string, err error) ArchiveUnit {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return ArchiveUnit{Kind: kind, Name: name, Outcome: OutcomeFailed, Detail: detail}
}

// SkippedUnit builds a unit for an absent optional source.
func SkippedUnit(kind UnitKind, name, reason string) ArchiveUnit {
	return ArchiveUnit{Kind: kind, Name: name, Outcome: OutcomeSkipped, Detail: reason}
}

// BackupRun is one point-in-time capture for a tier.
type BackupRun struct {
	ID         string        `json:"id"`
	Tier       Tier          `json:"tier"`
	Host       string        `json:"host"`
	Context    string        `json:"context"`
	Dir        string        `json:"dir"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     RunStatus     `json:"status"`
	Units      []ArchiveUnit `json:"units"`
}

// NewBackupRun creates an in-progress run stamped with the given start time.
func NewBackupRun(tier Tier, start time.Time) *BackupRun {
	return &BackupRun{
		ID:        uuid.New().String(),
		Tier:      tier,
		StartedAt: start,
		Status:    StatusInProgress,
	}
}

// AddUnits appends unit outcomes to the run.
func (r *BackupRun) AddUnits(units ...ArchiveUnit) {
	r.Units = append(r.Units, units...)
}

// CountByOutcome returns how many units finished with the given outcome.
func (r *BackupRun) CountByOutcome(outcome UnitOutcome) int {
	n := 0
	for _, u := range r.Units {
		if u.Outcome == outcome {
			n++
		}
	}
	return n
}

// CountByKind returns how many units of the given kind the run holds.
func (r *BackupRun) CountByKind(kind UnitKind) int {
	n := 0
	for _, u := range r.Units {
		if u.Kind == kind {
			n++
		}
	}
	return n
}

// TotalSize sums the sizes of all written artifacts.
func (r *BackupRun) TotalSize() int64 {
	var total int64
	for _, u := range r.Units {
		total += u.SizeBytes
	}
	return total
}

// Finalize stamps the finish time and computes the aggregate status from
// unit outcomes. A run with any failed unit completes with warnings; only
// run-level errors mark it failed.
func (r *BackupRun) Finalize(end time.Time) {
	r.FinishedAt = end
	if r.Status == StatusFailed {
		return
	}
	if r.CountByOutcome(OutcomeFailed) > 0 {
		r.Status = StatusCompletedWithWarnings
		return
	}
	r.Status = StatusCompleted
}

// Duration reports wall-clock run time once finalized.
func (r *BackupRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
