package backup

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/execctx"
)

// ManifestBuilder renders and writes the run manifest. The manifest is
// write-once: it is produced after every unit has reported and nothing
// mutates it afterwards.
type ManifestBuilder struct {
	exec   execctx.Executor
	logger zerolog.Logger
}

// NewManifestBuilder creates a builder writing through the given executor.
func NewManifestBuilder(exec execctx.Executor, logger zerolog.Logger) *ManifestBuilder {
	return &ManifestBuilder{
		exec:   exec,
		logger: logger.With().Str("component", "manifest").Logger(),
	}
}

// Write renders the manifest for a finalized run and writes it into the
// run directory. Failing to write the manifest is a run-level error.
func (m *ManifestBuilder) Write(layout *RunLayout, run *BackupRun) error {
	content := m.Render(layout, run)
	if err := m.exec.WriteFile(layout.ManifestPath(), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	m.logger.Info().Str("path", layout.ManifestPath()).Msg("Manifest written")
	return nil
}

// Render produces the manifest text.
func (m *ManifestBuilder) Render(layout *RunLayout, run *BackupRun) string {
	var b strings.Builder

	line := strings.Repeat("=", 58)
	fmt.Fprintf(&b, "%s\n", line)
	fmt.Fprintf(&b, " Server Backup Manifest\n")
	fmt.Fprintf(&b, "%s\n", line)
	fmt.Fprintf(&b, "Run ID:    %s\n", run.ID)
	fmt.Fprintf(&b, "Host:      %s\n", run.Host)
	fmt.Fprintf(&b, "Context:   %s\n", run.Context)
	fmt.Fprintf(&b, "Tier:      %s\n", run.Tier)
	fmt.Fprintf(&b, "Started:   %s\n", run.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Finished:  %s\n", run.FinishedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Duration:  %s\n", run.Duration().Round(time.Second))
	fmt.Fprintf(&b, "Status:    %s\n", run.Status)
	b.WriteString("\n")

	fmt.Fprintf(&b, "--- Archive Units (%d total: %d success, %d failed, %d skipped) ---\n",
		len(run.Units),
		run.CountByOutcome(OutcomeSuccess),
		run.CountByOutcome(OutcomeFailed),
		run.CountByOutcome(OutcomeSkipped))
	for _, u := range run.Units {
		switch u.Outcome {
		case OutcomeSuccess:
			fmt.Fprintf(&b, "[%-7s] %-18s %-24s %s (%s)\n", u.Outcome, u.Kind, u.Name, u.Path, humanize.IBytes(uint64(u.SizeBytes)))
		default:
			fmt.Fprintf(&b, "[%-7s] %-18s %-24s %s\n", u.Outcome, u.Kind, u.Name, u.Detail)
		}
	}
	b.WriteString("\n")

	b.WriteString("--- Unit Counts ---\n")
	for _, kind := range []UnitKind{
		UnitVolume, UnitComposeConfig, UnitSystemConfig, UnitHomeConfig,
		UnitScheduledJobs, UnitTopology, UnitEngineInventory, UnitPackageInventory,
	} {
		if n := run.CountByKind(kind); n > 0 {
			fmt.Fprintf(&b, "%-20s %d\n", string(kind)+":", n)
		}
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Total archive size: %s\n", humanize.IBytes(uint64(run.TotalSize())))
	if dirSize, err := DirSize(m.exec, layout.Dir()); err == nil {
		fmt.Fprintf(&b, "Run directory size: %s\n", humanize.IBytes(uint64(dirSize)))
	}

	return b.String()
}
