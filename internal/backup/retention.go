package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/execctx"
)

// PruneResult summarizes one tier's pruning pass.
type PruneResult struct {
	Tier       Tier
	Examined   int
	Removed    []string
	FreedBytes int64
}

// Pruner removes run directories older than a tier's retention threshold.
// Pruning is idempotent and never touches the run the latest pointer
// references, so a tier can never be left without its current backup.
type Pruner struct {
	exec   execctx.Executor
	logger zerolog.Logger
	now    func() time.Time
}

// NewPruner creates a pruner operating through the given executor.
func NewPruner(exec execctx.Executor, logger zerolog.Logger) *Pruner {
	return &Pruner{
		exec:   exec,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    time.Now,
	}
}

// PruneTier removes runs under root/tier started more than maxAgeDays ago.
// A missing tier directory is a no-op. Removal failures are logged and do
// not stop the pass.
func (p *Pruner) PruneTier(ctx context.Context, root string, tier Tier, maxAgeDays int) (PruneResult, error) {
	result := PruneResult{Tier: tier}
	if maxAgeDays <= 0 {
		return result, fmt.Errorf("retention for tier %s disabled: maxAgeDays %d", tier, maxAgeDays)
	}

	runs, err := ListRuns(p.exec, root, tier)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result, nil
		}
		return result, err
	}
	result.Examined = len(runs)

	// The latest target survives even past the age threshold; a slow or
	// failed subsequent run must never leave a tier with zero backups.
	latestName, err := ResolveLatest(p.exec, root, tier)
	if err != nil {
		latestName = ""
	}

	cutoff := p.now().AddDate(0, 0, -maxAgeDays)
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !run.Start.Before(cutoff) {
			continue
		}
		if run.Name == latestName {
			p.logger.Warn().
				Str("tier", string(tier)).
				Str("run", run.Name).
				Msg("Run past retention age but still referenced by latest, keeping")
			continue
		}

		size, _ := DirSize(p.exec, run.Path)
		if err := p.exec.RemoveAll(run.Path); err != nil {
			p.logger.Error().Err(err).Str("run", run.Name).Msg("Failed to remove run")
			continue
		}

		result.Removed = append(result.Removed, run.Name)
		result.FreedBytes += size
		p.logger.Info().
			Str("tier", string(tier)).
			Str("run", run.Name).
			Str("freed", humanize.IBytes(uint64(size))).
			Msg("Pruned expired run")
	}

	p.logger.Info().
		Str("tier", string(tier)).
		Int("examined", result.Examined).
		Int("removed", len(result.Removed)).
		Msg("Retention pass complete")
	return result, nil
}
