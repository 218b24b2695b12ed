package backup

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hostback/hostback/internal/docker"
	"github.com/hostback/hostback/internal/execctx"
)

// VolumeArchiver archives every Docker volume into a run's volume
// directory through ephemeral worker containers.
type VolumeArchiver struct {
	docker      *docker.DockerClient
	exec        execctx.Executor
	parallelism int
	stepTimeout time.Duration
	logger      zerolog.Logger
}

// NewVolumeArchiver creates an archiver. Parallelism below 1 is treated
// as sequential; stepTimeout bounds each volume's worker.
func NewVolumeArchiver(dcli *docker.DockerClient, exec execctx.Executor, parallelism int, stepTimeout time.Duration, logger zerolog.Logger) *VolumeArchiver {
	if parallelism < 1 {
		parallelism = 1
	}
	return &VolumeArchiver{
		docker:      dcli,
		exec:        exec,
		parallelism: parallelism,
		stepTimeout: stepTimeout,
		logger:      logger.With().Str("component", "volumes").Logger(),
	}
}

// Archive enumerates all volumes and archives each one independently.
// A failing volume is recorded with outcome failed and never aborts the
// batch. Results are ordered by volume name regardless of completion
// order.
func (a *VolumeArchiver) Archive(ctx context.Context, layout *RunLayout) []ArchiveUnit {
	volumes, err := a.docker.ListVolumes(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to list volumes")
		return []ArchiveUnit{FailedUnit(UnitVolume, "docker-volumes", fmt.Errorf("list volumes: %w", err))}
	}
	if len(volumes) == 0 {
		a.logger.Info().Msg("No volumes to archive")
		return []ArchiveUnit{SkippedUnit(UnitVolume, "docker-volumes", "no volumes present")}
	}

	a.logger.Info().
		Int("count", len(volumes)).
		Int("parallelism", a.parallelism).
		Msg("Archiving volumes")

	// Each volume writes to its own file, so bounded parallelism is safe.
	// Workers report into their own slot; errors stay inside the unit.
	results := make([]ArchiveUnit, len(volumes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)

	for i, vol := range volumes {
		i, vol := i, vol
		g.Go(func() error {
			results[i] = a.archiveOne(gctx, vol, layout)
			return nil
		})
	}
	g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func (a *VolumeArchiver) archiveOne(ctx context.Context, vol docker.Volume, layout *RunLayout) ArchiveUnit {
	log := a.logger.With().Str("volume", vol.Name).Logger()

	stepCtx := ctx
	if a.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, a.stepTimeout)
		defer cancel()
	}

	start := time.Now()
	archiveName, err := a.docker.ArchiveVolume(stepCtx, vol.Name, layout.VolumesDir())
	if err != nil {
		log.Error().Err(err).Msg("Volume archive failed")
		return FailedUnit(UnitVolume, vol.Name, err)
	}

	archivePath := path.Join(layout.VolumesDir(), archiveName)
	var size int64
	if info, err := a.exec.Stat(archivePath); err == nil {
		size = info.Size()
	}

	log.Info().
		Str("archive", archiveName).
		Int64("size_bytes", size).
		Dur("duration", time.Since(start)).
		Msg("Volume archived")

	return SuccessUnit(UnitVolume, vol.Name, path.Join(DirVolumes, archiveName), size)
}
