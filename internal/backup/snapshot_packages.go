package backup

import (
	"context"
	"fmt"
	"path"

	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/execctx"
)

// PackageCommand captures one package manager listing.
type PackageCommand struct {
	Unit   string
	File   string
	Binary string
	Args   []string
}

// DefaultPackageCommands covers the package managers found on common
// server distributions. Absent managers are skipped without error.
func DefaultPackageCommands() []PackageCommand {
	return []PackageCommand{
		{Unit: "dpkg-selections", File: "dpkg-selections.txt", Binary: "dpkg", Args: []string{"--get-selections"}},
		{Unit: "apt-manual", File: "apt-manual.txt", Binary: "apt-mark", Args: []string{"showmanual"}},
		{Unit: "rpm-packages", File: "rpm-packages.txt", Binary: "rpm", Args: []string{"-qa"}},
		{Unit: "apk-packages", File: "apk-packages.txt", Binary: "apk", Args: []string{"info", "-v"}},
		{Unit: "snap-packages", File: "snap-packages.txt", Binary: "snap", Args: []string{"list"}},
	}
}

// PackageSnapshotter records installed-package inventories so a rebuilt
// host can be brought back to the same package set.
type PackageSnapshotter struct {
	exec   execctx.Executor
	logger zerolog.Logger

	Commands []PackageCommand
}

// NewPackageSnapshotter creates a snapshotter with the default manager set.
func NewPackageSnapshotter(exec execctx.Executor, logger zerolog.Logger) *PackageSnapshotter {
	return &PackageSnapshotter{
		exec:     exec,
		logger:   logger.With().Str("component", "package-snapshot").Logger(),
		Commands: DefaultPackageCommands(),
	}
}

// Snapshot captures every available package manager's listing. When no
// supported manager exists a single skipped unit is reported.
func (s *PackageSnapshotter) Snapshot(ctx context.Context, layout *RunLayout) []ArchiveUnit {
	var units []ArchiveUnit
	for _, cmd := range s.Commands {
		res, err := s.exec.Run(ctx, cmd.Binary, cmd.Args...)
		if err != nil {
			if binaryMissing(res, err) {
				continue
			}
			s.logger.Warn().Err(err).Str("binary", cmd.Binary).Msg("Package listing failed")
			units = append(units, FailedUnit(UnitPackageInventory, cmd.Unit, err))
			continue
		}

		content := res.Stdout
		if content == "" {
			content = fmt.Sprintf("# %s reported no packages\n", cmd.Binary)
		}

		dest := path.Join(layout.PackagesDir(), cmd.File)
		if err := s.exec.WriteFile(dest, []byte(content), 0o644); err != nil {
			units = append(units, FailedUnit(UnitPackageInventory, cmd.Unit, fmt.Errorf("write %s: %w", cmd.File, err)))
			continue
		}

		s.logger.Debug().Str("file", cmd.File).Msg("Package inventory captured")
		units = append(units, SuccessUnit(UnitPackageInventory, cmd.Unit, path.Join(DirPackageLists, cmd.File), int64(len(content))))
	}

	if len(units) == 0 {
		units = append(units, SkippedUnit(UnitPackageInventory, "package-lists", "no supported package manager found"))
	}
	return units
}
