package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/execctx"
)

// TopologyCommand captures one command's output into a mount-info file.
type TopologyCommand struct {
	Unit   string
	File   string
	Binary string
	Args   []string

	// Optional commands belong to subsystems that may legitimately be
	// absent (pooled storage); a missing binary omits the file entirely.
	Optional bool

	// AllowExit lists non-zero exit codes that still produce usable
	// output (blkid exits 2 when it finds nothing).
	AllowExit []int
}

// DefaultTopologyCommands is the standard capture set: free space, mount
// table, block-device identifiers and tree, and pooled storage if present.
func DefaultTopologyCommands() []TopologyCommand {
	return []TopologyCommand{
		{Unit: "disk-usage", File: "disk-usage.txt", Binary: "df", Args: []string{"-h"}},
		{Unit: "mount-table", File: "mount-table.txt", Binary: "mount", Args: nil},
		{Unit: "block-ids", File: "blkid.txt", Binary: "blkid", Args: nil, AllowExit: []int{2}},
		{Unit: "block-tree", File: "lsblk.txt", Binary: "lsblk", Args: nil},
		{Unit: "zpool-list", File: "zpool-list.txt", Binary: "zpool", Args: []string{"list"}, Optional: true},
		{Unit: "zfs-list", File: "zfs-list.txt", Binary: "zfs", Args: []string{"list"}, Optional: true},
	}
}

// TopologySnapshotter records the host's storage topology as plain-text
// files. Every capture is non-fatal; a missing optional subsystem simply
// omits its files.
type TopologySnapshotter struct {
	exec   execctx.Executor
	logger zerolog.Logger

	FstabPath string
	Commands  []TopologyCommand
}

// NewTopologySnapshotter creates a snapshotter with the default capture set.
func NewTopologySnapshotter(exec execctx.Executor, logger zerolog.Logger) *TopologySnapshotter {
	return &TopologySnapshotter{
		exec:      exec,
		logger:    logger.With().Str("component", "topology-snapshot").Logger(),
		FstabPath: "/etc/fstab",
		Commands:  DefaultTopologyCommands(),
	}
}

// Snapshot captures the static mount definitions and every configured
// command's output.
func (s *TopologySnapshotter) Snapshot(ctx context.Context, layout *RunLayout) []ArchiveUnit {
	units := []ArchiveUnit{s.snapshotFstab(layout)}
	for _, cmd := range s.Commands {
		if unit, ok := s.capture(ctx, layout, cmd); ok {
			units = append(units, unit)
		}
	}
	return units
}

func (s *TopologySnapshotter) snapshotFstab(layout *RunLayout) ArchiveUnit {
	const name = "fstab"
	data, err := s.exec.ReadFile(s.FstabPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SkippedUnit(UnitTopology, name, fmt.Sprintf("%s not present", s.FstabPath))
		}
		return FailedUnit(UnitTopology, name, fmt.Errorf("read %s: %w", s.FstabPath, err))
	}

	dest := path.Join(layout.MountDir(), "fstab.txt")
	if err := s.exec.WriteFile(dest, data, 0o644); err != nil {
		return FailedUnit(UnitTopology, name, fmt.Errorf("write fstab copy: %w", err))
	}
	return SuccessUnit(UnitTopology, name, path.Join(DirMountInfo, "fstab.txt"), int64(len(data)))
}

// capture runs one topology command. The second return is false when an
// optional subsystem is absent and the file should be omitted.
func (s *TopologySnapshotter) capture(ctx context.Context, layout *RunLayout, cmd TopologyCommand) (ArchiveUnit, bool) {
	res, err := s.exec.Run(ctx, cmd.Binary, cmd.Args...)
	if err != nil {
		if binaryMissing(res, err) {
			if cmd.Optional {
				s.logger.Debug().Str("binary", cmd.Binary).Msg("Optional subsystem absent")
				return ArchiveUnit{}, false
			}
			return FailedUnit(UnitTopology, cmd.Unit, fmt.Errorf("%s not available", cmd.Binary)), true
		}
		if !exitAllowed(res.ExitCode, cmd.AllowExit) {
			s.logger.Warn().Err(err).Str("binary", cmd.Binary).Msg("Topology command failed")
			return FailedUnit(UnitTopology, cmd.Unit, err), true
		}
	}

	content := res.Stdout
	if content == "" {
		content = fmt.Sprintf("# %s produced no output\n", cmd.Binary)
	}

	dest := path.Join(layout.MountDir(), cmd.File)
	if err := s.exec.WriteFile(dest, []byte(content), 0o644); err != nil {
		return FailedUnit(UnitTopology, cmd.Unit, fmt.Errorf("write %s: %w", cmd.File, err)), true
	}

	s.logger.Debug().Str("file", cmd.File).Msg("Topology captured")
	return SuccessUnit(UnitTopology, cmd.Unit, path.Join(DirMountInfo, cmd.File), int64(len(content))), true
}

// binaryMissing reports whether a command failed because the binary does
// not exist on the target: exec lookup failure locally, exit 127 from the
// remote shell.
func binaryMissing(res execctx.Result, err error) bool {
	if res.ExitCode == 127 {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "executable file not found")
}

func exitAllowed(code int, allowed []int) bool {
	for _, a := range allowed {
		if code == a {
			return true
		}
	}
	return false
}
