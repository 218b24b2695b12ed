package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hostback/hostback/internal/execctx"
)

const (
	// RunDirPrefix prefixes every run directory name under a tier.
	RunDirPrefix = "server-backup-"

	// RunTimestampFormat is the layout of the timestamp embedded in a
	// run directory name.
	RunTimestampFormat = "20060102_150405"

	// LatestLinkName is the per-tier symlink pointing at the newest
	// fully completed run.
	LatestLinkName = "latest"

	LogFileName      = "backup.log"
	ManifestFileName = "backup-manifest.txt"

	DirVolumes      = "docker-volumes"
	DirComposeConfs = "docker-configs"
	DirSystemConfs  = "system-configs"
	DirHomeConfs    = "home-configs"
	DirCronJobs     = "cron-jobs"
	DirMountInfo    = "mount-info"
	DirPackageLists = "package-lists"
)

// RunDirName formats the directory name for a run started at the given time.
func RunDirName(start time.Time) string {
	return RunDirPrefix + start.Format(RunTimestampFormat)
}

// ParseRunTime extracts the start time from a run directory name. Names
// that do not match the naming convention are rejected.
func ParseRunTime(dirName string) (time.Time, error) {
	if !strings.HasPrefix(dirName, RunDirPrefix) {
		return time.Time{}, fmt.Errorf("not a run directory name: %q", dirName)
	}
	ts, err := time.Parse(RunTimestampFormat, strings.TrimPrefix(dirName, RunDirPrefix))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse run timestamp in %q: %w", dirName, err)
	}
	return ts, nil
}

// RunLayout resolves all paths inside one run directory. Paths are built
// with path.Join so they stay valid on a remote POSIX target as well as
// locally.
type RunLayout struct {
	Root  string
	Tier  Tier
	Start time.Time
}

// NewRunLayout builds the layout for a run under root/tier started at start.
func NewRunLayout(root string, tier Tier, start time.Time) *RunLayout {
	return &RunLayout{Root: root, Tier: tier, Start: start}
}

// TierDir is the directory holding all runs of the layout's tier.
func (l *RunLayout) TierDir() string { return path.Join(l.Root, string(l.Tier)) }

// DirName is the bare run directory name.
func (l *RunLayout) DirName() string { return RunDirName(l.Start) }

// Dir is the absolute run directory path.
func (l *RunLayout) Dir() string { return path.Join(l.TierDir(), l.DirName()) }

func (l *RunLayout) LogPath() string      { return path.Join(l.Dir(), LogFileName) }
func (l *RunLayout) ManifestPath() string { return path.Join(l.Dir(), ManifestFileName) }

func (l *RunLayout) VolumesDir() string  { return path.Join(l.Dir(), DirVolumes) }
func (l *RunLayout) ComposeDir() string  { return path.Join(l.Dir(), DirComposeConfs) }
func (l *RunLayout) SystemDir() string   { return path.Join(l.Dir(), DirSystemConfs) }
func (l *RunLayout) HomeDir() string     { return path.Join(l.Dir(), DirHomeConfs) }
func (l *RunLayout) CronDir() string     { return path.Join(l.Dir(), DirCronJobs) }
func (l *RunLayout) MountDir() string    { return path.Join(l.Dir(), DirMountInfo) }
func (l *RunLayout) PackagesDir() string { return path.Join(l.Dir(), DirPackageLists) }

// Subdirs lists every artifact subdirectory the engine pre-creates.
func (l *RunLayout) Subdirs() []string {
	return []string{
		l.VolumesDir(),
		l.ComposeDir(),
		l.SystemDir(),
		l.HomeDir(),
		l.CronDir(),
		l.MountDir(),
		l.PackagesDir(),
	}
}

// Rel returns p relative to the run directory, for manifest display.
func (l *RunLayout) Rel(p string) string {
	return strings.TrimPrefix(strings.TrimPrefix(p, l.Dir()), "/")
}

// RunInfo describes one existing run directory under a tier.
type RunInfo struct {
	Name  string
	Path  string
	Tier  Tier
	Start time.Time
}

// LatestPath is the per-tier latest symlink location.
func LatestPath(root string, tier Tier) string {
	return path.Join(root, string(tier), LatestLinkName)
}

// ListRuns enumerates run directories under root/tier, newest first.
// Entries not matching the run naming convention are ignored.
func ListRuns(exec execctx.Executor, root string, tier Tier) ([]RunInfo, error) {
	tierDir := path.Join(root, string(tier))
	entries, err := exec.ReadDir(tierDir)
	if err != nil {
		return nil, fmt.Errorf("list runs in %s: %w", tierDir, err)
	}

	var runs []RunInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		start, err := ParseRunTime(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, RunInfo{
			Name:  entry.Name(),
			Path:  path.Join(tierDir, entry.Name()),
			Tier:  tier,
			Start: start,
		})
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].Start.After(runs[j].Start) })
	return runs, nil
}

// DirSize computes the total on-disk size of a directory tree through the
// executor, so it works against remote targets as well.
func DirSize(exec execctx.Executor, dir string) (int64, error) {
	entries, err := exec.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, entry := range entries {
		full := path.Join(dir, entry.Name())
		if entry.IsDir() {
			sub, err := DirSize(exec, full)
			if err != nil {
				continue
			}
			total += sub
			continue
		}
		total += entry.Size()
	}
	return total, nil
}

// ResolveLatest reads the latest symlink for a tier and returns the bare
// run directory name it references.
func ResolveLatest(exec execctx.Executor, root string, tier Tier) (string, error) {
	target, err := exec.Readlink(LatestPath(root, tier))
	if err != nil {
		return "", fmt.Errorf("resolve latest for tier %s: %w", tier, err)
	}
	return path.Base(target), nil
}

// UpdateLatest atomically repoints the tier's latest symlink at the given
// run directory name. The link is created under a temporary name and
// renamed into place so a reader never observes a missing or half-written
// pointer.
func UpdateLatest(exec execctx.Executor, root string, tier Tier, runDirName string) error {
	latest := LatestPath(root, tier)
	tmp := latest + ".tmp"

	// A leftover temp link from an aborted update would make Symlink fail.
	if err := exec.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear stale latest temp link: %w", err)
	}
	if err := exec.Symlink(runDirName, tmp); err != nil {
		return fmt.Errorf("create latest temp link: %w", err)
	}
	if err := exec.Rename(tmp, latest); err != nil {
		exec.Remove(tmp)
		return fmt.Errorf("swap latest link: %w", err)
	}
	return nil
}
