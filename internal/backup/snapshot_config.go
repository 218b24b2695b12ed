package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/docker"
	"github.com/hostback/hostback/internal/execctx"
)

const (
	ComposeBundleName   = "docker-compose-configs.tar.gz"
	TraefikBundleName   = "traefik-config.tar.gz"
	EtcBundleName       = "etc-backup.tar.gz"
	HomeBundleName      = "home-config.tar.gz"
	EngineInventoryName = "docker-inventory.txt"
)

// composeFileNames are the orchestration definition files collected from
// the applications root.
var composeFileNames = map[string]bool{
	"docker-compose.yml":          true,
	"docker-compose.yaml":         true,
	"docker-compose.override.yml": true,
	"compose.yml":                 true,
	"compose.yaml":                true,
	".env":                        true,
}

// composeScanDepth bounds the walk below the applications root; projects
// sit at most a couple of levels deep and data directories can be huge.
const composeScanDepth = 3

// ConfigSnapshotter captures host and orchestration configuration as
// independent bundles. Every sub-step is best effort: a missing optional
// source is skipped, a failing one is recorded, and neither stops the
// remaining steps.
type ConfigSnapshotter struct {
	exec   execctx.Executor
	docker *docker.DockerClient
	logger zerolog.Logger

	AppsRoot    string
	TraefikDir  string
	EtcDir      string
	EtcExcludes []string
	HomeDir     string
	HomeInclude []string
}

// NewConfigSnapshotter creates a snapshotter for the given sources.
// homeDir is the invoking user's home on the execution target.
func NewConfigSnapshotter(exec execctx.Executor, dcli *docker.DockerClient, appsRoot, traefikDir, homeDir string, etcExcludes, homeInclude []string, logger zerolog.Logger) *ConfigSnapshotter {
	return &ConfigSnapshotter{
		exec:        exec,
		docker:      dcli,
		logger:      logger.With().Str("component", "config-snapshot").Logger(),
		AppsRoot:    appsRoot,
		TraefikDir:  traefikDir,
		EtcDir:      "/etc",
		EtcExcludes: etcExcludes,
		HomeDir:     homeDir,
		HomeInclude: homeInclude,
	}
}

// Snapshot runs all configuration sub-steps and reports one unit each.
func (s *ConfigSnapshotter) Snapshot(ctx context.Context, layout *RunLayout) []ArchiveUnit {
	return []ArchiveUnit{
		s.snapshotCompose(ctx, layout),
		s.snapshotTraefik(ctx, layout),
		s.snapshotEtc(ctx, layout),
		s.snapshotHome(ctx, layout),
		s.snapshotInventory(ctx, layout),
	}
}

// snapshotCompose bundles every orchestration definition found under the
// applications root into a single archive.
func (s *ConfigSnapshotter) snapshotCompose(ctx context.Context, layout *RunLayout) ArchiveUnit {
	const name = "compose-configs"
	if s.AppsRoot == "" {
		return SkippedUnit(UnitComposeConfig, name, "no applications root configured")
	}
	if _, err := s.exec.Stat(s.AppsRoot); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SkippedUnit(UnitComposeConfig, name, fmt.Sprintf("applications root %s not present", s.AppsRoot))
		}
		return FailedUnit(UnitComposeConfig, name, fmt.Errorf("stat applications root: %w", err))
	}

	members := s.findComposeFiles(s.AppsRoot, "", composeScanDepth)
	if len(members) == 0 {
		return SkippedUnit(UnitComposeConfig, name, "no compose files found")
	}

	dest := path.Join(layout.ComposeDir(), ComposeBundleName)
	size, err := createTarball(ctx, s.exec, dest, s.AppsRoot, nil, members)
	if err != nil {
		s.logger.Error().Err(err).Msg("Compose bundle failed")
		return FailedUnit(UnitComposeConfig, name, err)
	}

	s.logger.Info().Int("files", len(members)).Str("archive", ComposeBundleName).Msg("Compose configs archived")
	return SuccessUnit(UnitComposeConfig, name, path.Join(DirComposeConfs, ComposeBundleName), size)
}

// findComposeFiles walks below root collecting compose definition files
// as paths relative to root. Hidden directories are not descended into.
func (s *ConfigSnapshotter) findComposeFiles(root, rel string, depth int) []string {
	if depth < 0 {
		return nil
	}
	entries, err := s.exec.ReadDir(path.Join(root, rel))
	if err != nil {
		return nil
	}

	var found []string
	for _, entry := range entries {
		entryRel := path.Join(rel, entry.Name())
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			found = append(found, s.findComposeFiles(root, entryRel, depth-1)...)
			continue
		}
		if composeFileNames[entry.Name()] {
			found = append(found, entryRel)
		}
	}
	return found
}

// snapshotTraefik bundles the reverse-proxy configuration directory if
// one is configured and present.
func (s *ConfigSnapshotter) snapshotTraefik(ctx context.Context, layout *RunLayout) ArchiveUnit {
	const name = "traefik-config"
	if s.TraefikDir == "" {
		return SkippedUnit(UnitComposeConfig, name, "no reverse-proxy directory configured")
	}
	if _, err := s.exec.Stat(s.TraefikDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SkippedUnit(UnitComposeConfig, name, fmt.Sprintf("%s not present", s.TraefikDir))
		}
		return FailedUnit(UnitComposeConfig, name, fmt.Errorf("stat reverse-proxy dir: %w", err))
	}

	dest := path.Join(layout.ComposeDir(), TraefikBundleName)
	parent, base := path.Split(strings.TrimSuffix(s.TraefikDir, "/"))
	size, err := createTarball(ctx, s.exec, dest, strings.TrimSuffix(parent, "/"), nil, []string{base})
	if err != nil {
		s.logger.Error().Err(err).Msg("Reverse-proxy bundle failed")
		return FailedUnit(UnitComposeConfig, name, err)
	}

	s.logger.Info().Str("archive", TraefikBundleName).Msg("Reverse-proxy config archived")
	return SuccessUnit(UnitComposeConfig, name, path.Join(DirComposeConfs, TraefikBundleName), size)
}

// snapshotEtc bundles the system configuration tree, excluding noisy or
// non-portable subpaths such as certificate stores and loader caches.
func (s *ConfigSnapshotter) snapshotEtc(ctx context.Context, layout *RunLayout) ArchiveUnit {
	const name = "system-config"
	if _, err := s.exec.Stat(s.EtcDir); err != nil {
		return FailedUnit(UnitSystemConfig, name, fmt.Errorf("stat %s: %w", s.EtcDir, err))
	}

	parent, base := path.Split(strings.TrimSuffix(s.EtcDir, "/"))
	workDir := strings.TrimSuffix(parent, "/")
	if workDir == "" {
		workDir = "/"
	}

	excludes := make([]string, 0, len(s.EtcExcludes))
	for _, pattern := range s.EtcExcludes {
		excludes = append(excludes, path.Join(base, pattern))
	}

	dest := path.Join(layout.SystemDir(), EtcBundleName)
	size, err := createTarball(ctx, s.exec, dest, workDir, excludes, []string{base})
	if err != nil {
		s.logger.Error().Err(err).Msg("System config bundle failed")
		return FailedUnit(UnitSystemConfig, name, err)
	}

	s.logger.Info().Str("archive", EtcBundleName).Msg("System configs archived")
	return SuccessUnit(UnitSystemConfig, name, path.Join(DirSystemConfs, EtcBundleName), size)
}

// snapshotHome bundles the invoking user's dotfiles plus the configured
// allow-list of config directories.
func (s *ConfigSnapshotter) snapshotHome(ctx context.Context, layout *RunLayout) ArchiveUnit {
	const name = "home-config"
	if s.HomeDir == "" {
		return SkippedUnit(UnitHomeConfig, name, "no home directory resolved")
	}

	entries, err := s.exec.ReadDir(s.HomeDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SkippedUnit(UnitHomeConfig, name, fmt.Sprintf("%s not present", s.HomeDir))
		}
		return FailedUnit(UnitHomeConfig, name, fmt.Errorf("read home dir: %w", err))
	}

	included := make(map[string]bool, len(s.HomeInclude))
	for _, dir := range s.HomeInclude {
		included[dir] = true
	}

	var members []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), ".") {
			members = append(members, entry.Name())
			continue
		}
		if entry.IsDir() && included[entry.Name()] {
			members = append(members, entry.Name())
		}
	}
	// Allow-listed nested paths like .local/share are not top-level
	// entries; include them when they exist.
	for _, dir := range s.HomeInclude {
		if !strings.Contains(dir, "/") {
			continue
		}
		if _, err := s.exec.Stat(path.Join(s.HomeDir, dir)); err == nil {
			members = append(members, dir)
		}
	}

	if len(members) == 0 {
		return SkippedUnit(UnitHomeConfig, name, "no dotfiles or config directories found")
	}

	dest := path.Join(layout.HomeDir(), HomeBundleName)
	size, err := createTarball(ctx, s.exec, dest, s.HomeDir, nil, members)
	if err != nil {
		s.logger.Error().Err(err).Msg("Home config bundle failed")
		return FailedUnit(UnitHomeConfig, name, err)
	}

	s.logger.Info().Int("entries", len(members)).Str("archive", HomeBundleName).Msg("Home configs archived")
	return SuccessUnit(UnitHomeConfig, name, path.Join(DirHomeConfs, HomeBundleName), size)
}

// snapshotInventory writes a plain-text audit listing of containers,
// images, networks and volumes.
func (s *ConfigSnapshotter) snapshotInventory(ctx context.Context, layout *RunLayout) ArchiveUnit {
	const name = "docker-inventory"
	inventory, err := s.docker.Inventory(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Engine inventory failed")
		return FailedUnit(UnitEngineInventory, name, err)
	}

	dest := path.Join(layout.ComposeDir(), EngineInventoryName)
	if err := s.exec.WriteFile(dest, []byte(inventory), 0o644); err != nil {
		return FailedUnit(UnitEngineInventory, name, fmt.Errorf("write inventory: %w", err))
	}

	s.logger.Info().Str("file", EngineInventoryName).Msg("Engine inventory captured")
	return SuccessUnit(UnitEngineInventory, name, path.Join(DirComposeConfs, EngineInventoryName), int64(len(inventory)))
}

// createTarball runs tar on the execution target to produce dest from the
// given members relative to workDir. GNU tar exits 1 when files changed
// while being read; the archive is still usable, so that case is not an
// error.
func createTarball(ctx context.Context, exec execctx.Executor, dest, workDir string, excludes, members []string) (int64, error) {
	args := []string{"czf", dest, "-C", workDir}
	for _, pattern := range excludes {
		args = append(args, "--exclude="+pattern)
	}
	args = append(args, members...)

	res, err := exec.Run(ctx, "tar", args...)
	if err != nil && res.ExitCode != 1 {
		return 0, fmt.Errorf("tar %s: %w", path.Base(dest), err)
	}

	info, err := exec.Stat(dest)
	if err != nil {
		return 0, fmt.Errorf("stat archive %s: %w", dest, err)
	}
	return info.Size(), nil
}
