package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/execctx"
)

// DockerClient wraps the Docker CLI for container and volume operations.
type DockerClient struct {
	binary string
	image  string
	exec   execctx.Executor
	logger zerolog.Logger
}

// NewDockerClient creates a client using the standard docker binary and the
// alpine worker image.
func NewDockerClient(exec execctx.Executor, logger zerolog.Logger) *DockerClient {
	return NewDockerClientWithOptions(exec, "docker", "alpine", logger)
}

// NewDockerClientWithOptions creates a client with a custom binary path and
// worker image.
func NewDockerClientWithOptions(exec execctx.Executor, binary, image string, logger zerolog.Logger) *DockerClient {
	if binary == "" {
		binary = "docker"
	}
	if image == "" {
		image = "alpine"
	}
	return &DockerClient{
		binary: binary,
		image:  image,
		exec:   exec,
		logger: logger.With().Str("component", "docker").Logger(),
	}
}

// ListVolumes returns all Docker volumes, sorted by the daemon's default
// ordering (name).
func (d *DockerClient) ListVolumes(ctx context.Context) ([]Volume, error) {
	d.logger.Debug().Msg("listing volumes")

	output, err := d.run(ctx, "volume", "ls", "--format", "{{json .}}")
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}

	var volumes []Volume
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		var vol dockerVolumeOutput
		if err := json.Unmarshal([]byte(line), &vol); err != nil {
			d.logger.Warn().Err(err).Msg("failed to parse volume line")
			continue
		}

		volumes = append(volumes, Volume{
			Name:       vol.Name,
			Driver:     vol.Driver,
			Mountpoint: vol.Mountpoint,
			Labels:     parseLabels(vol.Labels),
			Scope:      vol.Scope,
		})
	}

	d.logger.Debug().Int("count", len(volumes)).Msg("volumes listed")
	return volumes, nil
}

// ListContainers returns all containers, including stopped ones.
func (d *DockerClient) ListContainers(ctx context.Context) ([]Container, error) {
	d.logger.Debug().Msg("listing containers")

	output, err := d.run(ctx, "ps", "-a", "--no-trunc", "--format", "{{json .}}")
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var containers []Container
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		var ps dockerPSOutput
		if err := json.Unmarshal([]byte(line), &ps); err != nil {
			d.logger.Warn().Err(err).Msg("failed to parse container line")
			continue
		}

		containers = append(containers, Container{
			ID:     ps.ID,
			Name:   strings.TrimPrefix(ps.Names, "/"),
			Image:  ps.Image,
			State:  ps.State,
			Status: ps.Status,
			Labels: parseLabels(ps.Labels),
		})
	}

	d.logger.Debug().Int("count", len(containers)).Msg("containers listed")
	return containers, nil
}

// VolumeExists reports whether a named volume is present.
func (d *DockerClient) VolumeExists(ctx context.Context, name string) (bool, error) {
	res, err := d.exec.Run(ctx, d.binary, "volume", "inspect", "--format", "{{.Name}}", name)
	if err != nil {
		if strings.Contains(res.Stderr, "no such volume") || strings.Contains(err.Error(), "no such volume") {
			return false, nil
		}
		return false, fmt.Errorf("inspect volume %s: %w", name, err)
	}
	return true, nil
}

// CreateVolume creates a named volume with the default driver.
func (d *DockerClient) CreateVolume(ctx context.Context, name string) error {
	d.logger.Info().Str("volume", name).Msg("creating volume")

	if _, err := d.run(ctx, "volume", "create", name); err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

// Inventory returns a plain-text audit listing of containers, images,
// networks and volumes. The output is stored with each backup for human
// inspection; it is never used for restore.
func (d *DockerClient) Inventory(ctx context.Context) (string, error) {
	sections := []struct {
		title string
		args  []string
	}{
		{"CONTAINERS", []string{"ps", "-a"}},
		{"IMAGES", []string{"images"}},
		{"NETWORKS", []string{"network", "ls"}},
		{"VOLUMES", []string{"volume", "ls"}},
	}

	var b strings.Builder
	for _, section := range sections {
		output, err := d.run(ctx, section.args...)
		if err != nil {
			return "", fmt.Errorf("inventory %s: %w", strings.ToLower(section.title), err)
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n", section.title, strings.TrimRight(output, "\n"))
	}
	return b.String(), nil
}

// run executes a docker command through the executor and returns stdout.
func (d *DockerClient) run(ctx context.Context, args ...string) (string, error) {
	d.logger.Debug().
		Str("command", d.binary).
		Strs("args", args).
		Msg("executing docker command")

	res, err := d.exec.Run(ctx, d.binary, args...)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
