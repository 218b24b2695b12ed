package docker

import (
	"context"
	"fmt"
	"path"
)

// ArchiveVolume archives the named volume into destDir as
// <sanitized-name>.tar.gz using a throwaway container that mounts the
// volume read-only and the destination read-write. destDir must exist on
// the execution target. Returns the archive filename within destDir.
func (d *DockerClient) ArchiveVolume(ctx context.Context, volumeName, destDir string) (string, error) {
	filename := SanitizeName(volumeName) + ".tar.gz"

	d.logger.Info().
		Str("volume", volumeName).
		Str("archive", filename).
		Msg("archiving volume")

	args := []string{
		"run", "--rm",
		"-v", volumeName + ":/data:ro",
		"-v", destDir + ":/backup",
		d.image,
		"tar", "czf", path.Join("/backup", filename), "-C", "/data", ".",
	}
	if _, err := d.run(ctx, args...); err != nil {
		return "", fmt.Errorf("archive volume %s: %w", volumeName, err)
	}

	return filename, nil
}

// RestoreVolume extracts an archive produced by ArchiveVolume back into the
// named volume, creating the volume first if it does not exist. archiveDir
// is the directory on the execution target holding archiveFile.
func (d *DockerClient) RestoreVolume(ctx context.Context, volumeName, archiveDir, archiveFile string) error {
	exists, err := d.VolumeExists(ctx, volumeName)
	if err != nil {
		return err
	}
	if !exists {
		if err := d.CreateVolume(ctx, volumeName); err != nil {
			return err
		}
	}

	d.logger.Info().
		Str("volume", volumeName).
		Str("archive", archiveFile).
		Msg("restoring volume")

	args := []string{
		"run", "--rm",
		"-v", archiveDir + ":/backup:ro",
		"-v", volumeName + ":/data",
		d.image,
		"tar", "xzf", path.Join("/backup", archiveFile), "-C", "/data",
	}
	if _, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("restore volume %s: %w", volumeName, err)
	}

	return nil
}
