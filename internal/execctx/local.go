package execctx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
)

// LocalExecutor runs commands in-process on this machine.
type LocalExecutor struct {
	logger zerolog.Logger
}

// NewLocalExecutor creates an executor for the local machine.
func NewLocalExecutor(logger zerolog.Logger) *LocalExecutor {
	return &LocalExecutor{
		logger: logger.With().Str("component", "local_executor").Logger(),
	}
}

// Kind returns KindLocal.
func (e *LocalExecutor) Kind() Kind { return KindLocal }

// Target returns "local".
func (e *LocalExecutor) Target() string { return string(KindLocal) }

// Run executes the command locally, capturing stdout and stderr.
func (e *LocalExecutor) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug().Str("command", name).Strs("args", args).Msg("executing command")

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		res.ExitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("run %s: %w", name, ctx.Err())
		}
		errMsg := strings.TrimSpace(res.Stderr)
		if errMsg != "" {
			return res, fmt.Errorf("run %s: %w: %s", name, err, errMsg)
		}
		return res, fmt.Errorf("run %s: %w", name, err)
	}

	return res, nil
}

func (e *LocalExecutor) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (e *LocalExecutor) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (e *LocalExecutor) Create(path string) (io.WriteCloser, error) {
	return os.Create(path)
}

func (e *LocalExecutor) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (e *LocalExecutor) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (e *LocalExecutor) Lstat(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}

func (e *LocalExecutor) ReadDir(path string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (e *LocalExecutor) Symlink(oldname, newname string) error {
	return os.Symlink(oldname, newname)
}

func (e *LocalExecutor) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

func (e *LocalExecutor) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (e *LocalExecutor) Remove(path string) error {
	return os.Remove(path)
}

func (e *LocalExecutor) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// DiskUsage reports usage of the filesystem containing path.
func (e *LocalExecutor) DiskUsage(ctx context.Context, path string) (*DiskUsage, error) {
	stat, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return &DiskUsage{
		Path:        path,
		TotalBytes:  stat.Total,
		FreeBytes:   stat.Free,
		UsedPercent: stat.UsedPercent,
	}, nil
}

// HostInfo reports facts about this machine.
func (e *LocalExecutor) HostInfo(ctx context.Context) (*HostInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		hostname, herr := os.Hostname()
		if herr != nil {
			return nil, fmt.Errorf("host info: %w", err)
		}
		return &HostInfo{Hostname: hostname}, nil
	}
	return &HostInfo{
		Hostname:      info.Hostname,
		OS:            info.OS,
		Platform:      fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion),
		KernelVersion: info.KernelVersion,
	}, nil
}

// Close is a no-op for the local executor.
func (e *LocalExecutor) Close() error { return nil }
