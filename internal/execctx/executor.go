package execctx

import (
	"context"
	"io"
	"os"
)

// Result holds the outcome of one executed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// DiskUsage describes filesystem usage at a path on the execution target.
type DiskUsage struct {
	Path        string
	TotalBytes  uint64
	FreeBytes   uint64
	UsedPercent float64
}

// HostInfo describes the execution target host.
type HostInfo struct {
	Hostname      string
	OS            string
	Platform      string
	KernelVersion string
}

// Executor runs commands and performs filesystem operations on the resolved
// execution target. Every component takes an Executor so backup, restore,
// retention and health behave identically whether the target is the local
// machine or a remote host.
type Executor interface {
	// Kind reports whether this executor targets the local machine or a
	// remote host.
	Kind() Kind

	// Target returns a human-readable description of the execution target.
	Target() string

	// Run executes a command on the target and returns its output. A
	// non-zero exit returns both a populated Result and an error wrapping
	// the captured stderr. The context governs cancellation and timeout.
	Run(ctx context.Context, name string, args ...string) (Result, error)

	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	Create(path string) (io.WriteCloser, error)
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	Lstat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Symlink(oldname, newname string) error
	Readlink(path string) (string, error)
	Rename(oldpath, newpath string) error
	Remove(path string) error
	RemoveAll(path string) error

	// DiskUsage reports filesystem usage for the filesystem containing path.
	DiskUsage(ctx context.Context, path string) (*DiskUsage, error)

	// HostInfo reports identifying facts about the target host.
	HostInfo(ctx context.Context) (*HostInfo, error)

	// Close releases any transport resources held by the executor.
	Close() error
}
