package execctx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLocalExecutor_Run(t *testing.T) {
	e := NewLocalExecutor(zerolog.Nop())

	t.Run("captures stdout and stderr", func(t *testing.T) {
		res, err := e.Run(context.Background(), "sh", "-c", "echo out; echo err >&2")
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		if strings.TrimSpace(res.Stdout) != "out" {
			t.Errorf("Stdout = %q, want %q", res.Stdout, "out")
		}
		if strings.TrimSpace(res.Stderr) != "err" {
			t.Errorf("Stderr = %q, want %q", res.Stderr, "err")
		}
		if res.ExitCode != 0 {
			t.Errorf("ExitCode = %d, want 0", res.ExitCode)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		res, err := e.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
		if err == nil {
			t.Fatal("Run() expected error for non-zero exit")
		}
		if res.ExitCode != 3 {
			t.Errorf("ExitCode = %d, want 3", res.ExitCode)
		}
		if !strings.Contains(err.Error(), "boom") {
			t.Errorf("error %q should contain stderr", err)
		}
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := e.Run(context.Background(), "/nonexistent/binary")
		if err == nil {
			t.Fatal("Run() expected error for missing binary")
		}
	})

	t.Run("context timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := e.Run(ctx, "sh", "-c", "sleep 5")
		if err == nil {
			t.Fatal("Run() expected error on timeout")
		}
	})
}

func TestLocalExecutor_FileOps(t *testing.T) {
	e := NewLocalExecutor(zerolog.Nop())
	dir := t.TempDir()

	path := filepath.Join(dir, "sub", "file.txt")
	if err := e.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() error: %v", err)
	}
	if err := e.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	data, err := e.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(data) != "content" {
		t.Errorf("ReadFile() = %q, want %q", data, "content")
	}

	link := filepath.Join(dir, "link")
	if err := e.Symlink("sub", link); err != nil {
		t.Fatalf("Symlink() error: %v", err)
	}
	target, err := e.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink() error: %v", err)
	}
	if target != "sub" {
		t.Errorf("Readlink() = %q, want %q", target, "sub")
	}

	infos, err := e.ReadDir(filepath.Join(dir, "sub"))
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	if len(infos) != 1 || infos[0].Name() != "file.txt" {
		t.Errorf("ReadDir() = %v, want one entry file.txt", infos)
	}

	renamed := filepath.Join(dir, "renamed")
	if err := e.Rename(link, renamed); err != nil {
		t.Fatalf("Rename() error: %v", err)
	}
	if _, err := e.Lstat(renamed); err != nil {
		t.Errorf("Lstat() after rename error: %v", err)
	}

	if err := e.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll() error: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("RemoveAll() left directory behind")
	}
}

func TestLocalExecutor_DiskUsage(t *testing.T) {
	e := NewLocalExecutor(zerolog.Nop())

	usage, err := e.DiskUsage(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("DiskUsage() error: %v", err)
	}
	if usage.TotalBytes == 0 {
		t.Error("DiskUsage() TotalBytes = 0")
	}
	if usage.UsedPercent < 0 || usage.UsedPercent > 100 {
		t.Errorf("DiskUsage() UsedPercent = %f, out of range", usage.UsedPercent)
	}
}

func TestLocalExecutor_HostInfo(t *testing.T) {
	e := NewLocalExecutor(zerolog.Nop())

	info, err := e.HostInfo(context.Background())
	if err != nil {
		t.Fatalf("HostInfo() error: %v", err)
	}
	if info.Hostname == "" {
		t.Error("HostInfo() Hostname is empty")
	}
}
