package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/backup"
	"github.com/hostback/hostback/internal/config"
	"github.com/hostback/hostback/internal/execctx"
)

var checkTime = time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)

// newTestChecker pins the clock and reports the given disk usage instead
// of probing the real filesystem.
func newTestChecker(usedPercent float64) *Checker {
	exec := execctx.NewLocalExecutor(zerolog.Nop())
	c := NewChecker(exec, config.Default().Health, zerolog.Nop())
	c.now = func() time.Time { return checkTime }
	c.diskUsage = func(ctx context.Context, path string) (execctx.DiskUsage, error) {
		return execctx.DiskUsage{Path: path, UsedPercent: usedPercent}, nil
	}
	return c
}

// writeRun creates a run directory aged the given duration with the given
// number of volume archives, and points latest at it.
func writeRun(t *testing.T, root string, tier backup.Tier, age time.Duration, archives int) string {
	t.Helper()
	name := backup.RunDirName(checkTime.Add(-age))
	volumesDir := filepath.Join(root, string(tier), name, backup.DirVolumes)
	if err := os.MkdirAll(volumesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < archives; i++ {
		file := filepath.Join(volumesDir, "vol"+string(rune('a'+i))+".tar.gz")
		if err := os.WriteFile(file, []byte("archive"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	exec := execctx.NewLocalExecutor(zerolog.Nop())
	if err := backup.UpdateLatest(exec, root, tier, name); err != nil {
		t.Fatal(err)
	}
	return name
}

func TestChecker_Healthy(t *testing.T) {
	root := t.TempDir()
	writeRun(t, root, backup.TierDaily, 2*time.Hour, 2)

	report, err := newTestChecker(50).Check(context.Background(), root, backup.TierDaily)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !report.Healthy() {
		t.Errorf("report not healthy: %+v", report.Issues)
	}
	if report.ExitCode() != ExitHealthy {
		t.Errorf("ExitCode() = %d, want %d", report.ExitCode(), ExitHealthy)
	}
	if report.ArchiveCount != 2 {
		t.Errorf("ArchiveCount = %d, want 2", report.ArchiveCount)
	}
}

func TestChecker_Missing(t *testing.T) {
	t.Run("no runs at all", func(t *testing.T) {
		root := t.TempDir()
		if err := os.MkdirAll(filepath.Join(root, "daily"), 0o755); err != nil {
			t.Fatal(err)
		}

		report, err := newTestChecker(50).Check(context.Background(), root, backup.TierDaily)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		// An empty destination is the missing class, never stale or empty.
		if report.Class() != ClassMissing {
			t.Errorf("Class() = %q, want %q", report.Class(), ClassMissing)
		}
		if report.ExitCode() != ExitMissing {
			t.Errorf("ExitCode() = %d, want %d", report.ExitCode(), ExitMissing)
		}
	})

	t.Run("dangling latest", func(t *testing.T) {
		root := t.TempDir()
		name := writeRun(t, root, backup.TierDaily, time.Hour, 1)
		if err := os.RemoveAll(filepath.Join(root, "daily", name)); err != nil {
			t.Fatal(err)
		}

		report, err := newTestChecker(50).Check(context.Background(), root, backup.TierDaily)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if report.Class() != ClassMissing {
			t.Errorf("Class() = %q, want %q", report.Class(), ClassMissing)
		}
	})
}

func TestChecker_Stale(t *testing.T) {
	root := t.TempDir()
	writeRun(t, root, backup.TierDaily, 30*time.Hour, 1)

	report, err := newTestChecker(50).Check(context.Background(), root, backup.TierDaily)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if report.Class() != ClassStale {
		t.Errorf("Class() = %q, want %q", report.Class(), ClassStale)
	}
	if report.ExitCode() != ExitStale {
		t.Errorf("ExitCode() = %d, want %d", report.ExitCode(), ExitStale)
	}
}

func TestChecker_TierThresholds(t *testing.T) {
	// 30 hours is stale for daily but comfortably fresh for weekly.
	root := t.TempDir()
	writeRun(t, root, backup.TierWeekly, 30*time.Hour, 1)

	report, err := newTestChecker(50).Check(context.Background(), root, backup.TierWeekly)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !report.Healthy() {
		t.Errorf("weekly run should be fresh at 30h: %+v", report.Issues)
	}
}

func TestChecker_Empty(t *testing.T) {
	root := t.TempDir()
	writeRun(t, root, backup.TierDaily, time.Hour, 0)

	report, err := newTestChecker(50).Check(context.Background(), root, backup.TierDaily)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if report.Class() != ClassEmpty {
		t.Errorf("Class() = %q, want %q", report.Class(), ClassEmpty)
	}
	if report.ExitCode() != ExitEmpty {
		t.Errorf("ExitCode() = %d, want %d", report.ExitCode(), ExitEmpty)
	}
}

func TestChecker_DiskThresholds(t *testing.T) {
	t.Run("warning only still exits zero", func(t *testing.T) {
		root := t.TempDir()
		writeRun(t, root, backup.TierDaily, time.Hour, 1)

		report, err := newTestChecker(85).Check(context.Background(), root, backup.TierDaily)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !report.DiskWarning {
			t.Error("DiskWarning should be set at 85%")
		}
		if report.ExitCode() != ExitHealthy {
			t.Errorf("ExitCode() = %d, want %d (warning is non-fatal)", report.ExitCode(), ExitHealthy)
		}
	})

	t.Run("critical fails", func(t *testing.T) {
		root := t.TempDir()
		writeRun(t, root, backup.TierDaily, time.Hour, 1)

		report, err := newTestChecker(95).Check(context.Background(), root, backup.TierDaily)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if report.Class() != ClassDiskCritical {
			t.Errorf("Class() = %q, want %q", report.Class(), ClassDiskCritical)
		}
		if report.ExitCode() != ExitDiskCritical {
			t.Errorf("ExitCode() = %d, want %d", report.ExitCode(), ExitDiskCritical)
		}
	})
}

func TestChecker_SeverityOrder(t *testing.T) {
	// A stale run with no archives reports every condition; the exit code
	// follows the severity order with staleness first.
	root := t.TempDir()
	writeRun(t, root, backup.TierDaily, 30*time.Hour, 0)

	report, err := newTestChecker(95).Check(context.Background(), root, backup.TierDaily)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(report.Issues) != 3 {
		t.Errorf("Issues = %d, want 3 (stale, empty, disk)", len(report.Issues))
	}
	if report.ExitCode() != ExitStale {
		t.Errorf("ExitCode() = %d, want %d", report.ExitCode(), ExitStale)
	}
}
