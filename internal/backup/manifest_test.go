package backup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/execctx"
)

func newFinalizedRun(t *testing.T, layout *RunLayout) *BackupRun {
	t.Helper()
	run := NewBackupRun(TierDaily, layout.Start)
	run.Host = "web01"
	run.Context = "local"
	run.Dir = layout.Dir()
	run.AddUnits(
		SuccessUnit(UnitVolume, "app-data", "docker-volumes/app-data.tar.gz", 2048),
		FailedUnit(UnitVolume, "broken-vol", errors.New("worker exited 1")),
		SuccessUnit(UnitSystemConfig, "system-config", "system-configs/etc-backup.tar.gz", 4096),
		SkippedUnit(UnitComposeConfig, "traefik-config", "not present"),
	)
	run.Finalize(layout.Start.Add(5 * time.Minute))
	return run
}

func TestManifestBuilder_Render(t *testing.T) {
	exec := execctx.NewLocalExecutor(zerolog.Nop())
	layout := newRunLayoutForTest(t)
	run := newFinalizedRun(t, layout)

	m := NewManifestBuilder(exec, zerolog.Nop())
	content := m.Render(layout, run)

	for _, want := range []string{
		"Server Backup Manifest",
		"Run ID:    " + run.ID,
		"Host:      web01",
		"Tier:      daily",
		"Status:    completed_with_warnings",
		"4 total: 2 success, 1 failed, 1 skipped",
		"docker-volumes/app-data.tar.gz",
		"worker exited 1",
		"volume:",
		"system_config:",
		"Total archive size: 6.0 KiB",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("manifest missing %q:\n%s", want, content)
		}
	}
}

func TestManifestBuilder_Write(t *testing.T) {
	exec := execctx.NewLocalExecutor(zerolog.Nop())
	layout := newRunLayoutForTest(t)
	run := newFinalizedRun(t, layout)

	m := NewManifestBuilder(exec, zerolog.Nop())
	if err := m.Write(layout, run); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := os.ReadFile(layout.ManifestPath())
	if err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
	if !strings.Contains(string(data), run.ID) {
		t.Error("manifest on disk does not carry the run ID")
	}
}

func TestManifestBuilder_WriteFailure(t *testing.T) {
	exec := execctx.NewLocalExecutor(zerolog.Nop())
	// A layout whose run directory does not exist cannot take a manifest.
	layout := NewRunLayout(filepath.Join(t.TempDir(), "missing"), TierDaily, time.Now())
	run := newFinalizedRun(t, layout)

	m := NewManifestBuilder(exec, zerolog.Nop())
	if err := m.Write(layout, run); err == nil {
		t.Fatal("Write() expected error for unwritable destination")
	}
}
