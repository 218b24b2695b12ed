package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/docker"
	"github.com/hostback/hostback/internal/execctx"
)

// fakeDockerBinary writes a shell script standing in for docker: it
// serves a fixed volume listing, writes a real archive for healthy
// volumes and fails for any volume whose name contains "broken".
func fakeDockerBinary(t *testing.T, volumesDir string, volumeNames []string) string {
	t.Helper()

	listing := ""
	for _, name := range volumeNames {
		listing += fmt.Sprintf(`{"Name":"%s","Driver":"local","Mountpoint":"/var/lib/docker/volumes/%s/_data","Labels":"","Scope":"local"}\n`, name, name)
	}

	script := fmt.Sprintf(`#!/bin/sh
case "$*" in
  *"volume ls"*)
    printf '%s'
    ;;
  *broken*)
    echo "tar: /data: Cannot read: Input/output error" >&2
    exit 1
    ;;
  *"tar czf"*)
    for arg in "$@"; do
      case "$arg" in
        /backup/*.tar.gz) echo "fake archive data" > "%s/$(basename "$arg")" ;;
      esac
    done
    ;;
esac
exit 0
`, listing, volumesDir)

	path := filepath.Join(t.TempDir(), "docker")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRunLayoutForTest(t *testing.T) *RunLayout {
	t.Helper()
	layout := NewRunLayout(t.TempDir(), TierDaily, time.Now())
	for _, dir := range layout.Subdirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return layout
}

func TestVolumeArchiver_Archive(t *testing.T) {
	exec := execctx.NewLocalExecutor(zerolog.Nop())
	layout := newRunLayoutForTest(t)

	binary := fakeDockerBinary(t, layout.VolumesDir(), []string{"web-data", "broken-vol", "db-data"})
	dcli := docker.NewDockerClientWithOptions(exec, binary, "alpine", zerolog.Nop())
	archiver := NewVolumeArchiver(dcli, exec, 2, time.Minute, zerolog.Nop())

	units := archiver.Archive(context.Background(), layout)
	if len(units) != 3 {
		t.Fatalf("Archive() returned %d units, want 3", len(units))
	}

	// Results are ordered by volume name regardless of completion order.
	wantNames := []string{"broken-vol", "db-data", "web-data"}
	for i, unit := range units {
		if unit.Name != wantNames[i] {
			t.Errorf("units[%d].Name = %q, want %q", i, unit.Name, wantNames[i])
		}
	}

	// The failing volume is recorded but never stops its neighbors.
	for _, unit := range units {
		switch unit.Name {
		case "broken-vol":
			if unit.Outcome != OutcomeFailed {
				t.Errorf("broken-vol outcome = %q, want failed", unit.Outcome)
			}
			if unit.Detail == "" {
				t.Error("broken-vol should carry error detail")
			}
		default:
			if unit.Outcome != OutcomeSuccess {
				t.Errorf("%s outcome = %q, want success", unit.Name, unit.Outcome)
			}
			if unit.SizeBytes == 0 {
				t.Errorf("%s should have a non-zero archive size", unit.Name)
			}
			if unit.Path != "docker-volumes/"+unit.Name+".tar.gz" {
				t.Errorf("%s path = %q", unit.Name, unit.Path)
			}
		}
	}
}

func TestVolumeArchiver_NoVolumes(t *testing.T) {
	exec := execctx.NewLocalExecutor(zerolog.Nop())
	layout := newRunLayoutForTest(t)

	binary := fakeDockerBinary(t, layout.VolumesDir(), nil)
	dcli := docker.NewDockerClientWithOptions(exec, binary, "alpine", zerolog.Nop())
	archiver := NewVolumeArchiver(dcli, exec, 1, time.Minute, zerolog.Nop())

	units := archiver.Archive(context.Background(), layout)
	if len(units) != 1 || units[0].Outcome != OutcomeSkipped {
		t.Fatalf("Archive() = %+v, want single skipped unit", units)
	}
}

func TestVolumeArchiver_DaemonUnreachable(t *testing.T) {
	exec := execctx.NewLocalExecutor(zerolog.Nop())
	layout := newRunLayoutForTest(t)

	script := "#!/bin/sh\necho 'Cannot connect to the Docker daemon' >&2\nexit 1\n"
	binary := filepath.Join(t.TempDir(), "docker")
	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	dcli := docker.NewDockerClientWithOptions(exec, binary, "alpine", zerolog.Nop())
	archiver := NewVolumeArchiver(dcli, exec, 1, time.Minute, zerolog.Nop())

	units := archiver.Archive(context.Background(), layout)
	if len(units) != 1 || units[0].Outcome != OutcomeFailed {
		t.Fatalf("Archive() = %+v, want single failed unit", units)
	}
}
