package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hostback/hostback/internal/execctx"
)

// fakeCrontabBinary lists one entry for the invoking user and reports an
// empty table for root.
func fakeCrontabBinary(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
case "$*" in
  *"-u root"*)
    echo "no crontab for root" >&2
    exit 1
    ;;
  *)
    echo "0 2 * * * /usr/local/bin/backup-daily.sh"
    ;;
esac
`
	path := filepath.Join(t.TempDir(), "crontab")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCronSnapshotter_Snapshot(t *testing.T) {
	exec := execctx.NewLocalExecutor(zerolog.Nop())
	layout := newRunLayoutForTest(t)

	etcDir := t.TempDir()
	writeFixtureTree(t, etcDir, map[string]string{
		"crontab":         "SHELL=/bin/sh\n",
		"cron.d/certbot":  "0 */12 * * * root certbot renew\n",
		"cron.daily/trim": "#!/bin/sh\nfstrim /\n",
	})

	snap := NewCronSnapshotter(exec, "alice", zerolog.Nop())
	snap.CrontabBinary = fakeCrontabBinary(t)
	snap.EtcDir = etcDir

	units := snap.Snapshot(context.Background(), layout)
	if len(units) != 3 {
		t.Fatalf("Snapshot() returned %d units, want 3", len(units))
	}
	for _, unit := range units {
		if unit.Outcome != OutcomeSuccess {
			t.Errorf("unit %s outcome = %q (%s), want success", unit.Name, unit.Outcome, unit.Detail)
		}
	}

	userTab, err := os.ReadFile(filepath.Join(layout.CronDir(), UserCrontabName))
	if err != nil {
		t.Fatalf("user crontab not written: %v", err)
	}
	if !strings.Contains(string(userTab), "backup-daily.sh") {
		t.Errorf("user crontab content = %q", userTab)
	}

	// Root has no table; an explicit placeholder is written, never an error.
	rootTab, err := os.ReadFile(filepath.Join(layout.CronDir(), RootCrontabName))
	if err != nil {
		t.Fatalf("root crontab not written: %v", err)
	}
	if !strings.Contains(string(rootTab), "# no crontab for root") {
		t.Errorf("root crontab placeholder = %q", rootTab)
	}

	listing := tarListing(t, exec, filepath.Join(layout.CronDir(), SystemCronBundle))
	for _, want := range []string{"crontab", "cron.d/certbot", "cron.daily/trim"} {
		if !strings.Contains(listing, want) {
			t.Errorf("system cron bundle missing %s:\n%s", want, listing)
		}
	}
}

func TestCronSnapshotter_RootUser(t *testing.T) {
	exec := execctx.NewLocalExecutor(zerolog.Nop())
	layout := newRunLayoutForTest(t)

	snap := NewCronSnapshotter(exec, "root", zerolog.Nop())
	snap.CrontabBinary = fakeCrontabBinary(t)
	snap.EtcDir = t.TempDir() // no system cron locations

	units := snap.Snapshot(context.Background(), layout)
	if len(units) != 3 {
		t.Fatalf("Snapshot() returned %d units, want 3", len(units))
	}

	// Running as root, both files capture the same table without -u.
	userTab, _ := os.ReadFile(filepath.Join(layout.CronDir(), UserCrontabName))
	rootTab, _ := os.ReadFile(filepath.Join(layout.CronDir(), RootCrontabName))
	if string(userTab) != string(rootTab) {
		t.Errorf("user and root tables differ: %q vs %q", userTab, rootTab)
	}

	var system *ArchiveUnit
	for i := range units {
		if units[i].Name == "system-cron" {
			system = &units[i]
		}
	}
	if system == nil || system.Outcome != OutcomeSkipped {
		t.Errorf("system-cron should be skipped with no locations present, got %+v", system)
	}
}
