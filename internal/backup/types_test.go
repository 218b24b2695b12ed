package backup

import (
	"errors"
	"testing"
	"time"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"daily", TierDaily, false},
		{"weekly", TierWeekly, false},
		{"monthly", TierMonthly, false},
		{"hourly", "", true},
		{"", "", true},
		{"Daily", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTier(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTier(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTier(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBackupRun_Finalize(t *testing.T) {
	start := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)

	t.Run("all success", func(t *testing.T) {
		run := NewBackupRun(TierDaily, start)
		run.AddUnits(
			SuccessUnit(UnitVolume, "a", "docker-volumes/a.tar.gz", 10),
			SuccessUnit(UnitSystemConfig, "system-config", "system-configs/etc-backup.tar.gz", 20),
		)
		run.Finalize(end)
		if run.Status != StatusCompleted {
			t.Errorf("Status = %q, want %q", run.Status, StatusCompleted)
		}
		if run.Duration() != 10*time.Minute {
			t.Errorf("Duration() = %v, want 10m", run.Duration())
		}
	})

	t.Run("skips do not degrade status", func(t *testing.T) {
		run := NewBackupRun(TierDaily, start)
		run.AddUnits(
			SuccessUnit(UnitVolume, "a", "docker-volumes/a.tar.gz", 10),
			SkippedUnit(UnitComposeConfig, "traefik-config", "not present"),
		)
		run.Finalize(end)
		if run.Status != StatusCompleted {
			t.Errorf("Status = %q, want %q", run.Status, StatusCompleted)
		}
	})

	t.Run("any failed unit means warnings", func(t *testing.T) {
		run := NewBackupRun(TierDaily, start)
		run.AddUnits(
			SuccessUnit(UnitVolume, "a", "docker-volumes/a.tar.gz", 10),
			FailedUnit(UnitVolume, "b", errors.New("worker exited 1")),
		)
		run.Finalize(end)
		if run.Status != StatusCompletedWithWarnings {
			t.Errorf("Status = %q, want %q", run.Status, StatusCompletedWithWarnings)
		}
	})

	t.Run("failed status is sticky", func(t *testing.T) {
		run := NewBackupRun(TierDaily, start)
		run.Status = StatusFailed
		run.Finalize(end)
		if run.Status != StatusFailed {
			t.Errorf("Status = %q, want %q", run.Status, StatusFailed)
		}
	})
}

func TestBackupRun_Counts(t *testing.T) {
	run := NewBackupRun(TierWeekly, time.Now())
	run.AddUnits(
		SuccessUnit(UnitVolume, "a", "docker-volumes/a.tar.gz", 100),
		SuccessUnit(UnitVolume, "b", "docker-volumes/b.tar.gz", 200),
		FailedUnit(UnitVolume, "c", errors.New("boom")),
		SkippedUnit(UnitTopology, "zpool-list", "absent"),
	)

	if got := run.CountByKind(UnitVolume); got != 3 {
		t.Errorf("CountByKind(volume) = %d, want 3", got)
	}
	if got := run.CountByOutcome(OutcomeSuccess); got != 2 {
		t.Errorf("CountByOutcome(success) = %d, want 2", got)
	}
	if got := run.TotalSize(); got != 300 {
		t.Errorf("TotalSize() = %d, want 300", got)
	}
}
