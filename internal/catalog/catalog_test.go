package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostback/hostback/internal/backup"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRun(tier backup.Tier, start time.Time, status backup.RunStatus) *backup.BackupRun {
	run := backup.NewBackupRun(tier, start)
	run.Host = "backup01"
	run.Context = "local"
	run.Dir = "/backups/" + string(tier) + "/server-backup-" + start.Format(backup.RunTimestampFormat)
	run.AddUnits(
		backup.SuccessUnit(backup.UnitVolume, "app-data", "docker-volumes/app-data.tar.gz", 4096),
		backup.FailedUnit(backup.UnitVolume, "broken-vol", assert.AnError),
		backup.SkippedUnit(backup.UnitComposeConfig, "traefik-config", "not present"),
	)
	run.Finalize(start.Add(5 * time.Minute))
	run.Status = status
	return run
}

func TestStore_RecordAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, testRun(backup.TierDaily, base, backup.StatusCompletedWithWarnings)))
	require.NoError(t, store.Record(ctx, testRun(backup.TierDaily, base.Add(24*time.Hour), backup.StatusCompleted)))
	require.NoError(t, store.Record(ctx, testRun(backup.TierWeekly, base.Add(time.Hour), backup.StatusCompleted)))

	records, err := store.List(ctx, backup.TierDaily, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first.
	assert.True(t, records[0].StartedAt.After(records[1].StartedAt))
	assert.Equal(t, backup.TierDaily, records[0].Tier)
	assert.Equal(t, "backup01", records[0].Host)
	assert.Equal(t, 3, records[0].UnitsTotal)
	assert.Equal(t, 1, records[0].UnitsFailed)
	assert.Equal(t, 1, records[0].UnitsSkipped)
	assert.Equal(t, int64(4096), records[0].SizeBytes)

	all, err := store.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_ListLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	for day := 0; day < 5; day++ {
		require.NoError(t, store.Record(ctx, testRun(backup.TierDaily, base.AddDate(0, 0, day), backup.StatusCompleted)))
	}

	records, err := store.List(ctx, backup.TierDaily, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, base.AddDate(0, 0, 4), records[0].StartedAt)
}

func TestStore_ReopenKeepsHistory(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	run := testRun(backup.TierMonthly, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), backup.StatusCompleted)
	require.NoError(t, store.Record(ctx, run))
	require.NoError(t, store.Close())

	store, err = Open(dir, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	records, err := store.List(ctx, backup.TierMonthly, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, run.ID, records[0].ID)
}
