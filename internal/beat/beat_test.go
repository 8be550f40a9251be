package beat

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"relayq/internal/broker"
	"relayq/internal/domain"
	"relayq/internal/events"
	"relayq/internal/result"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beat.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return db
}

type deniedLock struct{}

func (deniedLock) TryAcquire() (bool, error) { return false, nil }
func (deniedLock) Release() error            { return nil }

func testEntry(key string, nextRun time.Time) domain.ScheduleEntry {
	return domain.ScheduleEntry{
		Key:      key,
		Name:     "cleanup job",
		Spec:     "@every 1m",
		TaskName: "cleanup",
		Args:     []any{"tmp"},
		Queue:    "maintenance",
		Priority: 3,
		Enabled:  true,
		NextRun:  nextRun,
	}
}

func newTestBeat(t *testing.T, lock LeaderLock) (*Beat, *SQLiteStore, *broker.Memory, *result.Memory) {
	t.Helper()
	store := NewSQLiteStore(openTestDB(t))
	b := broker.NewMemory()
	results := result.NewMemory(256, 0)
	beat := New(store, b, results, lock, events.NewBus(16), time.Second)
	return beat, store, b, results
}

func TestDueEntryFires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	beat, store, mem, results := newTestBeat(t, AlwaysLeader{})
	require.NoError(t, store.Create(ctx, testEntry("cleanup-tmp", now.Add(-time.Second))))

	beat.tick(ctx, now)

	batch, err := mem.Lease(ctx, []string{"maintenance"}, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	env := batch[0].Envelope
	assert.Equal(t, "cleanup", env.Signature.Name)
	assert.Equal(t, []any{"tmp"}, env.Signature.Args)
	assert.Equal(t, 3, env.Priority)

	// fired tasks get a pending result record without a producer
	res, err := results.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, res.Status)

	entry, err := store.Get(ctx, "cleanup-tmp")
	require.NoError(t, err)
	require.NotNil(t, entry.LastRun)
	assert.WithinDuration(t, now, *entry.LastRun, time.Second)
	assert.True(t, entry.NextRun.After(now), "next_run must advance")
}

func TestFiringIsNotRepeatedWithinWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	beat, store, mem, _ := newTestBeat(t, AlwaysLeader{})
	require.NoError(t, store.Create(ctx, testEntry("cleanup-tmp", now.Add(-time.Second))))

	beat.tick(ctx, now)
	beat.tick(ctx, now.Add(time.Second)) // next_run is a minute out

	batch, err := mem.Lease(ctx, []string{"maintenance"}, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestNonLeaderDoesNotFire(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	beat, store, mem, _ := newTestBeat(t, deniedLock{})
	require.NoError(t, store.Create(ctx, testEntry("cleanup-tmp", now.Add(-time.Second))))

	beat.tick(ctx, now)

	batch, err := mem.Lease(ctx, []string{"maintenance"}, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestDisabledEntrySkipped(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	beat, store, mem, _ := newTestBeat(t, AlwaysLeader{})
	e := testEntry("cleanup-tmp", now.Add(-time.Second))
	e.Enabled = false
	require.NoError(t, store.Create(ctx, e))

	beat.tick(ctx, now)

	batch, err := mem.Lease(ctx, []string{"maintenance"}, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestExpiresSetOnFiredEnvelope(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	beat, store, mem, _ := newTestBeat(t, AlwaysLeader{})
	e := testEntry("cleanup-tmp", now.Add(-time.Second))
	e.Expires = 30 * time.Second
	require.NoError(t, store.Create(ctx, e))

	beat.tick(ctx, now)

	batch, err := mem.Lease(ctx, []string{"maintenance"}, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NotNil(t, batch[0].Envelope.ExpiresAt)
	assert.WithinDuration(t, now.Add(30*time.Second), *batch[0].Envelope.ExpiresAt, time.Second)
}

func TestFileLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat.lock")

	first := NewFileLock(path)
	ok, err := first.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	// reacquire by the holder is idempotent
	ok, err = first.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, first.Release())

	second := NewFileLock(path)
	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Release())
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(openTestDB(t))
	now := time.Now()

	e := testEntry("reports", now.Add(time.Minute))
	e.Kwargs = map[string]any{"format": "csv"}
	require.NoError(t, store.Create(ctx, e))
	require.Error(t, store.Create(ctx, e), "duplicate key must be rejected")

	got, err := store.Get(ctx, "reports")
	require.NoError(t, err)
	assert.Equal(t, "cleanup", got.TaskName)
	assert.Equal(t, map[string]any{"format": "csv"}, got.Kwargs)
	assert.Equal(t, []any{"tmp"}, got.Args)

	got.Spec = "*/5 * * * *"
	got.Enabled = false
	require.NoError(t, store.Update(ctx, got))
	got, err = store.Get(ctx, "reports")
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", got.Spec)
	assert.False(t, got.Enabled)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, "reports"))
	assert.ErrorIs(t, store.Delete(ctx, "reports"), ErrEntryNotFound)
	_, err = store.Get(ctx, "reports")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestNextFire(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)

	next, err := NextFire("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), next)

	next, err = NextFire("@every 90s", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(90*time.Second), next)

	_, err = NextFire("not a spec", from)
	assert.Error(t, err)

	assert.NoError(t, ValidateSpec("0 4 * * *"))
	assert.Error(t, ValidateSpec("61 * * * *"))
}
