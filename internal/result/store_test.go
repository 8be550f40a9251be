package result

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"relayq/internal/domain"
)

// both backends must satisfy the same contract
func backends(t *testing.T) map[string]interface {
	Store
	ChordStore
} {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))

	return map[string]interface {
		Store
		ChordStore
	}{
		"memory": NewMemory(1024, 0),
		"sqlite": NewSQLite(db),
	}
}

func TestLifecycle(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Create(ctx, "t1"))
			assert.ErrorIs(t, store.Create(ctx, "t1"), ErrAlreadyExists)

			res, err := store.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusNew, res.Status)
			assert.Nil(t, res.FinishedAt)

			require.NoError(t, store.SetStatus(ctx, "t1", domain.StatusPending, nil, nil, ""))
			require.NoError(t, store.SetStatus(ctx, "t1", domain.StatusStarted, nil, nil, "w1"))

			val, _ := json.Marshal(42)
			require.NoError(t, store.SetStatus(ctx, "t1", domain.StatusSuccess, val, nil, "w1"))

			res, err = store.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusSuccess, res.Status)
			assert.JSONEq(t, "42", string(res.Result))
			assert.Equal(t, "w1", res.WorkerID)
			require.NotNil(t, res.FinishedAt)

			require.NoError(t, store.Delete(ctx, "t1"))
			_, err = store.Get(ctx, "t1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSetStatusUpsertsUnknownID(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// scheduler-originated envelopes have no Create call
			f := domain.Permanentf("boom")
			require.NoError(t, store.SetStatus(ctx, "beat-1", domain.StatusFailure, nil, f, "w1"))

			res, err := store.Get(ctx, "beat-1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusFailure, res.Status)
			require.NotNil(t, res.Error)
			assert.Equal(t, domain.KindPermanent, res.Error.Kind)
		})
	}
}

func TestChordJoinFiresOnce(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.InitChord(ctx, "ch1", 3))

			done, err := store.CompleteMember(ctx, "ch1", 0, json.RawMessage(`"a"`))
			require.NoError(t, err)
			assert.False(t, done)

			done, err = store.CompleteMember(ctx, "ch1", 2, json.RawMessage(`"c"`))
			require.NoError(t, err)
			assert.False(t, done)

			done, err = store.CompleteMember(ctx, "ch1", 1, json.RawMessage(`"b"`))
			require.NoError(t, err)
			assert.True(t, done)

			results, err := store.ChordResults(ctx, "ch1")
			require.NoError(t, err)
			require.Len(t, results, 3)
			assert.Equal(t, `"a"`, string(results[0]))
			assert.Equal(t, `"b"`, string(results[1]))
			assert.Equal(t, `"c"`, string(results[2]))
		})
	}
}

func TestChordRedeliveredMemberCountsOnce(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.InitChord(ctx, "ch3", 2))

			done, err := store.CompleteMember(ctx, "ch3", 0, json.RawMessage(`"a"`))
			require.NoError(t, err)
			assert.False(t, done)

			// at-least-once delivery can replay a member completion;
			// the join counter must not reach zero before member 1
			done, err = store.CompleteMember(ctx, "ch3", 0, json.RawMessage(`"a"`))
			require.NoError(t, err)
			assert.False(t, done)

			done, err = store.CompleteMember(ctx, "ch3", 1, json.RawMessage(`"b"`))
			require.NoError(t, err)
			assert.True(t, done)

			results, err := store.ChordResults(ctx, "ch3")
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Equal(t, `"a"`, string(results[0]))
			assert.Equal(t, `"b"`, string(results[1]))
		})
	}
}

func TestChordPoisonSuppressesBody(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.InitChord(ctx, "ch2", 2))

			first, err := store.PoisonChord(ctx, "ch2")
			require.NoError(t, err)
			assert.True(t, first)

			// only the poisoning caller sees first=true
			first, err = store.PoisonChord(ctx, "ch2")
			require.NoError(t, err)
			assert.False(t, first)

			// the surviving member completing must not fire the body
			done, err := store.CompleteMember(ctx, "ch2", 1, json.RawMessage(`1`))
			require.NoError(t, err)
			assert.False(t, done)
		})
	}
}

func TestSQLiteListAndExpire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()
	require.NoError(t, EnsureSchema(db))

	store := NewSQLite(db)
	ctx := context.Background()

	require.NoError(t, store.SetStatus(ctx, "ok1", domain.StatusSuccess, json.RawMessage(`1`), nil, "w1"))
	require.NoError(t, store.SetStatus(ctx, "ok2", domain.StatusSuccess, json.RawMessage(`2`), nil, "w1"))
	require.NoError(t, store.SetStatus(ctx, "bad", domain.StatusFailure, nil, domain.Permanentf("x"), "w1"))
	require.NoError(t, store.Create(ctx, "fresh"))

	got, err := store.List(ctx, domain.StatusSuccess, time.Unix(0, 0), 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.List(ctx, "", time.Unix(0, 0), 10)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	// terminal results swept, pending one kept
	n, err := store.ExpireBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
}
