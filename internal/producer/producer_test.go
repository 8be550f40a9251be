package producer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/broker"
	"relayq/internal/domain"
	"relayq/internal/result"
	"relayq/internal/task"
)

func fixture(t *testing.T) (*Producer, *broker.Memory, *result.Memory, *task.Registry) {
	t.Helper()
	reg := task.NewRegistry()
	reg.MustRegister("double", func(ctx context.Context, inv task.Invocation) (any, error) {
		return nil, nil
	}, task.Defaults{Queue: "math"})
	b := broker.NewMemory()
	store := result.NewMemory(1024, 0)
	return New(reg, b, store), b, store, reg
}

func TestEnqueueCreatesPendingResult(t *testing.T) {
	p, b, store, _ := fixture(t)
	ctx := context.Background()

	id, err := p.Enqueue(ctx, domain.NewSignature("double", 21))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, res.Status)

	got, err := b.Lease(ctx, []string{"math"}, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].Envelope.ID)
	assert.Equal(t, []any{float64(21)}, normalizeArgs(got[0].Envelope.Signature.Args))
}

// args round-trip through JSON on some brokers, so ints may come back
// as float64; the memory broker keeps them as-is
func normalizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case int:
			out[i] = float64(v)
		default:
			out[i] = v
		}
	}
	return out
}

func TestEnqueueUnknownTask(t *testing.T) {
	p, _, _, _ := fixture(t)
	_, err := p.Enqueue(context.Background(), domain.NewSignature("missing"))
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestEnqueueDeduplicatesCustomID(t *testing.T) {
	p, b, _, _ := fixture(t)
	ctx := context.Background()

	sig := domain.NewSignature("double", 1).WithTaskID("custom-1")
	id1, err := p.Enqueue(ctx, sig)
	require.NoError(t, err)
	id2, err := p.Enqueue(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// exactly one envelope made it to the broker
	got, err := b.Lease(ctx, []string{"math"}, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEnqueueAfterSetsCountdown(t *testing.T) {
	p, b, _, _ := fixture(t)
	ctx := context.Background()

	_, err := p.EnqueueAfter(ctx, domain.NewSignature("double", 2), time.Hour)
	require.NoError(t, err)

	got, err := b.Lease(ctx, []string{"math"}, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, got, "countdown envelope must not be leasable yet")
}

type fakeTerminator struct{ terminated []string }

func (f *fakeTerminator) Terminate(id string) bool {
	f.terminated = append(f.terminated, id)
	return true
}

func TestRevoke(t *testing.T) {
	p, _, store, _ := fixture(t)
	ctx := context.Background()
	term := &fakeTerminator{}
	p.SetTerminator(term)

	id, err := p.Enqueue(ctx, domain.NewSignature("double", 3))
	require.NoError(t, err)

	require.NoError(t, p.Revoke(ctx, id, false))
	res, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, res.Status)
	assert.Empty(t, term.terminated)

	// terminal tasks cannot be revoked again
	assert.Error(t, p.Revoke(ctx, id, false))
}

func TestRevokeTerminate(t *testing.T) {
	p, _, _, _ := fixture(t)
	ctx := context.Background()
	term := &fakeTerminator{}
	p.SetTerminator(term)

	id, err := p.Enqueue(ctx, domain.NewSignature("double", 4))
	require.NoError(t, err)

	require.NoError(t, p.Revoke(ctx, id, true))
	assert.Equal(t, []string{id}, term.terminated)
}
