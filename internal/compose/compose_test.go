package compose_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/broker"
	"relayq/internal/compose"
	"relayq/internal/domain"
	"relayq/internal/producer"
	"relayq/internal/result"
	"relayq/internal/task"
)

type fixture struct {
	broker *broker.Memory
	store  *result.Memory
	engine *compose.Engine
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	reg := task.NewRegistry()
	noop := func(ctx context.Context, inv task.Invocation) (any, error) { return nil, nil }
	for _, name := range names {
		reg.MustRegister(name, noop, task.Defaults{})
	}
	b := broker.NewMemory()
	store := result.NewMemory(256, 0)
	prod := producer.New(reg, b, store)
	return &fixture{broker: b, store: store, engine: compose.NewEngine(prod, store)}
}

// lease drains every ready envelope from the default queue.
func (f *fixture) lease(t *testing.T) []domain.Envelope {
	t.Helper()
	batch, err := f.broker.Lease(context.Background(), []string{"default"}, 16, time.Minute)
	require.NoError(t, err)
	envs := make([]domain.Envelope, len(batch))
	for i, d := range batch {
		envs[i] = d.Envelope
	}
	return envs
}

func TestChainEnqueuesHeadOnly(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()

	chain, err := f.engine.Chain(ctx,
		domain.NewSignature("a"),
		domain.NewSignature("b"),
		domain.NewSignature("c"),
	)
	require.NoError(t, err)
	require.Len(t, chain.IDs, 3)

	envs := f.lease(t)
	require.Len(t, envs, 1, "only the head may be on the queue")
	head := envs[0]
	assert.Equal(t, chain.IDs[0], head.ID)
	assert.Equal(t, "a", head.Signature.Name)

	// the rest of the chain rides along inside the head envelope,
	// ids pre-assigned so clients can poll them immediately
	require.Len(t, head.Signature.Options.Chain, 2)
	assert.Equal(t, chain.IDs[1], head.Signature.Options.Chain[0].Options.TaskID)
	assert.Equal(t, chain.IDs[2], head.Signature.Options.Chain[1].Options.TaskID)
}

func TestChainRejectsEmpty(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.engine.Chain(context.Background())
	assert.Error(t, err)
}

func TestOnSuccessEnqueuesNextLinkWithResult(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, err := f.engine.Chain(ctx, domain.NewSignature("a"), domain.NewSignature("b", "x"))
	require.NoError(t, err)
	head := f.lease(t)[0]

	f.engine.OnSuccess(ctx, head, json.RawMessage(`5`))

	envs := f.lease(t)
	require.Len(t, envs, 1)
	next := envs[0]
	assert.Equal(t, "b", next.Signature.Name)
	require.Len(t, next.Signature.Args, 2)
	assert.Equal(t, float64(5), next.Signature.Args[0])
	assert.Equal(t, "x", next.Signature.Args[1])
	assert.Empty(t, next.Signature.Options.Chain)
}

func TestOnSuccessRespectsImmutableLink(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, err := f.engine.Chain(ctx,
		domain.NewSignature("a"),
		domain.NewSignature("b", "x").AsImmutable(),
	)
	require.NoError(t, err)
	head := f.lease(t)[0]

	f.engine.OnSuccess(ctx, head, json.RawMessage(`5`))

	next := f.lease(t)[0]
	require.Len(t, next.Signature.Args, 1)
	assert.Equal(t, "x", next.Signature.Args[0])
}

func TestOnTerminalFailureMarksDownstreamLinks(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()

	chain, err := f.engine.Chain(ctx,
		domain.NewSignature("a"),
		domain.NewSignature("b"),
		domain.NewSignature("c"),
	)
	require.NoError(t, err)
	head := f.lease(t)[0]

	f.engine.OnTerminalFailure(ctx, head, domain.Permanentf("bad input"))

	for _, id := range chain.IDs[1:] {
		res, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailure, res.Status)
		require.NotNil(t, res.Error)
		assert.Contains(t, res.Error.Message, "chain broken upstream")
	}

	assert.Empty(t, f.lease(t), "no downstream link may be enqueued")
}

func TestChordBodyWaitsForAllMembers(t *testing.T) {
	f := newFixture(t, "part", "join")
	ctx := context.Background()

	chord, err := f.engine.Chord(ctx,
		[]domain.Signature{
			domain.NewSignature("part", 0),
			domain.NewSignature("part", 1),
			domain.NewSignature("part", 2),
		},
		domain.NewSignature("join"),
	)
	require.NoError(t, err)
	members := f.lease(t)
	require.Len(t, members, 3)

	// complete out of order: 2, 0, then 1
	f.engine.OnSuccess(ctx, members[2], json.RawMessage(`"c"`))
	require.Empty(t, f.lease(t))
	f.engine.OnSuccess(ctx, members[0], json.RawMessage(`"a"`))
	require.Empty(t, f.lease(t))
	f.engine.OnSuccess(ctx, members[1], json.RawMessage(`"b"`))

	envs := f.lease(t)
	require.Len(t, envs, 1)
	body := envs[0]
	assert.Equal(t, chord.BodyID, body.ID)
	assert.Equal(t, "join", body.Signature.Name)

	// results keep header order no matter the completion order
	require.Len(t, body.Signature.Args, 1)
	assert.Equal(t, []any{"a", "b", "c"}, body.Signature.Args[0])
}

func TestChordPoisonedOnce(t *testing.T) {
	f := newFixture(t, "part", "join")
	ctx := context.Background()

	chord, err := f.engine.Chord(ctx,
		[]domain.Signature{
			domain.NewSignature("part", 0),
			domain.NewSignature("part", 1),
		},
		domain.NewSignature("join"),
	)
	require.NoError(t, err)
	members := f.lease(t)
	require.Len(t, members, 2)

	f.engine.OnTerminalFailure(ctx, members[1], domain.Permanentf("down"))
	f.engine.OnTerminalFailure(ctx, members[0], domain.Transientf("also down"))

	body, err := f.store.Get(ctx, chord.BodyID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, body.Status)
	require.NotNil(t, body.Error)
	// only the first failure writes the body record
	assert.Contains(t, body.Error.Message, "chord header member 1 failed")

	// a late success must not resurrect the body
	f.engine.OnSuccess(ctx, members[0], json.RawMessage(`"a"`))
	assert.Empty(t, f.lease(t))
}
