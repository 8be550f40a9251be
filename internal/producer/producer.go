// Package producer is the invocation boundary: it turns signatures into
// broker envelopes and owns revoke/purge on the write path.
package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"relayq/internal/broker"
	"relayq/internal/domain"
	"relayq/internal/result"
	"relayq/internal/task"
)

// Terminator forcibly ends a running execution unit. The worker pool
// implements it; the producer holds it to back revoke(terminate=true).
type Terminator interface {
	Terminate(id string) bool
}

type Producer struct {
	registry   *task.Registry
	broker     broker.Broker
	store      result.Store
	terminator Terminator
	now        func() time.Time
}

func New(registry *task.Registry, b broker.Broker, store result.Store) *Producer {
	return &Producer{registry: registry, broker: b, store: store, now: time.Now}
}

// SetTerminator wires the running worker pool in after construction.
func (p *Producer) SetTerminator(t Terminator) { p.terminator = t }

// Enqueue submits a signature for execution. The result record is
// created NEW before the broker accepts the envelope and flipped to
// PENDING after; callers must commit their own state first, since an
// accepted envelope is immediately eligible for execution.
//
// A duplicate custom task id is deduplicated: the existing id comes back
// and no second envelope is enqueued.
func (p *Producer) Enqueue(ctx context.Context, sig domain.Signature) (string, error) {
	def, err := p.registry.Lookup(sig.Name)
	if err != nil {
		return "", err
	}
	if sig.Options.Queue == "" {
		sig.Options.Queue = def.Defaults.Queue
	}

	env := domain.NewEnvelope(sig, p.now())
	if err := p.store.Create(ctx, env.ID); err != nil {
		if errors.Is(err, result.ErrAlreadyExists) {
			log.Debug().Str("task_id", env.ID).Msg("duplicate task id, deduplicated")
			return env.ID, nil
		}
		return "", err
	}

	if _, err := p.broker.Enqueue(ctx, env); err != nil {
		// surfaced synchronously; the NEW record stays behind as the
		// trace that the submission never reached the broker
		return "", fmt.Errorf("enqueue %s: %w", sig.Name, err)
	}
	if err := p.store.SetStatus(ctx, env.ID, domain.StatusPending, nil, nil, ""); err != nil {
		log.Warn().Err(err).Str("task_id", env.ID).Msg("failed to mark pending")
	}
	log.Debug().Str("task_id", env.ID).Str("task", sig.Name).Str("queue", env.RoutingKey).Msg("task enqueued")
	return env.ID, nil
}

// EnqueueAt delays execution until t.
func (p *Producer) EnqueueAt(ctx context.Context, sig domain.Signature, t time.Time) (string, error) {
	sig.Options.NotBefore = &t
	return p.Enqueue(ctx, sig)
}

// EnqueueAfter delays execution by d.
func (p *Producer) EnqueueAfter(ctx context.Context, sig domain.Signature, d time.Duration) (string, error) {
	return p.EnqueueAt(ctx, sig, p.now().Add(d))
}

// Revoke marks the task REVOKED. A task not yet leased is skipped by
// workers at execution time; terminate additionally cancels a running
// one, with the same blast radius as a hard time limit.
func (p *Producer) Revoke(ctx context.Context, id string, terminate bool) error {
	res, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if res.Status.Terminal() {
		return fmt.Errorf("task %s already %s", id, res.Status)
	}
	f := &domain.Failure{Kind: domain.KindRevoked, Message: "revoked by operator"}
	if err := p.store.SetStatus(ctx, id, domain.StatusRevoked, nil, f, ""); err != nil {
		return err
	}
	if terminate && p.terminator != nil {
		p.terminator.Terminate(id)
	}
	return nil
}

// Purge drops every unleased envelope in the queue.
func (p *Producer) Purge(ctx context.Context, queue string) (int, error) {
	return p.broker.Purge(ctx, queue)
}
