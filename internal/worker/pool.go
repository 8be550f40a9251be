// Package worker runs leased envelopes on a bounded set of slots with
// soft/hard time limits and retry-policy routing.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"relayq/internal/broker"
	"relayq/internal/compose"
	"relayq/internal/domain"
	"relayq/internal/events"
	"relayq/internal/result"
	"relayq/internal/retry"
	"relayq/internal/task"
)

type Config struct {
	WorkerID     string
	Queues       []string
	Slots        int
	Prefetch     int
	PollInterval time.Duration
	Visibility   time.Duration
}

type Pool struct {
	cfg      Config
	registry *task.Registry
	broker   broker.Broker
	store    result.Store
	engine   *compose.Engine
	bus      *events.Bus

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewPool(cfg Config, registry *task.Registry, b broker.Broker, store result.Store, engine *compose.Engine, bus *events.Bus) *Pool {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "wrk_" + uuid.NewString()[:8]
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{domain.DefaultQueue}
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 4
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Slots
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 60 * time.Second
	}
	// a hard kill must never collaterally destroy another task's
	// prefetched work
	if registry.HasHardLimits() {
		cfg.Prefetch = 1
	}
	return &Pool{
		cfg:      cfg,
		registry: registry,
		broker:   b,
		store:    store,
		engine:   engine,
		bus:      bus,
		running:  make(map[string]context.CancelFunc),
	}
}

// Run blocks until ctx is canceled. One lease loop feeds a buffer of at
// most Prefetch deliveries shared by all slots.
func (p *Pool) Run(ctx context.Context) error {
	deliveries := make(chan broker.Delivery, p.cfg.Prefetch)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.leaseLoop(gctx, deliveries) })
	for i := 0; i < p.cfg.Slots; i++ {
		g.Go(func() error { return p.slotLoop(gctx, deliveries) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Terminate forcibly ends the execution unit running the task, same
// blast radius as a hard time limit. Returns false when the task is not
// currently running here.
func (p *Pool) Terminate(id string) bool {
	p.mu.Lock()
	cancel, ok := p.running[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) leaseLoop(ctx context.Context, deliveries chan<- broker.Delivery) error {
	delay := p.cfg.PollInterval
	maxDelay := 10 * p.cfg.PollInterval
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		free := cap(deliveries) - len(deliveries)
		if free <= 0 {
			if err := sleep(ctx, p.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}
		batch, err := p.broker.Lease(ctx, p.cfg.Queues, free, p.cfg.Visibility)
		if err != nil {
			log.Warn().Err(err).Msg("lease failed")
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			if delay *= 2; delay > maxDelay {
				delay = maxDelay
			}
			continue
		}
		if len(batch) == 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			if delay *= 2; delay > maxDelay {
				delay = maxDelay
			}
			continue
		}
		delay = p.cfg.PollInterval
		for _, d := range batch {
			p.publish(events.Lease, d.Envelope, nil)
			select {
			case deliveries <- d:
			case <-ctx.Done():
				// return the lease promptly instead of waiting out the
				// visibility timeout
				if nerr := p.broker.Nack(context.Background(), d.Token, 0); nerr != nil {
					log.Warn().Err(nerr).Str("task_id", d.Envelope.ID).Msg("shutdown nack failed")
				}
				return ctx.Err()
			}
		}
	}
}

func (p *Pool) slotLoop(ctx context.Context, deliveries <-chan broker.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-deliveries:
			p.process(ctx, d)
		}
	}
}

func (p *Pool) process(ctx context.Context, d broker.Delivery) {
	env := d.Envelope

	// revoked before it ever ran: discard and poison any composition
	if res, err := p.store.Get(ctx, env.ID); err == nil && res.Status == domain.StatusRevoked {
		p.settleRevoked(ctx, d)
		return
	}

	def, err := p.registry.Lookup(env.Signature.Name)
	if err != nil {
		p.giveUp(ctx, d, &domain.Failure{Kind: domain.KindTaskNotFound, Message: err.Error()})
		return
	}

	if err := p.store.SetStatus(ctx, env.ID, domain.StatusStarted, nil, nil, p.cfg.WorkerID); err != nil {
		log.Warn().Err(err).Str("task_id", env.ID).Msg("failed to mark started")
	}

	value, err := p.invoke(ctx, def, env)
	if err == nil {
		raw, mErr := json.Marshal(value)
		if mErr != nil {
			err = domain.Permanentf("task %s returned a non-serializable value: %v", def.Name, mErr)
		} else {
			p.succeed(ctx, d, raw)
			return
		}
	}

	// a terminate-revoke cancels the handler context; the REVOKED
	// status written by the revoke call wins over the handler error
	if res, gErr := p.store.Get(ctx, env.ID); gErr == nil && res.Status == domain.StatusRevoked {
		p.settleRevoked(ctx, d)
		return
	}

	// pool shutdown interrupted the handler: the attempt is not
	// settled, return the lease so another worker redelivers it
	if ctx.Err() != nil {
		if nerr := p.broker.Nack(context.Background(), d.Token, 0); nerr != nil {
			log.Warn().Err(nerr).Str("task_id", env.ID).Msg("shutdown nack failed")
		}
		p.publish(events.Nack, env, nil)
		return
	}

	f := domain.Classify(err)
	out := retry.Decide(env.RetryCount, f.Kind, def.Defaults.Policy)
	if out.Action == retry.Retry {
		if err := p.store.SetStatus(ctx, env.ID, domain.StatusRetry, nil, f, p.cfg.WorkerID); err != nil {
			log.Warn().Err(err).Str("task_id", env.ID).Msg("failed to mark retry")
		}
		if err := p.broker.Nack(ctx, d.Token, out.Delay); err != nil {
			log.Error().Err(err).Str("task_id", env.ID).Msg("nack failed")
		}
		p.publish(events.Retry, env, map[string]any{"delay": out.Delay.String(), "error": f.Message})
		p.publish(events.Nack, env, nil)
		return
	}

	if retry.Retryable(f.Kind, def.Defaults.Policy) {
		f = &domain.Failure{
			Kind:    domain.KindMaxRetries,
			Message: fmt.Sprintf("%s (after %d attempts)", f.Message, env.RetryCount+1),
		}
	}
	p.giveUp(ctx, d, f)
}

// invoke runs the handler in its own goroutine so a hard time limit can
// abandon it. The handler context carries the soft limit as a deadline.
func (p *Pool) invoke(ctx context.Context, def *task.Definition, env domain.Envelope) (any, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.track(env.ID, cancel)
	defer p.untrack(env.ID)

	if def.Defaults.SoftLimit > 0 {
		var softCancel context.CancelFunc
		runCtx, softCancel = context.WithTimeout(runCtx, def.Defaults.SoftLimit)
		defer softCancel()
	}

	inv := task.Invocation{
		TaskID:     env.ID,
		Args:       env.Signature.Args,
		Kwargs:     env.Signature.Kwargs,
		Headers:    env.Headers,
		RetryCount: env.RetryCount,
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: domain.Permanentf("panic in %s: %v", def.Name, r)}
			}
		}()
		v, err := def.Handler(runCtx, inv)
		done <- outcome{value: v, err: err}
	}()

	if def.Defaults.HardLimit > 0 {
		timer := time.NewTimer(def.Defaults.HardLimit)
		defer timer.Stop()
		select {
		case o := <-done:
			return o.value, o.err
		case <-timer.C:
			cancel() // the goroutine is abandoned; anything it held is lost
			return nil, &domain.Failure{
				Kind:    domain.KindTimeout,
				Message: fmt.Sprintf("hard time limit %s exceeded", def.Defaults.HardLimit),
			}
		}
	}
	o := <-done
	return o.value, o.err
}

func (p *Pool) succeed(ctx context.Context, d broker.Delivery, raw json.RawMessage) {
	env := d.Envelope
	if err := p.store.SetStatus(ctx, env.ID, domain.StatusSuccess, raw, nil, p.cfg.WorkerID); err != nil {
		log.Error().Err(err).Str("task_id", env.ID).Msg("failed to record success")
	}
	if err := p.broker.Ack(ctx, d.Token); err != nil {
		log.Error().Err(err).Str("task_id", env.ID).Msg("ack failed")
	}
	p.engine.OnSuccess(ctx, env, raw)
	p.publish(events.Ack, env, nil)
}

func (p *Pool) giveUp(ctx context.Context, d broker.Delivery, f *domain.Failure) {
	env := d.Envelope
	if err := p.store.SetStatus(ctx, env.ID, domain.StatusFailure, nil, f, p.cfg.WorkerID); err != nil {
		log.Error().Err(err).Str("task_id", env.ID).Msg("failed to record failure")
	}
	// removed permanently, not requeued
	if err := p.broker.Ack(ctx, d.Token); err != nil {
		log.Error().Err(err).Str("task_id", env.ID).Msg("ack failed")
	}
	p.engine.OnTerminalFailure(ctx, env, f)
	p.publish(events.GiveUp, env, map[string]any{"error": f.Message, "kind": string(f.Kind)})
}

// settleRevoked discards a revoked envelope. Revocation counts as
// GIVE_UP for composition purposes: a revoked chord header member
// poisons the chord.
func (p *Pool) settleRevoked(ctx context.Context, d broker.Delivery) {
	if err := p.broker.Ack(ctx, d.Token); err != nil {
		log.Error().Err(err).Str("task_id", d.Envelope.ID).Msg("ack failed")
	}
	f := &domain.Failure{Kind: domain.KindRevoked, Message: "revoked"}
	p.engine.OnTerminalFailure(ctx, d.Envelope, f)
	p.publish(events.Revoked, d.Envelope, nil)
}

func (p *Pool) track(id string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.running[id] = cancel
	p.mu.Unlock()
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	delete(p.running, id)
	p.mu.Unlock()
}

func (p *Pool) publish(t events.Type, env domain.Envelope, extra map[string]any) {
	if p.bus == nil {
		return
	}
	fields := map[string]any{
		"task_id":     env.ID,
		"task":        env.Signature.Name,
		"queue":       env.RoutingKey,
		"retry_count": env.RetryCount,
		"worker_id":   p.cfg.WorkerID,
	}
	for k, v := range extra {
		fields[k] = v
	}
	p.bus.Publish(t, fields)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
