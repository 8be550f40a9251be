// Package beat fires recurring schedule entries into the broker. One
// beat instance per deployment is active at a time; the rest stand by
// on the leader lock so a schedule never fires twice per tick.
package beat

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"relayq/internal/broker"
	"relayq/internal/domain"
	"relayq/internal/events"
	"relayq/internal/result"
)

type Beat struct {
	store    Store
	broker   broker.Broker
	results  result.Store
	lock     LeaderLock
	bus      *events.Bus
	interval time.Duration
	leader   bool

	now func() time.Time
}

func New(store Store, b broker.Broker, results result.Store, lock LeaderLock, bus *events.Bus, interval time.Duration) *Beat {
	if interval <= 0 {
		interval = time.Second
	}
	if lock == nil {
		lock = AlwaysLeader{}
	}
	return &Beat{
		store:    store,
		broker:   b,
		results:  results,
		lock:     lock,
		bus:      bus,
		interval: interval,
		now:      time.Now,
	}
}

// Run ticks until the context is canceled. Leadership is attempted on
// every tick so a standby takes over as soon as the old leader exits.
func (b *Beat) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	defer func() {
		if err := b.lock.Release(); err != nil {
			log.Warn().Err(err).Msg("failed to release beat leader lock")
		}
	}()

	log.Info().Dur("interval", b.interval).Msg("beat started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.tick(ctx, b.now())
		}
	}
}

func (b *Beat) tick(ctx context.Context, now time.Time) {
	if !b.leader {
		ok, err := b.lock.TryAcquire()
		if err != nil {
			log.Error().Err(err).Msg("beat leader lock error")
			return
		}
		if !ok {
			return
		}
		b.leader = true
		log.Info().Msg("beat acquired leadership")
	}

	due, err := b.store.Due(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to load due schedules")
		return
	}
	for _, entry := range due {
		if err := b.fire(ctx, entry, now); err != nil {
			log.Error().Err(err).Str("schedule", entry.Key).Msg("failed to fire schedule")
		}
	}
}

// fire enqueues one occurrence and advances the entry. A missed window
// (beat down for an hour) fires once, not once per missed tick: the
// next run is computed from now, and the envelope's expiry discards the
// occurrence if even that one lands too late.
func (b *Beat) fire(ctx context.Context, entry domain.ScheduleEntry, now time.Time) error {
	sched, err := cron.ParseStandard(entry.Spec)
	if err != nil {
		return fmt.Errorf("invalid schedule spec %q: %w", entry.Spec, err)
	}

	env := domain.NewEnvelope(entry.Template(now), now)
	if _, err := b.broker.Enqueue(ctx, env); err != nil {
		return fmt.Errorf("enqueue scheduled task: %w", err)
	}
	// upsert: beat-originated tasks have no producer-created record
	if err := b.results.SetStatus(ctx, env.ID, domain.StatusPending, nil, nil, ""); err != nil {
		log.Warn().Err(err).Str("task_id", env.ID).Msg("failed to record scheduled task")
	}

	next := sched.Next(now)
	if err := b.store.MarkFired(ctx, entry.Key, now, next); err != nil {
		return fmt.Errorf("mark schedule fired: %w", err)
	}

	if b.bus != nil {
		b.bus.Publish(events.TickFired, map[string]any{
			"schedule": entry.Key,
			"task":     entry.TaskName,
			"task_id":  env.ID,
			"next_run": next,
		})
	}
	log.Info().
		Str("schedule", entry.Key).
		Str("task", entry.TaskName).
		Str("task_id", env.ID).
		Time("next_run", next).
		Msg("schedule fired")
	return nil
}

// ValidateSpec rejects malformed cron expressions before they are
// persisted. Both five-field specs and @every durations are accepted.
func ValidateSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

// NextFire computes when a spec first fires after the given time.
func NextFire(spec string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
