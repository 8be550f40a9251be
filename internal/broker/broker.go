// Package broker defines the durable queue abstraction between producers
// and workers, with an in-process reference implementation and a SQLite
// backed one.
package broker

import (
	"context"
	"errors"
	"time"

	"relayq/internal/domain"
)

var (
	// ErrUnavailable is surfaced synchronously to enqueue callers on
	// connection loss. No automatic retry happens at this layer.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrUnknownToken means the lease was already settled or expired.
	ErrUnknownToken = errors.New("unknown ack token")
)

// Delivery is one leased envelope. The token settles exactly this lease;
// after the visibility timeout it becomes invalid and the envelope is
// redelivered.
type Delivery struct {
	Envelope domain.Envelope
	Token    string
}

// Broker is an at-least-once FIFO-ish queue. Ordering is best-effort
// within one queue and undefined across queues.
type Broker interface {
	// Enqueue makes the envelope durable and returns its id.
	Enqueue(ctx context.Context, env domain.Envelope) (string, error)

	// Lease claims up to maxBatch ready envelopes from the named queues.
	// Leased envelopes are invisible to other leases until ack, nack or
	// visibility timeout. An empty queue yields an empty slice, not an
	// error; callers poll with backoff.
	Lease(ctx context.Context, queues []string, maxBatch int, visibility time.Duration) ([]Delivery, error)

	// Ack permanently removes the envelope.
	Ack(ctx context.Context, token string) error

	// Nack makes the envelope visible again after requeueAfter and
	// increments its retry count.
	Nack(ctx context.Context, token string, requeueAfter time.Duration) error

	// Purge drops every unleased envelope in the queue.
	Purge(ctx context.Context, queue string) (int, error)
}
