// Package result stores task outcomes independently of the broker, plus
// the chord join bookkeeping that must be centrally tracked.
package result

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"relayq/internal/domain"
)

var (
	ErrNotFound      = errors.New("task result not found")
	ErrAlreadyExists = errors.New("task result already exists")
	ErrChordNotFound = errors.New("chord not found")
)

// Store is the keyed outcome store. SetStatus is a single atomic write;
// concurrent writers for the same id resolve last-write-wins, which is a
// documented weak point of the lease model, not something backends try
// to fix.
type Store interface {
	// Create registers a result in NEW state. ErrAlreadyExists signals a
	// duplicate custom task id.
	Create(ctx context.Context, id string) error

	// SetStatus upserts so scheduler-originated envelopes, which skip
	// Create, still get a record on first worker write.
	SetStatus(ctx context.Context, id string, status domain.Status, value json.RawMessage, failure *domain.Failure, workerID string) error

	Get(ctx context.Context, id string) (domain.TaskResult, error)
	Delete(ctx context.Context, id string) error
}

// Querier is the optional rich-query capability. Callers must not assume
// it: the TTL backend deliberately does not implement it.
type Querier interface {
	List(ctx context.Context, status domain.Status, since time.Time, limit int) ([]domain.TaskResult, error)
}

// ChordStore tracks chord joins. CompleteMember returns done=true
// exactly once, when the final member of an unpoisoned chord lands;
// PoisonChord returns first=true only to the caller that poisoned it.
type ChordStore interface {
	InitChord(ctx context.Context, key string, size int) error
	CompleteMember(ctx context.Context, key string, index int, value json.RawMessage) (done bool, err error)
	PoisonChord(ctx context.Context, key string) (first bool, err error)
	ChordResults(ctx context.Context, key string) ([]json.RawMessage, error)
}
