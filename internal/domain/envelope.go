package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priorities are 1-based: 1 is the lowest, 9 the highest. Zero means
// "unset" and is replaced by DefaultPriority when the envelope is built,
// so lowest-priority work must be submitted with an explicit 1.
const (
	DefaultQueue    = "default"
	DefaultPriority = 5
)

// Envelope is the broker-transported unit of work. It is created when a
// signature is submitted and deleted from the broker exactly once the
// worker acknowledges it.
type Envelope struct {
	ID         string            `json:"id"`
	Signature  Signature         `json:"signature"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	NotBefore  *time.Time        `json:"not_before,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	RetryCount int               `json:"retry_count"`
	RoutingKey string            `json:"routing_key"`
	Priority   int               `json:"priority"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// NewEnvelope materializes a signature into an envelope. Call options
// win over defaults; a custom task id becomes the envelope id and a
// zero priority is treated as unset and replaced by DefaultPriority.
func NewEnvelope(sig Signature, now time.Time) Envelope {
	id := sig.Options.TaskID
	if id == "" {
		id = "tsk_" + uuid.NewString()
		sig.Options.TaskID = id
	}
	queue := sig.Options.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	priority := sig.Options.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	return Envelope{
		ID:         id,
		Signature:  sig,
		EnqueuedAt: now,
		NotBefore:  sig.Options.NotBefore,
		ExpiresAt:  sig.Options.ExpiresAt,
		RoutingKey: queue,
		Priority:   priority,
		Headers:    sig.Options.Headers,
	}
}

// Expired reports whether the envelope is discardable if still unclaimed.
func (e Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Ready reports whether the countdown/eta has passed.
func (e Envelope) Ready(now time.Time) bool {
	return e.NotBefore == nil || !now.Before(*e.NotBefore)
}

func EncodeEnvelope(e Envelope) ([]byte, error) { return json.Marshal(e) }

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}
