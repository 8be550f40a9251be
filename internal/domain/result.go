package domain

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task result.
type Status string

const (
	StatusNew     Status = "new"     // result record created, broker not yet confirmed
	StatusPending Status = "pending" // envelope accepted by the broker
	StatusStarted Status = "started" // a worker owns the lease and is executing
	StatusRetry   Status = "retry"   // failed, requeued with a delay
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusRevoked Status = "revoked"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusRevoked:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusPending, StatusStarted, StatusRetry,
		StatusSuccess, StatusFailure, StatusRevoked:
		return true
	}
	return false
}

// TaskResult outlives the envelope: the broker may have deleted the
// message while the result remains queryable.
type TaskResult struct {
	ID         string          `json:"id"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Failure        `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	WorkerID   string          `json:"worker_id,omitempty"`
}
