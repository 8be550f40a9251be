package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a task failure for retry decisions.
type ErrorKind string

const (
	KindBrokerUnavailable ErrorKind = "broker_unavailable"
	KindTaskNotFound      ErrorKind = "task_not_found"
	KindTimeout           ErrorKind = "timeout"
	KindTransient         ErrorKind = "transient"
	KindPermanent         ErrorKind = "permanent"
	KindMaxRetries        ErrorKind = "max_retries_exceeded"
	KindRevoked           ErrorKind = "revoked"
)

// Failure is the recorded form of a task error.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %s", f.Kind, f.Message) }

func Transientf(format string, args ...any) *Failure {
	return &Failure{Kind: KindTransient, Message: fmt.Sprintf(format, args...)}
}

func Permanentf(format string, args ...any) *Failure {
	return &Failure{Kind: KindPermanent, Message: fmt.Sprintf(format, args...)}
}

// Classify maps an arbitrary handler error onto the failure taxonomy.
// Unknown errors are permanent: retry happens only on an explicit
// allow-list, never by default.
func Classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindTimeout, Message: err.Error()}
	}
	return &Failure{Kind: KindPermanent, Message: err.Error()}
}
