package retry

import (
	"math"
	"math/rand"
	"time"

	"relayq/internal/domain"
)

type Action int

const (
	GiveUp Action = iota
	Retry
)

func (a Action) String() string {
	if a == Retry {
		return "retry"
	}
	return "give_up"
}

// Policy governs whether and how long to wait before re-attempting a
// failed task. Retry happens only for kinds on the allow-list.
type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Jitter            bool
	JitterRatio       float64

	// Retryable is the allow-list of error kinds eligible for retry.
	// Empty means the default list: transient and timeout.
	Retryable []domain.ErrorKind
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          60 * time.Second,
		Jitter:            true,
		JitterRatio:       0.1,
	}
}

type Outcome struct {
	Action Action
	Delay  time.Duration
}

// Decide is a pure function of the attempt count, the failure kind and
// the policy. attempt is zero-based: attempt 0 is the first failure.
func Decide(attempt int, kind domain.ErrorKind, p Policy) Outcome {
	if !retryable(kind, p.Retryable) {
		return Outcome{Action: GiveUp}
	}
	if attempt >= p.MaxRetries {
		return Outcome{Action: GiveUp}
	}
	return Outcome{Action: Retry, Delay: Delay(attempt, p)}
}

// Delay computes min(maxDelay, base*mult^attempt), jittered uniformly
// in [1-ratio, 1+ratio] when enabled.
func Delay(attempt int, p Policy) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 2
	}
	d := time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	if p.Jitter && p.JitterRatio > 0 {
		factor := 1 + p.JitterRatio*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// Retryable reports whether the kind is on the policy's allow-list.
func Retryable(kind domain.ErrorKind, p Policy) bool {
	return retryable(kind, p.Retryable)
}

func retryable(kind domain.ErrorKind, allow []domain.ErrorKind) bool {
	if len(allow) == 0 {
		allow = []domain.ErrorKind{domain.KindTransient, domain.KindTimeout}
	}
	for _, k := range allow {
		if k == kind {
			return true
		}
	}
	return false
}
