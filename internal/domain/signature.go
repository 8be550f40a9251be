package domain

import "time"

// Signature is a deferred, serializable task invocation. Arguments must
// be JSON-safe primitives; building a signature has no side effect.
type Signature struct {
	Name    string         `json:"name"`
	Args    []any          `json:"args,omitempty"`
	Kwargs  map[string]any `json:"kwargs,omitempty"`
	Options CallOptions    `json:"options"`
}

type CallOptions struct {
	Queue     string            `json:"queue,omitempty"`
	NotBefore *time.Time        `json:"not_before,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Priority  int               `json:"priority,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	// Immutable signatures ignore the upstream result when used in a
	// chain or as a chord body.
	Immutable bool `json:"immutable,omitempty"`

	// Chain holds the links still to run after this one succeeds.
	Chain []Signature `json:"chain,omitempty"`

	// Chord is set on chord header members.
	Chord *ChordRef `json:"chord,omitempty"`
}

// ChordRef ties a header member to its join state and body.
type ChordRef struct {
	Key   string     `json:"key"`
	Index int        `json:"index"`
	Size  int        `json:"size"`
	Body  *Signature `json:"body,omitempty"`
}

func NewSignature(name string, args ...any) Signature {
	return Signature{Name: name, Args: args}
}

func (s Signature) WithQueue(q string) Signature {
	s.Options.Queue = q
	return s
}

// WithPriority sets the broker ordering priority, 1 (lowest) to 9
// (highest). Zero is not a priority: it means unset, and falls back to
// DefaultPriority at enqueue time.
func (s Signature) WithPriority(p int) Signature {
	s.Options.Priority = p
	return s
}

func (s Signature) WithTaskID(id string) Signature {
	s.Options.TaskID = id
	return s
}

func (s Signature) AsImmutable() Signature {
	s.Options.Immutable = true
	return s
}

// PrependArg returns a copy with v as the leading positional argument.
// Used when chaining an upstream result into the next link.
func (s Signature) PrependArg(v any) Signature {
	args := make([]any, 0, len(s.Args)+1)
	args = append(args, v)
	args = append(args, s.Args...)
	s.Args = args
	return s
}
