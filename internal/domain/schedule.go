package domain

import "time"

// ScheduleEntry is a recurring enqueue template. Entries are authored
// through the admin surface and read-only to the beat scheduler.
type ScheduleEntry struct {
	Key       string         `json:"key"`
	Name      string         `json:"name"`
	Spec      string         `json:"spec"` // cron expression or @every duration
	TaskName  string         `json:"task_name"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	Queue     string         `json:"queue,omitempty"`
	Priority  int            `json:"priority,omitempty"`
	Expires   time.Duration  `json:"expires,omitempty"`
	Enabled   bool           `json:"enabled"`
	LastRun   *time.Time     `json:"last_run,omitempty"`
	NextRun   time.Time      `json:"next_run"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Template materializes a fresh signature for one firing. Args are
// copied so a firing can never mutate the entry.
func (e ScheduleEntry) Template(now time.Time) Signature {
	sig := Signature{
		Name:   e.TaskName,
		Args:   append([]any(nil), e.Args...),
		Kwargs: e.Kwargs,
	}
	sig.Options.Queue = e.Queue
	sig.Options.Priority = e.Priority
	if e.Expires > 0 {
		exp := now.Add(e.Expires)
		sig.Options.ExpiresAt = &exp
	}
	return sig
}
