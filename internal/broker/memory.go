package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"relayq/internal/domain"
)

// Memory is the in-process reference broker. It keeps per-queue ready
// lists ordered by priority then enqueue sequence, a delay set for
// countdowns and nack requeues, and a lease table swept on every Lease
// call so unacked envelopes reappear after their visibility timeout.
type Memory struct {
	mu     sync.Mutex
	seq    uint64
	ready  map[string][]*memItem
	leases map[string]*memLease
	now    func() time.Time
}

type memItem struct {
	env    domain.Envelope
	seq    uint64
	fireAt time.Time // zero means immediately available
}

type memLease struct {
	item    *memItem
	queue   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		ready:  make(map[string][]*memItem),
		leases: make(map[string]*memLease),
		now:    time.Now,
	}
}

func (m *Memory) Enqueue(ctx context.Context, env domain.Envelope) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	it := &memItem{env: env, seq: m.seq}
	if env.NotBefore != nil {
		it.fireAt = *env.NotBefore
	}
	queue := env.RoutingKey
	if queue == "" {
		queue = domain.DefaultQueue
	}
	m.ready[queue] = append(m.ready[queue], it)
	return env.ID, nil
}

func (m *Memory) Lease(ctx context.Context, queues []string, maxBatch int, visibility time.Duration) ([]Delivery, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reclaimExpired(now)

	var candidates []*memItem
	byQueue := make(map[*memItem]string)
	seen := make(map[string]bool, len(queues))
	for _, q := range queues {
		// a queue listed twice must not yield the same envelope twice
		if seen[q] {
			continue
		}
		seen[q] = true
		kept := m.ready[q][:0]
		for _, it := range m.ready[q] {
			if it.env.Expired(now) {
				continue // discardable, unclaimed past expires_at
			}
			kept = append(kept, it)
			if now.Before(it.fireAt) {
				continue
			}
			candidates = append(candidates, it)
			byQueue[it] = q
		}
		m.ready[q] = kept
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].env.Priority != candidates[j].env.Priority {
			return candidates[i].env.Priority > candidates[j].env.Priority
		}
		return candidates[i].seq < candidates[j].seq
	})
	if len(candidates) > maxBatch {
		candidates = candidates[:maxBatch]
	}

	out := make([]Delivery, 0, len(candidates))
	for _, it := range candidates {
		q := byQueue[it]
		m.remove(q, it)
		token := uuid.NewString()
		m.leases[token] = &memLease{item: it, queue: q, expires: now.Add(visibility)}
		out = append(out, Delivery{Envelope: it.env, Token: token})
	}
	return out, nil
}

func (m *Memory) Ack(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leases[token]; !ok {
		return ErrUnknownToken
	}
	delete(m.leases, token)
	return nil
}

func (m *Memory) Nack(ctx context.Context, token string, requeueAfter time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[token]
	if !ok {
		return ErrUnknownToken
	}
	delete(m.leases, token)

	l.item.env.RetryCount++
	l.item.fireAt = time.Time{}
	if requeueAfter > 0 {
		l.item.fireAt = m.now().Add(requeueAfter)
	}
	m.ready[l.queue] = append(m.ready[l.queue], l.item)
	return nil
}

func (m *Memory) Purge(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.ready[queue])
	m.ready[queue] = nil
	return n, nil
}

// reclaimExpired returns timed-out leases to their queues. The retry
// count is not bumped: a crash between lease and ack is a redelivery,
// not a failed attempt.
func (m *Memory) reclaimExpired(now time.Time) {
	for token, l := range m.leases {
		if now.Before(l.expires) {
			continue
		}
		delete(m.leases, token)
		m.ready[l.queue] = append(m.ready[l.queue], l.item)
	}
}

func (m *Memory) remove(queue string, it *memItem) {
	items := m.ready[queue]
	for i, cur := range items {
		if cur == it {
			m.ready[queue] = append(items[:i], items[i+1:]...)
			return
		}
	}
}
