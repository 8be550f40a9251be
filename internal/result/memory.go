package result

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"relayq/internal/domain"
)

// Memory is the pure key-lookup backend: an expirable LRU with TTL
// eviction. It does not implement Querier.
type Memory struct {
	mu     sync.Mutex
	cache  *expirable.LRU[string, domain.TaskResult]
	chords map[string]*chordState
	now    func() time.Time
}

type chordState struct {
	size      int
	remaining int
	poisoned  bool
	results   []json.RawMessage
}

// NewMemory keeps at most size results, each evicted ttl after its last
// write. A ttl of zero disables eviction.
func NewMemory(size int, ttl time.Duration) *Memory {
	return &Memory{
		cache:  expirable.NewLRU[string, domain.TaskResult](size, nil, ttl),
		chords: make(map[string]*chordState),
		now:    time.Now,
	}
}

func (m *Memory) Create(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache.Get(id); ok {
		return ErrAlreadyExists
	}
	m.cache.Add(id, domain.TaskResult{
		ID:        id,
		Status:    domain.StatusNew,
		CreatedAt: m.now(),
	})
	return nil
}

func (m *Memory) SetStatus(ctx context.Context, id string, status domain.Status, value json.RawMessage, failure *domain.Failure, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.cache.Get(id)
	if !ok {
		res = domain.TaskResult{ID: id, CreatedAt: m.now()}
	}
	res.Status = status
	res.Result = value
	res.Error = failure
	if workerID != "" {
		res.WorkerID = workerID
	}
	if status.Terminal() {
		now := m.now()
		res.FinishedAt = &now
	}
	m.cache.Add(id, res)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (domain.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.cache.Get(id)
	if !ok {
		return domain.TaskResult{}, ErrNotFound
	}
	return res, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(id)
	return nil
}

func (m *Memory) InitChord(ctx context.Context, key string, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chords[key] = &chordState{
		size:      size,
		remaining: size,
		results:   make([]json.RawMessage, size),
	}
	return nil
}

func (m *Memory) CompleteMember(ctx context.Context, key string, index int, value json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.chords[key]
	if !ok {
		return false, ErrChordNotFound
	}
	if index < 0 || index >= st.size {
		return false, ErrChordNotFound
	}
	// a redelivered member must not double-count toward the join
	if st.results[index] != nil {
		return false, nil
	}
	st.results[index] = value
	st.remaining--
	return st.remaining == 0 && !st.poisoned, nil
}

func (m *Memory) PoisonChord(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.chords[key]
	if !ok {
		return false, ErrChordNotFound
	}
	if st.poisoned {
		return false, nil
	}
	st.poisoned = true
	return true, nil
}

func (m *Memory) ChordResults(ctx context.Context, key string) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.chords[key]
	if !ok {
		return nil, ErrChordNotFound
	}
	out := make([]json.RawMessage, st.size)
	copy(out, st.results)
	return out, nil
}
