package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"outreach/internal/platform"
)

// MemoryStore is a mutex-guarded Store. It backs the memory storage driver and tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
	log   []SentLogEntry

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item), now: time.Now}
}

func (m *MemoryStore) Enqueue(_ context.Context, it Item) (Item, error) {
	it, err := Normalize(it, m.now(), uuid.NewString)
	if err != nil {
		return Item{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[it.ID]; ok {
		return Item{}, ErrDuplicateID
	}
	cp := it
	m.items[it.ID] = &cp
	return it, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return *it, nil
}

func (m *MemoryStore) FetchDue(_ context.Context, p platform.Platform, now time.Time, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	out := make([]Item, 0, limit)
	for _, it := range m.items {
		if it.Platform == p && it.Status.Claimable() && !it.ScheduledAt.After(now) {
			out = append(out, *it)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if !it.Status.Claimable() || it.ScheduledAt.After(now) {
		return false, nil
	}
	it.Status = StatusProcessing
	it.ClaimedAt = now
	it.Attempts++
	it.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) claimed(id string) (*Item, error) {
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if it.Status != StatusProcessing {
		return nil, ErrNotClaimed
	}
	return it, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.claimed(id)
	if err != nil {
		return err
	}
	it.Status = StatusSent
	it.Error = ""
	it.UpdatedAt = now
	return nil
}

func (m *MemoryStore) MarkError(_ context.Context, id, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.claimed(id)
	if err != nil {
		return err
	}
	it.Status = StatusError
	it.Error = reason
	it.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Reschedule(_ context.Context, id string, at time.Time, reason string) error {
	return m.requeue(id, at, reason, false)
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, at time.Time, reason string) error {
	return m.requeue(id, at, reason, true)
}

func (m *MemoryStore) requeue(id string, at time.Time, reason string, failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.claimed(id)
	if err != nil {
		return err
	}
	if failed {
		it.Failures++
	}
	it.Status = StatusReady
	it.ScheduledAt = at
	it.Error = reason
	it.ClaimedAt = time.Time{}
	it.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) AppendSentLog(_ context.Context, e SentLogEntry) error {
	m.mu.Lock()
	m.log = append(m.log, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) CountSentSince(_ context.Context, p platform.Platform, kind platform.Kind, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.log {
		if e.Platform == p && (kind == "" || e.Kind == kind) && !e.At.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountPending(_ context.Context, p platform.Platform, kind platform.Kind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.Platform == p && it.Kind == kind && it.Status.Claimable() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ReleaseStale(_ context.Context, olderThan, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.Status == StatusProcessing && it.ClaimedAt.Before(olderThan) {
			it.Status = StatusReady
			it.Error = ReasonStaleClaim
			it.ClaimedAt = time.Time{}
			it.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Stats(_ context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Status]int)
	for _, it := range m.items {
		out[it.Status]++
	}
	return out, nil
}
