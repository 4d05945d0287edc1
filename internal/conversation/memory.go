package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"outreach/internal/platform"
)

type threadKey struct {
	contact string
	p       platform.Platform
}

// MemoryStore keeps threads and history in process.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[threadKey]Thread
	msgs    []Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[threadKey]Thread)}
}

func (s *MemoryStore) GetThread(_ context.Context, contact string, p platform.Platform) (Thread, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadKey{contact, p}]
	return th, ok, nil
}

func (s *MemoryStore) UpsertThread(_ context.Context, th Thread) error {
	s.mu.Lock()
	s.threads[threadKey{th.Contact, th.Platform}] = th
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) History(_ context.Context, contact string, p platform.Platform) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.msgs {
		if m.Contact == contact && m.Platform == p {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (s *MemoryStore) MessagesSince(_ context.Context, since time.Time) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.msgs {
		if !m.At.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}
