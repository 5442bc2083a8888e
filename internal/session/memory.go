package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps sessions in process. Items never expire on their own;
// Sweep removes idle ones so a turn in progress is never cut short by a
// lookup-time expiry.
type MemoryStore struct {
	// mu orders Put against Sweep so a session refreshed mid-sweep is kept.
	mu    sync.Mutex
	cache *cache.Cache
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: cache.New(cache.NoExpiration, 0),
		now:   time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	x, ok := m.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return x.(*Session).Clone(), nil
}

// Put stores a copy of s and stamps its UpdatedAt.
func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session must have an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = m.now().UTC()
	m.cache.Set(s.ID, s.Clone(), cache.NoExpiration)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.cache.Delete(id)
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-ttl)
	n := 0
	for id, item := range m.cache.Items() {
		s, ok := item.Object.(*Session)
		if !ok || s.UpdatedAt.Before(cutoff) {
			m.cache.Delete(id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int { return m.cache.ItemCount() }
