// Package memory is a process-local core.Storage. Values do not survive a
// restart; use adapters/file, adapters/sqlite or adapters/pgx for that.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lborres/tether/core"
)

type Config struct {
	// TTL expires entries this long after their last write. Zero keeps them forever.
	TTL time.Duration
	// MaxEntries evicts an arbitrary entry when full. Zero means unbounded.
	MaxEntries int
}

// Storage implements core.StorageWithStats over a map
type Storage struct {
	entries    map[string]*entry
	mu         sync.RWMutex
	ttl        time.Duration
	maxEntries int

	// counters
	gets      int64
	misses    int64
	sets      int64
	deletes   int64
	evictions int64
}

var _ core.StorageWithStats = (*Storage)(nil)

type entry struct {
	value    []byte
	storedAt time.Time
}

func New(c Config) *Storage {
	return &Storage{
		entries:    make(map[string]*entry),
		ttl:        c.TTL,
		maxEntries: c.MaxEntries,
	}
}

func (s *Storage) Get(_ context.Context, key string) ([]byte, error) {
	atomic.AddInt64(&s.gets, 1)

	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		atomic.AddInt64(&s.misses, 1)
		return nil, core.ErrKeyNotFound
	}

	if s.expired(e) {
		atomic.AddInt64(&s.misses, 1)
		s.mu.Lock()
		if current, ok := s.entries[key]; ok && s.expired(current) {
			delete(s.entries, key)
			atomic.AddInt64(&s.evictions, 1)
		}
		s.mu.Unlock()
		return nil, core.ErrKeyNotFound
	}

	return append([]byte(nil), e.value...), nil
}

func (s *Storage) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		for k := range s.entries {
			delete(s.entries, k)
			atomic.AddInt64(&s.evictions, 1)
			break
		}
	}

	s.entries[key] = &entry{
		value:    append([]byte(nil), value...),
		storedAt: time.Now(),
	}

	atomic.AddInt64(&s.sets, 1)
	return nil
}

// Delete is idempotent
func (s *Storage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, existed := s.entries[key]; existed {
		delete(s.entries, key)
		atomic.AddInt64(&s.deletes, 1)
	}
	return nil
}

func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Storage) Stats() core.StorageStats {
	return core.StorageStats{
		Gets:    atomic.LoadInt64(&s.gets),
		Misses:  atomic.LoadInt64(&s.misses),
		Sets:    atomic.LoadInt64(&s.sets),
		Deletes: atomic.LoadInt64(&s.deletes),
		Size:    s.Len(),
	}
}

// Evictions counts entries dropped by TTL expiry or capacity
func (s *Storage) Evictions() int64 {
	return atomic.LoadInt64(&s.evictions)
}

func (s *Storage) expired(e *entry) bool {
	return s.ttl > 0 && time.Since(e.storedAt) > s.ttl
}
