// Package memory is the in-memory dedupe.Store adapter, used by the
// conformance suite and single-process deployments alongside the
// in-memory broker.
//
// Grounded on pkg/cache/adapters/memory/memory.go's mutex-map shape.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/lattice-events/eventcore/pkg/dedupe"
)

type entry struct {
	rec       dedupe.Record
	expiresAt time.Time
}

// Store is an in-memory dedupe.Store.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
}

// New creates an empty in-memory dedupe store.
func New() *Store {
	return &Store{entries: make(map[string]entry)}
}

func (s *Store) Get(ctx context.Context, key string) (dedupe.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return dedupe.Record{}, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return e.rec, false, nil
	}
	return e.rec, true, nil
}

func (s *Store) Set(ctx context.Context, key string, rec dedupe.Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.newEntry(rec, ttl)
	return nil
}

func (s *Store) SetNX(ctx context.Context, key string, rec dedupe.Record, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !(!e.expiresAt.IsZero() && time.Now().After(e.expiresAt)) {
		return false, nil
	}
	s.entries[key] = s.newEntry(rec, ttl)
	return true, nil
}

func (s *Store) newEntry(rec dedupe.Record, ttl time.Duration) entry {
	e := entry{rec: rec}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *Store) Scan(ctx context.Context, fn func(key string, rec dedupe.Record) error) error {
	s.mu.Lock()
	snapshot := make(map[string]dedupe.Record, len(s.entries))
	for k, e := range s.entries {
		snapshot[k] = e.rec
	}
	s.mu.Unlock()

	for k, rec := range snapshot {
		if err := fn(k, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
	return nil
}
