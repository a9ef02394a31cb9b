// Package memory provides an in-memory record store for tests and local
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labos-labs/labos-go/internal/record"
)

type Store struct {
	mu      sync.RWMutex
	records map[string]record.Record
	now     func() time.Time
}

func New() *Store {
	return &Store{
		records: make(map[string]record.Record),
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source, for deterministic tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Get(ctx context.Context, id string) (record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[strings.TrimSpace(id)]
	if !ok {
		return record.Record{}, record.ErrNotFound
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, filter record.Filter) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]record.Record, 0)
	for _, rec := range s.records {
		if filter.Kind != "" && rec.Kind != filter.Kind {
			continue
		}
		if filter.SchemaID != "" && rec.SchemaID != filter.SchemaID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, rec record.Record) (record.Record, error) {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return record.Record{}, fmt.Errorf("record id is required")
	}
	if strings.TrimSpace(rec.Kind) == "" {
		return record.Record{}, fmt.Errorf("record kind is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		return record.Record{}, fmt.Errorf("create %s: %w", id, record.ErrConflict)
	}
	now := s.now().UTC()
	rec.ID = id
	rec.Revision = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[id] = rec
	return rec, nil
}

func (s *Store) Update(ctx context.Context, rec record.Record) (record.Record, error) {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return record.Record{}, fmt.Errorf("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[id]
	if !ok {
		return record.Record{}, record.ErrNotFound
	}
	if rec.Revision != current.Revision {
		return record.Record{}, fmt.Errorf("update %s at revision %d: %w", id, rec.Revision, record.ErrConflict)
	}
	rec.Kind = current.Kind
	rec.CreatedAt = current.CreatedAt
	rec.Revision = current.Revision + 1
	rec.UpdatedAt = s.now().UTC()
	s.records[id] = rec
	return rec, nil
}
