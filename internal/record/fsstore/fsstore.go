// Package fsstore implements the record store as one YAML document per
// record under <dir>/<kind>/<id>.yaml, the layout the git-backed control
// plane persists its records in. Revision checks are enforced in-process;
// the directory is assumed to have a single writing process.
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/labos-labs/labos-go/internal/record"
)

type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

type document struct {
	ID        string         `yaml:"id"`
	Kind      string         `yaml:"kind"`
	SchemaID  string         `yaml:"schemaId,omitempty"`
	Revision  int64          `yaml:"revision"`
	CreatedAt time.Time      `yaml:"createdAt"`
	UpdatedAt time.Time      `yaml:"updatedAt"`
	Body      map[string]any `yaml:"body"`
}

func New(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("record directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

func (s *Store) Get(ctx context.Context, id string) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(strings.TrimSpace(id))
}

func (s *Store) List(ctx context.Context, filter record.Filter) ([]record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kinds := make([]string, 0)
	if filter.Kind != "" {
		kinds = append(kinds, filter.Kind)
	} else {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return nil, fmt.Errorf("read record directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				kinds = append(kinds, entry.Name())
			}
		}
	}

	out := make([]record.Record, 0)
	for _, kind := range kinds {
		entries, err := os.ReadDir(filepath.Join(s.dir, kind))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s records: %w", kind, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
				continue
			}
			rec, err := s.read(strings.TrimSuffix(name, ".yaml"))
			if err != nil {
				return nil, err
			}
			if filter.SchemaID != "" && rec.SchemaID != filter.SchemaID {
				continue
			}
			out = append(out, rec)
		}
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
	kind := strings.TrimSpace(rec.Kind)
	if kind == "" {
		return record.Record{}, fmt.Errorf("record kind is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(kind, id)); err == nil {
		return record.Record{}, fmt.Errorf("create %s: %w", id, record.ErrConflict)
	}
	now := s.now().UTC()
	rec.ID = id
	rec.Kind = kind
	rec.Revision = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := s.write(rec); err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, rec record.Record) (record.Record, error) {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return record.Record{}, fmt.Errorf("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.read(id)
	if err != nil {
		return record.Record{}, err
	}
	if rec.Revision != current.Revision {
		return record.Record{}, fmt.Errorf("update %s at revision %d: %w", id, rec.Revision, record.ErrConflict)
	}
	rec.Kind = current.Kind
	rec.CreatedAt = current.CreatedAt
	rec.Revision = current.Revision + 1
	rec.UpdatedAt = s.now().UTC()
	if err := s.write(rec); err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

func (s *Store) path(kind, id string) string {
	return filepath.Join(s.dir, kind, id+".yaml")
}

func (s *Store) read(id string) (record.Record, error) {
	if id == "" {
		return record.Record{}, fmt.Errorf("record id is required")
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "*", id+".yaml"))
	if err != nil || len(matches) == 0 {
		return record.Record{}, record.ErrNotFound
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		return record.Record{}, fmt.Errorf("read record %s: %w", id, err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return record.Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	body, err := json.Marshal(doc.Body)
	if err != nil {
		return record.Record{}, fmt.Errorf("encode record %s body: %w", id, err)
	}
	return record.Record{
		ID:        doc.ID,
		Kind:      doc.Kind,
		SchemaID:  doc.SchemaID,
		Revision:  doc.Revision,
		Body:      body,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *Store) write(rec record.Record) error {
	var body map[string]any
	if len(rec.Body) > 0 {
		if err := json.Unmarshal(rec.Body, &body); err != nil {
			return fmt.Errorf("decode %s body: %w", rec.ID, err)
		}
	}
	doc := document{
		ID:        rec.ID,
		Kind:      rec.Kind,
		SchemaID:  rec.SchemaID,
		Revision:  rec.Revision,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Body:      body,
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	dir := filepath.Join(s.dir, rec.Kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s directory: %w", rec.Kind, err)
	}
	tmp := filepath.Join(dir, "."+rec.ID+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, s.path(rec.Kind, rec.ID)); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	return nil
}
