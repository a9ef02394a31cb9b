// Package record defines the append-oriented record store contract the
// execution control plane is built on. Implementations live in the
// postgres, fsstore and memory subpackages.
package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a record id does not resolve.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an optimistic-concurrency write loses: the
// record changed since it was read, or a create hit an existing id.
var ErrConflict = errors.New("record write conflict")

// Record is one persisted document. Body is the kind-specific payload.
type Record struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	SchemaID  string          `json:"schemaId,omitempty"`
	Revision  int64           `json:"revision"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind     string
	SchemaID string
	Limit    int
}

// Store is the record store contract. Schema validation and lint live
// behind the store implementation and are surfaced as errors, never
// swallowed.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
	Create(ctx context.Context, rec Record) (Record, error)
	// Update requires rec.Revision to match the stored revision and
	// returns ErrConflict otherwise.
	Update(ctx context.Context, rec Record) (Record, error)
}

// New builds a record envelope around a kind-specific body.
func New(id, kind string, body any) (Record, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return Record{ID: id, Kind: kind, Body: raw}, nil
}

// Decode unmarshals a record body into a kind-specific struct.
func Decode(rec Record, out any) error {
	if len(rec.Body) == 0 {
		return fmt.Errorf("record %s has no body", rec.ID)
	}
	if err := json.Unmarshal(rec.Body, out); err != nil {
		return fmt.Errorf("decode %s body: %w", rec.ID, err)
	}
	return nil
}

// WithBody returns a copy of rec carrying a re-encoded body.
func WithBody(rec Record, body any) (Record, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s body: %w", rec.Kind, err)
	}
	rec.Body = raw
	return rec, nil
}

// LeaseRecordID is the fixed id of the worker-lease record for a worker.
func LeaseRecordID(workerID string) string {
	return "WLS-" + strings.TrimSpace(workerID)
}
