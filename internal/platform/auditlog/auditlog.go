// Package auditlog records mutating control-plane requests as structured
// log events with an integrity hash, so an operator can reconstruct who
// triggered which dispatch, retry, cancel, or incident transition.
package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labos-labs/labos-go/internal/platform/httpserver"
)

type Event struct {
	OccurredAt time.Time `json:"occurred_at"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	RequestID  string    `json:"request_id,omitempty"`
	Status     int       `json:"status"`
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.Resource) == "" {
		return errors.New("Resource is required")
	}
	return nil
}

// IntegritySHA256 hashes the canonical JSON form of the event.
func IntegritySHA256(e Event) (string, error) {
	e.OccurredAt = e.OccurredAt.UTC()
	blob, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Record validates the event and emits it on the audit logger.
func Record(logger *slog.Logger, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	integrity, err := IntegritySHA256(e)
	if err != nil {
		return err
	}
	logger.Info("audit",
		"occurred_at", e.OccurredAt.UTC(),
		"actor", e.Actor,
		"action", e.Action,
		"resource", e.Resource,
		"request_id", e.RequestID,
		"status", e.Status,
		"integrity_sha256", integrity,
	)
	return nil
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records every mutating request after it completes. Reads are
// not audited.
func Middleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now().UTC()
		next.ServeHTTP(aw, r)

		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		_ = Record(logger, Event{
			OccurredAt: start,
			Actor:      actorOf(r),
			Action:     strings.ToLower(r.Method),
			Resource:   r.URL.Path,
			RequestID:  requestID,
			Status:     aw.status,
		})
	})
}

func actorOf(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return "anonymous"
}
