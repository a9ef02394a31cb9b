// Package auth gates the control-plane API behind a static bearer token.
// An empty token disables the gate, which is the expected setup behind an
// internal gateway.
package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labos-labs/labos-go/internal/platform/env"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	// Token is compared against the Authorization bearer token. Empty
	// disables authentication.
	Token string

	// ExemptPaths bypass the gate, typically health and readiness probes.
	ExemptPaths []string
}

func ConfigFromEnv() Config {
	return Config{
		Token:       strings.TrimSpace(env.String("LABOS_API_TOKEN", "")),
		ExemptPaths: []string{"/healthz", "/readyz"},
	}
}

func (c Config) Enabled() bool { return c.Token != "" }

func (c Config) exempt(path string) bool {
	for _, p := range c.ExemptPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Authenticate checks the request's bearer token against the configured one.
func (c Config) Authenticate(r *http.Request) error {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || strings.TrimSpace(token) != c.Token {
		return ErrUnauthenticated
	}
	return nil
}

// Middleware rejects unauthenticated requests with 401 and logs the denial.
func Middleware(cfg Config, logger *slog.Logger, next http.Handler) http.Handler {
	if !cfg.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if err := cfg.Authenticate(r); err != nil {
			logger.Warn("request denied",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthenticated"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
