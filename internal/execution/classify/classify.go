// Package classify maps raw failure signals from device adapters onto the
// retry taxonomy. Classification is pure, total and deterministic.
package classify

import (
	"strings"

	"github.com/labos-labs/labos-go/internal/domain"
)

// Signal is the raw failure evidence from an adapter or sidecar.
type Signal struct {
	StatusRaw string
	Stderr    string
}

// Classification is the retry-policy verdict for one failure signal.
type Classification struct {
	Class            domain.FailureClass
	RetryRecommended bool
	Code             string
}

// Substrings that mark a failure as transient and worth retrying.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"temporar",
	"connection reset",
	"connection refused",
	"econnreset",
	"econnrefused",
	"etimedout",
	"socket hang up",
	"unavailable",
	"network",
	"broken pipe",
}

// Substrings that mark the dispatched payload itself as invalid.
var invalidInputMarkers = []string{
	"invalid protocol",
	"schema validation",
	"schema error",
	"syntax error",
	"syntaxerror",
	"parse error",
	"malformed",
	"unsupported protocol version",
}

// Classify maps a failure signal to a failure class, retry recommendation
// and failure code. Unrecognized failures are never auto-retried.
func Classify(signal Signal) Classification {
	text := strings.ToLower(strings.TrimSpace(signal.StatusRaw + "\n" + signal.Stderr))

	for _, marker := range invalidInputMarkers {
		if strings.Contains(text, marker) {
			return Classification{
				Class:            domain.FailureTerminal,
				RetryRecommended: false,
				Code:             domain.FailureCodeInvalidProtocol,
			}
		}
	}

	for _, marker := range transientMarkers {
		if !strings.Contains(text, marker) {
			continue
		}
		code := domain.FailureCodeGenericExecution
		if strings.Contains(text, "timeout") || strings.Contains(text, "timed out") || strings.Contains(text, "etimedout") || strings.Contains(text, "temporar") {
			code = domain.FailureCodeTimeoutTemporary
		}
		return Classification{
			Class:            domain.FailureTransient,
			RetryRecommended: true,
			Code:             code,
		}
	}

	return Classification{
		Class:            domain.FailureUnknown,
		RetryRecommended: false,
		Code:             domain.FailureCodeUnclassified,
	}
}
