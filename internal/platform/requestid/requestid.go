// Package requestid mints the per-request correlation ids that travel
// through the executiond middleware chain and end up on request logs
// and audit events.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32-character hex id from 16 random bytes.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
