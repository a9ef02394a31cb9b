package record

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// NextID allocates the next id for a kind by scanning existing records of
// that kind and taking max-suffix+1, formatted as <PREFIX>-%06d.
//
// This is scan-then-increment with no lock, the same allocation the source
// system uses: two concurrent writers can allocate the same suffix. Stores
// surface the collision as ErrConflict on Create; callers are expected to
// treat that as operator-retryable rather than rely on atomicity here.
func NextID(ctx context.Context, store Store, kind, prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", fmt.Errorf("id prefix is required")
	}
	records, err := store.List(ctx, Filter{Kind: kind})
	if err != nil {
		return "", fmt.Errorf("scan %s ids: %w", kind, err)
	}
	max := 0
	for _, rec := range records {
		if n, ok := suffixOf(rec.ID, prefix); ok && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s-%06d", prefix, max+1), nil
}

func suffixOf(id, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(id, prefix+"-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
