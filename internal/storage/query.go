package storage

import (
	"slices"
	"strings"

	"github.com/relves/mdk/pkg/types"
)

// ResolvePagination applies defaults and bounds to p.
// A zero or over-ceiling limit and a negative offset are rejected.
func ResolvePagination(p *types.Pagination, defaultLimit, maxLimit int) (limit, offset int, order types.MessageSortOrder, err error) {
	limit = defaultLimit
	if p != nil {
		order = p.SortOrder
		if p.Limit != nil {
			limit = *p.Limit
		}
		if p.Offset != nil {
			offset = *p.Offset
		}
	}
	if limit < 1 || limit > maxLimit {
		return 0, 0, order, InvalidParameters("limit must be between 1 and %d, got %d", maxLimit, limit)
	}
	if offset < 0 {
		return 0, 0, order, InvalidParameters("offset must not be negative, got %d", offset)
	}
	return limit, offset, order, nil
}

// EscapeLike escapes \, % and _ for a LIKE ... ESCAPE '\' pattern.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ContainsFoldASCII reports whether substr is within s, folding ASCII case
// only. It matches SQLite's default LIKE semantics.
func ContainsFoldASCII(s, substr string) bool {
	return strings.Contains(asciiLower(s), asciiLower(substr))
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// NormalizeRelays sorts and de-duplicates relay urls.
func NormalizeRelays(relays []string) []string {
	out := slices.Clone(relays)
	slices.Sort(out)
	return slices.Compact(out)
}
