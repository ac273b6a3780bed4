// pkg/types/pagination.go
package types

const (
	DefaultMessageLimit = 1000
	MaxMessageLimit     = 10000

	DefaultPendingWelcomesLimit = 1000
	MaxPendingWelcomesLimit     = 10000
)

// MessageSortOrder selects the tiebreak precedence for message listing.
type MessageSortOrder int

const (
	// SortCreatedAtFirst orders by created_at, processed_at, id (all descending).
	SortCreatedAtFirst MessageSortOrder = iota
	// SortProcessedAtFirst orders by processed_at, created_at, id. It is
	// immune to sender clock skew.
	SortProcessedAtFirst
)

func (o MessageSortOrder) String() string {
	if o == SortProcessedAtFirst {
		return "processed_at_first"
	}
	return "created_at_first"
}

// Pagination selects a page of results. Nil Limit/Offset use the defaults.
type Pagination struct {
	Limit     *int
	Offset    *int
	SortOrder MessageSortOrder
}

// Page builds a Pagination with explicit limit and offset.
func Page(limit, offset int) *Pagination {
	return &Pagination{Limit: &limit, Offset: &offset}
}

// WithSortOrder returns a copy of p using order.
func (p Pagination) WithSortOrder(order MessageSortOrder) *Pagination {
	p.SortOrder = order
	return &p
}

// SnapshotInfo describes a stored group snapshot. CreatedAt is unix seconds.
type SnapshotInfo struct {
	Name      string
	CreatedAt uint64
}
