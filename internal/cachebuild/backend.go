package cachebuild

import (
	"context"
	"time"

	"accesscache/internal/access"
)

// GrantCursor is a forward-only iterator over grants ordered by user id.
type GrantCursor interface {
	Next() bool
	Grant() access.Grant
	Err() error
	Close() error
}

// Source supplies the inputs of a rebuild.
type Source interface {
	// Grants streams the grants of scope with begin date <= asOf in
	// ascending user id order.
	Grants(ctx context.Context, scope access.Scope, asOf time.Time) (GrantCursor, error)
	CategoryProducts(ctx context.Context) (access.CategoryMembership, error)
	GroupMemberships(ctx context.Context, scope access.Scope) ([]access.GroupMembership, error)
	ElevatedStatuses(ctx context.Context, scope access.Scope) ([]access.ElevatedStatus, error)
}

// Writer owns the cache rows.
type Writer interface {
	// ResetCache removes every cache row of scope.
	ResetCache(ctx context.Context, scope access.Scope) error
	// InsertEntries adds rows; a row whose (user, key) already exists is kept.
	InsertEntries(ctx context.Context, entries []access.CacheEntry) error
	// RefreshPaymentCounts recomputes payment_count of the product rows of
	// scope from the payment ledger.
	RefreshPaymentCounts(ctx context.Context, scope access.Scope) error
}

// Backend is a Source and a Writer over the same storage.
type Backend interface {
	Source
	Writer
}

// Transactor is implemented by backends that can bind a rebuild to one
// transaction. Single-user rebuilds run inside it.
type Transactor interface {
	InTx(ctx context.Context, fn func(Backend) error) error
}

// SliceCursor iterates over grants held in memory.
type SliceCursor struct {
	grants []access.Grant
	pos    int
}

func NewSliceCursor(grants []access.Grant) *SliceCursor {
	return &SliceCursor{grants: grants, pos: -1}
}

func (c *SliceCursor) Next() bool {
	if c.pos+1 >= len(c.grants) {
		c.pos = len(c.grants)
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) Grant() access.Grant { return c.grants[c.pos] }
func (c *SliceCursor) Err() error          { return nil }
func (c *SliceCursor) Close() error        { return nil }
