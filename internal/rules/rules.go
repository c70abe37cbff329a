// Package rules evaluates access rules against the materialized cache.
package rules

import (
	"context"
	"time"

	"accesscache/internal/access"
)

// RuleStore persists access rules per resource.
type RuleStore interface {
	CreateRule(ctx context.Context, rule access.AccessRule) (int64, error)
	ListRules(ctx context.Context, resourceID int64, resourceType string) ([]access.AccessRule, error)
	DeleteRules(ctx context.Context, resourceID int64, resourceType string) error
	// RulesByTypes returns the rules of every resource whose type is in
	// types; nil types means every type.
	RulesByTypes(ctx context.Context, types []string) ([]access.AccessRule, error)
}

// RuleTransactor is implemented by rule stores that can apply a group of
// writes atomically. fn receives a RuleStore scoped to the transaction.
type RuleTransactor interface {
	InRuleTx(ctx context.Context, fn func(RuleStore) error) error
}

// CacheReader reads materialized entries.
type CacheReader interface {
	EntriesForUser(ctx context.Context, userID int64) ([]access.CacheEntry, error)
}

// SortOrders supplies the display position of resources. Resources absent
// from the result sort before every positioned one, the way an ascending
// ORDER BY places NULL positions on MySQL.
type SortOrders interface {
	SortOrders(ctx context.Context, refs []ResourceRef) (map[ResourceRef]int, error)
}

type ResourceRef struct {
	Type string
	ID   int64
}

// Resource is one entry of an allowed-resources listing.
type Resource struct {
	Type  string
	ID    int64
	Title string
	Link  string

	// Key is the rule key that granted the resource. BeginDate and
	// ExpireDate come from the matching cache entry and are zero for free
	// rules and group or special rows.
	Key        access.RuleKey
	BeginDate  time.Time
	ExpireDate time.Time
}

func (r Resource) Ref() ResourceRef { return ResourceRef{Type: r.Type, ID: r.ID} }

// Condition is an ad hoc rule in its text encoding.
type Condition struct {
	Key   access.RuleKey
	Start string
	Stop  string
}
