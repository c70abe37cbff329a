package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"accesscache/internal/access"
	"accesscache/internal/observability"
)

// Named resource type sets accepted by AllowedResources.
const (
	SetUserVisibleTypes = "user-visible-types"
	SetUserVisiblePages = "user-visible-pages"
)

// DefaultTypeSets are the sets used when an Evaluator carries none.
func DefaultTypeSets() map[string][]string {
	return map[string][]string{
		SetUserVisibleTypes: {"folder", "file", "page", "link", "video"},
		SetUserVisiblePages: {"folder", "page", "link"},
	}
}

type Evaluator struct {
	Rules     RuleStore
	Cache     CacheReader
	Order     SortOrders
	Resolvers *Registry
	TypeSets  map[string][]string

	Observer *observability.Observer
	Logger   zerolog.Logger
}

func NewEvaluator(rules RuleStore, cache CacheReader, order SortOrders, resolvers *Registry, observer *observability.Observer, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		Rules:     rules,
		Cache:     cache,
		Order:     order,
		Resolvers: resolvers,
		TypeSets:  DefaultTypeSets(),
		Observer:  observer,
		Logger:    logger,
	}
}

// entryIndex holds one user's cache snapshot keyed by rule key. products
// keeps the product rows in key order for "any product" lookups.
type entryIndex struct {
	byKey    map[access.RuleKey]access.CacheEntry
	products []access.CacheEntry
}

func newEntryIndex(entries []access.CacheEntry) entryIndex {
	idx := entryIndex{byKey: make(map[access.RuleKey]access.CacheEntry, len(entries))}
	for _, e := range entries {
		idx.byKey[e.Key] = e
		if e.Key.Kind == access.KindProduct {
			idx.products = append(idx.products, e)
		}
	}
	sort.Slice(idx.products, func(i, j int) bool { return idx.products[i].Key.ID < idx.products[j].Key.ID })
	return idx
}

// match returns the entry satisfying key and window, if any. A category key
// of AnyProduct matches any product row.
func (idx entryIndex) match(key access.RuleKey, w access.Window, asOf time.Time) (access.CacheEntry, bool) {
	if key.IsAnyProduct() {
		for _, e := range idx.products {
			if w.Allows(e, asOf) {
				return e, true
			}
		}
		return access.CacheEntry{}, false
	}
	e, ok := idx.byKey[key]
	if !ok {
		return access.CacheEntry{}, false
	}
	return e, w.Allows(e, asOf)
}

// UserHasAccess reports whether any rule bound to the resource is satisfied
// by the user's cache entries as of asOf. Free rules always satisfy; the
// login requirement of plain free rules is up to the caller.
func (e *Evaluator) UserHasAccess(ctx context.Context, userID, resourceID int64, resourceType string, asOf time.Time) (bool, error) {
	rules, err := e.Rules.ListRules(ctx, resourceID, resourceType)
	if err != nil {
		return false, fmt.Errorf("list rules for %s %d: %w", resourceType, resourceID, err)
	}

	var (
		idx    entryIndex
		loaded bool
	)
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			e.Observer.RecordSkippedRule(rule.ID, rule.Key, err)
			continue
		}
		if rule.Key.Kind.IsFree() {
			e.Observer.RecordAccessCheck("resource", true)
			return true, nil
		}
		if !loaded {
			entries, err := e.Cache.EntriesForUser(ctx, userID)
			if err != nil {
				return false, fmt.Errorf("read cache for user %d: %w", userID, err)
			}
			idx = newEntryIndex(entries)
			loaded = true
		}
		if _, ok := idx.match(rule.Key, rule.Window, asOf); ok {
			e.Observer.RecordAccessCheck("resource", true)
			return true, nil
		}
	}
	e.Observer.RecordAccessCheck("resource", false)
	return false, nil
}

// GuestHasAccess reports whether the resource carries a free-without-login
// rule.
func (e *Evaluator) GuestHasAccess(ctx context.Context, resourceID int64, resourceType string) (bool, error) {
	rules, err := e.Rules.ListRules(ctx, resourceID, resourceType)
	if err != nil {
		return false, fmt.Errorf("list rules for %s %d: %w", resourceType, resourceID, err)
	}
	for _, rule := range rules {
		if rule.Key.Kind == access.KindFreeWithoutLogin {
			e.Observer.RecordAccessCheck("guest", true)
			return true, nil
		}
	}
	e.Observer.RecordAccessCheck("guest", false)
	return false, nil
}

// CheckConditions applies ad hoc conditions to the user's cache snapshot and
// reports whether any of them is satisfied. Conditions whose window cannot
// be parsed are skipped. Free kinds get no shortcut here: they only pass when
// the cache holds a row for them.
func (e *Evaluator) CheckConditions(ctx context.Context, userID int64, conds []Condition, asOf time.Time) (bool, error) {
	if len(conds) == 0 {
		e.Observer.RecordAccessCheck("conditions", false)
		return false, nil
	}
	entries, err := e.Cache.EntriesForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("read cache for user %d: %w", userID, err)
	}
	idx := newEntryIndex(entries)

	for _, c := range conds {
		w, err := access.ParseWindow(c.Start, c.Stop)
		if err != nil {
			e.Observer.RecordSkippedRule(0, c.Key, err)
			continue
		}
		if !c.Key.Kind.Valid() {
			e.Observer.RecordSkippedRule(0, c.Key, fmt.Errorf("%w: unknown kind %d", access.ErrMalformedWindow, c.Key.Kind))
			continue
		}
		if _, ok := idx.match(c.Key, w, asOf); ok {
			e.Observer.RecordAccessCheck("conditions", true)
			return true, nil
		}
	}
	e.Observer.RecordAccessCheck("conditions", false)
	return false, nil
}

// ExpandTypes resolves a type filter. A single element naming a configured
// set expands to that set; nil means every type.
func (e *Evaluator) ExpandTypes(types []string) []string {
	if len(types) == 1 {
		sets := e.TypeSets
		if sets == nil {
			sets = DefaultTypeSets()
		}
		if set, ok := sets[types[0]]; ok {
			return append([]string(nil), set...)
		}
	}
	return types
}

type grantedRef struct {
	ref   ResourceRef
	key   access.RuleKey
	entry access.CacheEntry
	order int
	ok    bool
}

// AllowedResources lists the resources of the given types the user can open
// as of asOf, in display order, each resource once. Types without a
// registered resolver are left out and logged.
func (e *Evaluator) AllowedResources(ctx context.Context, userID int64, types []string, asOf time.Time) ([]Resource, error) {
	types = e.ExpandTypes(types)
	rules, err := e.Rules.RulesByTypes(ctx, types)
	if err != nil {
		return nil, fmt.Errorf("list rules by type: %w", err)
	}
	entries, err := e.Cache.EntriesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read cache for user %d: %w", userID, err)
	}
	idx := newEntryIndex(entries)

	var granted []grantedRef
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			e.Observer.RecordSkippedRule(rule.ID, rule.Key, err)
			continue
		}
		ref := ResourceRef{Type: rule.ResourceType, ID: rule.ResourceID}
		if rule.Key.Kind.IsFree() {
			granted = append(granted, grantedRef{ref: ref, key: rule.Key})
			continue
		}
		if entry, ok := idx.match(rule.Key, rule.Window, asOf); ok {
			granted = append(granted, grantedRef{ref: ref, key: rule.Key, entry: entry})
		}
	}
	if len(granted) == 0 {
		return nil, nil
	}

	if err := e.applyOrder(ctx, granted); err != nil {
		return nil, err
	}
	sort.SliceStable(granted, func(i, j int) bool {
		a, b := granted[i], granted[j]
		if a.ok != b.ok {
			return !a.ok
		}
		if a.order != b.order {
			return a.order < b.order
		}
		if a.ref.ID != b.ref.ID {
			return a.ref.ID < b.ref.ID
		}
		return a.ref.Type < b.ref.Type
	})

	seen := make(map[ResourceRef]bool, len(granted))
	unique := granted[:0]
	for _, g := range granted {
		if seen[g.ref] {
			continue
		}
		seen[g.ref] = true
		unique = append(unique, g)
	}

	resolved, err := e.resolve(ctx, unique)
	if err != nil {
		return nil, err
	}

	out := make([]Resource, 0, len(unique))
	for _, g := range unique {
		res, ok := resolved[g.ref]
		if !ok {
			continue
		}
		res.Type, res.ID = g.ref.Type, g.ref.ID
		res.Key = g.key
		if g.entry.HasRange() {
			res.BeginDate = g.entry.RangeStart
			res.ExpireDate = g.entry.RangeEnd
		}
		out = append(out, res)
	}
	e.Observer.RecordAccessCheck("listing", len(out) > 0)
	return out, nil
}

func (e *Evaluator) applyOrder(ctx context.Context, granted []grantedRef) error {
	if e.Order == nil {
		return nil
	}
	refs := make([]ResourceRef, 0, len(granted))
	for _, g := range granted {
		refs = append(refs, g.ref)
	}
	orders, err := e.Order.SortOrders(ctx, refs)
	if err != nil {
		return fmt.Errorf("load sort order: %w", err)
	}
	for i := range granted {
		granted[i].order, granted[i].ok = orders[granted[i].ref]
	}
	return nil
}

// resolve groups refs by type and asks each type's resolver for its ids in
// one call.
func (e *Evaluator) resolve(ctx context.Context, refs []grantedRef) (map[ResourceRef]Resource, error) {
	var typeOrder []string
	byType := make(map[string][]int64)
	for _, g := range refs {
		if _, ok := byType[g.ref.Type]; !ok {
			typeOrder = append(typeOrder, g.ref.Type)
		}
		byType[g.ref.Type] = append(byType[g.ref.Type], g.ref.ID)
	}

	out := make(map[ResourceRef]Resource, len(refs))
	for _, t := range typeOrder {
		resolver, err := e.Resolvers.Get(t)
		if err != nil {
			e.Observer.RecordResolverMissing(t)
			e.Logger.Debug().Err(err).Int("resources", len(byType[t])).Msg("resources omitted")
			continue
		}
		ids := byType[t]
		requested := make(map[int64]bool, len(ids))
		for _, id := range ids {
			requested[id] = true
		}
		resources, err := resolver.Resolve(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("resolve %s resources: %w", t, err)
		}
		for _, res := range resources {
			if !requested[res.ID] {
				return nil, fmt.Errorf("resolve %s resources: unrequested id %d", t, res.ID)
			}
			out[ResourceRef{Type: t, ID: res.ID}] = res
		}
	}
	return out, nil
}
