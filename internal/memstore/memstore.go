// Package memstore is an in-memory implementation of the cache backend, the
// rule store and the resource catalog. It backs tests and dry runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"accesscache/internal/access"
	"accesscache/internal/cachebuild"
	"accesscache/internal/rules"
)

// Payment is one ledger row: a payment of a user for a product. It qualifies
// when Amount exceeds Refund.
type Payment struct {
	UserID    int64
	ProductID int64
	Amount    int64
	Refund    int64
}

type cacheKey struct {
	userID int64
	key    access.RuleKey
}

type Store struct {
	mu sync.RWMutex

	grants     []access.Grant
	categories access.CategoryMembership
	groups     []access.GroupMembership
	statuses   []access.ElevatedStatus
	payments   []Payment

	cache map[cacheKey]access.CacheEntry

	rules      []access.AccessRule
	nextRuleID int64
	sortOrder  map[rules.ResourceRef]int
	titles     map[string]map[int64]string

	txMu sync.Mutex

	// InsertHook, when set, runs before every InsertEntries call and fails
	// the call when it returns an error.
	InsertHook func(entries []access.CacheEntry) error
	// Inserts counts InsertEntries calls.
	Inserts int
	// CreateRuleHook, when set, runs before every CreateRule call and fails
	// the call when it returns an error.
	CreateRuleHook func(rule access.AccessRule) error
}

func New() *Store {
	return &Store{
		categories: make(access.CategoryMembership),
		cache:      make(map[cacheKey]access.CacheEntry),
		sortOrder:  make(map[rules.ResourceRef]int),
		titles:     make(map[string]map[int64]string),
	}
}

var (
	_ cachebuild.Backend    = (*Store)(nil)
	_ cachebuild.Transactor = (*Store)(nil)
	_ rules.RuleStore       = (*Store)(nil)
	_ rules.RuleTransactor  = (*Store)(nil)
	_ rules.CacheReader     = (*Store)(nil)
	_ rules.SortOrders      = (*Store)(nil)
)

func (s *Store) AddGrant(g access.Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = append(s.grants, g)
}

func (s *Store) SetCategory(categoryID int64, productIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[categoryID] = append([]int64(nil), productIDs...)
}

func (s *Store) AddGroupMembership(userID, groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = append(s.groups, access.GroupMembership{UserID: userID, GroupID: groupID})
}

func (s *Store) AddElevatedStatus(userID, flag int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, access.ElevatedStatus{UserID: userID, Flag: flag})
}

func (s *Store) AddPayment(p Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = append(s.payments, p)
}

// AddResource registers a resource title for the catalog resolvers.
func (s *Store) AddResource(resourceType string, id int64, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.titles[resourceType] == nil {
		s.titles[resourceType] = make(map[int64]string)
	}
	s.titles[resourceType][id] = title
}

func (s *Store) SetSortOrder(resourceType string, id int64, order int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sortOrder[rules.ResourceRef{Type: resourceType, ID: id}] = order
}

// Grants returns the in-scope grants sorted by user, product and begin date.
func (s *Store) Grants(ctx context.Context, scope access.Scope, asOf time.Time) (cachebuild.GrantCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	day := access.Day(asOf)
	var out []access.Grant
	for _, g := range s.grants {
		if !scope.IsAll() && g.UserID != scope.UserID {
			continue
		}
		if access.Day(g.Begin).After(day) {
			continue
		}
		out = append(out, g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].Begin.Before(out[j].Begin)
	})
	return cachebuild.NewSliceCursor(out), nil
}

func (s *Store) CategoryProducts(ctx context.Context) (access.CategoryMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(access.CategoryMembership, len(s.categories))
	for id, members := range s.categories {
		out[id] = append([]int64(nil), members...)
	}
	return out, nil
}

func (s *Store) GroupMemberships(ctx context.Context, scope access.Scope) ([]access.GroupMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.GroupMembership
	for _, gm := range s.groups {
		if scope.IsAll() || gm.UserID == scope.UserID {
			out = append(out, gm)
		}
	}
	return out, nil
}

func (s *Store) ElevatedStatuses(ctx context.Context, scope access.Scope) ([]access.ElevatedStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.ElevatedStatus
	for _, st := range s.statuses {
		if scope.IsAll() || st.UserID == scope.UserID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Store) ResetCache(ctx context.Context, scope access.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope.IsAll() {
		s.cache = make(map[cacheKey]access.CacheEntry)
		return nil
	}
	for k := range s.cache {
		if k.userID == scope.UserID {
			delete(s.cache, k)
		}
	}
	return nil
}

func (s *Store) InsertEntries(ctx context.Context, entries []access.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Inserts++
	if s.InsertHook != nil {
		if err := s.InsertHook(entries); err != nil {
			return err
		}
	}
	for _, e := range entries {
		k := cacheKey{userID: e.UserID, key: e.Key}
		if _, exists := s.cache[k]; exists {
			continue
		}
		s.cache[k] = e
	}
	return nil
}

func (s *Store) RefreshPaymentCounts(ctx context.Context, scope access.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[cacheKey]int)
	for _, p := range s.payments {
		if p.Amount-p.Refund <= 0 {
			continue
		}
		counts[cacheKey{userID: p.UserID, key: access.ProductKey(p.ProductID)}]++
	}
	for k, e := range s.cache {
		if k.key.Kind != access.KindProduct {
			continue
		}
		if !scope.IsAll() && k.userID != scope.UserID {
			continue
		}
		e.PaymentCount = counts[k]
		s.cache[k] = e
	}
	return nil
}

// InTx runs fn with transactions serialized. If fn fails the cache is
// restored to its state before the call.
func (s *Store) InTx(ctx context.Context, fn func(cachebuild.Backend) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := make(map[cacheKey]access.CacheEntry, len(s.cache))
	for k, v := range s.cache {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.cache = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// EntriesForUser returns the user's cache rows ordered by key.
func (s *Store) EntriesForUser(ctx context.Context, userID int64) ([]access.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.CacheEntry
	for k, e := range s.cache {
		if k.userID == userID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// Entries returns every cache row ordered by user and key.
func (s *Store) Entries() []access.CacheEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]access.CacheEntry, 0, len(s.cache))
	for _, e := range s.cache {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []access.CacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Key.Kind != b.Key.Kind {
			return a.Key.Kind < b.Key.Kind
		}
		return a.Key.ID < b.Key.ID
	})
}

func (s *Store) CreateRule(ctx context.Context, rule access.AccessRule) (int64, error) {
	if s.CreateRuleHook != nil {
		if err := s.CreateRuleHook(rule); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRuleID++
	rule.ID = s.nextRuleID
	s.rules = append(s.rules, rule)
	return rule.ID, nil
}

// InRuleTx restores the rule set when fn fails. Rule transactions are
// serialized with cache transactions.
func (s *Store) InRuleTx(ctx context.Context, fn func(rules.RuleStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := append([]access.AccessRule(nil), s.rules...)
	nextID := s.nextRuleID
	s.mu.RUnlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.rules, s.nextRuleID = snapshot, nextID
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context, resourceID int64, resourceType string) ([]access.AccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.AccessRule
	for _, r := range s.rules {
		if r.ResourceID == resourceID && r.ResourceType == resourceType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) DeleteRules(ctx context.Context, resourceID int64, resourceType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rules[:0]
	for _, r := range s.rules {
		if r.ResourceID == resourceID && r.ResourceType == resourceType {
			continue
		}
		kept = append(kept, r)
	}
	s.rules = kept
	return nil
}

func (s *Store) RulesByTypes(ctx context.Context, types []string) ([]access.AccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []access.AccessRule
	for _, r := range s.rules {
		if types == nil || want[r.ResourceType] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) SortOrders(ctx context.Context, refs []rules.ResourceRef) (map[rules.ResourceRef]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[rules.ResourceRef]int, len(refs))
	for _, ref := range refs {
		if order, ok := s.sortOrder[ref]; ok {
			out[ref] = order
		}
	}
	return out, nil
}

// Resolver serves the titles registered for resourceType.
func (s *Store) Resolver(resourceType string) rules.Resolver {
	return rules.ResolverFunc(func(ctx context.Context, ids []int64) ([]rules.Resource, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []rules.Resource
		for _, id := range ids {
			title, ok := s.titles[resourceType][id]
			if !ok {
				continue
			}
			out = append(out, rules.Resource{Type: resourceType, ID: id, Title: title})
		}
		return out, nil
	})
}
