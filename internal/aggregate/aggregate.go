// Package aggregate folds one user's grants into per-product and
// per-category cache entries. It is pure: no I/O and no shared state.
package aggregate

import (
	"sort"
	"time"

	"accesscache/internal/access"
	"accesscache/internal/interval"
)

// Aggregator carries the as-of date and the end date substituted for
// open-ended grants.
type Aggregator struct {
	AsOf    time.Time
	Horizon time.Time
}

// ProductSummary is the entry of one product plus the intervals it was
// computed from, kept for the category roll-up.
type ProductSummary struct {
	Entry     access.CacheEntry
	Intervals []interval.Interval
}

func (a Aggregator) today() time.Time { return access.Day(a.AsOf) }

func (a Aggregator) end(g access.Grant) time.Time {
	if g.End == nil {
		return access.Day(a.Horizon)
	}
	return access.Day(*g.End)
}

// AggregateUser summarizes the grants of one user per product. Grants that
// begin after the as-of date are ignored. Days are counted up to the as-of
// date; the stored range keeps the full end date.
func (a Aggregator) AggregateUser(userID int64, grants []access.Grant) map[int64]ProductSummary {
	today := a.today()
	out := make(map[int64]ProductSummary)
	for _, g := range grants {
		begin := access.Day(g.Begin)
		if begin.After(today) {
			continue
		}
		end := a.end(g)
		counted := end
		if counted.After(today) {
			counted = today
		}

		sum, seen := out[g.ProductID]
		if !seen {
			sum.Entry = access.CacheEntry{
				UserID:     userID,
				Key:        access.ProductKey(g.ProductID),
				RangeStart: begin,
				RangeEnd:   end,
				Status:     access.StatusExpired,
			}
		}
		if begin.Before(sum.Entry.RangeStart) {
			sum.Entry.RangeStart = begin
		}
		if end.After(sum.Entry.RangeEnd) {
			sum.Entry.RangeEnd = end
		}
		if !begin.After(today) && !today.After(end) {
			sum.Entry.Status = access.StatusActive
		}
		sum.Intervals = append(sum.Intervals, interval.Interval{Begin: begin, End: counted})
		out[g.ProductID] = sum
	}
	for pid, sum := range out {
		sum.Entry.CoveredDays = interval.UnionLength(sum.Intervals)
		out[pid] = sum
	}
	return out
}

// AggregateCategories rolls product summaries up into one entry per
// category that has at least one contributing member product.
func (a Aggregator) AggregateCategories(userID int64, products map[int64]ProductSummary, membership access.CategoryMembership) []access.CacheEntry {
	var out []access.CacheEntry
	for categoryID, productIDs := range membership {
		var members []ProductSummary
		seen := make(map[int64]bool, len(productIDs))
		for _, pid := range productIDs {
			if seen[pid] {
				continue
			}
			seen[pid] = true
			if sum, ok := products[pid]; ok {
				members = append(members, sum)
			}
		}
		switch len(members) {
		case 0:
			continue
		case 1:
			entry := members[0].Entry
			entry.UserID = userID
			entry.Key = access.CategoryKey(categoryID)
			out = append(out, entry)
		default:
			out = append(out, MergeCategory(userID, categoryID, members))
		}
	}
	sortEntries(out)
	return out
}

// MergeCategory is the general category path: the intervals of every member
// are unioned together and ranges and status are combined.
func MergeCategory(userID, categoryID int64, members []ProductSummary) access.CacheEntry {
	entry := access.CacheEntry{
		UserID: userID,
		Key:    access.CategoryKey(categoryID),
		Status: access.StatusExpired,
	}
	var all []interval.Interval
	for i, m := range members {
		all = append(all, m.Intervals...)
		if i == 0 || m.Entry.RangeStart.Before(entry.RangeStart) {
			entry.RangeStart = m.Entry.RangeStart
		}
		if i == 0 || m.Entry.RangeEnd.After(entry.RangeEnd) {
			entry.RangeEnd = m.Entry.RangeEnd
		}
		if m.Entry.Status == access.StatusActive {
			entry.Status = access.StatusActive
		}
	}
	entry.CoveredDays = interval.UnionLength(all)
	return entry
}

// Entries returns every grant-derived entry of one user: products first, then
// categories, each in ascending id order.
func (a Aggregator) Entries(userID int64, grants []access.Grant, membership access.CategoryMembership) []access.CacheEntry {
	products := a.AggregateUser(userID, grants)
	out := make([]access.CacheEntry, 0, len(products))
	for _, sum := range products {
		out = append(out, sum.Entry)
	}
	sortEntries(out)
	return append(out, a.AggregateCategories(userID, products, membership)...)
}

func sortEntries(entries []access.CacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key.Kind != entries[j].Key.Kind {
			return entries[i].Key.Kind < entries[j].Key.Kind
		}
		return entries[i].Key.ID < entries[j].Key.ID
	})
}
