package rules

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"accesscache/internal/access"
)

// Item is one rule of a resource's access list in its text encoding.
type Item struct {
	Key   access.RuleKey
	Start string
	Stop  string
}

// ParseItems turns authored items into rules for one resource.
func ParseItems(resourceID int64, resourceType string, items []Item) ([]access.AccessRule, error) {
	out := make([]access.AccessRule, 0, len(items))
	for i, item := range items {
		w, err := access.ParseWindow(item.Start, item.Stop)
		if err != nil {
			return nil, fmt.Errorf("%s %d item %d: %w", resourceType, resourceID, i, err)
		}
		rule := access.AccessRule{ResourceID: resourceID, ResourceType: resourceType, Key: item.Key, Window: w}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("%s %d item %d: %w", resourceType, resourceID, i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

// SetAccess replaces the access list of a resource. Every item is parsed
// before the existing rules are removed. When store is a RuleTransactor the
// delete and the inserts commit together.
func SetAccess(ctx context.Context, store RuleStore, resourceID int64, resourceType string, items []Item) error {
	rules, err := ParseItems(resourceID, resourceType, items)
	if err != nil {
		return err
	}
	replace := func(store RuleStore) error {
		if err := store.DeleteRules(ctx, resourceID, resourceType); err != nil {
			return fmt.Errorf("clear access of %s %d: %w", resourceType, resourceID, err)
		}
		for _, rule := range rules {
			if _, err := store.CreateRule(ctx, rule); err != nil {
				return fmt.Errorf("add access to %s %d: %w", resourceType, resourceID, err)
			}
		}
		return nil
	}
	if tx, ok := store.(RuleTransactor); ok {
		return tx.InRuleTx(ctx, replace)
	}
	return replace(store)
}

// AccessListHash fingerprints a resource's rules. Rule ids and list order do
// not contribute, so equal settings hash equal.
func AccessListHash(rules []access.AccessRule) string {
	lines := make([]string, 0, len(rules))
	for _, r := range rules {
		lines = append(lines, strings.Join([]string{
			r.Key.Kind.String(),
			strconv.FormatInt(r.Key.ID, 10),
			r.Window.Start(),
			r.Window.Stop(),
		}, "-"))
	}
	sort.Strings(lines)
	sum := blake3.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
