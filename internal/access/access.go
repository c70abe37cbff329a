// Package access holds the types shared by the cache builder and the rule
// evaluator: rule keys, grants, cache entries, access rules and windows.
package access

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the closed set of rule-key kinds.
type Kind uint8

const (
	KindProduct Kind = iota + 1
	KindCategory
	KindUserGroup
	KindFree
	KindFreeWithoutLogin
	KindSpecial
)

// AnyProduct is the category id that matches every product entry of a user.
const AnyProduct int64 = -1

// Special flag ids stored under KindSpecial.
const (
	SpecialGuest     int64 = 1
	SpecialAffiliate int64 = 2
	SpecialRSS       int64 = 3
)

var kindNames = map[Kind]string{
	KindProduct:          "product_id",
	KindCategory:         "product_category_id",
	KindUserGroup:        "user_group_id",
	KindFree:             "free",
	KindFreeWithoutLogin: "free_without_login",
	KindSpecial:          "special",
}

// Kinds lists every kind in the order rule lists are written.
func Kinds() []Kind {
	return []Kind{KindCategory, KindProduct, KindUserGroup, KindFree, KindFreeWithoutLogin, KindSpecial}
}

// String returns the storage name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Title is the display class of the kind.
func (k Kind) Title() string {
	switch k {
	case KindFree, KindFreeWithoutLogin:
		return "Free"
	case KindCategory:
		return "Category"
	case KindProduct:
		return "Product"
	case KindUserGroup:
		return "User Group"
	case KindSpecial:
		return "Special Conditions"
	default:
		return k.String()
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsFree reports whether rules of this kind need no cache entry.
func (k Kind) IsFree() bool {
	return k == KindFree || k == KindFreeWithoutLogin
}

// ParseKind maps a storage name back to a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown rule kind %q", s)
}

// RuleKey identifies what a rule or cache entry is indexed by.
type RuleKey struct {
	Kind Kind
	ID   int64
}

func ProductKey(id int64) RuleKey   { return RuleKey{Kind: KindProduct, ID: id} }
func CategoryKey(id int64) RuleKey  { return RuleKey{Kind: KindCategory, ID: id} }
func UserGroupKey(id int64) RuleKey { return RuleKey{Kind: KindUserGroup, ID: id} }
func SpecialKey(id int64) RuleKey   { return RuleKey{Kind: KindSpecial, ID: id} }

func (k RuleKey) String() string {
	return k.Kind.String() + ":" + strconv.FormatInt(k.ID, 10)
}

// IsAnyProduct reports whether the key is the "any product" category.
func (k RuleKey) IsAnyProduct() bool {
	return k.Kind == KindCategory && k.ID == AnyProduct
}

// Status of a cache entry.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Grant is one access window of a user to a product. End is nil when the
// grant is open-ended.
type Grant struct {
	UserID    int64
	ProductID int64
	Begin     time.Time
	End       *time.Time
}

// CacheEntry is the materialized summary for one (user, rule-key) subject.
// RangeStart and RangeEnd are zero for rows that carry no date window
// (group membership, special flags).
type CacheEntry struct {
	UserID       int64
	Key          RuleKey
	CoveredDays  int
	RangeStart   time.Time
	RangeEnd     time.Time
	PaymentCount int
	Status       Status
}

// HasRange reports whether the entry carries a date window.
func (e CacheEntry) HasRange() bool {
	return !e.RangeStart.IsZero() && !e.RangeEnd.IsZero()
}

// CategoryMembership maps a category id to its member product ids.
type CategoryMembership map[int64][]int64

// GroupMembership binds a user to a user group.
type GroupMembership struct {
	UserID  int64
	GroupID int64
}

// ElevatedStatus marks a user with a special flag (e.g. affiliate).
type ElevatedStatus struct {
	UserID int64
	Flag   int64
}

// Scope selects the users a rebuild touches. The zero value is the full
// store; user id 0 is reserved for guests and never names a single user.
type Scope struct {
	UserID int64
}

// AllUsers is the full-store scope.
func AllUsers() Scope { return Scope{} }

// SingleUser is the scope of one user.
func SingleUser(userID int64) Scope { return Scope{UserID: userID} }

// IsAll reports whether the scope covers every user.
func (s Scope) IsAll() bool { return s.UserID == 0 }

func (s Scope) String() string {
	if s.IsAll() {
		return "all"
	}
	return "user:" + strconv.FormatInt(s.UserID, 10)
}

// Day returns the calendar date of t, read in t's own location, as a UTC
// midnight. Callers wanting the current UTC date pass time.Now().UTC().
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
