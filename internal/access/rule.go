package access

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Forever is the stop value that keeps access open after expiry.
const Forever = -1

// AccessRule binds a resource to a rule key and a window.
type AccessRule struct {
	ID           int64
	ResourceID   int64
	ResourceType string
	Key          RuleKey
	Window       Window
}

// Window gates a rule. Nil StartDays means 0; nil StopDays means no upper
// bound. When DateBased is set the day and payment counters are ignored and
// the entry's raw date range must bracket the as-of date instead.
type Window struct {
	StartDays     *int
	StartPayments int
	StopDays      *int
	DateBased     bool
}

// Days returns a pointer to n, for building windows inline.
func Days(n int) *int { return &n }

// IsForever reports whether the window honors expired coverage.
func (w Window) IsForever() bool {
	return w.StopDays != nil && *w.StopDays == Forever
}

var (
	startPaymentsRe = regexp.MustCompile(`^(\d+)p$`)
	daysRe          = regexp.MustCompile(`^(-?\d+)d$`)
)

// ParseWindow parses the start/stop text encoding used by rule authors:
// start is "", "Nd", "Np" or "a"; stop is "", "Nd", "-1d" or "forever".
func ParseWindow(start, stop string) (Window, error) {
	var w Window
	start = strings.ToLower(strings.TrimSpace(start))
	stop = strings.ToLower(strings.TrimSpace(stop))

	switch {
	case start == "":
	case start == "a":
		w.DateBased = true
	case startPaymentsRe.MatchString(start):
		n, err := strconv.Atoi(startPaymentsRe.FindStringSubmatch(start)[1])
		if err != nil {
			return Window{}, fmt.Errorf("%w: start %q", ErrMalformedWindow, start)
		}
		w.StartPayments = n
	case daysRe.MatchString(start):
		n, err := strconv.Atoi(daysRe.FindStringSubmatch(start)[1])
		if err != nil {
			return Window{}, fmt.Errorf("%w: start %q", ErrMalformedWindow, start)
		}
		w.StartDays = &n
	default:
		return Window{}, fmt.Errorf("%w: start %q", ErrMalformedWindow, start)
	}

	switch {
	case stop == "":
	case stop == "forever":
		w.StopDays = Days(Forever)
	case daysRe.MatchString(stop):
		n, err := strconv.Atoi(daysRe.FindStringSubmatch(stop)[1])
		if err != nil || n < Forever {
			return Window{}, fmt.Errorf("%w: stop %q", ErrMalformedWindow, stop)
		}
		w.StopDays = &n
	default:
		return Window{}, fmt.Errorf("%w: stop %q", ErrMalformedWindow, stop)
	}
	return w, nil
}

// Start renders the start half of the text encoding.
func (w Window) Start() string {
	if w.DateBased {
		return "a"
	}
	if w.StartPayments > 0 {
		return strconv.Itoa(w.StartPayments) + "p"
	}
	if w.StartDays != nil {
		return strconv.Itoa(*w.StartDays) + "d"
	}
	return ""
}

// Stop renders the stop half of the text encoding.
func (w Window) Stop() string {
	if w.StopDays == nil {
		return ""
	}
	if *w.StopDays == Forever {
		return "forever"
	}
	return strconv.Itoa(*w.StopDays) + "d"
}

func (w Window) String() string {
	if w.DateBased {
		return "access by publish date"
	}
	var parts []string
	if start := w.Start(); start != "" && start != "0d" {
		parts = append(parts, "from "+start)
	}
	if stop := w.Stop(); stop != "" && stop != "0d" {
		parts = append(parts, "to "+stop)
	}
	return strings.Join(parts, " ")
}

// Allows applies the window predicate to a cache entry. today is the as-of
// date of the evaluation.
func (w Window) Allows(e CacheEntry, today time.Time) bool {
	if w.DateBased {
		if !e.HasRange() {
			return false
		}
		day := Day(today)
		return !Day(e.RangeStart).After(day) && !day.After(Day(e.RangeEnd))
	}

	startDays := 0
	if w.StartDays != nil {
		startDays = *w.StartDays
	}
	// Only forever windows accept expired coverage.
	if !w.IsForever() && e.Status != StatusActive {
		return false
	}
	if e.CoveredDays < startDays {
		return false
	}
	if w.StopDays != nil && *w.StopDays >= 0 && e.CoveredDays > *w.StopDays {
		return false
	}
	if e.PaymentCount < w.StartPayments {
		return false
	}
	return true
}

// Validate rejects rules that cannot be interpreted: an unknown kind, a
// negative payment threshold or a stop below "forever".
func (r AccessRule) Validate() error {
	if !r.Key.Kind.Valid() {
		return fmt.Errorf("%w: rule %d has unknown kind %d", ErrMalformedWindow, r.ID, r.Key.Kind)
	}
	if r.Window.StartPayments < 0 {
		return fmt.Errorf("%w: rule %d start payments %d", ErrMalformedWindow, r.ID, r.Window.StartPayments)
	}
	if r.Window.StopDays != nil && *r.Window.StopDays < Forever {
		return fmt.Errorf("%w: rule %d stop days %d", ErrMalformedWindow, r.ID, *r.Window.StopDays)
	}
	return nil
}
