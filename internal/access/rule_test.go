package access

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestWindowAllowsCountedWindow(t *testing.T) {
	today := date(2024, 3, 1)
	w := Window{StartDays: Days(7), StopDays: Days(30)}

	tests := []struct {
		name  string
		entry CacheEntry
		want  bool
	}{
		{name: "inside window", entry: CacheEntry{CoveredDays: 10, Status: StatusActive}, want: true},
		{name: "before start", entry: CacheEntry{CoveredDays: 3, Status: StatusActive}, want: false},
		{name: "past stop", entry: CacheEntry{CoveredDays: 31, Status: StatusActive}, want: false},
		{name: "at stop", entry: CacheEntry{CoveredDays: 30, Status: StatusActive}, want: true},
		{name: "at start", entry: CacheEntry{CoveredDays: 7, Status: StatusActive}, want: true},
		{name: "expired", entry: CacheEntry{CoveredDays: 10, Status: StatusExpired}, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, w.Allows(tc.entry, today))
		})
	}
}

func TestWindowForeverHonorsExpiredCoverage(t *testing.T) {
	today := date(2024, 3, 1)
	expired := CacheEntry{CoveredDays: 400, Status: StatusExpired}

	assert.True(t, Window{StopDays: Days(Forever)}.Allows(expired, today))
	assert.True(t, Window{StartDays: Days(30), StopDays: Days(Forever)}.Allows(expired, today))
	assert.False(t, Window{StartDays: Days(500), StopDays: Days(Forever)}.Allows(expired, today))
	assert.False(t, Window{}.Allows(expired, today), "open window without forever denies expired entries")
	assert.False(t, Window{StopDays: Days(1000)}.Allows(expired, today))
}

func TestWindowPaymentGate(t *testing.T) {
	today := date(2024, 3, 1)
	w := Window{StartPayments: 2}

	assert.False(t, w.Allows(CacheEntry{Status: StatusActive, PaymentCount: 1}, today))
	assert.True(t, w.Allows(CacheEntry{Status: StatusActive, PaymentCount: 2}, today))
}

func TestWindowDateBasedIgnoresCounters(t *testing.T) {
	today := date(2024, 3, 1)
	w := Window{DateBased: true, StartDays: Days(1000), StartPayments: 50}

	future := CacheEntry{
		CoveredDays: 5000, PaymentCount: 100, Status: StatusActive,
		RangeStart: date(2024, 4, 1), RangeEnd: date(2025, 4, 1),
	}
	assert.False(t, w.Allows(future, today), "range starting in the future denies")

	current := CacheEntry{Status: StatusExpired, RangeStart: date(2024, 2, 1), RangeEnd: date(2024, 3, 1)}
	assert.True(t, w.Allows(current, today), "bracketing range allows regardless of counters")

	assert.False(t, w.Allows(CacheEntry{Status: StatusActive}, today), "entries without a range never satisfy")
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		start, stop string
		want        Window
	}{
		{start: "", stop: "", want: Window{}},
		{start: "7d", stop: "30d", want: Window{StartDays: Days(7), StopDays: Days(30)}},
		{start: "3p", stop: "", want: Window{StartPayments: 3}},
		{start: "a", stop: "", want: Window{DateBased: true}},
		{start: "0d", stop: "-1d", want: Window{StartDays: Days(0), StopDays: Days(Forever)}},
		{start: "1D", stop: "forever", want: Window{StartDays: Days(1), StopDays: Days(Forever)}},
	}
	for _, tc := range tests {
		t.Run(tc.start+"/"+tc.stop, func(t *testing.T) {
			got, err := ParseWindow(tc.start, tc.stop)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseWindowRejectsMalformed(t *testing.T) {
	for _, in := range [][2]string{{"7x", ""}, {"", "abc"}, {"p", ""}, {"", "-2d"}, {"1.5d", ""}} {
		_, err := ParseWindow(in[0], in[1])
		require.Error(t, err, "start=%q stop=%q", in[0], in[1])
		assert.True(t, errors.Is(err, ErrMalformedWindow))
	}
}

func TestWindowRendering(t *testing.T) {
	w, err := ParseWindow("7d", "forever")
	require.NoError(t, err)
	assert.Equal(t, "7d", w.Start())
	assert.Equal(t, "forever", w.Stop())
	assert.Equal(t, "from 7d to forever", w.String())

	assert.Equal(t, "access by publish date", Window{DateBased: true}.String())
	assert.Equal(t, "from 2p", Window{StartPayments: 2}.String())
	assert.Equal(t, "", Window{}.String())
}

func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range Kinds() {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("product")
	assert.Error(t, err)
	assert.Equal(t, "product_category_id:-1", CategoryKey(AnyProduct).String())
	assert.True(t, CategoryKey(AnyProduct).IsAnyProduct())
}

func TestRebuildErrorIsAborted(t *testing.T) {
	err := NewRebuildError(SingleUser(4), StageWrite, errors.New("connection reset"))
	assert.True(t, errors.Is(err, ErrRebuildAborted))
	assert.False(t, err.Canceled())
	assert.Contains(t, err.Error(), "user:4")
}

func TestDayKeepsCallerCalendarDate(t *testing.T) {
	moscow := time.FixedZone("UTC+3", 3*60*60)
	assert.Equal(t, date(2024, 1, 1), Day(time.Date(2024, 1, 1, 0, 0, 0, 0, moscow)))
	assert.Equal(t, date(2024, 1, 10), Day(time.Date(2024, 1, 10, 23, 59, 0, 0, moscow)))
	assert.Equal(t, date(2024, 1, 10), Day(time.Date(2024, 1, 10, 23, 0, 0, 0, time.UTC)))

	newYork := time.FixedZone("UTC-5", -5*60*60)
	assert.Equal(t, date(2024, 1, 31), Day(time.Date(2024, 1, 31, 22, 0, 0, 0, newYork)))
}
