// Package interval computes the number of distinct days covered by a set of
// possibly overlapping date intervals.
package interval

import (
	"math"
	"sort"
	"time"
)

const (
	daySeconds  = 86400
	noonSeconds = 43200
)

// Interval is an inclusive day range. Begin and End are calendar dates; any
// time-of-day component is kept as given.
type Interval struct {
	Begin time.Time
	End   time.Time
}

type event struct {
	at    int64
	close bool
}

// UnionLength returns the number of distinct days covered by the union of
// intervals. Each boundary is shifted to noon so that date truncation at
// either end does not double count adjacent days. Open-ended intervals must
// be closed by the caller before calling.
func UnionLength(intervals []Interval) int {
	if len(intervals) == 0 {
		return 0
	}
	events := make([]event, 0, 2*len(intervals))
	for _, iv := range intervals {
		begin := iv.Begin.Unix() + noonSeconds
		end := iv.End.Unix() + noonSeconds
		if end < begin {
			end = begin
		}
		events = append(events, event{at: begin}, event{at: end, close: true})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].at != events[j].at {
			return events[i].at < events[j].at
		}
		// opens first, so a close and an open at the same instant keep coverage running
		return !events[i].close && events[j].close
	})

	var total int64
	open := 0
	for i, ev := range events {
		if open > 0 && i > 0 {
			total += ev.at - events[i-1].at
		}
		if ev.close {
			open--
			continue
		}
		if open == 0 {
			total += daySeconds
		}
		open++
	}
	return int(math.Round(float64(total) / daySeconds))
}

// SumLength returns the sum of the individual interval lengths in days,
// counting overlaps repeatedly.
func SumLength(intervals []Interval) int {
	sum := 0
	for _, iv := range intervals {
		sum += UnionLength([]Interval{iv})
	}
	return sum
}
