// Package milestone decides which streak and insurance thresholds a
// counter crossed, so each celebration fires exactly once.
package milestone

import (
	"slices"
	"time"
)

// Definition is one celebrated threshold.
type Definition struct {
	Threshold int
	Title     string
	Message   string
}

// Major reports whether the milestone warrants the big celebration.
func (d Definition) Major() bool { return d.Threshold >= 21 }

// Streak lists the consecutive-day milestones in ascending order.
var Streak = []Definition{
	{Threshold: 3, Title: "First Streak!", Message: "You're on fire! 3 days in a row!"},
	{Threshold: 7, Title: "One Week Wonder", Message: "Amazing! You've completed a full week!"},
	{Threshold: 14, Title: "Two Week Warrior", Message: "You're getting stronger every day!"},
	{Threshold: 21, Title: "Habit Hero", Message: "It takes about 21 days to form a habit. You did it!"},
	{Threshold: 30, Title: "Monthly Master", Message: "A full month! You're unstoppable!"},
	{Threshold: 50, Title: "Halfway Hero", Message: "Halfway to 100! You're incredible!"},
	{Threshold: 100, Title: "Century Champion", Message: "100 days! You're a true legend!"},
	{Threshold: 365, Title: "Year of Excellence", Message: "An entire year! Something extraordinary."},
}

// Insurance lists the streak-insurance milestones in ascending order.
var Insurance = []Definition{
	{Threshold: 1, Title: "First Insurance", Message: "You earned your first streak insurance. Use it wisely."},
	{Threshold: 5, Title: "Safety Net", Message: "5 insurance earned! You're building a safety net."},
	{Threshold: 10, Title: "Streak Guardian", Message: "10 insurance collected! You're a streak protection master!"},
}

// Thresholds returns the thresholds of defs.
func Thresholds(defs []Definition) []int {
	out := make([]int, len(defs))
	for i, d := range defs {
		out[i] = d.Threshold
	}
	return out
}

// Crossed returns every threshold t with prev < t <= curr in ascending
// order. It returns nil when curr <= prev. thresholds need not be sorted
// and duplicates are reported once.
func Crossed(prev, curr int, thresholds []int) []int {
	if curr <= prev {
		return nil
	}
	var out []int
	for _, t := range thresholds {
		if prev < t && t <= curr {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// CrossedDefinitions is Crossed over milestone definitions.
func CrossedDefinitions(prev, curr int, defs []Definition) []Definition {
	if curr <= prev {
		return nil
	}
	var out []Definition
	for _, d := range defs {
		if prev < d.Threshold && d.Threshold <= curr {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, func(a, b Definition) int { return a.Threshold - b.Threshold })
	return out
}

// FirstCompletion reports the very first completion of a habit.
func FirstCompletion(prev, curr int) bool { return prev == 0 && curr == 1 }

// InsuranceEarned reports whether the insurance balance grew. Growth that
// lands on an Insurance threshold has a dedicated message; any other
// growth gets the generic one.
func InsuranceEarned(prev, curr int) (Definition, bool) {
	if curr <= prev {
		return Definition{}, false
	}
	for _, d := range Insurance {
		if d.Threshold == curr {
			return d, true
		}
	}
	return Definition{Threshold: curr, Title: "Insurance Earned", Message: "You earned streak insurance!"}, true
}

// StreakLength counts consecutive days with a check-in ending today. When
// today has none yet the run may end yesterday, so an unfinished day does
// not break the streak. Times are compared by calendar day in today's
// location.
func StreakLength(dates []time.Time, today time.Time) int {
	days := make(map[time.Time]struct{}, len(dates))
	for _, d := range dates {
		days[dayOf(d, today.Location())] = struct{}{}
	}

	cursor := dayOf(today, today.Location())
	if _, ok := days[cursor]; !ok {
		cursor = cursor.AddDate(0, 0, -1)
	}
	n := 0
	for {
		if _, ok := days[cursor]; !ok {
			return n
		}
		n++
		cursor = cursor.AddDate(0, 0, -1)
	}
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
