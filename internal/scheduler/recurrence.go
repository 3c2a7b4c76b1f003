package scheduler

import (
	"time"

	"github.com/t77yq/content-scheduler/internal/model"
)

// NextOccurrence computes the occurrence following base. It returns false
// when the pattern is malformed or the next occurrence falls after the
// pattern's end date. Wall-clock time and location of base are preserved.
func NextOccurrence(base time.Time, pattern model.RecurrencePattern) (time.Time, bool) {
	if pattern.Rule == nil || pattern.Rule.Every() < 1 {
		return time.Time{}, false
	}

	var next time.Time
	switch r := pattern.Rule.(type) {
	case model.Daily:
		next = base.AddDate(0, 0, r.Interval)
	case model.Weekly:
		next = base.AddDate(0, 0, 7*r.Interval)
	case model.Monthly:
		next = addMonthsClamped(base, r.Interval)
	case model.Yearly:
		next = addMonthsClamped(base, 12*r.Interval)
	default:
		return time.Time{}, false
	}

	if pattern.EndDate != nil && next.After(*pattern.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

// Occurrences lists up to limit occurrences after base that fall on or before until
func Occurrences(base time.Time, pattern model.RecurrencePattern, until time.Time, limit int) []time.Time {
	var out []time.Time
	cur := base
	for len(out) < limit {
		next, ok := NextOccurrence(cur, pattern)
		if !ok || next.After(until) {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out
}

// recurrenceProblem describes why a pattern cannot be expanded, or returns ""
func recurrenceProblem(pattern model.RecurrencePattern, publishAt time.Time) string {
	if pattern.Rule == nil {
		return "recurrence type is required"
	}
	if pattern.Rule.Every() < 1 {
		return "recurrence interval must be a positive integer"
	}
	if pattern.EndDate != nil && pattern.EndDate.Before(publishAt) {
		return "recurrence end date is before the publish time"
	}
	return ""
}

// addMonthsClamped moves t forward by months, clamping the day to the last
// valid day of the target month instead of overflowing into the next one.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(target.Year(), target.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
