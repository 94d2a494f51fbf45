// Package cron wraps robfig/cron with the five-field semantics guerite
// labels use: minute-resolution match plus next-firing iteration.
package cron

import (
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// parser accepts classical five-field expressions (minute through weekday).
var parser = cronv3.NewParser(
	cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow,
)

// Clean strips the wrapping users commonly leave on label values:
// surrounding brackets and single or double quotes. Returns "" when nothing
// usable remains.
func Clean(expr string) string {
	cleaned := strings.TrimSpace(expr)
	if strings.HasPrefix(cleaned, "[") && strings.HasSuffix(cleaned, "]") {
		cleaned = strings.TrimSpace(cleaned[1 : len(cleaned)-1])
	}
	if len(cleaned) >= 2 {
		if (cleaned[0] == '"' && cleaned[len(cleaned)-1] == '"') ||
			(cleaned[0] == '\'' && cleaned[len(cleaned)-1] == '\'') {
			cleaned = strings.TrimSpace(cleaned[1 : len(cleaned)-1])
		}
	}
	return cleaned
}

// Parse cleans and parses an expression.
func Parse(expr string) (cronv3.Schedule, error) {
	return parser.Parse(Clean(expr))
}

// Match reports whether the expression fires during the minute containing t.
func Match(expr string, t time.Time) (bool, error) {
	sched, err := Parse(expr)
	if err != nil {
		return false, err
	}
	minute := t.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute), nil
}

// Next returns the first firing strictly after the reference time.
func Next(expr string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Upcoming returns up to n firings strictly after the reference time.
func Upcoming(expr string, after time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	runs := make([]time.Time, 0, n)
	cursor := after
	for range n {
		next := sched.Next(cursor)
		if next.IsZero() {
			break
		}
		runs = append(runs, next)
		cursor = next
	}
	return runs, nil
}
