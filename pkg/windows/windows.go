// Package windows gates maintenance work on weekly allow/deny time windows.
// Expressions use a day spec plus a time range, e.g. "mon-fri 09:00-17:00",
// "sat,sun 22:00-06:00" or "22:00-06:00" for every day. Deny windows always
// win; configuring any allow window turns the schedule into a whitelist.
package windows

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Decision explains whether a moment falls inside the schedule.
type Decision struct {
	Allowed bool
	// Matched names the expression that produced the decision, empty when no
	// window applied.
	Matched string
	// Denied is true when a deny window matched (as opposed to falling
	// outside every allow window).
	Denied bool
}

// Schedule is a compiled set of allow and deny windows. A nil Schedule
// permits everything.
type Schedule struct {
	allow []span
	deny  []span
}

// span is a half-open [start, end) range in seconds since Sunday 00:00.
type span struct {
	start int
	end   int
	expr  string
}

const (
	secondsPerMinute = 60
	secondsPerHour   = 60 * secondsPerMinute
	secondsPerDay    = 24 * secondsPerHour
	secondsPerWeek   = 7 * secondsPerDay
)

// NewSchedule compiles allow and deny expressions. Both lists empty yields a
// nil schedule, meaning no gating at all.
func NewSchedule(allow, deny []string) (*Schedule, error) {
	s := &Schedule{}
	var err error
	if s.deny, err = compile("windows.deny", deny); err != nil {
		return nil, err
	}
	if s.allow, err = compile("windows.allow", allow); err != nil {
		return nil, err
	}
	if len(s.allow) == 0 && len(s.deny) == 0 {
		return nil, nil
	}
	return s, nil
}

func compile(field string, exprs []string) ([]span, error) {
	var spans []span
	for idx, expr := range exprs {
		trimmed := strings.TrimSpace(expr)
		if trimmed == "" {
			return nil, fmt.Errorf("%s[%d]: expression must not be empty", field, idx)
		}
		parsed, err := parseWindow(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, idx, err)
		}
		spans = append(spans, parsed...)
	}
	return spans, nil
}

// Permits evaluates the schedule at the given moment.
func (s *Schedule) Permits(t time.Time) Decision {
	if s == nil {
		return Decision{Allowed: true}
	}
	now := weekSecond(t)

	for _, sp := range s.deny {
		if sp.contains(now) {
			return Decision{Allowed: false, Denied: true, Matched: sp.expr}
		}
	}

	if len(s.allow) == 0 {
		return Decision{Allowed: true}
	}
	for _, sp := range s.allow {
		if sp.contains(now) {
			return Decision{Allowed: true, Matched: sp.expr}
		}
	}
	return Decision{Allowed: false}
}

func (sp span) contains(second int) bool {
	return second >= sp.start && second < sp.end
}

func weekSecond(t time.Time) int {
	return int(t.Weekday())*secondsPerDay + t.Hour()*secondsPerHour + t.Minute()*secondsPerMinute + t.Second()
}

// parseWindow turns one expression into its spans. A window spanning the week
// boundary (e.g. "sat 22:00-06:00") is split into two spans.
func parseWindow(expr string) ([]span, error) {
	colon := strings.Index(expr, ":")
	if colon == -1 {
		return nil, fmt.Errorf("missing time component in %q", expr)
	}
	dash := strings.Index(expr[colon:], "-")
	if dash == -1 {
		return nil, fmt.Errorf("missing '-' in time range %q", expr)
	}
	dash += colon

	startDays, startSec, err := parseEndpoint(expr[:dash], nil)
	if err != nil {
		return nil, err
	}
	endDays, endSec, err := parseEndpoint(expr[dash+1:], startDays)
	if err != nil {
		return nil, err
	}

	crossDay := len(endDays) > 0 && !sameDays(endDays, startDays)
	if crossDay {
		if len(startDays) != 1 || len(endDays) != 1 {
			return nil, fmt.Errorf("window %q with distinct start and end days must name exactly one day on each side", expr)
		}
		start := int(startDays[0])*secondsPerDay + startSec
		end := int(endDays[0])*secondsPerDay + endSec
		for end <= start {
			end += secondsPerWeek
		}
		return wrap(span{start: start, end: end, expr: expr}), nil
	}

	spans := make([]span, 0, len(startDays))
	for _, day := range startDays {
		start := int(day)*secondsPerDay + startSec
		end := int(day)*secondsPerDay + endSec
		if end <= start {
			end += secondsPerDay
		}
		spans = append(spans, wrap(span{start: start, end: end, expr: expr})...)
	}
	return spans, nil
}

// wrap splits a span exceeding the week length at the Sunday boundary.
func wrap(sp span) []span {
	if sp.end <= secondsPerWeek {
		return []span{sp}
	}
	return []span{
		{start: sp.start, end: secondsPerWeek, expr: sp.expr},
		{start: 0, end: sp.end - secondsPerWeek, expr: sp.expr},
	}
}

// parseEndpoint parses "mon-fri 09:00" or "09:00". defaultDays, when non-nil,
// is used for an endpoint without a day spec (the end side inherits the start
// side's days).
func parseEndpoint(part string, defaultDays []time.Weekday) ([]time.Weekday, int, error) {
	tokens := strings.Fields(part)
	if len(tokens) == 0 {
		return nil, 0, fmt.Errorf("missing day/time in %q", part)
	}
	seconds, err := parseClock(tokens[len(tokens)-1])
	if err != nil {
		return nil, 0, err
	}
	if len(tokens) == 1 {
		if defaultDays != nil {
			return defaultDays, seconds, nil
		}
		return allDays(), seconds, nil
	}
	days, err := parseDays(strings.Join(tokens[:len(tokens)-1], " "))
	if err != nil {
		return nil, 0, err
	}
	return days, seconds, nil
}

func sameDays(a, b []time.Weekday) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func allDays() []time.Weekday {
	return []time.Weekday{
		time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday,
	}
}

func parseDays(spec string) ([]time.Weekday, error) {
	trimmed := strings.ToLower(strings.TrimSpace(spec))
	if trimmed == "" {
		return nil, fmt.Errorf("day specification must not be empty")
	}
	if trimmed == "*" {
		return allDays(), nil
	}

	var days []time.Weekday
	seen := make(map[time.Weekday]struct{})
	add := func(day time.Weekday) {
		if _, ok := seen[day]; !ok {
			days = append(days, day)
			seen[day] = struct{}{}
		}
	}

	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("invalid day specification %q", spec)
		}
		if from, to, ok := strings.Cut(part, "-"); ok {
			start, err := parseDayName(from)
			if err != nil {
				return nil, fmt.Errorf("%w in %q", err, spec)
			}
			end, err := parseDayName(to)
			if err != nil {
				return nil, fmt.Errorf("%w in %q", err, spec)
			}
			for day := start; ; day = (day + 1) % 7 {
				add(day)
				if day == end {
					break
				}
			}
			continue
		}
		day, err := parseDayName(part)
		if err != nil {
			return nil, fmt.Errorf("%w in %q", err, spec)
		}
		add(day)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("day specification %q resolved to no days", spec)
	}
	return days, nil
}

func parseDayName(value string) (time.Weekday, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tues", "tuesday":
		return time.Tuesday, nil
	case "wed", "weds", "wednesday":
		return time.Wednesday, nil
	case "thu", "thur", "thurs", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	}
	return time.Sunday, fmt.Errorf("unknown day %q", value)
}

func parseClock(value string) (int, error) {
	hourPart, minutePart, ok := strings.Cut(value, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", value)
	}
	hour, err := strconv.Atoi(hourPart)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(minutePart)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour*secondsPerHour + minute*secondsPerMinute, nil
}
