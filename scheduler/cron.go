package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCron is wrapped by all cron parse failures. Unsupported
// expressions are rejected at schedule-creation time instead of being
// silently approximated.
var ErrInvalidCron = fmt.Errorf("invalid cron expression")

// fieldSpec describes the valid range of one cron field.
type fieldSpec struct {
	name string
	min  int
	max  int
}

var cronFields = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// CronSchedule is a parsed five-field cron expression. Each field holds
// the set of accepted values.
type CronSchedule struct {
	expr    string
	minute  map[int]bool
	hour    map[int]bool
	dom     map[int]bool
	month   map[int]bool
	dow     map[int]bool
	domStar bool
	dowStar bool
}

// ParseCron parses a five-field cron expression
// (minute hour day-of-month month day-of-week). Supported per field:
// literal integers, "*", "*/step", ranges "a-b", and comma lists.
// Anything else is rejected.
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d in %q", ErrInvalidCron, len(fields), expr)
	}

	sets := make([]map[int]bool, 5)
	for i, f := range fields {
		set, err := parseField(f, cronFields[i])
		if err != nil {
			return nil, err
		}
		sets[i] = set
	}

	return &CronSchedule{
		expr:    expr,
		minute:  sets[0],
		hour:    sets[1],
		dom:     sets[2],
		month:   sets[3],
		dow:     sets[4],
		domStar: fields[2] == "*",
		dowStar: fields[4] == "*",
	}, nil
}

// ValidateCron reports whether expr is a supported cron expression.
func ValidateCron(expr string) bool {
	_, err := ParseCron(expr)
	return err == nil
}

// parseField expands one field into its accepted value set.
func parseField(field string, spec fieldSpec) (map[int]bool, error) {
	set := make(map[int]bool)

	for _, part := range strings.Split(field, ",") {
		switch {
		case part == "*":
			for v := spec.min; v <= spec.max; v++ {
				set[v] = true
			}

		case strings.HasPrefix(part, "*/"):
			step, err := strconv.Atoi(part[2:])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("%w: bad step %q in %s field", ErrInvalidCron, part, spec.name)
			}
			for v := spec.min; v <= spec.max; v += step {
				set[v] = true
			}

		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			lo, err1 := strconv.Atoi(bounds[0])
			hi, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || lo > hi || lo < spec.min || hi > spec.max {
				return nil, fmt.Errorf("%w: bad range %q in %s field", ErrInvalidCron, part, spec.name)
			}
			for v := lo; v <= hi; v++ {
				set[v] = true
			}

		default:
			v, err := strconv.Atoi(part)
			if err != nil || v < spec.min || v > spec.max {
				return nil, fmt.Errorf("%w: bad value %q in %s field", ErrInvalidCron, part, spec.name)
			}
			set[v] = true
		}
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("%w: empty %s field", ErrInvalidCron, spec.name)
	}
	return set, nil
}

// String returns the original expression.
func (s *CronSchedule) String() string { return s.expr }

// Next returns the first time strictly after t that matches the
// schedule. Standard cron semantics apply to the two day fields: when
// both are restricted, a day matching either fires.
func (s *CronSchedule) Next(t time.Time) time.Time {
	// Start at the next whole minute.
	next := t.Truncate(time.Minute).Add(time.Minute)

	// Bounded scan; five years covers every satisfiable expression the
	// supported grammar can produce.
	limit := next.AddDate(5, 0, 0)
	for next.Before(limit) {
		if !s.month[int(next.Month())] {
			next = time.Date(next.Year(), next.Month(), 1, 0, 0, 0, 0, next.Location()).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(next) {
			next = time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, next.Location()).AddDate(0, 0, 1)
			continue
		}
		if !s.hour[next.Hour()] {
			next = time.Date(next.Year(), next.Month(), next.Day(), next.Hour(), 0, 0, 0, next.Location()).Add(time.Hour)
			continue
		}
		if !s.minute[next.Minute()] {
			next = next.Add(time.Minute)
			continue
		}
		return next
	}
	return limit
}

// dayMatches applies the cron day rule: if both day fields are
// restricted, either may match; otherwise the restricted one governs.
func (s *CronSchedule) dayMatches(t time.Time) bool {
	domOK := s.dom[t.Day()]
	dowOK := s.dow[int(t.Weekday())]
	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowOK
	case s.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}
