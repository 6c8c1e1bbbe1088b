// Package frequency parses the coarse run-interval and time-of-day strings
// that drive job scheduling: "N<unit>" durations and "HH:MM" clock times.
package frequency

import (
	"strconv"
	"strings"

	"github.com/riverfield/crontabber/internal/errs"
)

// TimeOfDay is a daily wall-clock slot a job is pinned to.
type TimeOfDay struct {
	Hour   int
	Minute int
}

var unitSeconds = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 7 * 86400,
}

// MinDailyFrequencySeconds is the smallest frequency a TimeOfDay may be
// paired with; a sub-daily frequency with a fixed time is meaningless.
const MinDailyFrequencySeconds = 86400

// Parse converts "N<unit>" (unit one of s, m, h, d, w) into seconds.
func Parse(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, &errs.FrequencyDefinitionError{Input: raw, Reason: "empty frequency"}
	}
	unit := s[len(s)-1]
	mult, ok := unitSeconds[unit]
	if !ok {
		return 0, &errs.FrequencyDefinitionError{Input: raw, Reason: "unknown unit " + string(unit)}
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, &errs.FrequencyDefinitionError{Input: raw, Reason: "non-integer quantity"}
	}
	if n <= 0 {
		return 0, &errs.FrequencyDefinitionError{Input: raw, Reason: "quantity must be positive"}
	}
	return n * mult, nil
}

// ParseTimeOfDay converts "HH:MM" into an hour/minute pair.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return TimeOfDay{}, &errs.TimeDefinitionError{Input: raw, Reason: "expected HH:MM"}
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return TimeOfDay{}, &errs.TimeDefinitionError{Input: raw, Reason: "non-integer hour"}
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return TimeOfDay{}, &errs.TimeDefinitionError{Input: raw, Reason: "non-integer minute"}
	}
	if h < 0 || h > 23 {
		return TimeOfDay{}, &errs.TimeDefinitionError{Input: raw, Reason: "hour out of range [0,23]"}
	}
	if m < 0 || m > 59 {
		return TimeOfDay{}, &errs.TimeDefinitionError{Input: raw, Reason: "minute out of range [0,59]"}
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// Validate enforces that a time-of-day is only paired with a daily-or-slower
// frequency.
func Validate(frequencySeconds int64, tod *TimeOfDay) error {
	if tod != nil && frequencySeconds < MinDailyFrequencySeconds {
		return &errs.FrequencyDefinitionError{
			Input:  strconv.FormatInt(frequencySeconds, 10),
			Reason: "time_of_day requires frequency_seconds >= 86400",
		}
	}
	return nil
}
