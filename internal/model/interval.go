package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseInterval accepts a Go duration ("5s"), an ISO8601 duration ("PT5S")
// or a cron expression ("@every 5s", "*/5 * * * *"). A cron expression is
// converted to the distance between its two next firings.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var d time.Duration
	var err error
	switch {
	case s == "":
		return 0, fmt.Errorf("empty interval")
	case strings.HasPrefix(s, "P"):
		d, err = ParseISODuration(s)
	case strings.HasPrefix(s, "@") || len(strings.Fields(s)) == 5:
		d, err = ParseCron(s)
	default:
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("parsing interval %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parsing interval %q: %w", s, ErrInterval)
	}
	return d, nil
}

// ParseCron parses a standard 5 field expression or a descriptor and returns
// the interval between two consecutive firings.
func ParseCron(expr string) (time.Duration, error) {
	schedule, err := cron.ParseStandard(strings.TrimSpace(expr))
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

// ParseISODuration parses the day and time part of ISO8601 durations.
// Years, months and weeks are rejected as their length is ambiguous.
func ParseISODuration(dur string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(dur)
	if m == nil || dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrISOFormat, err)
		}
		ret += time.Duration(n) * unit
	}
	if m[4] != "" {
		secs, err := strconv.ParseFloat(strings.Replace(m[4], ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrISOFormat, err)
		}
		ret += time.Duration(secs * float64(time.Second))
	}
	return ret, nil
}
