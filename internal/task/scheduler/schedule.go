package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Accepts 5-field and 6-field (leading seconds) expressions plus descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseSchedule normalizes a schedule string to a cron spec.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 3 * * *", "@hourly", "@every 6h"
//   - duration: "6h", "90m" (becomes "@every 6h0m0s")
//   - HH:MM interval: "06:00" is every six hours
func ParseSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		if _, err := parser.Parse(s); err != nil {
			return "", fmt.Errorf("invalid schedule %q: %w", raw, err)
		}
		return s, nil
	}

	var every time.Duration
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return "", fmt.Errorf("invalid minutes in %q", raw)
		}
		every = time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		d, err := time.ParseDuration(s)
		if err != nil {
			return "", fmt.Errorf("invalid schedule %q (use cron like '0 */6 * * *', HH:MM like '06:00', or a duration like '6h')", raw)
		}
		every = d
	}
	if every < time.Second {
		return "", fmt.Errorf("schedule %q: interval must be at least 1s", raw)
	}
	return "@every " + every.String(), nil
}

// NextRuns previews the next n activations of spec after from.
func NextRuns(spec string, from time.Time, n int) ([]time.Time, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
