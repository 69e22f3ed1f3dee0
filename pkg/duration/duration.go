// Package duration parses and formats media positions.
//
// Accepted forms:
//   - Go durations: "90s", "1h2m3.5s"
//   - word units, with optional spaces: "1 minute 30 seconds", "250 millis"
//   - clock notation: "1:02:03", "02:03.250"
//   - a bare number of seconds: "42", "1.5"
package duration

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var wordUnits = map[string]string{
	"hour": "h", "hours": "h", "hr": "h", "hrs": "h",
	"minute": "m", "minutes": "m", "min": "m", "mins": "m",
	"second": "s", "seconds": "s", "sec": "s", "secs": "s",
	"millisecond": "ms", "milliseconds": "ms", "milli": "ms", "millis": "ms",
}

var wordUnitPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(hours?|hrs?|minutes?|mins?|seconds?|secs?|milliseconds?|millis?)\b`)

// Parse parses a position. Negative values are rejected.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("duration: %q is negative", s)
	}

	if strings.Contains(s, ":") {
		return parseClock(s)
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsInf(secs, 0) || math.IsNaN(secs) {
			return 0, fmt.Errorf("duration: invalid value %q", s)
		}
		return seconds(secs), nil
	}

	normalized := wordUnitPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := wordUnitPattern.FindStringSubmatch(match)
		return m[1] + wordUnits[strings.ToLower(m[2])]
	})
	normalized = strings.Join(strings.Fields(normalized), "")

	d, err := time.ParseDuration(normalized)
	if err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}
	return d, nil
}

// MustParse is Parse that panics on error.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// parseClock handles [hh:]mm:ss[.fraction].
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("duration: invalid clock value %q", s)
	}

	secs, err := strconv.ParseFloat(parts[len(parts)-1], 64)
	if err != nil || secs < 0 || secs >= 60 {
		return 0, fmt.Errorf("duration: invalid seconds in %q", s)
	}
	total := seconds(secs)

	unit := time.Minute
	for i := len(parts) - 2; i >= 0; i-- {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("duration: invalid clock value %q", s)
		}
		if unit == time.Minute && len(parts) == 3 && n >= 60 {
			return 0, fmt.Errorf("duration: invalid minutes in %q", s)
		}
		total += time.Duration(n) * unit
		unit = time.Hour
	}
	return total, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}

// Format renders d in clock notation with millisecond precision, omitting
// the hour field when zero: "2:03.250", "1:02:03.000".
func Format(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	d = d.Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	ms := (d - s*time.Second) / time.Millisecond
	if h > 0 {
		return fmt.Sprintf("%s%d:%02d:%02d.%03d", sign, h, m, s, ms)
	}
	return fmt.Sprintf("%s%d:%02d.%03d", sign, m, s, ms)
}
