package spec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseISODuration parses an ISO-8601 duration of the PnDTnHnMn.nS form
// (the subset with fixed-length units). A trailing number without a unit
// in the time part counts as seconds, so the historical default "PT10"
// means ten seconds.
func ParseISODuration(s string) (time.Duration, error) {
	in := strings.TrimSpace(s)
	neg := false
	switch {
	case strings.HasPrefix(in, "-"):
		neg = true
		in = in[1:]
	case strings.HasPrefix(in, "+"):
		in = in[1:]
	}
	if len(in) < 2 || (in[0] != 'P' && in[0] != 'p') {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	in = in[1:]

	datePart, timePart, hasTime := strings.Cut(strings.ToUpper(in), "T")
	if hasTime && timePart == "" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: empty time part", s)
	}

	var total time.Duration
	if datePart != "" {
		days, rest, ok := strings.Cut(datePart, "D")
		if !ok || rest != "" {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: only days are allowed before T", s)
		}
		n, err := strconv.ParseInt(days, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
		}
		total += time.Duration(n) * 24 * time.Hour
	}

	units := []struct {
		designator byte
		unit       time.Duration
	}{
		{'H', time.Hour},
		{'M', time.Minute},
		{'S', time.Second},
	}
	rest := timePart
	next := 0
	for rest != "" {
		i := strings.IndexAny(rest, "HMS")
		if i < 0 {
			// Unit-less remainder: seconds.
			d, err := fractional(rest, time.Second)
			if err != nil {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
			}
			total += d
			break
		}
		idx := -1
		for j := next; j < len(units); j++ {
			if units[j].designator == rest[i] {
				idx = j
				break
			}
		}
		if idx < 0 {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: unit %c out of order", s, rest[i])
		}
		d, err := fractional(rest[:i], units[idx].unit)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
		}
		total += d
		next = idx + 1
		rest = rest[i+1:]
	}

	if datePart == "" && !hasTime {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	if neg {
		total = -total
	}
	return total, nil
}

// fractional parses a decimal number of units. Only the last component may
// carry a fraction in ISO-8601, but accepting it anywhere is harmless.
func fractional(s string, unit time.Duration) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("missing number")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(unit)), nil
}
