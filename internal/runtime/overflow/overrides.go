package overflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Override replaces the bucket parameters for one token.
type Override struct {
	Capacity float64
	Rate     float64
}

// ParseOverrides reads a comma separated list of "token=capacity" or
// "token=capacity:rate" entries. Invalid entries are returned as errors and
// skipped; the valid ones are still applied.
func ParseOverrides(csv string) (map[string]Override, []error) {
	out := make(map[string]Override)
	var errs []error
	for _, raw := range strings.Split(csv, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		token, limits, ok := strings.Cut(entry, "=")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			errs = append(errs, fmt.Errorf("overflow override %q: want token=capacity", entry))
			continue
		}
		capStr, rateStr, hasRate := strings.Cut(limits, ":")
		capacity, err := strconv.ParseFloat(strings.TrimSpace(capStr), 64)
		if err != nil || capacity <= 0 {
			errs = append(errs, fmt.Errorf("overflow override %q: invalid capacity", entry))
			continue
		}
		o := Override{Capacity: capacity}
		if hasRate {
			r, err := strconv.ParseFloat(strings.TrimSpace(rateStr), 64)
			if err != nil || r <= 0 {
				errs = append(errs, fmt.Errorf("overflow override %q: invalid rate", entry))
				continue
			}
			o.Rate = r
		}
		out[token] = o
	}
	return out, errs
}
