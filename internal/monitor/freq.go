// Package monitor implements the frequency-window, rule-matching, and
// action-preprocessing logic at the heart of the monitoring engine. Nothing
// in this package touches the filesystem or the clock's wall-time source
// directly except through parameters, so it is exercised entirely with
// table-driven unit tests.
package monitor

import (
	"fmt"
	"strconv"
	"strings"
)

// Freq is a frequency bound: "at most/at least Count events per Period
// seconds". It serializes as "count/period".
type Freq struct {
	Count  uint64
	Period uint64 // seconds, always >= 1
}

// String renders the frequency in "count/period" form.
func (f Freq) String() string {
	return fmt.Sprintf("%d/%d", f.Count, f.Period)
}

// ParseFreq parses a "count/period" string. Period must be >= 1.
func ParseFreq(s string) (Freq, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Freq{}, fmt.Errorf("monitor: invalid frequency %q: want \"count/period\"", s)
	}
	count, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return Freq{}, fmt.Errorf("monitor: invalid frequency count in %q: %w", s, err)
	}
	period, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return Freq{}, fmt.Errorf("monitor: invalid frequency period in %q: %w", s, err)
	}
	if period < 1 {
		return Freq{}, fmt.Errorf("monitor: frequency period must be >= 1 in %q", s)
	}
	return Freq{Count: count, Period: period}, nil
}
