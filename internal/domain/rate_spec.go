package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidRateSpec = errors.New("invalid rate spec")

// RateSpec allows Limit requests per Window.
type RateSpec struct {
	Limit  int
	Window time.Duration
}

var rateUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// ParseRateSpec parses "10/m", "5/s", "100/h", "1000/d" and the extended
// "10/30s" form.
func ParseRateSpec(raw string) (RateSpec, error) {
	countPart, periodPart, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return RateSpec{}, fmt.Errorf("%w: %q", ErrInvalidRateSpec, raw)
	}

	limit, err := strconv.Atoi(strings.TrimSpace(countPart))
	if err != nil || limit <= 0 {
		return RateSpec{}, fmt.Errorf("%w: bad limit in %q", ErrInvalidRateSpec, raw)
	}

	periodPart = strings.ToLower(strings.TrimSpace(periodPart))
	if periodPart == "" {
		return RateSpec{}, fmt.Errorf("%w: missing period in %q", ErrInvalidRateSpec, raw)
	}

	unit, ok := rateUnits[periodPart[len(periodPart)-1:]]
	if !ok {
		return RateSpec{}, fmt.Errorf("%w: unknown unit in %q", ErrInvalidRateSpec, raw)
	}

	multiplier := 1
	if digits := periodPart[:len(periodPart)-1]; digits != "" {
		multiplier, err = strconv.Atoi(digits)
		if err != nil || multiplier <= 0 {
			return RateSpec{}, fmt.Errorf("%w: bad period in %q", ErrInvalidRateSpec, raw)
		}
	}

	return RateSpec{Limit: limit, Window: time.Duration(multiplier) * unit}, nil
}

// MustParseRateSpec is ParseRateSpec for constant specs.
func MustParseRateSpec(raw string) RateSpec {
	spec, err := ParseRateSpec(raw)
	if err != nil {
		panic(err)
	}
	return spec
}

func (s RateSpec) String() string {
	return fmt.Sprintf("%d/%s", s.Limit, s.Window)
}

func (s RateSpec) Valid() bool {
	return s.Limit > 0 && s.Window > 0
}
