package model

import (
	"fmt"
	"strconv"
)

// Range is a historical window expressed the way CoinGecko takes it:
// a number of days, or "max".
type Range string

const (
	Range1D   Range = "1"
	Range7D   Range = "7"
	Range14D  Range = "14"
	Range30D  Range = "30"
	Range90D  Range = "90"
	Range180D Range = "180"
	Range365D Range = "365"
	RangeMax  Range = "max"
)

// Ranges lists the windows offered for selection, shortest first.
var Ranges = []Range{Range1D, Range7D, Range14D, Range30D, Range90D, Range180D, Range365D, RangeMax}

// ParseRange validates s as a day count or "max".
func ParseRange(s string) (Range, error) {
	if s == string(RangeMax) {
		return RangeMax, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return "", fmt.Errorf("invalid range %q: want a positive day count or \"max\"", s)
	}
	return Range(strconv.Itoa(n)), nil
}

// Interval is the sampling granularity requested for this range.
// A one-day window is sampled hourly; everything longer daily.
func (r Range) Interval() string {
	if r == Range1D {
		return "hourly"
	}
	return "daily"
}

func (r Range) String() string { return string(r) }
