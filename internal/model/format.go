package model

import "strconv"

// FormatCompact renders n with a B/M/K suffix and two decimals.
func FormatCompact(n float64) string {
	switch {
	case n >= 1e9:
		return strconv.FormatFloat(n/1e9, 'f', 2, 64) + "B"
	case n >= 1e6:
		return strconv.FormatFloat(n/1e6, 'f', 2, 64) + "M"
	case n >= 1e3:
		return strconv.FormatFloat(n/1e3, 'f', 2, 64) + "K"
	}
	return strconv.FormatFloat(n, 'f', 2, 64)
}

// PercentChange returns the change from old to cur in percent.
// It reports false when old is zero.
func PercentChange(old, cur float64) (float64, bool) {
	if old == 0 {
		return 0, false
	}
	return (cur - old) / old * 100, true
}
