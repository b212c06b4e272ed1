// Package util contains misc internal utilities.
package util

import "time"

// Clamp returns v limited to the range [low, high].
func Clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

// SecsToDuration converts a float number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
