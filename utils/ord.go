package utils

import "golang.org/x/exp/constraints"

// Clamp limits v to the [lo, hi] range.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
