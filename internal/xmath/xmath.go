// Package xmath holds small generic numeric helpers shared by the
// packet-chunking code in the flash driver.
package xmath

import "golang.org/x/exp/constraints"

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// CeilDiv returns ceil(a/b) for positive a and b, and 0 when a <= 0.
func CeilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
