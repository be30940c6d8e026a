// Package numfmt provides fixed-width digit-count helpers used to keep
// encoded record lengths stable regardless of the magnitude of the value
// being encoded.
package numfmt

// UintDigits is the number of decimal digits needed to represent the
// largest possible uint32 value (4294967295 -> 10 digits).
const UintDigits = 10

// SizeDigits is the number of decimal digits needed to represent the
// largest possible uint64 value (18446744073709551615 -> 20 digits).
const SizeDigits = 20

// Digits returns the number of decimal digits required to print val,
// counted with integer division so the result is exact for every uint64.
func Digits(val uint64) int {
	n := 1
	for val >= 10 {
		val /= 10
		n++
	}
	return n
}
