// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
	"unicode"
)

// JoinInts formats a slice of ints joined by sep.
// e.g., JoinInts([]int{1,2,3}, ",") => "1,2,3"
func JoinInts(is []int, sep string) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, sep)
}

// ClampInt limits x to the range [low, high]
func ClampInt(x, low, high int) int {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// AllElementsNumbers returns true if every rune in s is a digit
func AllElementsNumbers(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
