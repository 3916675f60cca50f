// Package mathx holds small numeric helpers shared by the analysis packages.
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Values are rounded half away from zero.
func Round(x, unit float64) float64 {
	if unit == 0 {
		return x
	}
	return math.Round(x/unit) * unit
}

// RoundDP rounds x to dp decimal places, the way statistics are reported in the log
func RoundDP(x float64, dp int) float64 {
	p := math.Pow(10, float64(dp))
	return math.Round(x*p) / p
}

// Linspace returns n evenly spaced values over [start, stop], endpoint included.
func Linspace(start, stop float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}

// SafeSqrt returns sqrt(x), or zero for negative x
func SafeSqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Sqrt(x)
}
