package histo

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// sigmaPerHWHM converts a half width at half maximum to a Gaussian standard deviation
var sigmaPerHWHM = 1 / math.Sqrt(2*math.Ln2)

// Peak describes one population in the histogram
type Peak struct {
	// Height is the occupancy of the peak bin, or the fitted amplitude
	Height float64 `json:"height"`

	// Centre is the count at the peak
	Centre float64 `json:"centre"`

	// Width is the standard deviation of the peak in counts
	Width float64 `json:"width"`
}

// FindPeaks returns the indices of the local maxima of y.  The data is padded with a zero at
// either end so a peak may sit in the first or last element; flat tops resolve to their
// middle, rounding down.  Of any two peaks closer than distance the lower is dropped.
func FindPeaks(y []float64, distance int) []int {
	padded := make([]float64, len(y)+2)
	copy(padded[1:], y)

	var peaks []int
	for i := 1; i < len(padded)-1; {
		if padded[i-1] >= padded[i] {
			i++
			continue
		}
		ahead := i + 1
		for ahead < len(padded)-1 && padded[ahead] == padded[i] {
			ahead++
		}
		if padded[ahead] < padded[i] {
			peaks = append(peaks, (i+ahead-1)/2-1)
		}
		i = ahead
	}
	if distance <= 1 || len(peaks) < 2 {
		return peaks
	}

	// highest first, higher index wins a tie
	order := make([]int, len(peaks))
	for i := range order {
		order[i] = len(peaks) - 1 - i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return y[peaks[order[a]]] > y[peaks[order[b]]]
	})
	keep := make([]bool, len(peaks))
	for i := range keep {
		keep[i] = true
	}
	for _, j := range order {
		if !keep[j] {
			continue
		}
		for k := j - 1; k >= 0 && peaks[j]-peaks[k] < distance; k-- {
			keep[k] = false
		}
		for k := j + 1; k < len(peaks) && peaks[k]-peaks[j] < distance; k++ {
			keep[k] = false
		}
	}
	out := peaks[:0]
	for i, p := range peaks {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// halfWidth returns the mean distance, in bins, from peak i of y to where y falls to half of
// its height on either side, interpolating between bins.  y is treated as zero beyond its ends.
func halfWidth(y []float64, i int) float64 {
	half := y[i] / 2
	at := func(j int) float64 {
		if j < 0 || j >= len(y) {
			return 0
		}
		return y[j]
	}
	left := float64(i)
	for j := i; j >= -1; j-- {
		if at(j) <= half {
			// interpolate between j and j+1
			left = float64(j) + (half-at(j))/(at(j+1)-at(j))
			break
		}
	}
	right := float64(i)
	for j := i; j <= len(y); j++ {
		if at(j) <= half {
			right = float64(j) - (half-at(j))/(at(j-1)-at(j))
			break
		}
	}
	return (right - left) / 2
}

// SeparatePeaks searches for the background and signal peaks of h.  The minimum peak
// separation starts at one bin and grows until at most two peaks remain.  Two peaks are
// returned lowest count first; otherwise the surviving peaks, if any, are returned.
func SeparatePeaks(h Hist) []Peak {
	if len(h.Occ) == 0 {
		return nil
	}
	var idx []int
	for d := 1; ; d++ {
		idx = FindPeaks(h.Occ, d)
		if len(idx) <= 2 {
			break
		}
	}
	centres := h.Centres()
	bw := h.BinWidth()
	out := make([]Peak, len(idx))
	for k, i := range idx {
		out[k] = Peak{
			Height: h.Occ[i],
			Centre: centres[i],
			Width:  halfWidth(h.Occ, i) * bw * sigmaPerHWHM,
		}
	}
	return out
}

// estPeak estimates a single peak from the maximum of y.  top is the first index at or
// above the peak where y returns to zero, or the last index if it never does.
func estPeak(x, y []float64) (p Peak, ind, top int) {
	ind = floats.MaxIdx(y)
	p.Height, p.Centre = y[ind], x[ind]
	p.Width = -1
	top = -1
	for j := ind; j < len(y); j++ {
		if p.Width < 0 && y[j] < p.Height/2 {
			p.Width = math.Abs(p.Centre-x[j]) * sigmaPerHWHM
		}
		if y[j] == 0 {
			top = j
			break
		}
	}
	if p.Width < 0 || top < 0 {
		if ind > 0 {
			p.Width = math.Abs(p.Centre-x[ind-1]) * sigmaPerHWHM
		} else if len(x) > 1 {
			p.Width = math.Abs(x[1]-x[0]) * sigmaPerHWHM
		} else {
			p.Width = 0
		}
		top = len(y) - 1
	}
	return p, ind, top
}

// EstParam estimates two peaks assuming they are separated by a region of zeros.  The first
// comes from the global maximum; the second from the data above the first peak's upper edge,
// or from below the first peak if nothing lies above it.
func EstParam(h Hist) (first, second Peak) {
	x := h.Centres()
	y := h.Occ
	if len(y) == 0 {
		return
	}
	first, ind, top := estPeak(x, y)
	if top < len(y)-1 && floats.Max(y[top:]) > 0 {
		second, _, _ = estPeak(x[top:], y[top:])
		return
	}
	end := 2*ind - top
	if end < 1 {
		end = min(ind, 1)
	}
	if end < 1 {
		return first, first
	}
	second, _, _ = estPeak(x[:end], y[:end])
	return
}
