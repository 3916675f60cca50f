package histo

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/saia-lab/saia/mathx"
)

var (
	// ErrNoData is returned when no images have been processed
	ErrNoData = errors.New("no images processed")

	// ErrNotTwoPeaks is returned by operations that need a background and a signal peak
	ErrNotTwoPeaks = errors.New("histogram does not have two peaks")
)

// MaxAutoBins caps the number of automatically chosen bins
const MaxAutoBins = 500

// Bins are user supplied histogram bins, N equal bins spanning [Lo, Hi].
// N of zero means bins are chosen automatically.
type Bins struct {
	Lo float64 `json:"lo" yaml:"Lo"`
	Hi float64 `json:"hi" yaml:"Hi"`
	N  int     `json:"n" yaml:"N"`
}

// Auto reports if the bins are chosen from the data
func (b Bins) Auto() bool {
	return b.N <= 0
}

// Edges returns the N+1 bin edges
func (b Bins) Edges() []float64 {
	return mathx.Linspace(b.Lo, b.Hi, b.N+1)
}

// Hist is a histogram.  Edges has one more element than Occ.
type Hist struct {
	Edges []float64 `json:"edges"`
	Occ   []float64 `json:"occ"`
}

// BinWidth is the width of the first bin
func (h Hist) BinWidth() float64 {
	if len(h.Edges) < 2 {
		return 0
	}
	return h.Edges[1] - h.Edges[0]
}

// Centres returns the middle of each bin
func (h Hist) Centres() []float64 {
	out := make([]float64, len(h.Occ))
	for i := range out {
		out[i] = (h.Edges[i] + h.Edges[i+1]) / 2
	}
	return out
}

// AutoBins chooses bins for the data.  The range runs from 3% below the smallest count to
// 2% above the largest and the number of bins grows with the number of images and the
// relative spread of the counts.  Data with no spread gets 10 bins spanning one count.
func AutoBins(counts []float64) Bins {
	mn, mx := floats.Min(counts), floats.Max(counts)
	if mn == mx {
		return Bins{Lo: mn - 0.5, Hi: mx + 0.5, N: 10}
	}
	lo := mn - 0.03*math.Abs(mn)
	hi := mx + 0.02*math.Abs(mx)
	n := float64(len(counts))
	scale := math.Abs(hi)
	if scale == 0 {
		scale = hi - lo
	}
	rel := (hi - lo) / scale
	nbins := math.Min(17+5e-5*n*n+rel*rel*15, MaxAutoBins)
	return Bins{Lo: lo, Hi: hi, N: int(nbins)}
}

// Histogram bins counts.  Values outside the bins are ignored and the right-most
// edge is inclusive.
func Histogram(counts []float64, b Bins) Hist {
	edges := b.Edges()
	occ := make([]float64, len(edges)-1)
	if len(occ) == 0 {
		return Hist{Edges: edges, Occ: occ}
	}
	last := edges[len(edges)-1]
	inside := make([]float64, 0, len(counts))
	for _, c := range counts {
		switch {
		case c == last:
			occ[len(occ)-1]++
		case c >= edges[0] && c < last:
			inside = append(inside, c)
		}
	}
	if len(inside) > 0 {
		sort.Float64s(inside)
		var binned []float64
		binned = stat.Histogram(binned, edges, inside, nil)
		floats.Add(occ, binned)
	}
	return Hist{Edges: edges, Occ: occ}
}
