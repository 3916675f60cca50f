// Package imgproc loads camera images and reduces them to the per-image
// statistics the histogram is built from.
package imgproc

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/saia-lab/saia/util"
)

// ErrEmptyROI is returned when a ROI does not overlap the frame
var ErrEmptyROI = errors.New("ROI does not overlap the image")

// Frame is a single camera image.  Pix is row major, Width values per row.
type Frame struct {
	Width  int
	Height int
	Pix    []float64
}

// At returns the value of pixel (x, y), x the column and y the row
func (f Frame) At(x, y int) float64 {
	return f.Pix[y*f.Width+x]
}

// ROI is a square region of interest centred on (XC, YC).
// A Size of zero or less selects the whole frame.
type ROI struct {
	XC   int `json:"xc" yaml:"XC"`
	YC   int `json:"yc" yaml:"YC"`
	Size int `json:"size" yaml:"Size"`
}

// Whole reports if the ROI selects the entire frame
func (r ROI) Whole() bool {
	return r.Size <= 0
}

// Bounds returns the half-open pixel ranges [x0, x1), [y0, y1) covered by the ROI,
// intersected with a w x h frame
func (r ROI) Bounds(w, h int) (x0, x1, y0, y1 int) {
	if r.Whole() {
		return 0, w, 0, h
	}
	x0 = r.XC - r.Size/2
	y0 = r.YC - r.Size/2
	x1 = x0 + r.Size
	y1 = y0 + r.Size
	x0, x1 = max(x0, 0), min(x1, w)
	y0, y1 = max(y0, 0), min(y1, h)
	return
}

// Clamp returns a ROI that fits inside a w x h frame.  A ROI that would run off an edge
// is shrunk to twice the distance from its centre to the nearest edge, and never to
// less than a single pixel.
func (r ROI) Clamp(w, h int) ROI {
	if r.Whole() {
		return r
	}
	r.XC = util.ClampInt(r.XC, 0, w-1)
	r.YC = util.ClampInt(r.YC, 0, h-1)
	x0, y0 := r.XC-r.Size/2, r.YC-r.Size/2
	if x0 < 0 || y0 < 0 || x0+r.Size > w || y0+r.Size > h {
		r.Size = 2 * min(r.XC, r.YC, w-r.XC, h-r.YC)
	}
	if r.Size == 0 {
		r.Size = 1
	}
	return r
}

// String formats the ROI the way it is reported in the statistics log
func (r ROI) String() string {
	return util.JoinInts([]int{r.XC, r.YC, r.Size}, " ; ")
}

// ArgMax returns the column and row of the brightest pixel, the first in
// row-major order if several share the maximum
func ArgMax(f Frame) (x, y int) {
	best := math.Inf(-1)
	idx := 0
	for i, v := range f.Pix {
		if v > best {
			best = v
			idx = i
		}
	}
	return idx % f.Width, idx / f.Width
}

// ROIFromMax centres a ROI of the given size on the brightest pixel of f,
// presuming the image contains an atom
func ROIFromMax(f Frame, size int) ROI {
	x, y := ArgMax(f)
	return ROI{XC: x, YC: y, Size: size}
}

// Stats are the numbers kept for every processed image
type Stats struct {
	// Count is the sum of the pixels in the ROI
	Count float64

	// MaxX and MaxY locate the brightest ROI pixel, relative to the ROI corner
	MaxX, MaxY int

	// BgMean and BgStd are the mean and sample standard deviation of the pixels
	// outside the ROI, or of the whole frame when the ROI covers it
	BgMean, BgStd float64
}

// Measure reduces a frame to its Stats for the given ROI
func Measure(f Frame, roi ROI) (Stats, error) {
	var s Stats
	if f.Width*f.Height == 0 || len(f.Pix) != f.Width*f.Height {
		return s, fmt.Errorf("malformed frame %dx%d with %d pixels", f.Width, f.Height, len(f.Pix))
	}
	x0, x1, y0, y1 := roi.Bounds(f.Width, f.Height)
	if x1 <= x0 || y1 <= y0 {
		return s, ErrEmptyROI
	}

	best := math.Inf(-1)
	outside := make([]float64, 0, len(f.Pix)-(x1-x0)*(y1-y0))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			v := f.At(x, y)
			if x < x0 || x >= x1 || y < y0 || y >= y1 {
				outside = append(outside, v)
				continue
			}
			s.Count += v
			if v > best {
				best = v
				s.MaxX, s.MaxY = x-x0, y-y0
			}
		}
	}
	if len(outside) == 0 {
		outside = f.Pix
	}
	s.BgMean, s.BgStd = stat.MeanStdDev(outside, nil)
	if math.IsNaN(s.BgStd) {
		s.BgStd = 0
	}
	return s, nil
}
