// Package histplot draws histograms and statistics as PNG images.
package histplot

import (
	"errors"
	"image/color"
	"io"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/saia-lab/saia/fit"
	"github.com/saia-lab/saia/histo"
)

var (
	// Width and Height are the size of rendered plots
	Width  = 6 * vg.Inch
	Height = 4 * vg.Inch

	histColor   = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	threshColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	fitColor    = color.RGBA{R: 31, G: 119, B: 180, A: 255}
)

// ErrEmpty is returned when there is nothing to draw
var ErrEmpty = errors.New("nothing to plot")

// Render draws the histogram with a vertical line at the threshold and the fitted Gaussians,
// each parameter set being amplitude, centre and sigma, and writes it to w as a PNG
func Render(w io.Writer, h histo.Hist, thresh float64, fits [][]float64) error {
	if len(h.Occ) == 0 {
		return ErrEmpty
	}
	p := plot.New()
	p.Title.Text = "Histogram"
	p.X.Label.Text = "Counts"
	p.Y.Label.Text = "Occurrence"

	bins := make([]plotter.HistogramBin, len(h.Occ))
	for i, o := range h.Occ {
		bins[i] = plotter.HistogramBin{Min: h.Edges[i], Max: h.Edges[i+1], Weight: o}
	}
	hist := &plotter.Histogram{
		Bins:      bins,
		Width:     h.Edges[len(h.Edges)-1] - h.Edges[0],
		FillColor: histColor,
		LineStyle: plotter.DefaultLineStyle,
	}
	p.Add(hist)

	top := floats.Max(h.Occ)
	line, err := plotter.NewLine(plotter.XYs{{X: thresh, Y: 0}, {X: thresh, Y: top}})
	if err != nil {
		return err
	}
	line.Color = threshColor
	p.Add(line)

	for _, ps := range fits {
		if len(ps) != 3 {
			continue
		}
		params := ps
		f := plotter.NewFunction(func(x float64) float64 { return fit.GaussModel(x, params) })
		f.XMin, f.XMax = h.Edges[0], h.Edges[len(h.Edges)-1]
		f.Samples = 200
		f.Color = fitColor
		p.Add(f)
	}

	return writePNG(w, p)
}

// Scatter plots ys against xs with the axes labelled, and writes it to w as a PNG
func Scatter(w io.Writer, xs, ys []float64, xLabel, yLabel string) error {
	if len(xs) == 0 || len(xs) != len(ys) {
		return ErrEmpty
	}
	p := plot.New()
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	pts := make(plotter.XYs, len(xs))
	for i := range xs {
		pts[i] = plotter.XY{X: xs[i], Y: ys[i]}
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	scatter.GlyphStyle.Radius = vg.Length(3)
	scatter.GlyphStyle.Color = fitColor
	p.Add(scatter)

	return writePNG(w, p)
}

func writePNG(w io.Writer, p *plot.Plot) error {
	c := vgimg.New(Width, Height)
	p.Draw(draw.New(c))
	_, err := vgimg.PngCanvas{Canvas: c}.WriteTo(w)
	return err
}
