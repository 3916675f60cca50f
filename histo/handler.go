// Package histo accumulates per-image counts into a histogram and estimates the
// threshold separating images without an atom from images with one.
package histo

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/saia-lab/saia/fit"
	"github.com/saia-lab/saia/imgproc"
	"github.com/saia-lab/saia/mathx"
)

// DefaultCapacity is the number of images the buffers hold before they are grown
const DefaultCapacity = 10000

// FidelitySteps is the number of thresholds tried when searching for the best fidelity
const FidelitySteps = 100

// grow extends s by n zero elements
func grow[T any](s []T, n int) []T {
	return append(s, make([]T, n)...)
}

// Handler processes images into counts and keeps the histogram state.
// It is safe for concurrent use.
type Handler struct {
	mu sync.RWMutex

	// n is the growth step of the buffers
	n int

	counts []float64
	atom   []bool
	maxX   []int
	maxY   []int
	bgMean []float64
	bgStd  []float64
	files  []string
	imNum  int

	roi    imgproc.ROI
	delim  string
	bins   Bins
	thresh float64
	manual bool

	hist        Hist
	peaks       []Peak
	fits        [][]float64
	fidelity    float64
	errFidelity float64

	last imgproc.Frame

	// Log receives warnings; a no-op logger if nil
	Log *zap.SugaredLogger
}

// NewHandler returns a Handler whose buffers grow n images at a time.
// n <= 0 selects DefaultCapacity.  delim separates columns of ASCII images.
func NewHandler(n int, delim string) *Handler {
	if n <= 0 {
		n = DefaultCapacity
	}
	h := &Handler{n: n, delim: delim, thresh: 1}
	h.alloc(n)
	return h
}

func (h *Handler) alloc(size int) {
	h.counts = make([]float64, size)
	h.atom = make([]bool, size)
	h.maxX = make([]int, size)
	h.maxY = make([]int, size)
	h.bgMean = make([]float64, size)
	h.bgStd = make([]float64, size)
	h.files = make([]string, size)
}

func (h *Handler) growBuffers() {
	h.counts = grow(h.counts, h.n)
	h.atom = grow(h.atom, h.n)
	h.maxX = grow(h.maxX, h.n)
	h.maxY = grow(h.maxY, h.n)
	h.bgMean = grow(h.bgMean, h.n)
	h.bgStd = grow(h.bgStd, h.n)
	h.files = grow(h.files, h.n)
}

func (h *Handler) log() *zap.SugaredLogger {
	if h.Log == nil {
		return zap.NewNop().Sugar()
	}
	return h.Log
}

// Capacity is the current length of the buffers
func (h *Handler) Capacity() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.counts)
}

// ImNum is the number of images processed
func (h *Handler) ImNum() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.imNum
}

// Label returns the file label of a stored image, the run number after its last underscore
func Label(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if idx := strings.LastIndex(base, "_"); idx >= 0 {
		return base[idx+1:]
	}
	return base
}

// Process loads the image at path, measures it with the current ROI and appends the result
func (h *Handler) Process(path string) (imgproc.Stats, error) {
	h.mu.RLock()
	delim := h.delim
	h.mu.RUnlock()
	fr, err := imgproc.Load(path, delim)
	if err != nil {
		return imgproc.Stats{}, fmt.Errorf("loading %s: %w", path, err)
	}
	return h.ProcessFrame(Label(path), fr)
}

// ProcessFrame measures an already loaded image and appends the result under label
func (h *Handler) ProcessFrame(label string, fr imgproc.Frame) (imgproc.Stats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := imgproc.Measure(fr, h.roi)
	if err != nil {
		return s, fmt.Errorf("image %s with ROI %s: %w", label, h.roi, err)
	}
	if h.imNum == len(h.counts) {
		h.growBuffers()
	}
	i := h.imNum
	h.counts[i] = s.Count
	h.atom[i] = s.Count >= h.thresh
	h.maxX[i], h.maxY[i] = s.MaxX, s.MaxY
	h.bgMean[i], h.bgStd[i] = s.BgMean, s.BgStd
	h.files[i] = label
	h.imNum++
	h.last = fr
	return s, nil
}

// LastFrame returns the most recently processed image
func (h *Handler) LastFrame() (imgproc.Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last, h.last.Width > 0
}

// Reset empties the buffers, keeping the ROI, bins and threshold
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alloc(h.n)
	h.imNum = 0
	h.hist = Hist{}
	h.peaks = nil
	h.fits = nil
	h.fidelity, h.errFidelity = 0, 0
}

// ROI returns the region of interest
func (h *Handler) ROI() imgproc.ROI {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.roi
}

// SetROI changes the region of interest used for subsequent images
func (h *Handler) SetROI(r imgproc.ROI) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last.Width > 0 {
		c := r.Clamp(h.last.Width, h.last.Height)
		if c != r {
			h.log().Warnw("ROI does not fit the image, clamped", "requested", r.String(), "used", c.String())
		}
		r = c
	}
	h.roi = r
	return nil
}

// SetROIFromImage centres the ROI on the brightest pixel of the image at path, keeping its size,
// and returns the new ROI
func (h *Handler) SetROIFromImage(path string) (imgproc.ROI, error) {
	h.mu.RLock()
	delim, size := h.delim, h.roi.Size
	h.mu.RUnlock()
	fr, err := imgproc.Load(path, delim)
	if err != nil {
		return imgproc.ROI{}, err
	}
	r := imgproc.ROIFromMax(fr, size).Clamp(fr.Width, fr.Height)
	h.mu.Lock()
	h.roi = r
	h.mu.Unlock()
	return r, nil
}

// Bins returns the manual bins; N is zero when bins are automatic
func (h *Handler) Bins() Bins {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bins
}

// SetBins fixes the histogram bins.  n of zero returns to automatic binning.
func (h *Handler) SetBins(lo, hi float64, n int) error {
	if n < 0 || (n > 0 && !(hi > lo)) {
		return fmt.Errorf("invalid bins: %d bins over [%g, %g]", n, lo, hi)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bins = Bins{Lo: lo, Hi: hi, N: n}
	if n == 0 {
		h.bins = Bins{}
	}
	return nil
}

// Threshold returns the current threshold
func (h *Handler) Threshold() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.thresh
}

// SetThreshold sets the threshold and updates the atom flags.  The fidelity is
// recalculated if the peaks are known.
func (h *Handler) SetThreshold(t float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setThresh(t)
	h.updateFidelity()
}

func (h *Handler) setThresh(t float64) {
	h.thresh = t
	for i := 0; i < h.imNum; i++ {
		h.atom[i] = h.counts[i] >= t
	}
}

// Manual reports if the threshold is held at a user supplied value
func (h *Handler) Manual() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.manual
}

// SetManual turns the user threshold on or off.  While on, Refresh and the fits leave
// the threshold alone.
func (h *Handler) SetManual(b bool) error {
	h.mu.Lock()
	h.manual = b
	h.mu.Unlock()
	return nil
}

func (h *Handler) histogram() (Hist, error) {
	if h.imNum == 0 {
		return Hist{}, ErrNoData
	}
	data := h.counts[:h.imNum]
	b := h.bins
	if b.Auto() {
		b = AutoBins(data)
	}
	h.hist = Histogram(data, b)
	h.peaks = SeparatePeaks(h.hist)
	h.fits = nil
	return h.hist, nil
}

// Histogram bins the counts and detects the peaks without changing the threshold
func (h *Handler) Histogram() (Hist, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, err := h.histogram()
	if err != nil {
		return hist, err
	}
	h.updateFidelity()
	return hist, nil
}

// HistAndThresh bins the counts and estimates a new threshold.  With a background and a
// signal peak the threshold maximises the fidelity; with a single peak it is the midpoint of
// the two estimated peaks; otherwise it is the middle of the histogram.
func (h *Handler) HistAndThresh() (Hist, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.histAndThresh()
}

func (h *Handler) histAndThresh() (Hist, error) {
	hist, err := h.histogram()
	if err != nil {
		return hist, err
	}
	switch len(h.peaks) {
	case 2:
		h.searchFidelity(h.peaks[0], h.peaks[1], FidelitySteps)
		return hist, nil
	case 1:
		a, b := EstParam(hist)
		h.setThresh((a.Centre + b.Centre) / 2)
	default:
		h.setThresh(floats.Sum(hist.Edges) / float64(len(hist.Edges)))
	}
	h.updateFidelity()
	return hist, nil
}

// Refresh recomputes the histogram, and the threshold unless it is manual
func (h *Handler) Refresh() (Hist, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.manual {
		hist, err := h.histogram()
		if err == nil {
			h.updateFidelity()
		}
		return hist, err
	}
	return h.histAndThresh()
}

func (h *Handler) searchFidelity(bg, sig Peak, n int) {
	t, _ := BestThreshold(bg, sig, n)
	h.setThresh(t)
	f, e := FidelityErr(bg, sig, t, h.hist.BinWidth())
	h.fidelity, h.errFidelity = mathx.RoundDP(f, 4), mathx.RoundDP(e, 4)
}

// SearchFidelity sets the threshold with the best fidelity, trying n thresholds between
// bgMu+bgSigma and sigMu.  The signal width is taken from the current signal peak when
// there is one, otherwise it is assumed equal to bgSigma.
func (h *Handler) SearchFidelity(bgMu, bgSigma, sigMu float64, n int) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	bg := Peak{Centre: bgMu, Width: bgSigma}
	sig := Peak{Centre: sigMu, Width: bgSigma}
	if len(h.peaks) == 2 {
		sig.Width = h.peaks[1].Width
	}
	h.searchFidelity(bg, sig, n)
	return h.thresh
}

func (h *Handler) updateFidelity() {
	if len(h.peaks) != 2 {
		h.fidelity, h.errFidelity = 0, 0
		return
	}
	f, e := FidelityErr(h.peaks[0], h.peaks[1], h.thresh, h.hist.BinWidth())
	h.fidelity, h.errFidelity = mathx.RoundDP(f, 4), mathx.RoundDP(e, 4)
}

// Fidelity returns the fidelity of the current threshold and its error, zero unless a
// background and a signal peak are known
func (h *Handler) Fidelity() (f, err float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fidelity, h.errFidelity
}

// Peaks returns the background and signal peaks found by the last histogram or fit
func (h *Handler) Peaks() []Peak {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Peak(nil), h.peaks...)
}

// Fits returns the Gaussian parameters (amplitude, centre, sigma) of the last fit, if any
func (h *Handler) Fits() [][]float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([][]float64, len(h.fits))
	for i, p := range h.fits {
		out[i] = append([]float64(nil), p...)
	}
	return out
}

// LoadingProbability is the fraction of images above threshold with its Jeffreys interval
func (h *Handler) LoadingProbability() Loading {
	h.mu.RLock()
	defer h.mu.RUnlock()
	above := 0
	for _, a := range h.atom[:h.imNum] {
		if a {
			above++
		}
	}
	return LoadingFor(above, h.imNum)
}

func gaussFit(x, y []float64) ([]float64, error) {
	f := fit.Fit{X: x, Y: y}
	A, x0, sigma := f.EstGaussParam()
	res, err := f.BestFit(fit.GaussModel, []float64{A, x0, sigma})
	if err != nil {
		return nil, err
	}
	res.Params[2] = math.Abs(res.Params[2])
	return res.Params, nil
}

// FitGaussians splits the histogram at the threshold and fits a Gaussian to each side,
// replacing the peak estimates with the fitted ones.  The threshold is then moved to the
// best fidelity unless it is manual.
func (h *Handler) FitGaussians() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fitGaussians()
}

func (h *Handler) fitGaussians() error {
	hist, err := h.histogram()
	if err != nil {
		return err
	}
	centres := hist.Centres()
	split := 0
	best := math.Inf(1)
	for i, e := range hist.Edges {
		if d := math.Abs(e - h.thresh); d < best {
			best, split = d, i
		}
	}
	split = min(split, len(hist.Occ))
	bg, err := gaussFit(centres[:split], hist.Occ[:split])
	if err != nil {
		return fmt.Errorf("fitting background peak: %w", err)
	}
	sig, err := gaussFit(centres[split:], hist.Occ[split:])
	if err != nil {
		return fmt.Errorf("fitting signal peak: %w", err)
	}
	h.fits = [][]float64{bg, sig}
	h.peaks = []Peak{
		{Height: bg[0], Centre: bg[1], Width: bg[2]},
		{Height: sig[0], Centre: sig[1], Width: sig[2]},
	}
	if h.manual {
		h.setThresh(h.thresh)
		h.updateFidelity()
		return nil
	}
	h.searchFidelity(h.peaks[0], h.peaks[1], FidelitySteps)
	return nil
}

// MaxFitIterations bounds UpdateFit
const MaxFitIterations = 20

// UpdateFit repeats FitGaussians until the threshold changes by less than 0.1%
func (h *Handler) UpdateFit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.imNum == 0 {
		return ErrNoData
	}
	for i := 0; i < MaxFitIterations; i++ {
		old := h.thresh
		if err := h.fitGaussians(); err != nil {
			return err
		}
		if old == 0 {
			continue
		}
		if math.Abs(old-h.thresh)/math.Abs(old) < 0.001 {
			break
		}
	}
	return nil
}

// FitBackground fits one Gaussian to the whole histogram, for data with no signal peak.
// The threshold is left alone.
func (h *Handler) FitBackground() (Peak, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, err := h.histogram()
	if err != nil {
		return Peak{}, err
	}
	p, err := gaussFit(hist.Centres(), hist.Occ)
	if err != nil {
		return Peak{}, fmt.Errorf("fitting background peak: %w", err)
	}
	h.fits = [][]float64{p}
	h.peaks = []Peak{{Height: p[0], Centre: p[1], Width: p[2]}}
	h.updateFidelity()
	return h.peaks[0], nil
}

// Record is the stored data of one image
type Record struct {
	File   string
	Count  float64
	Atom   bool
	MaxX   int
	MaxY   int
	BgMean float64
	BgStd  float64
}

// Snapshot is a copy of the handler's state
type Snapshot struct {
	Records     []Record
	ROI         imgproc.ROI
	Bins        Bins
	Thresh      float64
	Manual      bool
	Hist        Hist
	Peaks       []Peak
	Fits        [][]float64
	Fidelity    float64
	ErrFidelity float64
}

// Counts returns the counts of the processed images
func (s Snapshot) Counts() []float64 {
	out := make([]float64, len(s.Records))
	for i, r := range s.Records {
		out[i] = r.Count
	}
	return out
}

// Snapshot copies the handler's state
func (h *Handler) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Snapshot{
		Records:     h.records(),
		ROI:         h.roi,
		Bins:        h.bins,
		Thresh:      h.thresh,
		Manual:      h.manual,
		Hist:        Hist{Edges: append([]float64(nil), h.hist.Edges...), Occ: append([]float64(nil), h.hist.Occ...)},
		Peaks:       append([]Peak(nil), h.peaks...),
		Fidelity:    h.fidelity,
		ErrFidelity: h.errFidelity,
	}
	for _, p := range h.fits {
		s.Fits = append(s.Fits, append([]float64(nil), p...))
	}
	return s
}

func (h *Handler) records() []Record {
	out := make([]Record, h.imNum)
	for i := range out {
		out[i] = Record{
			File:   h.files[i],
			Count:  h.counts[i],
			Atom:   h.atom[i],
			MaxX:   h.maxX[i],
			MaxY:   h.maxY[i],
			BgMean: h.bgMean[i],
			BgStd:  h.bgStd[i],
		}
	}
	return out
}

// restore replaces the buffers with recs, leaving room for n more images
func (h *Handler) restore(recs []Record) {
	h.alloc(len(recs) + h.n)
	for i, r := range recs {
		h.files[i] = r.File
		h.counts[i] = r.Count
		h.atom[i] = r.Atom
		h.maxX[i], h.maxY[i] = r.MaxX, r.MaxY
		h.bgMean[i], h.bgStd[i] = r.BgMean, r.BgStd
	}
	h.imNum = len(recs)
	h.hist = Hist{}
	h.peaks = nil
	h.fits = nil
}
