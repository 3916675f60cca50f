// Package histostats summarises histograms into rows of statistics and keeps a log of them.
package histostats

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/saia-lab/saia/histo"
	"github.com/saia-lab/saia/mathx"
)

// Columns are the names of the statistics, in the order they are written
var Columns = []string{
	"Hist ID",
	"User variable",
	"Start file #",
	"End file #",
	"ROI xc ; yc ; size",
	"Number of images processed",
	"Counts above : below threshold",
	"Loading probability",
	"Error in Loading probability",
	"Lower Error in Loading probability",
	"Upper Error in Loading probability",
	"Background peak count",
	"sqrt(Nr^2 + Nbg)",
	"Background peak width",
	"Error in Background peak count",
	"Background mean",
	"Background standard deviation",
	"Signal peak count",
	"sqrt(Nr^2 + Ns)",
	"Signal peak width",
	"Error in Signal peak count",
	"Signal mean",
	"Signal standard deviation",
	"Separation",
	"Error in Separation",
	"Fidelity",
	"Error in Fidelity",
	"S/N",
	"Error in S/N",
	"Threshold",
}

// Camera holds the detector constants used to estimate the noise on a peak
type Camera struct {
	// Bias is the count offset added by the camera
	Bias float64 `yaml:"Bias"`

	// ReadNoise is the standard deviation of the read out noise in counts
	ReadNoise float64 `yaml:"ReadNoise"`
}

// DefaultCamera are the constants of the lab's EMCCD
var DefaultCamera = Camera{Bias: 697, ReadNoise: 8.8}

// noise is sqrt(Nr^2 + N - bias), zero if that would be imaginary
func (c Camera) noise(n float64) int {
	return int(mathx.SafeSqrt(c.ReadNoise*c.ReadNoise + n - c.Bias))
}

// Row is one set of histogram statistics
type Row struct {
	HistID          int
	UserVar         float64
	StartFile       int
	EndFile         int
	ROI             string
	ImNum           int
	Above           int
	Below           int
	Loading         float64
	LoadingErr      float64
	LoadingLowerErr float64
	LoadingUpperErr float64
	BgCount         int
	BgNoise         int
	BgWidth         int
	BgCountErr      float64
	BgMean          float64
	BgStd           float64
	SigCount        int
	SigNoise        int
	SigWidth        int
	SigCountErr     float64
	SigMean         float64
	SigStd          float64
	Separation      int
	SeparationErr   float64
	Fidelity        float64
	FidelityErr     float64
	SN              float64
	SNErr           float64
	Threshold       int
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Values formats the row in Columns order
func (r Row) Values() []string {
	return []string{
		strconv.Itoa(r.HistID),
		ftoa(r.UserVar),
		strconv.Itoa(r.StartFile),
		strconv.Itoa(r.EndFile),
		r.ROI,
		strconv.Itoa(r.ImNum),
		fmt.Sprintf("%d : %d", r.Above, r.Below),
		ftoa(r.Loading),
		ftoa(r.LoadingErr),
		ftoa(r.LoadingLowerErr),
		ftoa(r.LoadingUpperErr),
		strconv.Itoa(r.BgCount),
		strconv.Itoa(r.BgNoise),
		strconv.Itoa(r.BgWidth),
		ftoa(r.BgCountErr),
		ftoa(r.BgMean),
		ftoa(r.BgStd),
		strconv.Itoa(r.SigCount),
		strconv.Itoa(r.SigNoise),
		strconv.Itoa(r.SigWidth),
		ftoa(r.SigCountErr),
		ftoa(r.SigMean),
		ftoa(r.SigStd),
		strconv.Itoa(r.Separation),
		ftoa(r.SeparationErr),
		ftoa(r.Fidelity),
		ftoa(r.FidelityErr),
		ftoa(r.SN),
		ftoa(r.SNErr),
		strconv.Itoa(r.Threshold),
	}
}

// String is the line written to the log
func (r Row) String() string {
	return strings.Join(r.Values(), ",")
}

// Float returns the named column as a number, for plotting one statistic against another
func (r Row) Float(column string) (float64, error) {
	for i, c := range Columns {
		if c != column {
			continue
		}
		if column == "Counts above : below threshold" {
			return float64(r.Above), nil
		}
		return strconv.ParseFloat(r.Values()[i], 64)
	}
	return 0, fmt.Errorf("unknown column %q", column)
}

// ParseRow reads a row back from its Values
func ParseRow(fields []string) (Row, error) {
	var r Row
	if len(fields) != len(Columns) {
		return r, fmt.Errorf("expected %d fields, got %d", len(Columns), len(fields))
	}
	var errs []error
	i := 0
	next := func() string {
		s := strings.TrimSpace(fields[i])
		i++
		return s
	}
	atoi := func() int {
		col := Columns[i]
		s := next()
		v, err := strconv.Atoi(s)
		if err != nil {
			// the log may hold floats in integer columns
			f, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil {
				errs = append(errs, fmt.Errorf("%s: %w", col, err))
			}
			v = int(f)
		}
		return v
	}
	atof := func() float64 {
		col := Columns[i]
		v, err := strconv.ParseFloat(next(), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", col, err))
		}
		return v
	}
	r.HistID = atoi()
	r.UserVar = atof()
	r.StartFile = atoi()
	r.EndFile = atoi()
	r.ROI = next()
	r.ImNum = atoi()
	if _, err := fmt.Sscanf(next(), "%d : %d", &r.Above, &r.Below); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", Columns[6], err))
	}
	r.Loading = atof()
	r.LoadingErr = atof()
	r.LoadingLowerErr = atof()
	r.LoadingUpperErr = atof()
	r.BgCount = atoi()
	r.BgNoise = atoi()
	r.BgWidth = atoi()
	r.BgCountErr = atof()
	r.BgMean = atof()
	r.BgStd = atof()
	r.SigCount = atoi()
	r.SigNoise = atoi()
	r.SigWidth = atoi()
	r.SigCountErr = atof()
	r.SigMean = atof()
	r.SigStd = atof()
	r.Separation = atoi()
	r.SeparationErr = atof()
	r.Fidelity = atof()
	r.FidelityErr = atof()
	r.SN = atof()
	r.SNErr = atof()
	r.Threshold = atoi()
	return r, errors.Join(errs...)
}

// div is a/b, or zero when b is zero
func div(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func meanStd(x []float64) (float64, float64) {
	if len(x) == 0 {
		return 0, 0
	}
	m, s := stat.MeanStdDev(x, nil)
	if math.IsNaN(s) {
		s = 0
	}
	return m, s
}

// Compute summarises the histogram in snap.  id numbers the histogram and userVar is the
// experimental parameter it was taken at.
func Compute(snap histo.Snapshot, userVar float64, id int, cam Camera) (Row, error) {
	n := len(snap.Records)
	r := Row{HistID: id, UserVar: userVar, ROI: snap.ROI.String(), ImNum: n, Threshold: int(snap.Thresh)}
	if n == 0 {
		return r, histo.ErrNoData
	}

	var above, below []float64
	first := true
	for _, rec := range snap.Records {
		if rec.Atom {
			above = append(above, rec.Count)
		} else {
			below = append(below, rec.Count)
		}
		run, err := strconv.Atoi(rec.File)
		if err != nil {
			continue
		}
		if first || run < r.StartFile {
			r.StartFile = run
		}
		if first || run > r.EndFile {
			r.EndFile = run
		}
		first = false
	}
	r.Above, r.Below = len(above), len(below)
	na, nb := float64(r.Above), float64(r.Below)
	l := histo.LoadingFor(r.Above, n)
	r.Loading, r.LoadingLowerErr, r.LoadingUpperErr = l.P, l.LowerErr, l.UpperErr
	r.LoadingErr = mathx.RoundDP(l.Err(), 4)

	switch len(snap.Peaks) {
	case 2:
		bg, sig := snap.Peaks[0], snap.Peaks[1]
		r.BgCount = int(bg.Centre)
		r.BgNoise = cam.noise(bg.Centre)
		r.BgWidth = int(bg.Width)
		r.BgCountErr = mathx.RoundDP(div(bg.Width, math.Sqrt(nb)), 2)
		m, s := meanStd(below)
		r.BgMean, r.BgStd = mathx.RoundDP(m, 1), mathx.RoundDP(s, 1)

		r.SigCount = int(sig.Centre)
		r.SigNoise = cam.noise(sig.Centre)
		r.SigWidth = int(sig.Width)
		r.SigCountErr = mathx.RoundDP(div(sig.Width, math.Sqrt(na)), 2)
		m, s = meanStd(above)
		r.SigMean, r.SigStd = mathx.RoundDP(m, 1), mathx.RoundDP(s, 1)

		sep := sig.Centre - bg.Centre
		r.Separation = int(sep)
		sepErr := math.Sqrt(div(bg.Width*bg.Width, nb) + div(sig.Width*sig.Width, na))
		r.SeparationErr = mathx.RoundDP(sepErr, 2)
		r.Fidelity, r.FidelityErr = snap.Fidelity, snap.ErrFidelity

		w2 := bg.Width*bg.Width + sig.Width*sig.Width
		r.SN = mathx.RoundDP(div(sep, math.Sqrt(w2)), 2)
		// the fractional error in a standard deviation is 1/sqrt(2N - 2)
		frac := div(sepErr, sep)
		frac = frac*frac + div(div(bg.Width*bg.Width, 2*nb-2)+div(sig.Width*sig.Width, 2*na-2), w2)
		r.SNErr = mathx.RoundDP(r.SN*math.Sqrt(frac), 2)
	case 1:
		// background only: nothing is above threshold
		bg := snap.Peaks[0]
		counts := snap.Counts()
		m, s := meanStd(counts)
		r.Above, r.Below = 0, n
		_, hi := histo.Jeffreys(0, n, histo.OneSigma)
		r.Loading, r.LoadingLowerErr = 0, 0
		r.LoadingUpperErr = mathx.RoundDP(hi, 4)
		r.LoadingErr = r.LoadingUpperErr
		r.BgCount = int(bg.Centre)
		r.BgNoise = cam.noise(m)
		r.BgWidth = int(bg.Width)
		r.BgCountErr = mathx.RoundDP(bg.Width/math.Sqrt(float64(n)), 4)
		r.BgMean, r.BgStd = mathx.RoundDP(m, 1), mathx.RoundDP(s, 1)
	}
	return r, nil
}
