package histo

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/saia-lab/saia/mathx"
)

// OneSigma is the probability mass within one standard deviation of a normal mean,
// the confidence level of the loading probability interval
const OneSigma = 0.682689492137

func normal(mu, sigma float64) distuv.Normal {
	if !(sigma > 0) {
		sigma = math.SmallestNonzeroFloat64
	}
	return distuv.Normal{Mu: mu, Sigma: sigma}
}

// FidelityAt is the probability of classifying an image correctly with threshold t when
// the background and signal counts are normally distributed: one minus the chance a
// background image lies above t and the chance a signal image lies below it
func FidelityAt(bg, sig Peak, t float64) float64 {
	return 1 - (1 - normal(bg.Centre, bg.Width).CDF(t)) - normal(sig.Centre, sig.Width).CDF(t)
}

// FidelityErr evaluates FidelityAt at t and returns the largest change in fidelity when t
// moves by one bin width either way as its error
func FidelityErr(bg, sig Peak, t, binWidth float64) (f, err float64) {
	f = FidelityAt(bg, sig, t)
	lo := math.Abs(FidelityAt(bg, sig, t-binWidth) - f)
	hi := math.Abs(FidelityAt(bg, sig, t+binWidth) - f)
	return f, math.Max(lo, hi)
}

// BestThreshold evaluates the fidelity at n evenly spaced thresholds between one standard
// deviation above the background peak and the signal peak and returns the best
func BestThreshold(bg, sig Peak, n int) (thresh, fidelity float64) {
	fidelity = math.Inf(-1)
	for _, t := range mathx.Linspace(bg.Centre+bg.Width, sig.Centre, n) {
		if f := FidelityAt(bg, sig, t); f > fidelity {
			thresh, fidelity = t, f
		}
	}
	return thresh, fidelity
}

// Jeffreys returns the Jeffreys binomial confidence interval for k successes in n trials
// at confidence level conf.  The lower bound is 0 when k is 0 and the upper is 1 when k is n.
func Jeffreys(k, n int, conf float64) (lo, hi float64) {
	if n <= 0 {
		return 0, 1
	}
	b := distuv.Beta{Alpha: float64(k) + 0.5, Beta: float64(n-k) + 0.5}
	alpha := (1 - conf) / 2
	lo, hi = b.Quantile(alpha), b.Quantile(1-alpha)
	if k == 0 {
		lo = 0
	}
	if k == n {
		hi = 1
	}
	return lo, hi
}

// Loading is the fraction of images above threshold with its one sigma interval
type Loading struct {
	Above    int     `json:"above"`
	Below    int     `json:"below"`
	P        float64 `json:"p"`
	LowerErr float64 `json:"lowerErr"`
	UpperErr float64 `json:"upperErr"`
}

// Err is the mean of the lower and upper errors
func (l Loading) Err() float64 {
	return (l.LowerErr + l.UpperErr) / 2
}

// LoadingFor computes the loading probability for above of total images
func LoadingFor(above, total int) Loading {
	l := Loading{Above: above, Below: total - above}
	if total == 0 {
		return l
	}
	l.P = float64(above) / float64(total)
	lo, hi := Jeffreys(above, total, OneSigma)
	l.LowerErr = mathx.RoundDP(l.P-lo, 4)
	l.UpperErr = mathx.RoundDP(hi-l.P, 4)
	l.P = mathx.RoundDP(l.P, 4)
	return l
}
