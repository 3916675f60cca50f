// Package fit fits model curves to histogram data by least squares.
package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// ErrTooFewPoints is returned when there are fewer data points than free parameters
var ErrTooFewPoints = errors.New("fewer data points than fit parameters")

// Model is a curve y = f(x; p...)
type Model func(x float64, p []float64) float64

// Gauss is a Gaussian with amplitude A, centre x0 and standard deviation sigma
func Gauss(x, A, x0, sigma float64) float64 {
	d := (x - x0) / sigma
	return A * math.Exp(-d*d/2)
}

// Poisson is a scaled Poisson mass function, extended to real x through the log gamma function
func Poisson(x, A, mu float64) float64 {
	if x < 0 || mu <= 0 {
		return 0
	}
	lg, _ := math.Lgamma(x + 1)
	return A * math.Exp(x*math.Log(mu)-mu-lg)
}

// GaussModel is Gauss in Model form, p = A, x0, sigma
func GaussModel(x float64, p []float64) float64 {
	return Gauss(x, p[0], p[1], p[2])
}

// PoissonModel is Poisson in Model form, p = A, mu
func PoissonModel(x float64, p []float64) float64 {
	return Poisson(x, p[0], p[1])
}

// Fit holds a data set to fit
type Fit struct {
	X, Y []float64
}

// Result is the outcome of a fit
type Result struct {
	// Params are the best fit parameters
	Params []float64

	// Errors are the one standard deviation uncertainties on Params.
	// They are NaN when the covariance matrix is singular.
	Errors []float64
}

// EstGaussParam guesses Gaussian parameters for the data: the amplitude is the peak height,
// the centre is its position, and sigma comes from the distance to the first point below half
// maximum on either side
func (f Fit) EstGaussParam() (A, x0, sigma float64) {
	if len(f.Y) == 0 {
		return 0, 0, 1
	}
	i := floats.MaxIdx(f.Y)
	A, x0 = f.Y[i], f.X[i]
	half := A / 2
	lo, hi := i, i
	for lo > 0 && f.Y[lo] > half {
		lo--
	}
	for hi < len(f.Y)-1 && f.Y[hi] > half {
		hi++
	}
	hwhm := (f.X[hi] - f.X[lo]) / 2
	sigma = hwhm / math.Sqrt(2*math.Ln2)
	if sigma <= 0 || math.IsNaN(sigma) {
		sigma = 1
		if len(f.X) > 1 {
			sigma = math.Abs(f.X[1] - f.X[0])
		}
	}
	return A, x0, sigma
}

func (f Fit) residuals(model Model) func(y, p []float64) {
	return func(y, p []float64) {
		for i, x := range f.X {
			y[i] = model(x, p) - f.Y[i]
		}
	}
}

// BestFit minimises the squared residuals of model against the data starting from p0.
// Uncertainties are taken from the residual-scaled inverse of JᵀJ.
func (f Fit) BestFit(model Model, p0 []float64) (Result, error) {
	var res Result
	n, np := len(f.X), len(p0)
	if len(f.Y) != n {
		return res, fmt.Errorf("fit data length mismatch: %d x, %d y", n, len(f.Y))
	}
	if n < np {
		return res, ErrTooFewPoints
	}
	resid := f.residuals(model)
	buf := make([]float64, n)
	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			resid(buf, p)
			return floats.Dot(buf, buf)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: 5000,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-12, Relative: 1e-12, Iterations: 200},
	}
	opt, err := optimize.Minimize(problem, p0, settings, &optimize.NelderMead{})
	if err != nil {
		return res, fmt.Errorf("minimising residuals: %w", err)
	}
	res.Params = opt.X
	res.Errors = make([]float64, np)

	J := mat.NewDense(n, np, nil)
	fd.Jacobian(J, resid, opt.X, &fd.JacobianSettings{Formula: fd.Central})
	var jtj, cov mat.Dense
	jtj.Mul(J.T(), J)
	if err := cov.Inverse(&jtj); err != nil {
		for i := range res.Errors {
			res.Errors[i] = math.NaN()
		}
		return res, nil
	}
	s2 := 0.
	if dof := n - np; dof > 0 {
		s2 = opt.F / float64(dof)
	}
	for i := range res.Errors {
		res.Errors[i] = math.Sqrt(math.Abs(cov.At(i, i) * s2))
	}
	return res, nil
}

// Eval evaluates model with params at each x
func Eval(model Model, params, xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = model(x, params)
	}
	return out
}
