package solver

import (
	"math"

	"github.com/copyleftdev/SKEIN/internal/solver/nlopt"
)

var negInf = math.Inf(-1)

// loss is the squared-error kernel shared by the accuracy and L2
// simplicity terms.
func loss(x float64) float64 {
	return x * x
}

// DefaultGradientEps is the central-difference step used by the gradient
// checkers when the caller passes a non-positive epsilon.
const DefaultGradientEps = 1e-4

// gradientError compares the analytic gradient of f at x against a
// central finite difference with step epsilon and returns the worst
// per-dimension error. In relative mode the error is scaled by the
// analytic component when it exceeds 1e-8.
func gradientError(x []float64, f nlopt.Func, epsilon float64, relative bool) float64 {
	maxErr := 0.0
	gradAna := make([]float64, len(x))
	f(x, gradAna)

	delta := append([]float64(nil), x...)
	for i := range x {
		delta[i] = x[i] + epsilon
		fp := f(delta, nil)
		delta[i] = x[i] - epsilon
		fn := f(delta, nil)
		delta[i] = x[i]

		gradNum := (fp - fn) / (2 * epsilon)
		absErr := math.Abs(gradAna[i] - gradNum)
		if !relative {
			maxErr = math.Max(maxErr, absErr)
			continue
		}
		relErr := absErr
		if gradAna[i] > 1e-8 {
			relErr = absErr / gradAna[i]
		}
		maxErr = math.Max(maxErr, relErr)
	}
	return maxErr
}

// checkFunctions returns the worst relative finite-difference error over
// the given functions, each evaluated at both reference points. Analytic
// gradients accumulate, so the buffers handed to f are zeroed per call by
// gradientError's fresh allocations.
func checkFunctions(eps float64, points [][]float64, fns []nlopt.Func) float64 {
	if eps <= 0 {
		eps = DefaultGradientEps
	}
	maxErr := 0.0
	for _, f := range fns {
		for _, p := range points {
			maxErr = math.Max(maxErr, gradientError(p, f, eps, true))
		}
	}
	return maxErr
}
