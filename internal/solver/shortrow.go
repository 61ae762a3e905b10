package solver

import (
	"fmt"
	"math"

	"github.com/copyleftdev/SKEIN/internal/solver/nlopt"
)

// ShortRow assigns a wale count to every sample of a linear or circular
// run, trading accuracy against neighbor simplicity. The simplicity term
// is L2 by default and can be switched to L1.
type ShortRow struct {
	options

	cdata    []float64
	circular bool
	simpL2   bool

	nvars    []float64
	objval   float64
	currIter int
}

// NewShortRow returns a short-row solver with the production defaults:
// plain L-BFGS, L2 simplicity.
func NewShortRow() *ShortRow {
	return &ShortRow{
		options: defaultOptions(nlopt.LD_LBFGS),
		simpL2:  true,
	}
}

// Reset releases all problem state.
func (s *ShortRow) Reset() {
	s.cdata = nil
	s.nvars = nil
	s.setupErr = nil
}

// Allocate sizes the run.
func (s *ShortRow) Allocate(numSamples int) {
	s.Reset()
	if numSamples < 0 {
		s.fail("allocate: negative cardinality %d", numSamples)
		return
	}
	s.nvars = make([]float64, numSamples)
	s.cdata = make([]float64, numSamples)
}

// SetCourse sets the per-sample target value.
func (s *ShortRow) SetCourse(index int, value float64) {
	if index < 0 || index >= len(s.cdata) {
		s.fail("sample index %d out of range [0,%d)", index, len(s.cdata))
		return
	}
	s.cdata[index] = value
}

// SetCircular declares the run circular: the first and last samples become
// neighbors.
func (s *ShortRow) SetCircular(circular bool) { s.circular = circular }

// SetSimplicityPower selects the simplicity norm: 1 for L1, 2 for L2.
// Other powers are rejected.
func (s *ShortRow) SetSimplicityPower(power int) {
	switch power {
	case 1:
		s.simpL2 = false
	case 2:
		s.simpL2 = true
	default:
		s.fail("simplicity power not supported: %d", power)
	}
}

// simplicity adds the neighbor term between samples i0 and i1 and its
// gradient. The L1 branch accumulates the subgradient sign.
func (s *ShortRow) simplicity(x, grad []float64, i0, i1 int) float64 {
	diff := x[i0] - x[i1]
	if s.simpL2 {
		if grad != nil {
			grad[i0] += s.wS * 2 * diff
			grad[i1] -= s.wS * 2 * diff
		}
		return loss(diff)
	}
	sign := 1.0
	if diff < 0 {
		sign = -1
	}
	if grad != nil {
		grad[i0] += s.wS * sign
		grad[i1] -= s.wS * sign
	}
	return sign * diff
}

// objective is the wale objective: accuracy per sample plus simplicity
// between adjacent samples, with the extra wrap-around pair when circular.
func (s *ShortRow) objective(x, grad []float64) float64 {
	n := len(x)
	ew := 0.0
	es := 0.0

	for i := 0; i < n; i++ {
		diff := x[i] - s.cdata[i]
		ew += loss(diff)
		if grad != nil {
			grad[i] += s.wC * 2 * diff
		}

		if i > 0 {
			es += s.simplicity(x, grad, i, i-1)
		}
	}
	if s.circular {
		es += s.simplicity(x, grad, 0, n-1)
	}

	e := ew*s.wC + es*s.wS
	if s.verbose && s.currIter > 0 {
		s.debugf(true, "eval %d: %g (Ew=%g, Es=%g)", s.currIter, e, ew, es)
		s.currIter++
	}
	return e
}

// Solve runs the optimization and returns the solver result code.
func (s *ShortRow) Solve(verbose bool) int {
	if s.setupErr != nil {
		s.log.Error("invalid solver setup", map[string]interface{}{"error": s.setupErr.Error()})
		return RCInvalidSetup
	}
	n := len(s.nvars)
	if n == 0 {
		s.log.Error("empty problem: allocate samples before solving")
		return RCInvalidSetup
	}

	nlopt.Srand(s.seed)
	s.currIter = 0

	opt, err := nlopt.New(s.mainAlgo, n)
	if err != nil {
		s.log.Error("optimizer setup failed", map[string]interface{}{"error": err.Error()})
		return RCInvalidSetup
	}
	localOpt, err := nlopt.New(s.localAlgo, n)
	if err != nil {
		s.log.Error("optimizer setup failed", map[string]interface{}{"error": err.Error()})
		return RCInvalidSetup
	}
	applyDefaults(opt)
	applyDefaults(localOpt)

	s.debugf(verbose, "Using algorithm: %s", opt.AlgorithmName())

	if s.mainAlgo.NeedsLocal() {
		localOpt.SetFtolRel(s.localFtolRel)
		opt.SetLocalOptimizer(localOpt)
		s.debugf(verbose, "Using local optimizer: %s with ftol_rel=%g", localOpt.AlgorithmName(), s.localFtolRel)
	}

	opt.SetMinObjective(s.objective)

	if s.mainFtolRel != 0 {
		opt.SetFtolRel(s.mainFtolRel)
		s.debugf(verbose, "Using ftol_rel=%g", s.mainFtolRel)
	}
	if s.maxEval != 0 {
		opt.SetMaxEval(s.maxEval)
		s.debugf(verbose, "Using max_eval=%d", s.maxEval)
	} else {
		opt.SetMaxEval(1e2)
		s.debugf(verbose, "Using default max_eval=%d", 100)
	}
	if s.maxTime != 0 {
		opt.SetMaxTime(s.maxTime)
		s.debugf(verbose, "Using maxtime=%g", s.maxTime)
	}

	// wale counts cannot go negative; no upper bound
	opt.SetLowerBounds1(0)
	for i := 0; i < n; i++ {
		s.nvars[i] = math.Max(0, s.cdata[i])
	}

	if s.gaussianStart {
		for i := range s.nvars {
			s.nvars[i] = math.Max(0, s.nvars[i]+nlopt.Normal())
		}
	}

	if verbose {
		grad := make([]float64, n)
		e0 := s.objective(s.nvars, grad)
		s.debugf(true, "Initial error: %g", e0)
		for i := range s.nvars {
			s.debugf(true, "rs[%d] = %g, grad[%d] = %g", i, s.nvars[i], i, grad[i])
		}
	}

	s.currIter = 1
	xs, minf, res, err := opt.Optimize(s.nvars)
	if err != nil {
		s.log.Error("optimization failed", map[string]interface{}{
			"error": err.Error(),
			"evals": opt.NumEvals(),
		})
		return RCException
	}
	copy(s.nvars, xs)
	s.objval = minf

	s.debugf(verbose, "Solved after %d iterations", opt.NumEvals())
	return int(res)
}

// VariableNumber returns the number of samples.
func (s *ShortRow) VariableNumber() int { return len(s.nvars) }

// VariableValue returns the solved value at index.
func (s *ShortRow) VariableValue(index int) float64 {
	if index < 0 || index >= len(s.nvars) {
		return math.NaN()
	}
	return s.nvars[index]
}

// Variables returns a copy of the solved samples.
func (s *ShortRow) Variables() []float64 {
	return append([]float64(nil), s.nvars...)
}

// ObjectiveValue returns the objective at the last solution.
func (s *ShortRow) ObjectiveValue() float64 { return s.objval }

// CheckGradient compares analytic and central-difference gradients of the
// objective at both the course data and the current solution. With L1
// simplicity the comparison is only meaningful where adjacent samples
// differ; the subgradient at ties is not unique.
func (s *ShortRow) CheckGradient(print bool, eps float64) float64 {
	preVerbose := s.verbose
	s.verbose = false
	defer func() { s.verbose = preVerbose }()

	maxErr := checkFunctions(eps, [][]float64{s.cdata, s.nvars}, []nlopt.Func{s.objective})
	if print {
		s.log.Info(fmt.Sprintf("Gradient max relative error: %g for step %g", maxErr, eps))
	}
	return maxErr
}
