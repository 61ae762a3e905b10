package solver

import (
	"fmt"
	"math"

	"github.com/copyleftdev/SKEIN/internal/solver/nlopt"
)

// boundKind identifies one of the six linear ratio bounds tying a sequence
// position to its neighbor or to a fixed boundary value.
type boundKind int

const (
	// FirstMin bounds the first value from below by the start boundary.
	FirstMin boundKind = iota
	// FirstMax bounds the first value from above by the start boundary.
	FirstMax
	// NextMin bounds a successor from below by its predecessor.
	NextMin
	// NextMax bounds a successor from above by its predecessor.
	NextMax
	// LastMin bounds the last value from below by the end boundary.
	LastMin
	// LastMax bounds the last value from above by the end boundary.
	LastMax
)

// dynamicBound tags a ratio-bound constraint with the position it applies
// to. The driver dispatches on the kind instead of untyped callback data.
type dynamicBound struct {
	index int
	kind  boundKind
}

// Local assigns a stitch count to every position of a linear sequence with
// fixed boundary values, keeping successive values within the shaping
// ratio [1/F, F].
type Local struct {
	options

	cdata   []float64
	nsStart float64
	nsEnd   float64
	shapeF  float64
	shapeIF float64

	nvars    []float64
	objval   float64
	currIter int
}

// NewLocal returns a local sequence solver with the production defaults:
// augmented-Lagrangian outer algorithm, L-BFGS local optimizer, shaping
// factor 2.
func NewLocal() *Local {
	return &Local{
		options: defaultOptions(nlopt.AUGLAG),
		shapeF:  2,
		shapeIF: 0.5,
	}
}

// Reset releases all problem state.
func (l *Local) Reset() {
	l.cdata = nil
	l.nvars = nil
	l.setupErr = nil
}

// Allocate sizes the sequence.
func (l *Local) Allocate(numEdges int) {
	l.Reset()
	if numEdges < 0 {
		l.fail("allocate: negative cardinality %d", numEdges)
		return
	}
	l.nvars = make([]float64, numEdges)
	l.cdata = make([]float64, numEdges)
}

// SetCourse sets the per-position target value.
func (l *Local) SetCourse(index int, value float64) {
	if index < 0 || index >= len(l.cdata) {
		l.fail("course index %d out of range [0,%d)", index, len(l.cdata))
		return
	}
	l.cdata[index] = value
}

// SetStart fixes the boundary value before the first position.
func (l *Local) SetStart(value float64) { l.nsStart = value }

// SetEnd fixes the boundary value after the last position.
func (l *Local) SetEnd(value float64) { l.nsEnd = value }

// SetShaping sets the per-step shaping factor, clamped to [1.01, 2.0].
func (l *Local) SetShaping(shaping float64) {
	l.shapeF = math.Max(1.01, math.Min(2.0, shaping))
	l.shapeIF = 1.0 / l.shapeF
}

// objective is the sequence objective: accuracy per position plus squared
// differences between neighbors and against both fixed boundaries.
func (l *Local) objective(x, grad []float64) float64 {
	n := len(x)
	ec := 0.0
	es := 0.0

	// simplicity against the fixed first value
	{
		diff := x[0] - l.nsStart
		es += loss(diff)
		if grad != nil {
			grad[0] += l.wS * 2 * diff
		}
	}

	for i := 0; i < n; i++ {
		diff := x[i] - l.cdata[i]
		ec += loss(diff)
		if grad != nil {
			grad[i] += l.wC * 2 * diff
		}

		if i+1 < n {
			diff := x[i] - x[i+1]
			es += loss(diff)
			if grad != nil {
				grad[i] += l.wS * 2 * diff
				grad[i+1] -= l.wS * 2 * diff
			}
		}
	}

	// simplicity against the fixed last value
	{
		diff := x[n-1] - l.nsEnd
		es += loss(diff)
		if grad != nil {
			grad[n-1] += l.wS * 2 * diff
		}
	}

	e := ec*l.wC + es*l.wS
	if l.verbose && l.currIter > 0 {
		ce := l.constraintErrorAt(x)
		l.debugf(true, "eval %d: %g (cerr=%g)", l.currIter, e, ce)
		l.currIter++
	}
	return e
}

// constraint builds the linear inequality for one ratio bound. The
// gradient overwrites the touched indices.
func (l *Local) constraint(bound dynamicBound) nlopt.Func {
	return func(x, grad []float64) float64 {
		i := bound.index
		switch bound.kind {

		case FirstMin:
			// ns_start/F <= x[0]
			if grad != nil {
				grad[0] = -1
			}
			return l.nsStart*l.shapeIF - x[0]

		case FirstMax:
			// x[0] <= ns_start*F
			if grad != nil {
				grad[0] = 1
			}
			return -l.nsStart*l.shapeF + x[0]

		case NextMin:
			// x[i]/F <= x[i+1]
			if grad != nil {
				grad[i] = l.shapeIF
				grad[i+1] = -1
			}
			return x[i]*l.shapeIF - x[i+1]

		case NextMax:
			// x[i+1] <= x[i]*F
			if grad != nil {
				grad[i] = -l.shapeF
				grad[i+1] = 1
			}
			return -x[i]*l.shapeF + x[i+1]

		case LastMin:
			// ns_end/F <= x[i]
			if grad != nil {
				grad[i] = -1
			}
			return l.nsEnd*l.shapeIF - x[i]

		case LastMax:
			// x[i] <= ns_end*F
			if grad != nil {
				grad[i] = 1
			}
			return x[i] - l.nsEnd*l.shapeF
		}
		return math.NaN()
	}
}

// ratioBounds lists the bound constraints: the Next pairs always, the
// First and Last pairs on demand (the driver folds those into variable
// bounds instead).
func (l *Local) ratioBounds(useFirst, useLast bool) []dynamicBound {
	n := len(l.cdata)
	var bounds []dynamicBound
	if useFirst {
		bounds = append(bounds, dynamicBound{0, FirstMin}, dynamicBound{0, FirstMax})
	}
	for i := 0; i+1 < n; i++ {
		bounds = append(bounds, dynamicBound{i, NextMin}, dynamicBound{i, NextMax})
	}
	if useLast {
		bounds = append(bounds, dynamicBound{n - 1, LastMin}, dynamicBound{n - 1, LastMax})
	}
	return bounds
}

func (l *Local) constraintValuesAt(x []float64) []float64 {
	bounds := l.ratioBounds(true, true)
	vals := make([]float64, len(bounds))
	for i, b := range bounds {
		vals[i] = l.constraint(b)(x, nil)
	}
	return vals
}

func (l *Local) constraintErrorAt(x []float64) float64 {
	sum := 0.0
	for _, v := range l.constraintValuesAt(x) {
		sum += v
	}
	return sum
}

func (l *Local) constraintMaxErrorAt(x []float64) float64 {
	maxErr := 0.0
	for _, v := range l.constraintValuesAt(x) {
		maxErr = math.Max(maxErr, v)
	}
	return maxErr
}

// Solve runs the optimization and returns the solver result code.
func (l *Local) Solve(verbose bool) int {
	if l.setupErr != nil {
		l.log.Error("invalid solver setup", map[string]interface{}{"error": l.setupErr.Error()})
		return RCInvalidSetup
	}
	n := len(l.nvars)
	if n == 0 {
		l.log.Error("empty problem: allocate positions before solving")
		return RCInvalidSetup
	}

	nlopt.Srand(l.seed)
	l.currIter = 0

	opt, err := nlopt.New(l.mainAlgo, n)
	if err != nil {
		l.log.Error("optimizer setup failed", map[string]interface{}{"error": err.Error()})
		return RCInvalidSetup
	}
	localOpt, err := nlopt.New(l.localAlgo, n)
	if err != nil {
		l.log.Error("optimizer setup failed", map[string]interface{}{"error": err.Error()})
		return RCInvalidSetup
	}
	applyDefaults(opt)
	applyDefaults(localOpt)

	l.debugf(verbose, "Using algorithm: %s", opt.AlgorithmName())

	if l.mainAlgo.NeedsLocal() {
		localOpt.SetFtolRel(l.localFtolRel)
		opt.SetLocalOptimizer(localOpt)
		l.debugf(verbose, "Using local optimizer: %s with ftol_rel=%g", localOpt.AlgorithmName(), l.localFtolRel)
	}

	opt.SetMinObjective(l.objective)

	if l.mainFtolRel != 0 {
		opt.SetFtolRel(l.mainFtolRel)
		l.debugf(verbose, "Using ftol_rel=%g", l.mainFtolRel)
	}
	if l.maxEval != 0 {
		opt.SetMaxEval(l.maxEval)
		l.debugf(verbose, "Using max_eval=%d", l.maxEval)
	} else {
		opt.SetMaxEval(1e3)
		l.debugf(verbose, "Using default max_eval=%d", 1000)
	}
	if l.maxTime != 0 {
		opt.SetMaxTime(l.maxTime)
		l.debugf(verbose, "Using maxtime=%g", l.maxTime)
	}

	// Per-position bounds: intersection of the reachable box around the
	// start boundary and the one around the end boundary; the initial
	// guess is the course value clipped into that box.
	nsMin := make([]float64, n)
	nsMax := make([]float64, n)
	for i := 0; i < n; i++ {
		cw := l.cdata[i]
		nssMin := math.Max(2.0, l.nsStart*math.Pow(l.shapeIF, float64(i+1)))
		nssMax := math.Min(1e4, l.nsStart*math.Pow(l.shapeF, float64(i+1)))
		nseMin := math.Max(2.0, l.nsEnd*math.Pow(l.shapeIF, float64(n-i)))
		nseMax := math.Min(1e4, l.nsEnd*math.Pow(l.shapeF, float64(n-i)))
		nsMin[i] = math.Max(nssMin, nseMin)
		nsMax[i] = math.Min(nssMax, nseMax)
		if cw < nsMin[i] {
			cw = nsMin[i]
		} else if cw > nsMax[i] {
			cw = nsMax[i]
		}
		l.nvars[i] = cw

		l.debugf(verbose, "Using bounds[%d]: min=%g, max=%g, init=%g", i, nsMin[i], nsMax[i], l.nvars[i])
	}
	opt.SetLowerBounds(nsMin)
	opt.SetUpperBounds(nsMax)

	if l.useConstraints {
		// first and last bounds are encoded in the variable bounds
		for _, bound := range l.ratioBounds(false, false) {
			opt.AddInequalityConstraint(l.constraint(bound), l.constraintTol)
		}
	}

	if l.gaussianStart {
		for i := range l.nvars {
			l.nvars[i] = math.Max(nsMin[i], math.Min(nsMax[i], l.nvars[i]+nlopt.Normal()))
		}
	}

	if verbose {
		grad := make([]float64, n)
		e0 := l.objective(l.nvars, grad)
		l.debugf(true, "Initial error: %g", e0)
		for i, gv := range grad {
			l.debugf(true, "grad[%d] = %g", i, gv)
		}
	}

	l.currIter = 1
	xs, minf, res, err := opt.Optimize(l.nvars)
	if err != nil {
		l.log.Error("optimization failed", map[string]interface{}{
			"error": err.Error(),
			"evals": opt.NumEvals(),
		})
		return RCException
	}
	copy(l.nvars, xs)
	l.objval = minf

	l.debugf(verbose, "Solved after %d iterations", opt.NumEvals())
	return int(res)
}

// VariableNumber returns the number of sequence positions.
func (l *Local) VariableNumber() int { return len(l.nvars) }

// VariableValue returns the solved value at index.
func (l *Local) VariableValue(index int) float64 {
	if index < 0 || index >= len(l.nvars) {
		return math.NaN()
	}
	return l.nvars[index]
}

// Variables returns a copy of the solved sequence.
func (l *Local) Variables() []float64 {
	return append([]float64(nil), l.nvars...)
}

// ObjectiveValue returns the objective at the last solution.
func (l *Local) ObjectiveValue() float64 { return l.objval }

// ConstraintError sums the raw constraint values at the current solution,
// including the boundary bounds.
func (l *Local) ConstraintError() float64 { return l.constraintErrorAt(l.nvars) }

// ConstraintMaxError returns the worst positive constraint value at the
// current solution.
func (l *Local) ConstraintMaxError() float64 { return l.constraintMaxErrorAt(l.nvars) }

// ConstraintMeanError divides the summed value by the full constraint
// count 2N+2.
func (l *Local) ConstraintMeanError() float64 {
	nc := 2*len(l.nvars) + 2
	if len(l.nvars) == 0 {
		return 0
	}
	return l.ConstraintError() / float64(nc)
}

// CheckGradient compares analytic and central-difference gradients for the
// objective and the registered ratio bounds at both the course data and
// the current solution.
func (l *Local) CheckGradient(print bool, eps float64) float64 {
	preVerbose := l.verbose
	l.verbose = false
	defer func() { l.verbose = preVerbose }()

	fns := []nlopt.Func{l.objective}
	for _, bound := range l.ratioBounds(false, false) {
		fns = append(fns, l.constraint(bound))
	}
	maxErr := checkFunctions(eps, [][]float64{l.cdata, l.nvars}, fns)
	if print {
		l.log.Info(fmt.Sprintf("Gradient max relative error: %g for step %g", maxErr, eps))
	}
	return maxErr
}
