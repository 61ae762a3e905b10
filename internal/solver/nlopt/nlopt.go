// Package nlopt provides a small nonlinear-optimization object modeled on
// the NLopt C API: an algorithm plus a dimension, a minimum objective,
// optional equality/inequality constraints with per-constraint tolerances,
// box bounds and a set of stopping criteria. The production backends are
// pure Go on top of gonum/optimize; augmented-Lagrangian outer algorithms
// delegate their subproblems to a nested local optimizer.
package nlopt

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Algorithm selects the optimization method.
type Algorithm int

const (
	// LD_LBFGS is limited-memory BFGS (local, derivative-based).
	LD_LBFGS Algorithm = iota
	// LN_NELDERMEAD is the Nelder-Mead simplex (local, no-derivative).
	LN_NELDERMEAD
	// AUGLAG is the augmented-Lagrangian method (needs a local optimizer).
	AUGLAG
	// AUGLAG_EQ is the equality-oriented augmented-Lagrangian variant (needs
	// a local optimizer). It runs the same outer loop as AUGLAG.
	AUGLAG_EQ
	// NUM_ALGORITHMS is the number of algorithms.
	NUM_ALGORITHMS
)

var algorithmNames = map[Algorithm]string{
	LD_LBFGS:      "LD_LBFGS: Limited-memory BFGS (L-BFGS)",
	LN_NELDERMEAD: "LN_NELDERMEAD: Nelder-Mead simplex",
	AUGLAG:        "AUGLAG: Augmented Lagrangian method",
	AUGLAG_EQ:     "AUGLAG_EQ: Augmented Lagrangian method (equality)",
}

// AlgorithmName returns a descriptive string for the algorithm.
func AlgorithmName(a Algorithm) string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return "UNKNOWN"
}

// NeedsLocal reports whether the algorithm requires a nested local
// optimizer to solve its subproblems.
func (a Algorithm) NeedsLocal() bool {
	return a >= AUGLAG
}

func (a Algorithm) String() string { return AlgorithmName(a) }

// Result is the integer outcome of an optimization run. Positive values
// are successes, negative values are errors.
type Result int

const (
	// FAILURE is a generic failure.
	FAILURE Result = -1
	// INVALID_ARGS signals invalid arguments (bounds, algorithm, dimensions).
	INVALID_ARGS Result = -2
	// OUT_OF_MEMORY signals memory exhaustion.
	OUT_OF_MEMORY Result = -3
	// ROUNDOFF_LIMITED signals that roundoff errors limited progress.
	ROUNDOFF_LIMITED Result = -4
	// FORCED_STOP signals a forced termination.
	FORCED_STOP Result = -5
	// SUCCESS is a generic success.
	SUCCESS Result = 1
	// STOPVAL_REACHED means the stopval criterion was met.
	STOPVAL_REACHED Result = 2
	// FTOL_REACHED means the objective tolerance was met.
	FTOL_REACHED Result = 3
	// XTOL_REACHED means the parameter tolerance was met.
	XTOL_REACHED Result = 4
	// MAXEVAL_REACHED means the evaluation budget was exhausted.
	MAXEVAL_REACHED Result = 5
	// MAXTIME_REACHED means the wall-time budget was exhausted.
	MAXTIME_REACHED Result = 6
)

func (r Result) String() string {
	switch r {
	case FAILURE:
		return "FAILURE"
	case INVALID_ARGS:
		return "INVALID_ARGS"
	case OUT_OF_MEMORY:
		return "OUT_OF_MEMORY"
	case ROUNDOFF_LIMITED:
		return "ROUNDOFF_LIMITED"
	case FORCED_STOP:
		return "FORCED_STOP"
	case SUCCESS:
		return "SUCCESS"
	case STOPVAL_REACHED:
		return "STOPVAL_REACHED"
	case FTOL_REACHED:
		return "FTOL_REACHED"
	case XTOL_REACHED:
		return "XTOL_REACHED"
	case MAXEVAL_REACHED:
		return "MAXEVAL_REACHED"
	case MAXTIME_REACHED:
		return "MAXTIME_REACHED"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Func is an objective or constraint function. It returns the value at x
// and, when gradient is non-nil, writes the gradient with respect to x.
// The optimizer zeroes gradient before every call, so objectives may
// accumulate and constraints may overwrite only the entries they touch.
type Func func(x, gradient []float64) float64

type constraint struct {
	f   Func
	tol float64
}

// Opt holds an optimization problem: algorithm, dimension, objective,
// constraints, bounds and stopping criteria. It mirrors the nlopt_opt
// object and is configured with setters before Optimize.
type Opt struct {
	algorithm Algorithm
	dim       int

	objective Func
	eq        []constraint
	ineq      []constraint

	lb, ub []float64

	stopval       float64
	ftolRel       float64
	ftolAbs       float64
	xtolRel       float64
	xtolAbs       float64
	maxEval       int
	maxTime       float64
	initialStep   float64
	population    uint
	vectorStorage uint
	xWeights      float64

	local *Opt

	numEvals int
	start    time.Time

	xbuf []float64
}

// New returns an optimizer for the given algorithm and problem dimension.
func New(algorithm Algorithm, n int) (*Opt, error) {
	if algorithm < 0 || algorithm >= NUM_ALGORITHMS {
		return nil, fmt.Errorf("nlopt: invalid algorithm %d", algorithm)
	}
	if n <= 0 {
		return nil, fmt.Errorf("nlopt: invalid dimension %d", n)
	}
	lb := make([]float64, n)
	ub := make([]float64, n)
	for i := 0; i < n; i++ {
		lb[i] = math.Inf(-1)
		ub[i] = math.Inf(1)
	}
	return &Opt{
		algorithm: algorithm,
		dim:       n,
		lb:        lb,
		ub:        ub,
		stopval:   math.Inf(-1),
		xWeights:  1,
		xbuf:      make([]float64, n),
	}, nil
}

// Algorithm returns the algorithm this optimizer was created with.
func (o *Opt) Algorithm() Algorithm { return o.algorithm }

// AlgorithmName returns the descriptive name of the configured algorithm.
func (o *Opt) AlgorithmName() string { return AlgorithmName(o.algorithm) }

// Dimension returns the problem dimension.
func (o *Opt) Dimension() int { return o.dim }

// SetMinObjective sets the objective function to minimize.
func (o *Opt) SetMinObjective(f Func) { o.objective = f }

// AddEqualityConstraint registers h(x) = 0 with feasibility tolerance tol.
func (o *Opt) AddEqualityConstraint(h Func, tol float64) {
	o.eq = append(o.eq, constraint{f: h, tol: tol})
}

// AddInequalityConstraint registers g(x) <= 0 with feasibility tolerance tol.
func (o *Opt) AddInequalityConstraint(g Func, tol float64) {
	o.ineq = append(o.ineq, constraint{f: g, tol: tol})
}

// SetLowerBounds sets per-variable lower bounds.
func (o *Opt) SetLowerBounds(lb []float64) {
	copy(o.lb, lb)
}

// SetLowerBounds1 sets all lower bounds to the same constant.
func (o *Opt) SetLowerBounds1(lb float64) {
	for i := range o.lb {
		o.lb[i] = lb
	}
}

// SetUpperBounds sets per-variable upper bounds.
func (o *Opt) SetUpperBounds(ub []float64) {
	copy(o.ub, ub)
}

// SetUpperBounds1 sets all upper bounds to the same constant.
func (o *Opt) SetUpperBounds1(ub float64) {
	for i := range o.ub {
		o.ub[i] = ub
	}
}

// SetStopval sets the threshold for STOPVAL_REACHED: a local-method run
// whose final objective value is <= stopval reports that code. The search
// is not cut short when such a value is found.
func (o *Opt) SetStopval(v float64) { o.stopval = v }

// SetFtolRel sets the relative objective-value tolerance.
func (o *Opt) SetFtolRel(tol float64) { o.ftolRel = tol }

// SetFtolAbs sets the absolute objective-value tolerance.
func (o *Opt) SetFtolAbs(tol float64) { o.ftolAbs = tol }

// SetXtolRel sets the relative parameter tolerance.
func (o *Opt) SetXtolRel(tol float64) { o.xtolRel = tol }

// SetXtolAbs1 sets the absolute parameter tolerance for all variables.
func (o *Opt) SetXtolAbs1(tol float64) { o.xtolAbs = tol }

// SetMaxEval caps the number of objective evaluations. Non-positive
// disables the criterion.
func (o *Opt) SetMaxEval(n int) { o.maxEval = n }

// SetMaxTime caps the wall-clock time in seconds. Non-positive disables
// the criterion.
func (o *Opt) SetMaxTime(seconds float64) { o.maxTime = seconds }

// SetInitialStep sets the initial step used by derivative-free methods.
func (o *Opt) SetInitialStep(dx float64) { o.initialStep = dx }

// SetPopulation sets the initial population size of stochastic methods.
// Zero means the method default.
func (o *Opt) SetPopulation(pop uint) { o.population = pop }

// SetVectorStorage sets the history size M of limited-memory quasi-Newton
// methods. Zero means the method default.
func (o *Opt) SetVectorStorage(m uint) { o.vectorStorage = m }

// SetXWeights1 sets the uniform parameter weight used by xtol criteria.
func (o *Opt) SetXWeights1(w float64) { o.xWeights = w }

// SetLocalOptimizer sets the nested optimizer used by AUGLAG variants for
// their subproblems. Its algorithm and objective tolerances are honored;
// its bounds, objective and constraints are ignored.
func (o *Opt) SetLocalOptimizer(local *Opt) { o.local = local }

// NumEvals returns the number of objective evaluations of the last run.
func (o *Opt) NumEvals() int { return o.numEvals }

// Optimize minimizes the configured objective starting from x. It returns
// the best point found, its objective value and the result code. A non-nil
// error marks a hard failure; on budget exhaustion the best point so far is
// returned with the corresponding positive code.
func (o *Opt) Optimize(x []float64) ([]float64, float64, Result, error) {
	if o.objective == nil {
		return x, math.NaN(), INVALID_ARGS, fmt.Errorf("nlopt: objective not set")
	}
	if len(x) != o.dim {
		return x, math.NaN(), INVALID_ARGS, fmt.Errorf("nlopt: x has length %d, want %d", len(x), o.dim)
	}
	for i := 0; i < o.dim; i++ {
		if o.lb[i] > o.ub[i] {
			return x, math.NaN(), INVALID_ARGS, fmt.Errorf("nlopt: lower bound %g above upper bound %g at %d", o.lb[i], o.ub[i], i)
		}
	}

	o.numEvals = 0
	o.start = time.Now()

	xs := append([]float64(nil), x...)
	o.clip(xs)

	constrained := len(o.eq)+len(o.ineq) > 0
	if o.algorithm.NeedsLocal() {
		return o.optimizeAugLag(xs)
	}
	if constrained {
		return xs, math.NaN(), INVALID_ARGS,
			fmt.Errorf("nlopt: algorithm %s does not support nonlinear constraints", AlgorithmName(o.algorithm))
	}
	xs, f, res, err := o.runMethod(o.algorithm, o.objective, xs, o.ftolRel, o.ftolAbs)
	o.clip(xs)
	return xs, f, res, err
}

// clip projects x into the bound box in place.
func (o *Opt) clip(x []float64) {
	for i := range x {
		if x[i] < o.lb[i] {
			x[i] = o.lb[i]
		} else if x[i] > o.ub[i] {
			x[i] = o.ub[i]
		}
	}
}

func (o *Opt) remainingEvals() int {
	if o.maxEval <= 0 {
		return 0
	}
	rem := o.maxEval - o.numEvals
	if rem < 0 {
		rem = 0
	}
	return rem
}

func (o *Opt) remainingTime() time.Duration {
	if o.maxTime <= 0 {
		return 0
	}
	rem := time.Duration(o.maxTime*float64(time.Second)) - time.Since(o.start)
	if rem < 0 {
		rem = 0
	}
	return rem
}

func (o *Opt) evalsExhausted() bool {
	return o.maxEval > 0 && o.numEvals >= o.maxEval
}

func (o *Opt) timeExhausted() bool {
	return o.maxTime > 0 && time.Since(o.start) >= time.Duration(o.maxTime*float64(time.Second))
}

// Global PRNG shared by all optimizers, as in nlopt_srand. Deterministic
// runs re-seed it before every solve.

var (
	rngMu  sync.Mutex
	rngSrc = rand.NewSource(0xDEADBEEF)
	rngStd = distuv.Normal{Mu: 0, Sigma: 1, Src: rngSrc}
)

// Srand seeds the package pseudo-random generator, giving the same
// sequence from run to run.
func Srand(seed uint64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	rngSrc.Seed(seed)
}

// Normal draws a unit Gaussian sample from the package generator.
func Normal() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rngStd.Rand()
}
