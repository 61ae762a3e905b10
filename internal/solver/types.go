// Package solver implements the numeric core of the stitch-count shaping
// toolkit: three sibling solvers assigning positive real stitch counts to
// the edges of a directed flow graph (Global), to a bounded linear sequence
// (Local) and to a linear or circular run of wale samples (ShortRow). All
// three share the same skeleton: a data-accuracy plus simplicity objective
// with analytic gradients, a constraint set, and an optimizer driver with
// deterministic seeding.
package solver

import (
	"fmt"
	"io"

	"github.com/copyleftdev/SKEIN/internal/logging"
	"github.com/copyleftdev/SKEIN/internal/solver/nlopt"
)

// AliasingLevel controls how aggressively the global solver eliminates
// dependent variables before optimization.
type AliasingLevel int

const (
	// AliasingNone disables the reduction.
	AliasingNone AliasingLevel = iota
	// AliasingTrivial reduces 1-to-1 interface nodes.
	AliasingTrivial
	// AliasingBasic additionally reduces 1-to-n and n-to-1 nodes.
	AliasingBasic
	// AliasingComplex additionally reduces n-to-m nodes. Aliases with more
	// than one negative term get an explicit inequality keeping the aliased
	// value above its lower bound.
	AliasingComplex

	numAliasingLevels
)

// Node is a graph vertex grouping incoming and outgoing edges. Simple
// nodes carry a shaping ratio and exactly one input and one output;
// interface nodes enforce that their incoming and outgoing sums match.
type Node struct {
	Index    int
	Simple   bool
	InpEdges []int
	OutEdges []int
}

// HasInterfaceConstraint reports whether the node requires the
// sum(in) == sum(out) equality.
func (n *Node) HasInterfaceConstraint() bool {
	return len(n.InpEdges) > 0 && len(n.OutEdges) > 0 && !n.Simple
}

// HasRangeConstraint reports whether the node is bound by a shaping ratio.
func (n *Node) HasRangeConstraint() bool {
	return n.Simple
}

// Inp returns the node's first input edge.
func (n *Node) Inp() int { return n.InpEdges[0] }

// Out returns the node's first output edge.
func (n *Node) Out() int { return n.OutEdges[0] }

// VarAlias rewrites one variable as a signed sum of others:
// x[Index] = sum(x[Pos]) - sum(x[Neg]). Empty aliases survive into the
// reduced problem unchanged.
type VarAlias struct {
	Index    int
	Pos      []int
	Neg      []int
	MinBound float64
}

// Empty reports whether the variable is not aliased at all.
func (a *VarAlias) Empty() bool {
	return len(a.Pos) == 0 && len(a.Neg) == 0
}

// IsValid rejects aliases made of negative terms only.
func (a *VarAlias) IsValid() bool {
	return len(a.Neg) == 0 || len(a.Pos) > 0
}

// HasConstraint reports whether the alias needs an explicit inequality to
// keep the aliased value above its minimum bound. Single-negative aliases
// stay implicit: the originating interface equation already forces them.
func (a *VarAlias) HasConstraint() bool {
	return len(a.Neg) > 1
}

// options carries the optimizer configuration shared by the three solvers.
// Defaults follow the production pipeline; each solver overrides the main
// algorithm it ships with.
type options struct {
	mainAlgo       nlopt.Algorithm
	localAlgo      nlopt.Algorithm
	useConstraints bool
	mainFtolRel    float64
	maxEval        int
	maxTime        float64
	localFtolRel   float64
	constraintTol  float64
	seed           uint64
	gaussianStart  bool
	verbose        bool
	wC             float64
	wS             float64

	log      *logging.Logger
	setupErr error
}

func defaultOptions(mainAlgo nlopt.Algorithm) options {
	return options{
		mainAlgo:       mainAlgo,
		localAlgo:      nlopt.LD_LBFGS,
		useConstraints: true,
		maxEval:        1e3,
		localFtolRel:   1e-3,
		constraintTol:  1e-1,
		seed:           0xDEADBEEF,
		wC:             1,
		wS:             0.1,
		log:            logging.New(logging.ErrorLevel, io.Discard),
	}
}

// SetLogger routes solve diagnostics through the given logger.
func (o *options) SetLogger(l *logging.Logger) {
	if l != nil {
		o.log = l
	}
}

// SetSeed fixes the optimizer PRNG seed used on every solve.
func (o *options) SetSeed(seed uint64) { o.seed = seed }

// UseNoise toggles Gaussian perturbation of the initial point.
func (o *options) UseNoise(noise bool) { o.gaussianStart = noise }

// SetVerbose toggles per-evaluation diagnostics.
func (o *options) SetVerbose(v bool) { o.verbose = v }

// SetUseConstraints toggles registration of explicit constraints.
func (o *options) SetUseConstraints(u bool) { o.useConstraints = u }

// SetMainAlgorithm selects the outer optimizer.
func (o *options) SetMainAlgorithm(algo nlopt.Algorithm) { o.mainAlgo = algo }

// MainAlgorithm returns the configured outer optimizer.
func (o *options) MainAlgorithm() nlopt.Algorithm { return o.mainAlgo }

// SetLocalAlgorithm selects the nested local optimizer.
func (o *options) SetLocalAlgorithm(algo nlopt.Algorithm) { o.localAlgo = algo }

// LocalAlgorithm returns the configured local optimizer.
func (o *options) LocalAlgorithm() nlopt.Algorithm { return o.localAlgo }

// SetMaxEval caps objective evaluations per solve. Zero selects the
// solver's default cap.
func (o *options) SetMaxEval(n int) { o.maxEval = n }

// SetMaxTime caps wall-clock seconds per solve. Zero disables the cap.
func (o *options) SetMaxTime(seconds float64) { o.maxTime = seconds }

// SetMainFtolRel sets the outer relative objective tolerance.
func (o *options) SetMainFtolRel(tol float64) { o.mainFtolRel = tol }

// SetLocalFtolRel sets the nested optimizer's relative objective tolerance.
func (o *options) SetLocalFtolRel(tol float64) { o.localFtolRel = tol }

// SetConstraintTol sets the per-constraint feasibility tolerance.
func (o *options) SetConstraintTol(tol float64) { o.constraintTol = tol }

// SetWeights sets the accuracy and simplicity weights.
func (o *options) SetWeights(accuracy, simplicity float64) {
	o.wC = accuracy
	o.wS = simplicity
}

// fail records the first setup error; Solve reports it instead of running.
func (o *options) fail(format string, args ...interface{}) {
	if o.setupErr == nil {
		o.setupErr = fmt.Errorf(format, args...)
	}
}

// SetupError returns the recorded setup error, if any.
func (o *options) SetupError() error { return o.setupErr }

func (o *options) debugf(verbose bool, format string, args ...interface{}) {
	if verbose {
		o.log.Info(fmt.Sprintf(format, args...))
	}
}

// Result codes returned by Solve. Positive values are successes, negative
// values errors; 0 marks an optimizer exception.
const (
	// RCException is returned when the optimizer fails with a hard error.
	RCException = 0
	// RCInvalidSetup is returned for programmer errors caught before the
	// optimizer runs (cardinality mismatches, bad indices, alias cycles).
	RCInvalidSetup = int(nlopt.INVALID_ARGS)
)

// applyDefaults configures an optimizer with the pipeline defaults before
// user overrides: no population, unit initial step, no stopval, exact
// ftol_abs/xtol, unit parameter weights and default vector storage.
func applyDefaults(opt *nlopt.Opt) {
	opt.SetPopulation(0)
	opt.SetInitialStep(1.0)
	opt.SetStopval(negInf)
	opt.SetFtolAbs(0.0)
	opt.SetXtolRel(0.0)
	opt.SetXtolAbs1(0.0)
	opt.SetXWeights1(1.0)
	opt.SetVectorStorage(0)
}
