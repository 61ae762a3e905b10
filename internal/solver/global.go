package solver

import (
	"fmt"
	"math"

	"github.com/copyleftdev/SKEIN/internal/solver/nlopt"
)

// Global assigns a stitch count to every edge of a directed bipartite flow
// graph. Interface nodes tie their incoming and outgoing sums together,
// simple nodes carry a shaping ratio, and an optional aliasing pass
// eliminates dependent variables before the optimizer runs.
type Global struct {
	options

	cdata  []float64
	wdata  []float64
	iwdata []float64
	nodes  []Node

	aliasingLevel AliasingLevel
	globalShaping bool
	aliased       bool
	reduced       []bool
	red           *reduction
	rvars         []float64

	nvars    []float64
	ngrad    []float64
	objval   float64
	currIter int
}

// NewGlobal returns a global solver with the production defaults: an
// equality-oriented augmented-Lagrangian outer algorithm over an L-BFGS
// local optimizer.
func NewGlobal() *Global {
	return &Global{options: defaultOptions(nlopt.AUGLAG_EQ)}
}

// Reset releases all problem state.
func (g *Global) Reset() {
	g.cdata = nil
	g.wdata = nil
	g.iwdata = nil
	g.nodes = nil
	g.reduced = nil
	g.red = nil
	g.rvars = nil
	g.nvars = nil
	g.ngrad = nil
	g.aliased = false
	g.setupErr = nil
}

// Allocate sizes the problem for numEdges edge variables and numNodes
// nodes. It must be called before any per-index setter.
func (g *Global) Allocate(numEdges, numNodes int) {
	g.Reset()
	if numEdges < 0 || numNodes < 0 {
		g.fail("allocate: negative cardinality (%d edges, %d nodes)", numEdges, numNodes)
		return
	}
	g.nvars = make([]float64, numEdges)
	g.ngrad = make([]float64, numEdges)
	g.cdata = make([]float64, numEdges)
	g.wdata = make([]float64, numNodes)
	g.iwdata = make([]float64, numNodes)
	g.nodes = make([]Node, numNodes)
	g.reduced = make([]bool, numNodes)
}

func (g *Global) checkEdge(index int) bool {
	if index < 0 || index >= len(g.cdata) {
		g.fail("edge index %d out of range [0,%d)", index, len(g.cdata))
		return false
	}
	return true
}

func (g *Global) checkNode(index int) bool {
	if index < 0 || index >= len(g.nodes) {
		g.fail("node index %d out of range [0,%d)", index, len(g.nodes))
		return false
	}
	return true
}

// SetCourse sets the per-edge target value.
func (g *Global) SetCourse(index int, value float64) {
	if !g.checkEdge(index) {
		return
	}
	g.cdata[index] = value
}

// SetShaping sets the per-node shaping ratio; its reciprocal is
// precomputed here.
func (g *Global) SetShaping(index int, value float64) {
	if !g.checkNode(index) {
		return
	}
	g.wdata[index] = value
	g.iwdata[index] = 1.0 / value
}

// AllocateNode defines a node's kind and edge counts. Any topology edit
// invalidates the cached aliasing.
func (g *Global) AllocateNode(index int, simple bool, numInputs, numOutputs int) {
	if !g.checkNode(index) {
		return
	}
	g.nodes[index].Index = index
	g.nodes[index].Simple = simple
	g.nodes[index].InpEdges = make([]int, numInputs)
	g.nodes[index].OutEdges = make([]int, numOutputs)
	g.aliased = false
}

// SetNodeInput wires edgeIndex as the node's slot-th input.
func (g *Global) SetNodeInput(nodeIndex, slot, edgeIndex int) {
	if !g.checkNode(nodeIndex) || !g.checkEdge(edgeIndex) {
		return
	}
	if slot < 0 || slot >= len(g.nodes[nodeIndex].InpEdges) {
		g.fail("input slot %d out of range on node %d", slot, nodeIndex)
		return
	}
	g.nodes[nodeIndex].InpEdges[slot] = edgeIndex
	g.aliased = false
}

// SetNodeOutput wires edgeIndex as the node's slot-th output.
func (g *Global) SetNodeOutput(nodeIndex, slot, edgeIndex int) {
	if !g.checkNode(nodeIndex) || !g.checkEdge(edgeIndex) {
		return
	}
	if slot < 0 || slot >= len(g.nodes[nodeIndex].OutEdges) {
		g.fail("output slot %d out of range on node %d", slot, nodeIndex)
		return
	}
	g.nodes[nodeIndex].OutEdges[slot] = edgeIndex
	g.aliased = false
}

// SetGlobalShaping toggles the per-node range constraints.
func (g *Global) SetGlobalShaping(gs bool) { g.globalShaping = gs }

// SetAliasingLevel selects the reduction level; the aliasing is recomputed
// on the next solve.
func (g *Global) SetAliasingLevel(level AliasingLevel) {
	g.aliasingLevel = level
	g.aliased = false
}

// AliasingLevel returns the configured reduction level.
func (g *Global) AliasingLevel() AliasingLevel { return g.aliasingLevel }

// objective is the full-space objective: squared accuracy error per edge
// plus the squared in/out imbalance of simple nodes. Gradients accumulate
// into the caller-zeroed grad.
func (g *Global) objective(x, grad []float64) float64 {
	ec := 0.0
	es := 0.0

	for i, c := range g.cdata {
		diff := x[i] - c
		ec += loss(diff)
		if grad != nil {
			grad[i] += g.wC * 2 * diff
		}
	}

	for n := range g.nodes {
		node := &g.nodes[n]
		if !node.Simple || len(node.InpEdges) == 0 || len(node.OutEdges) == 0 {
			continue
		}
		inp := 0.0
		out := 0.0
		for _, idx := range node.InpEdges {
			inp += x[idx]
		}
		for _, idx := range node.OutEdges {
			out += x[idx]
		}
		diff := inp - out
		es += loss(diff)

		if grad == nil {
			continue
		}
		// d(diff^2)/dx_i = 2*diff on inputs, -2*diff on outputs
		sGrad := g.wS * 2 * diff
		for _, idx := range node.InpEdges {
			grad[idx] += sGrad
		}
		for _, idx := range node.OutEdges {
			grad[idx] -= sGrad
		}
	}

	e := ec*g.wC + es*g.wS
	if g.verbose && g.currIter > 0 {
		ce := g.constraintErrorAt(x)
		g.debugf(true, "eval %d: %g (cerr=%g)", g.currIter, e, ce)
		g.currIter++
	}
	return e
}

// reducedObjective evaluates the objective in reduced coordinates,
// gathering the full variables first and scattering the gradient back.
func (g *Global) reducedObjective(rx, rgrad []float64) float64 {
	g.red.FromReducedToAliases(rx, g.nvars)
	if rgrad == nil {
		return g.objective(g.nvars, nil)
	}
	for i := range g.ngrad {
		g.ngrad[i] = 0
	}
	e := g.objective(g.nvars, g.ngrad)
	g.red.FromAliasesToReduced(g.ngrad, rgrad)
	return e
}

// reducedWrap lifts a full-space constraint into reduced coordinates.
func (g *Global) reducedWrap(f nlopt.Func) nlopt.Func {
	return func(rx, rgrad []float64) float64 {
		g.red.FromReducedToAliases(rx, g.nvars)
		if rgrad == nil {
			return f(g.nvars, nil)
		}
		for i := range g.ngrad {
			g.ngrad[i] = 0
		}
		e := f(g.nvars, g.ngrad)
		g.red.FromAliasesToReduced(g.ngrad, rgrad)
		return e
	}
}

// interfaceConstraint builds the equality sum(in) - sum(out) = 0 for an
// interface node. The gradient overwrites the touched indices.
func (g *Global) interfaceConstraint(node *Node) nlopt.Func {
	return func(x, grad []float64) float64 {
		value := 0.0
		for _, idx := range node.InpEdges {
			value += x[idx]
			if grad != nil {
				grad[idx] = 1
			}
		}
		for _, idx := range node.OutEdges {
			value -= x[idx]
			if grad != nil {
				grad[idx] = -1
			}
		}
		return value
	}
}

// aliasConstraint keeps an aliased value above its minimum bound:
// min_bound + sum(neg) - sum(pos) <= 0. It operates directly on the
// reduced coordinates.
func (g *Global) aliasConstraint(alias *VarAlias) nlopt.Func {
	return func(rx, rgrad []float64) float64 {
		res := alias.MinBound
		for _, idx := range alias.Pos {
			res -= rx[g.red.aliasToRed[idx]]
			if rgrad != nil {
				rgrad[g.red.aliasToRed[idx]] -= 1
			}
		}
		for _, idx := range alias.Neg {
			res += rx[g.red.aliasToRed[idx]]
			if rgrad != nil {
				rgrad[g.red.aliasToRed[idx]] += 1
			}
		}
		return res
	}
}

// urangeConstraint bounds a simple node's input by its scaled output:
// x[in] - x[out]*w <= 0.
func (g *Global) urangeConstraint(node *Node) nlopt.Func {
	return func(x, grad []float64) float64 {
		inp := node.Inp()
		out := node.Out()
		res := x[inp] - x[out]*g.wdata[node.Index]
		if grad != nil {
			grad[inp] += 1
			grad[out] -= g.wdata[node.Index]
		}
		return res
	}
}

// lrangeConstraint bounds a simple node's input from below:
// x[out]*iw - x[in] <= 0.
func (g *Global) lrangeConstraint(node *Node) nlopt.Func {
	return func(x, grad []float64) float64 {
		inp := node.Inp()
		out := node.Out()
		res := x[out]*g.iwdata[node.Index] - x[inp]
		if grad != nil {
			grad[inp] -= 1
			grad[out] += g.iwdata[node.Index]
		}
		return res
	}
}

// constraintErrorAt sums the absolute violations over all active
// constraints at x (full space).
func (g *Global) constraintErrorAt(x []float64) float64 {
	err := 0.0
	for n := range g.nodes {
		node := &g.nodes[n]
		if node.HasInterfaceConstraint() {
			err += math.Abs(g.interfaceConstraint(node)(x, nil))
		} else if g.globalShaping && node.HasRangeConstraint() {
			err += math.Abs(g.urangeConstraint(node)(x, nil)) +
				math.Abs(g.lrangeConstraint(node)(x, nil))
		}
	}
	return err
}

// constraintMaxErrorAt returns the worst absolute violation at x.
func (g *Global) constraintMaxErrorAt(x []float64) float64 {
	maxErr := 0.0
	for n := range g.nodes {
		node := &g.nodes[n]
		if node.HasInterfaceConstraint() {
			maxErr = math.Max(maxErr, math.Abs(g.interfaceConstraint(node)(x, nil)))
		} else if g.globalShaping && node.HasRangeConstraint() {
			maxErr = math.Max(maxErr, math.Abs(g.urangeConstraint(node)(x, nil)))
			maxErr = math.Max(maxErr, math.Abs(g.lrangeConstraint(node)(x, nil)))
		}
	}
	return maxErr
}

// computeAliases lazily rebuilds the reduction when the topology or the
// aliasing level changed since the last solve.
func (g *Global) computeAliases() error {
	if g.aliased {
		return nil
	}
	aliases := buildAliases(g.nodes, g.reduced, g.aliasingLevel, len(g.nvars))
	if err := resolveAliases(aliases); err != nil {
		return err
	}
	if err := validateAliases(aliases); err != nil {
		return err
	}
	g.red = newReduction(aliases)
	g.rvars = make([]float64, g.red.Size())
	g.aliased = true
	return nil
}

// Solve runs the optimization and returns the solver result code.
func (g *Global) Solve(verbose bool) int {
	if g.setupErr != nil {
		g.log.Error("invalid solver setup", map[string]interface{}{"error": g.setupErr.Error()})
		return RCInvalidSetup
	}

	nlopt.Srand(g.seed)

	if err := g.computeAliases(); err != nil {
		g.log.Error("aliasing failed", map[string]interface{}{"error": err.Error()})
		return RCInvalidSetup
	}
	if g.aliasingLevel > AliasingNone {
		g.debugf(verbose, "Aliasing: from %d to %d variables", len(g.nvars), len(g.rvars))
	}

	g.currIter = 0

	n := len(g.nvars)
	if g.aliasingLevel > AliasingNone {
		n = len(g.rvars)
	}
	if n == 0 {
		g.log.Error("empty problem: allocate edges before solving")
		return RCInvalidSetup
	}

	opt, err := nlopt.New(g.mainAlgo, n)
	if err != nil {
		g.log.Error("optimizer setup failed", map[string]interface{}{"error": err.Error()})
		return RCInvalidSetup
	}
	localOpt, err := nlopt.New(g.localAlgo, n)
	if err != nil {
		g.log.Error("optimizer setup failed", map[string]interface{}{"error": err.Error()})
		return RCInvalidSetup
	}
	applyDefaults(opt)
	applyDefaults(localOpt)

	g.debugf(verbose, "Using algorithm: %s", opt.AlgorithmName())

	if g.mainAlgo.NeedsLocal() {
		localOpt.SetFtolRel(g.localFtolRel)
		opt.SetLocalOptimizer(localOpt)
		g.debugf(verbose, "Using local optimizer: %s with ftol_rel=%g", localOpt.AlgorithmName(), g.localFtolRel)
	}

	var objective nlopt.Func
	if g.aliasingLevel == AliasingNone {
		objective = g.objective
	} else {
		objective = g.reducedObjective
	}
	opt.SetMinObjective(objective)

	if g.mainFtolRel != 0 {
		opt.SetFtolRel(g.mainFtolRel)
		g.debugf(verbose, "Using ftol_rel=%g", g.mainFtolRel)
	}
	if g.maxEval != 0 {
		opt.SetMaxEval(g.maxEval)
		g.debugf(verbose, "Using max_eval=%d", g.maxEval)
	} else {
		opt.SetMaxEval(1e3)
		g.debugf(verbose, "Using default max_eval=%d", 1000)
	}
	if g.maxTime != 0 {
		opt.SetMaxTime(g.maxTime)
		g.debugf(verbose, "Using maxtime=%g", g.maxTime)
	}

	// Scalar bounds derived from the course data alone; per the original
	// pipeline they do not account for per-node shaping ratios.
	minBound := 1e3
	maxBound := 2.0
	for _, val := range g.cdata {
		minBound = math.Min(minBound, math.Floor(val*0.5))
		maxBound = math.Max(maxBound, math.Ceil(val*2.0))
	}
	minBound = math.Max(2.0, minBound)
	opt.SetLowerBounds1(minBound)
	opt.SetUpperBounds1(maxBound)
	g.debugf(verbose, "Using bounds: min=%g, max=%g", minBound, maxBound)

	wrap := func(f nlopt.Func) nlopt.Func { return f }
	if g.aliasingLevel > AliasingNone {
		wrap = g.reducedWrap
	}

	if g.useConstraints {
		for i := range g.nodes {
			node := &g.nodes[i]
			if node.HasInterfaceConstraint() && !g.reduced[node.Index] {
				opt.AddEqualityConstraint(wrap(g.interfaceConstraint(node)), g.constraintTol)
				g.debugf(verbose, "Constraint on node #%d (#inp=%d, #out=%d)",
					node.Index, len(node.InpEdges), len(node.OutEdges))
			}
		}
		for i := range g.red.aliases {
			alias := &g.red.aliases[i]
			if alias.HasConstraint() {
				alias.MinBound = minBound
				opt.AddInequalityConstraint(g.aliasConstraint(alias), g.constraintTol)
				g.debugf(verbose, "Constraint on alias #%d (#pos=%d, #neg=%d) > %g",
					alias.Index, len(alias.Pos), len(alias.Neg), minBound)
			}
		}
	}
	if g.globalShaping {
		for i := range g.nodes {
			node := &g.nodes[i]
			if node.HasRangeConstraint() {
				opt.AddInequalityConstraint(wrap(g.urangeConstraint(node)), g.constraintTol)
				opt.AddInequalityConstraint(wrap(g.lrangeConstraint(node)), g.constraintTol)
				g.debugf(verbose, "Range constraints on node #%d (inp=%d, out=%d, w=%g, iw=%g)",
					node.Index, node.Inp(), node.Out(), g.wdata[node.Index], g.iwdata[node.Index])
			}
		}
	}

	// Course data is the initial guess, optionally perturbed.
	copy(g.nvars, g.cdata)
	if g.gaussianStart {
		for i := range g.nvars {
			g.nvars[i] = math.Max(minBound, math.Min(maxBound, g.nvars[i]+nlopt.Normal()))
		}
	}
	if g.aliasingLevel > AliasingNone {
		g.red.SetReducedFromAliases(g.nvars, g.rvars)
	}

	if verbose {
		grad := make([]float64, len(g.nvars))
		e0 := g.objective(g.nvars, grad)
		g.debugf(true, "Initial error: %g", e0)
		for i, gv := range grad {
			g.debugf(true, "grad[%d] = %g", i, gv)
		}
		if g.aliasingLevel > AliasingNone {
			rgrad := make([]float64, len(g.rvars))
			re0 := g.reducedObjective(g.rvars, rgrad)
			g.debugf(true, "Initial reduced error: %g", re0)
			for i, gv := range rgrad {
				g.debugf(true, "rgrad[%d] = %g", i, gv)
			}
		}
	}

	g.currIter = 1
	var (
		xs   []float64
		minf float64
		res  nlopt.Result
	)
	if g.aliasingLevel == AliasingNone {
		xs, minf, res, err = opt.Optimize(g.nvars)
	} else {
		xs, minf, res, err = opt.Optimize(g.rvars)
	}
	if err != nil {
		g.log.Error("optimization failed", map[string]interface{}{
			"error": err.Error(),
			"evals": opt.NumEvals(),
		})
		return RCException
	}

	if g.aliasingLevel == AliasingNone {
		copy(g.nvars, xs)
	} else {
		copy(g.rvars, xs)
		g.red.FromReducedToAliases(g.rvars, g.nvars)
	}
	g.objval = minf

	g.debugf(verbose, "Solved after %d iterations", opt.NumEvals())
	return int(res)
}

// VariableNumber returns the number of edge variables.
func (g *Global) VariableNumber() int { return len(g.nvars) }

// ReducedVariableNumber returns the dimension the optimizer ran with: the
// reduced count when aliasing is active, the full count otherwise.
func (g *Global) ReducedVariableNumber() int {
	if g.aliased && g.aliasingLevel > AliasingNone {
		return len(g.rvars)
	}
	return len(g.nvars)
}

// VariableValue returns the solved value of edge index.
func (g *Global) VariableValue(index int) float64 {
	if index < 0 || index >= len(g.nvars) {
		return math.NaN()
	}
	return g.nvars[index]
}

// Variables returns a copy of the solved edge values.
func (g *Global) Variables() []float64 {
	return append([]float64(nil), g.nvars...)
}

// ObjectiveValue returns the objective at the last solution.
func (g *Global) ObjectiveValue() float64 { return g.objval }

// NumConstraints counts the active constraints: one per interface node,
// two per range node when global shaping is on.
func (g *Global) NumConstraints() int {
	num := 0
	for n := range g.nodes {
		node := &g.nodes[n]
		if node.HasInterfaceConstraint() {
			num++
		} else if g.globalShaping && node.HasRangeConstraint() {
			num += 2
		}
	}
	return num
}

// ConstraintError sums the absolute violations at the current solution.
func (g *Global) ConstraintError() float64 { return g.constraintErrorAt(g.nvars) }

// ConstraintMaxError returns the worst violation at the current solution.
func (g *Global) ConstraintMaxError() float64 { return g.constraintMaxErrorAt(g.nvars) }

// ConstraintMeanError returns the mean violation at the current solution.
func (g *Global) ConstraintMeanError() float64 {
	nc := g.NumConstraints()
	if nc == 0 {
		return 0
	}
	return g.ConstraintError() / float64(nc)
}

// CheckGradient compares analytic and central-difference gradients for the
// objective and every active constraint, at both the course data and the
// current solution, and returns the worst relative error.
func (g *Global) CheckGradient(print bool, eps float64) float64 {
	preVerbose := g.verbose
	g.verbose = false
	defer func() { g.verbose = preVerbose }()

	fns := []nlopt.Func{g.objective}
	for n := range g.nodes {
		node := &g.nodes[n]
		if node.HasInterfaceConstraint() {
			fns = append(fns, g.interfaceConstraint(node))
		} else if g.globalShaping && node.HasRangeConstraint() {
			fns = append(fns, g.urangeConstraint(node), g.lrangeConstraint(node))
		}
	}
	maxErr := checkFunctions(eps, [][]float64{g.cdata, g.nvars}, fns)
	if print {
		g.log.Info(fmt.Sprintf("Gradient max relative error: %g for step %g", maxErr, eps))
	}
	return maxErr
}
