package solver

import "fmt"

// eliminated marks a full-space index that does not survive into the
// reduced problem.
const eliminated = -1

// reduction is the immutable product of the aliasing pass: the alias table
// plus the two index mappings between the full and reduced variable
// spaces. Gather and scatter are pure functions over it.
type reduction struct {
	aliases    []VarAlias
	aliasToRed []int
	redToAlias []int
}

// Size returns the reduced problem dimension.
func (r *reduction) Size() int { return len(r.redToAlias) }

// FromReducedToAliases gathers the full variable vector ns from the
// reduced vector rns: surviving variables copy through, aliased ones are
// rebuilt as their signed sums.
func (r *reduction) FromReducedToAliases(rns, ns []float64) {
	for i := range ns {
		alias := &r.aliases[i]
		if alias.Empty() {
			ns[i] = rns[r.aliasToRed[i]]
			continue
		}
		val := 0.0
		for _, idx := range alias.Pos {
			val += rns[r.aliasToRed[idx]]
		}
		for _, idx := range alias.Neg {
			val -= rns[r.aliasToRed[idx]]
		}
		ns[i] = val
	}
}

// FromAliasesToReduced scatters a full-space gradient ns into the reduced
// space rns. It is the exact transpose of FromReducedToAliases and so
// implements the chain rule dE/dr = J^T dE/dx.
func (r *reduction) FromAliasesToReduced(ns, rns []float64) {
	for i := range rns {
		rns[i] = 0
	}
	for i := range ns {
		alias := &r.aliases[i]
		if alias.Empty() {
			rns[r.aliasToRed[i]] += ns[i]
			continue
		}
		for _, idx := range alias.Pos {
			rns[r.aliasToRed[idx]] += ns[i]
		}
		for _, idx := range alias.Neg {
			rns[r.aliasToRed[idx]] -= ns[i]
		}
	}
}

// SetReducedFromAliases projects a full vector onto the reduced space by
// direct copy of the surviving entries, without gathering.
func (r *reduction) SetReducedFromAliases(ns, rns []float64) {
	for i := range rns {
		rns[i] = ns[r.redToAlias[i]]
	}
}

// buildAliases runs the single aliasing pass over the nodes. The graph is
// assumed bipartite with a blue/green separation; chains that violate that
// assumption are repaired by resolveAliases afterwards. Nodes whose
// interface equation is absorbed by an alias are flagged in reduced so the
// driver skips their equality constraint.
func buildAliases(nodes []Node, reduced []bool, level AliasingLevel, numEdges int) []VarAlias {
	aliases := make([]VarAlias, numEdges)
	for i := range aliases {
		aliases[i].Index = i
	}
	for i := range reduced {
		reduced[i] = false
	}
	if level == AliasingNone {
		return aliases
	}

	for n := range nodes {
		node := &nodes[n]
		if reduced[node.Index] || !node.HasInterfaceConstraint() {
			continue
		}

		numInp := len(node.InpEdges)
		numOut := len(node.OutEdges)

		switch {
		case numInp == 1 && numOut == 1:
			alias := &aliases[node.OutEdges[0]]
			alias.Pos = append([]int(nil), node.InpEdges...)

		case numInp == 1 || numOut == 1:
			if level < AliasingBasic {
				continue
			}
			if numInp == 1 {
				// single input is the sum of the outputs
				alias := &aliases[node.InpEdges[0]]
				alias.Pos = append([]int(nil), node.OutEdges...)
			} else {
				// single output is the sum of the inputs
				alias := &aliases[node.OutEdges[0]]
				alias.Pos = append([]int(nil), node.InpEdges...)
			}

		case level == AliasingComplex:
			// n-to-m case: the first output absorbs the equation and the
			// remaining outputs enter negatively.
			alias := &aliases[node.OutEdges[0]]
			alias.Pos = append([]int(nil), node.InpEdges...)
			alias.Neg = append([]int(nil), node.OutEdges[1:]...)

		default:
			continue
		}
		reduced[node.Index] = true
	}
	return aliases
}

// resolveAliases rewrites alias chains so that every index referenced by a
// non-empty alias is itself un-aliased, substituting referenced aliases by
// their own expansion. A reference cycle cannot be resolved and is
// reported as an error.
func resolveAliases(aliases []VarAlias) error {
	budget := 4 * (len(aliases) + 1)
	for i := range aliases {
		for steps := 0; ; steps++ {
			if steps > budget {
				return fmt.Errorf("alias cycle involving variable %d", i)
			}
			ref := referencedAlias(aliases, &aliases[i])
			if ref < 0 {
				break
			}
			substituteAlias(&aliases[i], ref, &aliases[ref])
		}
	}
	return nil
}

// referencedAlias returns the first index in a's terms that is itself
// aliased, or -1 if all references survive.
func referencedAlias(aliases []VarAlias, a *VarAlias) int {
	for _, j := range a.Pos {
		if !aliases[j].Empty() {
			return j
		}
	}
	for _, j := range a.Neg {
		if !aliases[j].Empty() {
			return j
		}
	}
	return -1
}

// substituteAlias replaces every occurrence of ref in dst by src's terms,
// composing signs.
func substituteAlias(dst *VarAlias, ref int, src *VarAlias) {
	var pos, neg []int
	for _, j := range dst.Pos {
		if j == ref {
			pos = append(pos, src.Pos...)
			neg = append(neg, src.Neg...)
		} else {
			pos = append(pos, j)
		}
	}
	for _, j := range dst.Neg {
		if j == ref {
			neg = append(neg, src.Pos...)
			pos = append(pos, src.Neg...)
		} else {
			neg = append(neg, j)
		}
	}
	dst.Pos, dst.Neg = pos, neg
}

// validateAliases checks the reduction invariants: no purely negative
// alias and no reference to an aliased variable.
func validateAliases(aliases []VarAlias) error {
	for i := range aliases {
		a := &aliases[i]
		if a.Empty() {
			continue
		}
		if !a.IsValid() {
			return fmt.Errorf("variable %d aliased by negative terms only", i)
		}
		for _, j := range a.Pos {
			if !aliases[j].Empty() {
				return fmt.Errorf("alias of variable %d references aliased variable %d", i, j)
			}
		}
		for _, j := range a.Neg {
			if !aliases[j].Empty() {
				return fmt.Errorf("alias of variable %d references aliased variable %d", i, j)
			}
		}
	}
	return nil
}

// newReduction builds the index mappings from a resolved alias table,
// iterating in index order.
func newReduction(aliases []VarAlias) *reduction {
	r := &reduction{
		aliases:    aliases,
		aliasToRed: make([]int, 0, len(aliases)),
	}
	for i := range aliases {
		if aliases[i].Empty() {
			r.aliasToRed = append(r.aliasToRed, len(r.redToAlias))
			r.redToAlias = append(r.redToAlias, aliases[i].Index)
		} else {
			r.aliasToRed = append(r.aliasToRed, eliminated)
		}
	}
	return r
}
