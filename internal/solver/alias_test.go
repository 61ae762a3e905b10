package solver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func interfaceNode(index int, in, out []int) Node {
	return Node{Index: index, InpEdges: in, OutEdges: out}
}

func TestBuildAliasesLevels(t *testing.T) {
	tests := []struct {
		name    string
		level   AliasingLevel
		nodes   []Node
		edges   int
		aliased map[int][2][]int // index -> {pos, neg}
	}{
		{
			name:    "none",
			level:   AliasingNone,
			nodes:   []Node{interfaceNode(0, []int{0}, []int{1})},
			edges:   2,
			aliased: map[int][2][]int{},
		},
		{
			name:  "trivial one to one",
			level: AliasingTrivial,
			nodes: []Node{interfaceNode(0, []int{0}, []int{1})},
			edges: 2,
			aliased: map[int][2][]int{
				1: {{0}, nil},
			},
		},
		{
			name:    "trivial skips one to many",
			level:   AliasingTrivial,
			nodes:   []Node{interfaceNode(0, []int{0}, []int{1, 2})},
			edges:   3,
			aliased: map[int][2][]int{},
		},
		{
			name:  "basic one to many aliases the singleton",
			level: AliasingBasic,
			nodes: []Node{interfaceNode(0, []int{0}, []int{1, 2})},
			edges: 3,
			aliased: map[int][2][]int{
				0: {{1, 2}, nil},
			},
		},
		{
			name:  "basic many to one aliases the singleton",
			level: AliasingBasic,
			nodes: []Node{interfaceNode(0, []int{0, 1}, []int{2})},
			edges: 3,
			aliased: map[int][2][]int{
				2: {{0, 1}, nil},
			},
		},
		{
			name:    "basic skips many to many",
			level:   AliasingBasic,
			nodes:   []Node{interfaceNode(0, []int{0, 1}, []int{2, 3})},
			edges:   4,
			aliased: map[int][2][]int{},
		},
		{
			name:  "complex many to many",
			level: AliasingComplex,
			nodes: []Node{interfaceNode(0, []int{0, 1}, []int{2, 3})},
			edges: 4,
			aliased: map[int][2][]int{
				2: {{0, 1}, {3}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reduced := make([]bool, len(tt.nodes))
			aliases := buildAliases(tt.nodes, reduced, tt.level, tt.edges)
			require.Len(t, aliases, tt.edges)

			for i := range aliases {
				want, ok := tt.aliased[i]
				if !ok {
					assert.True(t, aliases[i].Empty(), "edge %d should not be aliased", i)
					continue
				}
				assert.Equal(t, want[0], aliases[i].Pos, "pos of edge %d", i)
				assert.Equal(t, want[1], aliases[i].Neg, "neg of edge %d", i)
			}
		})
	}
}

func TestResolveAliasChains(t *testing.T) {
	// chain 0 -> 1 -> 2: both interface nodes alias their output
	nodes := []Node{
		interfaceNode(0, []int{0}, []int{1}),
		interfaceNode(1, []int{1}, []int{2}),
	}
	reduced := make([]bool, 2)
	aliases := buildAliases(nodes, reduced, AliasingTrivial, 3)
	require.NoError(t, resolveAliases(aliases))
	require.NoError(t, validateAliases(aliases))

	assert.Equal(t, []int{0}, aliases[1].Pos)
	assert.Equal(t, []int{0}, aliases[2].Pos, "chained alias resolves to the surviving variable")

	red := newReduction(aliases)
	assert.Equal(t, 1, red.Size())
	assert.Equal(t, []int{0}, red.redToAlias)
	assert.Equal(t, []int{0, eliminated, eliminated}, red.aliasToRed)
}

func TestResolveAliasCycle(t *testing.T) {
	aliases := []VarAlias{
		{Index: 0, Pos: []int{1}},
		{Index: 1, Pos: []int{0}},
	}
	assert.Error(t, resolveAliases(aliases))
}

func TestValidateAliases(t *testing.T) {
	aliases := []VarAlias{
		{Index: 0},
		{Index: 1, Neg: []int{0}},
	}
	assert.Error(t, validateAliases(aliases), "purely negative alias is invalid")

	aliases = []VarAlias{
		{Index: 0, Pos: []int{1}},
		{Index: 1, Pos: []int{2}},
		{Index: 2},
	}
	assert.Error(t, validateAliases(aliases), "reference to an aliased variable is invalid")
}

func TestGatherScatterTranspose(t *testing.T) {
	// x0, x3 and x4 survive; x1 = x0 and x2 = x0 + x3 - x4 reference only
	// surviving variables.
	aliases := []VarAlias{
		{Index: 0},
		{Index: 1, Pos: []int{0}},
		{Index: 2, Pos: []int{0, 3}, Neg: []int{4}},
		{Index: 3},
		{Index: 4},
	}
	require.NoError(t, validateAliases(aliases))
	red := newReduction(aliases)
	require.Equal(t, 3, red.Size())

	r := []float64{2, 5, 1} // values of surviving x0, x3, x4
	x := make([]float64, 5)
	red.FromReducedToAliases(r, x)
	assert.Equal(t, []float64{2, 2, 6, 5, 1}, x)

	g := []float64{0.5, -1, 2, 3, -0.25}
	rg := make([]float64, 3)
	red.FromAliasesToReduced(g, rg)

	// transpose identity: <g, x(r)> == <rg, r> for the linear gather
	lhs := 0.0
	for i := range g {
		lhs += g[i] * x[i]
	}
	rhs := 0.0
	for j := range rg {
		rhs += rg[j] * r[j]
	}
	assert.InDelta(t, lhs, rhs, 1e-12)

	// direct projection copies the surviving entries
	rr := make([]float64, 3)
	red.SetReducedFromAliases(x, rr)
	assert.Equal(t, []float64{2, 5, 1}, rr)
}
