package model

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGridParentChildConsistency(t *testing.T) {
	g := NewGrid(3, 2) // W=8, H=4, non-square
	for idx := Index(0); idx < Index(g.N()); idx++ {
		for _, c := range g.ChildrenOf(idx) {
			require.Less(t, int(c), g.N(), "child %d out of range for parent %d", c, idx)
			p, ok := g.ParentOf(c)
			require.True(t, ok)
			require.Equal(t, idx, p, "child %d of %d does not report %d as parent", c, idx, idx)
			require.Equal(t, g.DepthOf(idx)+1, g.DepthOf(c))
		}
	}
}

func TestGridRootHasThreeChildren(t *testing.T) {
	g := NewGrid(4, 4)
	require.Len(t, g.ChildrenOf(0), 3)
}

func TestGridBijection(t *testing.T) {
	g := NewGrid(3, 3)
	seen := make(map[Index]bool)
	for idx := Index(0); idx < Index(g.N()); idx++ {
		i, j := g.To2D(idx)
		require.Equal(t, idx, g.From2D(i, j))
		seen[idx] = true
	}
	require.Len(t, seen, g.N())
}

func TestTreeInitRoot(t *testing.T) {
	g := NewGrid(3, 3)
	tr := NewTree(g)
	tr.Init(1.5)
	require.True(t, tr.Contains(0))
	require.Equal(t, 1.5, tr.Value(0))
	require.Equal(t, 1, tr.NCoeffLive())
	require.Equal(t, len(g.ChildrenOf(0)), tr.NBirthEligible())
	require.Equal(t, 0, tr.NDeathEligible())
}

func TestTreeInsertRejectsOrphan(t *testing.T) {
	g := NewGrid(3, 3)
	tr := NewTree(g)
	tr.Init(0)
	children := g.ChildrenOf(0)
	grandchild := g.ChildrenOf(children[0])[0]
	err := tr.Insert(grandchild, 1)
	require.Error(t, err, "inserting a grandchild before its parent must fail")
}

func TestTreeInsertRemoveRoundtrip(t *testing.T) {
	g := NewGrid(3, 3)
	tr := NewTree(g)
	tr.Init(0)
	child := g.ChildrenOf(0)[0]
	require.NoError(t, tr.Insert(child, 2.0))
	require.True(t, tr.Contains(child))
	require.Equal(t, ChangeBirth, tr.LastPerturbation().Kind)
	require.Contains(t, tr.DeathEligibleIndices(), child)

	require.NoError(t, tr.Remove(child))
	require.False(t, tr.Contains(child))
	require.Equal(t, ChangeDeath, tr.LastPerturbation().Kind)
	require.NotContains(t, tr.DeathEligibleIndices(), child)
}

func TestTreeRemoveRejectsWithLiveChild(t *testing.T) {
	g := NewGrid(3, 3)
	tr := NewTree(g)
	tr.Init(0)
	child := g.ChildrenOf(0)[0]
	require.NoError(t, tr.Insert(child, 1))
	grandchildren := g.ChildrenOf(child)
	require.NotEmpty(t, grandchildren)
	require.NoError(t, tr.Insert(grandchildren[0], 1))

	err := tr.Remove(child)
	require.Error(t, err, "removing a node with a live child must fail")
}

func TestTreeRemoveRejectsRoot(t *testing.T) {
	g := NewGrid(3, 3)
	tr := NewTree(g)
	tr.Init(0)
	require.Error(t, tr.Remove(0))
}

func TestTreeUpdateValue(t *testing.T) {
	g := NewGrid(3, 3)
	tr := NewTree(g)
	tr.Init(5)
	require.NoError(t, tr.Update(0, 9))
	require.Equal(t, 9.0, tr.Value(0))
	require.Equal(t, ChangeRootValue, tr.LastPerturbation().Kind)
}

func TestTreeInvariantHoldsAfterManyMutations(t *testing.T) {
	g := NewGrid(4, 4)
	tr := NewTree(g)
	tr.Init(0)

	for step := 0; step < 200; step++ {
		if len(tr.birthEligible) > 0 && step%2 == 0 {
			for idx := range tr.birthEligible {
				_ = tr.Insert(idx, float64(step))
				break
			}
		} else if len(tr.deathEligible) > 0 {
			for idx := range tr.deathEligible {
				_ = tr.Remove(idx)
				break
			}
		}
		assertTreeInvariant(t, tr)
	}
}

func assertTreeInvariant(t *testing.T, tr *Tree) {
	t.Helper()
	for idx := range tr.values {
		if idx == 0 {
			continue
		}
		parent, ok := tr.ParentOf(idx)
		require.True(t, ok)
		require.True(t, tr.Contains(parent), "index %d live but parent %d is not", idx, parent)
	}
}

func TestTreeSaveLoadRoundtrip(t *testing.T) {
	g := NewGrid(3, 3)
	tr := NewTree(g)
	tr.Init(1)
	for _, c := range g.ChildrenOf(0) {
		require.NoError(t, tr.Insert(c, float64(c)))
	}

	var buf bytes.Buffer
	require.NoError(t, tr.Encode(&buf))

	tr2 := NewTree(g)
	require.NoError(t, tr2.Decode(bytes.NewReader(buf.Bytes())))
	require.Equal(t, tr.NCoeffLive(), tr2.NCoeffLive())
	for idx := range tr.values {
		require.True(t, tr2.Contains(idx))
		require.Equal(t, tr.Value(idx), tr2.Value(idx))
	}
}

func TestTreeDecodeRejectsOrphanedIndex(t *testing.T) {
	g := NewGrid(2, 2) // Dmax = 2, N = 16
	tr := NewTree(g)
	tr.Init(0)
	child := g.ChildrenOf(0)[0]
	grandchild := g.ChildrenOf(child)[0]
	// Hand-build an encoded payload containing the grandchild but not its
	// parent, bypassing Insert's own check to exercise Decode's.
	var buf bytes.Buffer
	hand := NewTree(g)
	hand.values = map[Index]float64{0: 0, grandchild: 1}
	require.NoError(t, hand.Encode(&buf))

	other := NewTree(g)
	err := other.Decode(bytes.NewReader(buf.Bytes()))
	require.Error(t, err, "a live index whose parent is not live must be rejected on load")
}

func TestTreeSaveLoadFileRoundtrip(t *testing.T) {
	g := NewGrid(3, 3)
	tr := NewTree(g)
	tr.Init(1)
	for _, c := range g.ChildrenOf(0) {
		require.NoError(t, tr.Insert(c, float64(c)))
	}
	path := t.TempDir() + "/tree.bin"
	require.NoError(t, tr.Save(path))

	tr2 := NewTree(g)
	require.NoError(t, tr2.LoadPromote(path))
	require.Equal(t, tr.NCoeffLive(), tr2.NCoeffLive())
}
