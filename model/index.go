// Package model implements the sparse multi-resolution wavelet-coefficient
// tree: the trans-dimensional model representation explored by the RJ-MCMC
// sampler (SPEC_FULL.md §5.1). Grounded on the teacher's core/chain.go,
// which keeps its mutable state as maps guarded incrementally (blocks,
// blockHashIndex) rather than recomputed from scratch on every access —
// the same discipline here maintains birth-eligible/death-eligible sets
// incrementally alongside the coefficient map.
package model

import "math/bits"

// Index identifies one wavelet coefficient by its flat position in the
// W*H grid. Index 0 is always the root (depth 0).
type Index uint64

// axisDepth returns the dyadic scale at which coordinate x first appears:
// 0 for x==0, otherwise the bit length of x (1 for x==1, 2 for x in
// {2,3}, 3 for x in {4..7}, ...).
func axisDepth(x uint32) int {
	if x == 0 {
		return 0
	}
	return bits.Len32(x)
}

// topHalf halves x, dropping its least-significant bit — the per-axis
// parent step of the dyadic tree. bitLen(x>>1) == bitLen(x)-1 for x>=1,
// which is exactly what makes depth decrease by exactly one per step.
func topHalf(x uint32) uint32 { return x >> 1 }

// Grid carries the fixed geometry (W, H, Dmax) that index arithmetic is
// computed against. A Tree embeds one; kernels and postprocess share it.
type Grid struct {
	W, H int
	Dx, Dy int // degree-depth, degree-lateral: W=2^Dx, H=2^Dy
}

// NewGrid builds a Grid from the two CLI degree parameters.
func NewGrid(dx, dy int) Grid {
	return Grid{W: 1 << uint(dx), H: 1 << uint(dy), Dx: dx, Dy: dy}
}

// N is the total coefficient count W*H.
func (g Grid) N() int { return g.W * g.H }

// MaxDepth is Dmax = max(Dx, Dy).
func (g Grid) MaxDepth() int {
	if g.Dx > g.Dy {
		return g.Dx
	}
	return g.Dy
}

// To2D maps a flat index to its (i, j) grid position, row-major.
func (g Grid) To2D(idx Index) (i, j int) {
	n := int(idx)
	return n % g.W, n / g.W
}

// From2D maps a grid position to its flat index.
func (g Grid) From2D(i, j int) Index {
	return Index(j*g.W + i)
}

// DepthOf returns the scale of idx: 0 for the root, otherwise
// max(axisDepth(i), axisDepth(j)).
func (g Grid) DepthOf(idx Index) int {
	i, j := g.To2D(idx)
	di, dj := axisDepth(uint32(i)), axisDepth(uint32(j))
	if di > dj {
		return di
	}
	return dj
}

// ParentOf returns idx's parent and true, or (0, false) if idx is the root.
func (g Grid) ParentOf(idx Index) (Index, bool) {
	i, j := g.To2D(idx)
	d := g.DepthOf(idx)
	if d == 0 {
		return 0, false
	}
	pi, pj := uint32(i), uint32(j)
	if axisDepth(pi) == d {
		pi = topHalf(pi)
	}
	if axisDepth(pj) == d {
		pj = topHalf(pj)
	}
	return g.From2D(int(pi), int(pj)), true
}

// ChildrenOf returns every index whose parent is idx (the inverse of
// ParentOf). An axis refines when its coordinate sits at idx's own depth
// and has not reached that axis's Dx or Dy limit; its candidates are then
// 2x, 2x+1 and, for a nonzero x, x itself. Children are the candidate
// combinations exactly one level deeper. The root has three children (the
// classic LH/HL/HH detail bands); a node where both axes refine has
// eight; a node where only one axis refines has two; a node where neither
// refines (always the case at MaxDepth) has none.
func (g Grid) ChildrenOf(idx Index) []Index {
	i, j := g.To2D(idx)
	d := g.DepthOf(idx)
	if d >= g.MaxDepth() {
		return nil
	}
	iCands := []uint32{uint32(i)}
	if axisDepth(uint32(i)) == d && d < g.Dx {
		iCands = []uint32{uint32(i) * 2, uint32(i)*2 + 1}
		if i > 0 {
			iCands = append(iCands, uint32(i))
		}
	}
	jCands := []uint32{uint32(j)}
	if axisDepth(uint32(j)) == d && d < g.Dy {
		jCands = []uint32{uint32(j) * 2, uint32(j)*2 + 1}
		if j > 0 {
			jCands = append(jCands, uint32(j))
		}
	}
	out := make([]Index, 0, len(iCands)*len(jCands))
	for _, ci := range iCands {
		for _, cj := range jCands {
			cd := axisDepth(ci)
			if dj := axisDepth(cj); dj > cd {
				cd = dj
			}
			if cd == d+1 {
				out = append(out, g.From2D(int(ci), int(cj)))
			}
		}
	}
	return out
}
