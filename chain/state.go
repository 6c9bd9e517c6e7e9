// Package chain implements ChainState: the per-replica mutable state
// mutated only inside ProposalEngine.step or a successful PT swap/resample
// (spec.md §3 "Lifecycle"). Grounded on the teacher's core/chain.go, which
// centralises one replica's live data behind a single struct guarded by
// its own discipline rather than scattering it across globals; here the
// SPMD single-loop-per-rank model (spec.md §5) means no mutex is needed —
// a ChainState is only ever touched by the one goroutine that owns it.
package chain

import (
	"math/rand"

	"tdinvert/config"
	"tdinvert/model"
)

// Stats is the running residual diagnostics carried per chain: mean,
// histogram, and a per-component Welford variance accumulation feed the
// final residuals/residuals_hist/residuals_cov output files. Cross-terms
// are not accumulated (residuals_cov.txt is the diagonal of the full
// covariance), since every built-in noise model whitens per-component
// already; a future correlated-noise model would need to widen this.
type Stats struct {
	Mean    []float64
	m2      []float64
	Count   int64
	HistMin float64
	HistMax float64
	Bins    int
	Hist    []int64
}

// NewStats allocates a Stats accumulator sized to n response samples.
func NewStats(n int, histMin, histMax float64, bins int) *Stats {
	return &Stats{
		Mean:    make([]float64, n),
		m2:      make([]float64, n),
		HistMin: histMin,
		HistMax: histMax,
		Bins:    bins,
		Hist:    make([]int64, bins),
	}
}

// Observe folds one residual vector into the running mean, variance, and
// histogram.
func (s *Stats) Observe(residual []float64) {
	s.Count++
	width := (s.HistMax - s.HistMin) / float64(s.Bins)
	for i, r := range residual {
		delta := r - s.Mean[i]
		s.Mean[i] += delta / float64(s.Count)
		s.m2[i] += delta * (r - s.Mean[i])
		if width <= 0 {
			continue
		}
		bin := int((r - s.HistMin) / width)
		if bin < 0 {
			bin = 0
		}
		if bin >= s.Bins {
			bin = s.Bins - 1
		}
		s.Hist[bin]++
	}
}

// Variance returns the per-component Bessel-corrected sample variance,
// zero in every component until at least two samples have been observed.
func (s *Stats) Variance() []float64 {
	out := make([]float64, len(s.m2))
	if s.Count < 2 {
		return out
	}
	for i, m2 := range s.m2 {
		out[i] = m2 / float64(s.Count-1)
	}
	return out
}

// State is one replica's full mutable state.
type State struct {
	Tree *model.Tree

	// Dense reconstruction scratch buffer, length N; never the source of
	// truth, only ever repopulated from Tree via kernel inverse transform.
	Img []float64

	// Hierarchical parameters: LambdaScale is the global noise scale the
	// hierarchical move perturbs. HierParams is carried along by swaps and
	// resampling, but no move reads or perturbs it.
	LambdaScale float64
	HierParams  []float64

	// PriorScale multiplies every Band's width/proposal std (prior.Band's
	// scaled method), the free parameter the hierarchical-prior move
	// perturbs. 1.0 recovers the file-configured prior exactly.
	PriorScale float64

	Residual       []float64
	ResidualNormed []float64
	LastValidResidual       []float64
	LastValidResidualNormed []float64
	ResidualsValid          bool

	Stats *Stats

	Likelihood     float64
	LogNorm        float64

	RNG *rand.Rand

	Temperature float64

	Rank int
}

// New creates a fresh chain state for one rank: grid-sized tree and
// scratch buffer, response-sized residual buffers, and a private RNG
// seeded per spec.md §5 "Shared resources" (seed_base + rank*seed_mult).
func New(cfg config.Config, rank int, temperature float64, nResponse int) *State {
	g := model.NewGrid(cfg.DegreeDepth, cfg.DegreeLateral)
	s := &State{
		Tree:                    model.NewTree(g),
		Img:                     make([]float64, g.N()),
		LambdaScale:             1.0,
		PriorScale:              1.0,
		Residual:                make([]float64, nResponse),
		ResidualNormed:          make([]float64, nResponse),
		LastValidResidual:       make([]float64, nResponse),
		LastValidResidualNormed: make([]float64, nResponse),
		RNG:                     rand.New(rand.NewSource(config.RankSeed(cfg.Seed, rank, 104729))),
		Temperature:             temperature,
		Rank:                    rank,
	}
	s.Tree.Init(0)
	return s
}

// CommitResidual marks the current Residual/ResidualNormed as the new
// last-valid snapshot, called after any accepted move that recomputed
// the likelihood (spec.md §4.4 "Acceptance bookkeeping").
func (s *State) CommitResidual() {
	copy(s.LastValidResidual, s.Residual)
	copy(s.LastValidResidualNormed, s.ResidualNormed)
	s.ResidualsValid = true
}

// RollbackResidual restores Residual/ResidualNormed from the last
// accepted snapshot, called when a move that recomputed the likelihood is
// rejected.
func (s *State) RollbackResidual() {
	copy(s.Residual, s.LastValidResidual)
	copy(s.ResidualNormed, s.LastValidResidualNormed)
}

// SwapWith exchanges whole models between two chain states in place —
// tree, hierarchical parameters, cached likelihood, residuals — per
// spec.md §4.5 step 3 "exchange whole models". Temperatures are NOT
// swapped: they stay at their rank positions.
func SwapWith(a, b *State) {
	a.Tree, b.Tree = b.Tree, a.Tree
	a.LambdaScale, b.LambdaScale = b.LambdaScale, a.LambdaScale
	a.HierParams, b.HierParams = b.HierParams, a.HierParams
	a.PriorScale, b.PriorScale = b.PriorScale, a.PriorScale
	a.Likelihood, b.Likelihood = b.Likelihood, a.Likelihood
	a.LogNorm, b.LogNorm = b.LogNorm, a.LogNorm
	a.Residual, b.Residual = b.Residual, a.Residual
	a.ResidualNormed, b.ResidualNormed = b.ResidualNormed, a.ResidualNormed
	a.LastValidResidual, b.LastValidResidual = b.LastValidResidual, a.LastValidResidual
	a.LastValidResidualNormed, b.LastValidResidualNormed = b.LastValidResidualNormed, a.LastValidResidualNormed
	a.ResidualsValid, b.ResidualsValid = b.ResidualsValid, a.ResidualsValid
}
