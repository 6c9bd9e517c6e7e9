// Package pt implements PTCoordinator: the temperature ladder,
// adjacent-pair swap proposals, and optional replica-resampling operator
// (spec.md §4.5). Grounded on the teacher's miner/workloop.go "head
// changed, broadcast and every follower reconciles" pattern: a swap here
// is exactly that shape, generalized from one winning block to one
// accepted exchange of whole replica models.
package pt

import (
	"math"
	"math/rand"

	"tdinvert/chain"
	"tdinvert/config"
	"tdinvert/history"
	"tdinvert/metrics"
	"tdinvert/model"
)

// Ladder is the immutable temperature-ladder metadata set up once at
// startup (spec.md §5 "Shared resources": "Temperature ladder metadata
// is immutable after setup"). Chains is chains_per_T; len(Temperatures)
// is M.
type Ladder struct {
	Temperatures []float64 // length M, Temperatures[0] == 1 (the posterior replica's level)
	Chains       int       // chains_per_T
}

// NewLadder builds a log-spaced ladder from 1 to maxTemperature with m
// levels, matching the --max-temperature / --temperatures CLI flags.
func NewLadder(m int, maxTemperature float64, chains int) Ladder {
	temps := make([]float64, m)
	if m == 1 {
		temps[0] = 1
		return Ladder{Temperatures: temps, Chains: chains}
	}
	logMax := math.Log(maxTemperature)
	for level := 0; level < m; level++ {
		frac := float64(level) / float64(m-1)
		temps[level] = math.Exp(frac * logMax)
	}
	return Ladder{Temperatures: temps, Chains: chains}
}

// Replica identifies one chain state's position in the ladder: its
// temperature level and chain-within-level index.
type Replica struct {
	Level int
	Chain int
	State *chain.State
}

// Coordinator runs periodic swap/resample rounds over a flat slice of
// replicas, one per (level, chain) pair, ordered level-major.
type Coordinator struct {
	Ladder   Ladder
	Replicas []*Replica
	Metrics  *metrics.Registry
	onSwap   func(level int) // called on any accepted swap; re-init's that chain's history ring
}

// New builds a Coordinator over the given replicas. onSwap, if non-nil,
// is invoked with the affected temperature level whenever a swap is
// accepted, so the caller can flush and re-initialise that chain's
// history segment (spec.md §4.5 step 5).
func New(ladder Ladder, replicas []*Replica, m *metrics.Registry, onSwap func(level int)) *Coordinator {
	return &Coordinator{Ladder: ladder, Replicas: replicas, Metrics: m, onSwap: onSwap}
}

// replicasAtLevel returns every replica currently at temperature level.
func (c *Coordinator) replicasAtLevel(level int) []*Replica {
	out := make([]*Replica, 0, c.Ladder.Chains)
	for _, r := range c.Replicas {
		if r.Level == level {
			out = append(out, r)
		}
	}
	return out
}

// SwapRound runs one exchange round (spec.md §4.5 steps 1-4): pair up
// adjacent temperature levels via a shared round seed (stable across
// ranks without a broadcast), and for each pair attempt a swap.
// swapSeed should be derived once per round via config.SwapSeed so every
// rank computes the identical pairing independently.
func (c *Coordinator) SwapRound(swapSeed int64) {
	if len(c.Ladder.Temperatures) < 2 {
		return
	}
	rng := rand.New(rand.NewSource(swapSeed))
	for level := 0; level+1 < len(c.Ladder.Temperatures); level++ {
		a := c.replicasAtLevel(level)
		b := c.replicasAtLevel(level + 1)
		n := minInt(len(a), len(b))
		perm := rng.Perm(n)
		for i := 0; i < n; i++ {
			ra, rb := a[i], b[perm[i]]
			c.attemptSwap(rng, ra, rb)
		}
	}
}

// attemptSwap implements spec.md §4.5 step 2-3. State.Likelihood holds
// the negative log-likelihood (NLL), so the tempered-posterior swap ratio
// exp((LL_a-LL_b)*(1/Tb-1/Ta)) becomes, in NLL terms,
// log alpha = (NLL_a - NLL_b) * (1/T_a - 1/T_b); accept with probability
// min(1, exp(log alpha)); on accept, exchange whole models but leave
// temperatures at their rank positions.
func (c *Coordinator) attemptSwap(rng *rand.Rand, a, b *Replica) {
	if c.Metrics != nil {
		c.Metrics.SwapsProposed.Inc()
	}
	ta, tb := a.State.Temperature, b.State.Temperature
	la, lb := a.State.Likelihood, b.State.Likelihood
	logAlpha := (la - lb) * (1/ta - 1/tb)
	if math.Log(rng.Float64()) < logAlpha {
		chain.SwapWith(a.State, b.State)
		if c.Metrics != nil {
			c.Metrics.SwapsAccepted.Inc()
		}
		if c.onSwap != nil {
			c.onSwap(a.Level)
			c.onSwap(b.Level)
		}
	}
}

// Resample implements spec.md §4.5 "Resampling": a lower-temperature
// donor's whole model is copied onto a higher-temperature acceptor,
// weighted by relative likelihood among the candidate donors at
// donorLevel. Returns whether any copy occurred; every copy also calls
// onSwap with the acceptor's level, as an accepted swap does.
func (c *Coordinator) Resample(rng *rand.Rand, acceptorLevel, donorLevel int) bool {
	if donorLevel >= acceptorLevel {
		return false
	}
	donors := c.replicasAtLevel(donorLevel)
	acceptors := c.replicasAtLevel(acceptorLevel)
	if len(donors) == 0 || len(acceptors) == 0 {
		return false
	}
	weights := make([]float64, len(donors))
	maxL := donors[0].State.Likelihood
	for _, d := range donors {
		if d.State.Likelihood > maxL {
			maxL = d.State.Likelihood
		}
	}
	sum := 0.0
	for i, d := range donors {
		weights[i] = math.Exp(-(d.State.Likelihood - maxL))
		sum += weights[i]
	}
	copied := false
	for _, acc := range acceptors {
		u := rng.Float64() * sum
		cursor := 0.0
		chosen := donors[len(donors)-1]
		for i, w := range weights {
			cursor += w
			if u <= cursor {
				chosen = donors[i]
				break
			}
		}
		copyModel(acc.State, chosen.State)
		if c.onSwap != nil {
			c.onSwap(acc.Level)
		}
		copied = true
	}
	return copied
}

// copyModel deep-copies a donor's tree and hierarchical state onto dst,
// preserving dst's own temperature (spec.md: "Temperatures stay at their
// rank positions").
func copyModel(dst, src *chain.State) {
	dstTemp := dst.Temperature
	dst.Tree = src.Tree.Clone()
	dst.LambdaScale = src.LambdaScale
	dst.HierParams = append([]float64(nil), src.HierParams...)
	dst.PriorScale = src.PriorScale
	dst.Likelihood = src.Likelihood
	dst.LogNorm = src.LogNorm
	copy(dst.Residual, src.Residual)
	copy(dst.ResidualNormed, src.ResidualNormed)
	dst.CommitResidual()
	dst.Temperature = dstTemp
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// InitialiseFor snapshots a replica's current state into a fresh
// history.Initialise record, used both at chain startup and whenever a
// swap/resample accept forces a history-segment re-initialisation
// (spec.md §4.6 "the ring is then reset with a fresh INITIALISE drawn
// from the current live state").
func InitialiseFor(s *chain.State) history.Initialise {
	live := make(map[model.Index]float64, s.Tree.NCoeffLive())
	for _, idx := range s.Tree.LiveIndices() {
		live[idx] = s.Tree.Value(idx)
	}
	return history.Initialise{
		Live:        live,
		Temperature: s.Temperature,
		LambdaScale: s.LambdaScale,
		Likelihood:  s.Likelihood,
		LogNorm:     s.LogNorm,
	}
}

// ExchangeConfig bundles the CLI-facing exchange/resample cadence so the
// driver doesn't need to reach into config.Config directly.
type ExchangeConfig struct {
	ExchangeRate   uint64
	ResampleRate   uint64
	ResampleEnable bool
}

// FromConfig extracts the PT cadence fields from the run configuration.
func FromConfig(cfg config.Config) ExchangeConfig {
	return ExchangeConfig{ExchangeRate: cfg.ExchangeRate, ResampleRate: cfg.ResampleRate, ResampleEnable: cfg.Resample}
}
