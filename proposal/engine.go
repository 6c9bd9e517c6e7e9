// Package proposal implements ProposalEngine: the five RJ-MCMC move
// kinds (birth, death, value, hierarchical, hierarchical-prior), each a
// five-stage protocol per spec.md §4.4 — here collapsed to the
// single-rank slice of that protocol (propose, evaluate, accept/revert);
// there are no broadcast/gather stages across intra-chain ranks: each
// proposal is evaluated in full on the calling goroutine. Grounded on the
// teacher's miner/workloop.go: one big dispatch loop that tries a
// candidate, evaluates it, and either commits or keeps looping — the same
// shape as propose-evaluate-accept-or-reject here, generalized from a
// single proof-of-work predicate to five distinct Green's-ratio moves.
package proposal

import (
	"math"

	"tdinvert/chain"
	"tdinvert/config"
	"tdinvert/errs"
	"tdinvert/metrics"
	"tdinvert/model"
	"tdinvert/prior"
)

// Kind names one of the five move types.
type Kind int

const (
	Birth Kind = iota
	Death
	Value
	Hierarchical
	HierarchicalPrior
)

func (k Kind) String() string {
	switch k {
	case Birth:
		return "birth"
	case Death:
		return "death"
	case Value:
		return "value"
	case Hierarchical:
		return "hierarchical"
	case HierarchicalPrior:
		return "hierarchical-prior"
	default:
		return "unknown"
	}
}

// Counters is the acceptance bookkeeping each move maintains: propose,
// accept, and per-depth breakdowns (spec.md §4.4 "Acceptance bookkeeping").
type Counters struct {
	Propose        [5]uint64
	Accept         [5]uint64
	ProposeByDepth map[int]uint64
	AcceptByDepth  map[int]uint64
}

func newCounters() *Counters {
	return &Counters{ProposeByDepth: map[int]uint64{}, AcceptByDepth: map[int]uint64{}}
}

// Engine owns the move probabilities, the shared PriorProposal and
// forward/noise Evaluator, and the acceptance counters. One Engine is
// shared across replicas; Step mutates the chain.State passed into it and
// the Engine's own Stats counters.
type Engine struct {
	Prior *prior.Prior
	Eval  *chain.Evaluator
	Cfg   config.Config
	Stats *Counters
	Metrics *metrics.Registry // nil-safe: every call guards against a nil Metrics
}

// New builds an Engine bound to the shared prior and evaluator.
func New(p *prior.Prior, eval *chain.Evaluator, cfg config.Config, m *metrics.Registry) *Engine {
	return &Engine{Prior: p, Eval: eval, Cfg: cfg, Stats: newCounters(), Metrics: m}
}

// pick selects a move kind with probability proportional to the five
// configured move probabilities, given u uniform on [0, 1).
func (e *Engine) pick(u float64) Kind {
	c := e.Cfg
	u *= c.BirthProbability + c.DeathProbability + c.ValueProbability + c.HierProbability + c.HierPriorProbability
	if u < c.BirthProbability {
		return Birth
	}
	u -= c.BirthProbability
	if u < c.DeathProbability {
		return Death
	}
	u -= c.DeathProbability
	if u < c.HierProbability {
		return Hierarchical
	}
	u -= c.HierProbability
	if u < c.HierPriorProbability {
		return HierarchicalPrior
	}
	return Value
}

// Step runs one propose-evaluate-accept-or-revert cycle on s, in place.
// Returns the move attempted and whether it was accepted. A returned
// error is always fatal (validation/io/invariant); ordinary rejections
// (errs.IsReject) are handled internally and never returned.
func (e *Engine) Step(s *chain.State) (Kind, bool, error) {
	kind := e.pick(s.RNG.Float64())
	e.Stats.Propose[kind]++

	var accepted bool
	var err error
	switch kind {
	case Birth:
		accepted, err = e.stepBirth(s)
	case Death:
		accepted, err = e.stepDeath(s)
	case Value:
		accepted, err = e.stepValue(s)
	case Hierarchical:
		accepted, err = e.stepHierarchical(s)
	case HierarchicalPrior:
		accepted, err = e.stepHierarchicalPrior(s)
	}
	if err != nil {
		if errs.IsReject(err) {
			if e.Metrics != nil {
				e.Metrics.MovesProposed.WithLabelValues(kind.String()).Inc()
			}
			return kind, false, nil
		}
		return kind, false, err
	}
	if e.Metrics != nil {
		e.Metrics.MovesProposed.WithLabelValues(kind.String()).Inc()
		if accepted {
			e.Metrics.MovesAccepted.WithLabelValues(kind.String()).Inc()
		}
	}
	if accepted {
		e.Stats.Accept[kind]++
	}
	return kind, accepted, nil
}

// evaluateProposed recomputes the forward response, residual, and NLL for
// s's current (already-mutated) tree, returning numeric rejects as
// errs.IsReject-true errors rather than fatal ones.
func (e *Engine) evaluateProposed(s *chain.State) (nll, logNorm float64, err error) {
	if err := e.Eval.Evaluate(s); err != nil {
		return 0, 0, err
	}
	nll, logNorm, err = e.Eval.NLL(s)
	return nll, logNorm, err
}

func logU(rng interface{ Float64() float64 }) float64 { return math.Log(rng.Float64()) }

// stepBirth implements spec.md §4.4 "Birth".
func (e *Engine) stepBirth(s *chain.State) (bool, error) {
	if s.Tree.NCoeffLive() >= e.Cfg.Kmax {
		return false, errs.ProposalInvalid("birth", "tree already at kmax")
	}
	eligible := s.Tree.BirthEligibleIndices()
	if len(eligible) == 0 {
		return false, errs.ProposalInvalid("birth", "no birth-eligible indices")
	}
	idx := eligible[s.RNG.Intn(len(eligible))]
	depth := s.Tree.DepthOf(idx)
	i, j := s.Tree.To2D(idx)
	parent, _ := s.Tree.ParentOf(idx)
	parentValue := s.Tree.Value(parent)
	k := s.Tree.NCoeffLive()

	birthEligibleBefore := s.Tree.NBirthEligible()

	value, logQFwd := e.Prior.SampleBirth(s.RNG, i, j, depth, parentValue, s.PriorScale)

	if err := s.Tree.Insert(idx, value); err != nil {
		return false, err
	}
	deathEligibleAfter := s.Tree.NDeathEligible()

	logQRev := e.Prior.ReverseBirthDensity(i, j, depth, parentValue, value, s.PriorScale)
	logAlphaGreen := math.Log(float64(birthEligibleBefore)) - math.Log(float64(deathEligibleAfter))
	logAlphaPrior := e.Prior.LogPriorRatioBirth(i, j, depth, k, s.PriorScale)
	logAlphaProp := logQRev - logQFwd

	nll, logNorm, err := e.evaluateProposed(s)
	if err != nil {
		s.Tree.Remove(idx)
		s.RollbackResidual()
		return false, err
	}
	logAlphaLike := (s.Likelihood-nll)/s.Temperature + (s.LogNorm-logNorm)/s.Temperature
	logAlpha := logAlphaGreen + logAlphaPrior + logAlphaProp + logAlphaLike

	e.Stats.ProposeByDepth[depth]++
	if logU(s.RNG) < logAlpha {
		s.Likelihood, s.LogNorm = nll, logNorm
		s.CommitResidual()
		e.Stats.AcceptByDepth[depth]++
		return true, nil
	}
	if err := s.Tree.Remove(idx); err != nil {
		return false, errs.Invariant("birth reject: could not restore tree: %v", err)
	}
	s.RollbackResidual()
	return false, nil
}

// stepDeath implements spec.md §4.4 "Death", the exact mirror of Birth:
// every ratio term is the negation of the term Birth would have computed
// proposing the same (idx, value) pair, which is what detailed balance
// requires of the reverse move.
func (e *Engine) stepDeath(s *chain.State) (bool, error) {
	eligible := s.Tree.DeathEligibleIndices()
	if len(eligible) == 0 {
		return false, errs.ProposalInvalid("death", "no death-eligible indices")
	}
	idx := eligible[s.RNG.Intn(len(eligible))]
	depth := s.Tree.DepthOf(idx)
	i, j := s.Tree.To2D(idx)
	parent, _ := s.Tree.ParentOf(idx)
	parentValue := s.Tree.Value(parent)
	oldValue := s.Tree.Value(idx)
	k := s.Tree.NCoeffLive()

	deathEligibleBefore := s.Tree.NDeathEligible()

	logQRemoved := e.Prior.ReverseBirthDensity(i, j, depth, parentValue, oldValue, s.PriorScale)

	if err := s.Tree.Remove(idx); err != nil {
		return false, err
	}
	birthEligibleAfter := s.Tree.NBirthEligible()

	logAlphaGreen := math.Log(float64(deathEligibleBefore)) - math.Log(float64(birthEligibleAfter))
	logAlphaPrior := e.Prior.LogPriorRatioDeath(i, j, depth, k, s.PriorScale)
	logAlphaProp := logQRemoved

	nll, logNorm, err := e.evaluateProposed(s)
	if err != nil {
		s.Tree.Insert(idx, oldValue)
		s.RollbackResidual()
		return false, err
	}
	logAlphaLike := (s.Likelihood-nll)/s.Temperature + (s.LogNorm-logNorm)/s.Temperature
	logAlpha := logAlphaGreen + logAlphaPrior + logAlphaProp + logAlphaLike

	e.Stats.ProposeByDepth[depth]++
	if logU(s.RNG) < logAlpha {
		s.Likelihood, s.LogNorm = nll, logNorm
		s.CommitResidual()
		e.Stats.AcceptByDepth[depth]++
		return true, nil
	}
	if err := s.Tree.Insert(idx, oldValue); err != nil {
		return false, errs.Invariant("death reject: could not restore tree: %v", err)
	}
	s.RollbackResidual()
	return false, nil
}

// stepValue implements spec.md §4.4 "Value": Gaussian perturbation of a
// uniformly chosen live coefficient, accepted by the standard
// temperature-scaled Metropolis ratio (no Green's or prior-ratio terms:
// the move does not change k).
func (e *Engine) stepValue(s *chain.State) (bool, error) {
	live := s.Tree.LiveIndices()
	idx := live[s.RNG.Intn(len(live))]
	depth := s.Tree.DepthOf(idx)
	old := s.Tree.Value(idx)
	step := e.Prior.ValuePerturb(s.RNG, depth, s.PriorScale)
	proposed := old + step

	vmin, vmax := e.Prior.PriorRange(0, 0, depth, s.PriorScale)
	if idx == model.Index(0) {
		vmin, vmax = -math.MaxFloat64, math.MaxFloat64 // root has no depth-band restriction
	}
	if proposed < vmin || proposed > vmax {
		e.Stats.ProposeByDepth[depth]++
		return false, errs.ProposalInvalid("value", "perturbed value outside prior range")
	}

	if err := s.Tree.Update(idx, proposed); err != nil {
		return false, err
	}
	nll, logNorm, err := e.evaluateProposed(s)
	if err != nil {
		s.Tree.Update(idx, old)
		s.RollbackResidual()
		return false, err
	}
	logAlpha := (s.Likelihood - nll) / s.Temperature
	e.Stats.ProposeByDepth[depth]++
	if logU(s.RNG) < logAlpha {
		s.Likelihood, s.LogNorm = nll, logNorm
		s.CommitResidual()
		e.Stats.AcceptByDepth[depth]++
		return true, nil
	}
	s.Tree.Update(idx, old)
	s.RollbackResidual()
	return false, nil
}

// stepHierarchical implements spec.md §4.4 "Hierarchical (lambda_scale)":
// residuals are not recomputed, only the normalization and whitened
// residual change, since lambda_scale only rescales the noise model, not
// the forward response.
func (e *Engine) stepHierarchical(s *chain.State) (bool, error) {
	if !s.ResidualsValid {
		if _, _, err := e.evaluateProposed(s); err != nil {
			return false, err
		}
		s.Likelihood, s.LogNorm, _ = e.Eval.NLL(s)
		s.CommitResidual()
	}
	oldLambda := s.LambdaScale
	logLambda := math.Log(oldLambda) + s.RNG.NormFloat64()*e.Cfg.LambdaStd
	newLambda := math.Exp(logLambda)

	s.LambdaScale = newLambda
	nll, logNorm, err := e.Eval.NLL(s)
	if err != nil {
		s.LambdaScale = oldLambda
		s.RollbackResidual()
		return false, err
	}
	logAlpha := (s.Likelihood-nll)/s.Temperature + (s.LogNorm-logNorm)/s.Temperature
	if logU(s.RNG) < logAlpha {
		s.Likelihood, s.LogNorm = nll, logNorm
		s.CommitResidual()
		return true, nil
	}
	s.LambdaScale = oldLambda
	s.RollbackResidual()
	return false, nil
}

// stepHierarchicalPrior implements spec.md §4.4 "Hierarchical Prior":
// Gaussian proposal on the prior-width scale factor; affects log_alpha_prior
// only (there is no unique "prior on the prior" to form a ratio against
// beyond the symmetric-proposal Metropolis form, so this move accepts
// purely on how the new scale reweights the currently live coefficients'
// value priors).
func (e *Engine) stepHierarchicalPrior(s *chain.State) (bool, error) {
	oldScale := s.PriorScale
	logScale := math.Log(oldScale) + s.RNG.NormFloat64()*e.Cfg.PriorStd
	newScale := math.Exp(logScale)

	logRatio := 0.0
	for _, idx := range s.Tree.LiveIndices() {
		if idx == model.Index(0) {
			continue
		}
		depth := s.Tree.DepthOf(idx)
		_, oldMax := e.Prior.PriorRange(0, 0, depth, oldScale)
		_, newMax := e.Prior.PriorRange(0, 0, depth, newScale)
		logRatio += math.Log(oldMax) - math.Log(newMax)
	}
	if logU(s.RNG) < logRatio {
		s.PriorScale = newScale
		return true, nil
	}
	s.PriorScale = oldScale
	return false, nil
}
