package chain

import (
	"math"

	"tdinvert/errs"
	"tdinvert/forward"
	"tdinvert/kernel"
	"tdinvert/model"
	"tdinvert/noise"
)

// System bundles one survey system's forward model and noise model, the
// unit the spec's "R sub-records" and repeatable --stm/--hierarchical
// flags each contribute one of (spec.md §4.3, §6).
type System struct {
	Forward forward.Model
	Noise   noise.Model
	// Windows gives this system's time-gate centres, parallel to each
	// response's Values; Hyperbolic.NLL and Brodie.NLL index into it.
	Windows []forward.Window
}

// Evaluator computes the full forward-response, residual, and
// negative-log-likelihood for a ChainState's current tree, given a fixed
// observation set and one System per response direction. It is shared
// read-only across replicas (spec.md §3 "Ownership": "Forward-model
// objects ... are shared read-only references").
type Evaluator struct {
	Grid                 model.Grid
	Horizontal, Vertical kernel.Kernel
	Systems              []System
	Observations         []forward.ObservationPoint
	Exponentiate         bool
	LayerThickness       []float64

	// layout caches the flat-residual-vector offsets for each
	// (point, response) pair so Evaluate and NLL agree on ordering
	// without recomputing it every call.
	layout []layoutEntry
}

type layoutEntry struct {
	pointIdx int
	sysIdx   int
	offset   int
	n        int
	// observed and centreTime feed Hyperbolic.NLL/Brodie.NLL, which index
	// into the measured response and window centre-times respectively;
	// IID and Covariance ignore both.
	observed   []float64
	centreTime []float64
}

// NewEvaluator builds an Evaluator and precomputes the flat-vector layout.
func NewEvaluator(g model.Grid, horizontal, vertical kernel.Kernel, systems []System, obs []forward.ObservationPoint, exponentiate bool, layerThickness []float64) (*Evaluator, error) {
	e := &Evaluator{
		Grid: g, Horizontal: horizontal, Vertical: vertical,
		Systems: systems, Observations: obs, Exponentiate: exponentiate,
		LayerThickness: layerThickness,
	}
	offset := 0
	for pi, pt := range obs {
		for si, r := range pt.Responses {
			if si >= len(systems) {
				return nil, errs.Validation("observation", "point %d has more response systems than configured systems", pi)
			}
			centreTime := make([]float64, len(r.Values))
			for i, w := range systems[si].Windows {
				if i >= len(centreTime) {
					break
				}
				centreTime[i] = w.Centre
			}
			e.layout = append(e.layout, layoutEntry{
				pointIdx: pi, sysIdx: si, offset: offset, n: len(r.Values),
				observed: r.Values, centreTime: centreTime,
			})
			offset += len(r.Values)
		}
	}
	return e, nil
}

// NResidual is the total flat residual-vector length.
func (e *Evaluator) NResidual() int {
	n := 0
	for _, l := range e.layout {
		n += l.n
	}
	return n
}

// layeredConductivity maps the tree's dense reconstruction (via the
// inverse 2-D wavelet transform) into a per-layer conductivity profile of
// length H, optionally exponentiating out of log-conductivity domain.
// The image grid is (width=lateral position, height=depth); observation
// point col reads image column col modulo W as the 1-D
// conductivity-versus-depth curve the ForwardModel contract expects, so
// the sampler exercises the full 2-D tree while each point still gets a
// concrete 1-D profile.
func layeredConductivity(img []float64, g model.Grid, col int, exponentiate bool, out []float64) {
	for h := 0; h < g.H; h++ {
		v := img[h*g.W+col%g.W]
		if exponentiate {
			v = math.Exp(v)
		}
		out[h] = v
	}
}

// Evaluate recomputes Img from tree, forward-models every observation
// point, and writes the full residual into s.Residual (predicted -
// observed). It does not touch the noise model; call NLL afterward.
func (e *Evaluator) Evaluate(s *State) error {
	s.Tree.MapToArray(s.Img)
	work := append([]float64(nil), s.Img...)
	if err := kernel.Transform2D(work, e.Grid.W, e.Grid.H, e.Horizontal, e.Vertical, true); err != nil {
		return err
	}
	copy(s.Img, work)

	profile := make([]float64, e.Grid.H)
	for _, l := range e.layout {
		pt := e.Observations[l.pointIdx]
		resp := pt.Responses[l.sysIdx]
		sys := e.Systems[l.sysIdx]
		layeredConductivity(s.Img, e.Grid, l.pointIdx, e.Exponentiate, profile)
		predicted, err := sys.Forward.Eval(pt.Geometry, profile)
		if err != nil {
			return err
		}
		if len(predicted) != l.n {
			return errs.Invariant("forward model returned %d samples, observation has %d", len(predicted), l.n)
		}
		for i := 0; i < l.n; i++ {
			s.Residual[l.offset+i] = predicted[i] - resp.Values[i]
		}
	}
	return nil
}

// NLL combines every system's noise model into one total
// (neg_log_lik, log_normalization), writing the whitened residual into
// s.ResidualNormed. Returns a *errs.NumericError if any system yields a
// non-finite contribution (spec.md §7: numeric errors are automatic
// rejects, never fatal).
func (e *Evaluator) NLL(s *State) (float64, float64, error) {
	totalNLL, totalLogNorm := 0.0, 0.0
	for _, l := range e.layout {
		sys := e.Systems[l.sysIdx]
		sub := s.Residual[l.offset : l.offset+l.n]
		subOut := s.ResidualNormed[l.offset : l.offset+l.n]
		nll, logNorm := sys.Noise.NLL(l.observed, l.centreTime, sub, s.LambdaScale, subOut)
		if math.IsNaN(nll) || math.IsInf(nll, 0) || math.IsNaN(logNorm) || math.IsInf(logNorm, 0) {
			return 0, 0, errs.Numeric("non-finite likelihood in system %d", l.sysIdx)
		}
		totalNLL += nll
		totalLogNorm += logNorm
	}
	return totalNLL, totalLogNorm, nil
}
