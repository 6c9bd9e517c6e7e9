package chain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tdinvert/config"
	"tdinvert/forward"
	"tdinvert/kernel"
	"tdinvert/model"
	"tdinvert/noise"
)

func newTestEvaluator(t *testing.T, n noise.Model, windows []forward.Window) *Evaluator {
	t.Helper()
	grid := model.NewGrid(2, 2)
	haar, err := kernel.Lookup("haar")
	require.NoError(t, err)

	obs := []forward.ObservationPoint{
		{
			Geometry:  forward.Geometry{Dx: 1, Dy: 1, Dz: 1},
			Responses: []forward.SystemResponse{{Direction: 0, Values: []float64{1, 2}}},
		},
	}
	stm := &forward.STM{Windows: windows, Transmitter: map[string]float64{"moment": 1}, Receiver: map[string]float64{}}
	sys := []System{{Forward: forward.NewSurrogate(stm), Noise: n, Windows: windows}}

	eval, err := NewEvaluator(grid, haar, haar, sys, obs, true, config.LayerThicknesses(grid.H, 200))
	require.NoError(t, err)
	return eval
}

func testWindows() []forward.Window {
	return []forward.Window{{TLow: 0.1, THigh: 0.2, Centre: 0.15}, {TLow: 0.2, THigh: 0.3, Centre: 0.25}}
}

// Hyperbolic and Brodie both index observed/time per-sample; previously the
// evaluator passed nil for both, which panicked on the first NLL call for a
// run configured with either model.
func TestNLLDoesNotPanicWithHyperbolicNoise(t *testing.T) {
	eval := newTestEvaluator(t, noise.Hyperbolic{A: 0.01, B: 0.02, C: 0.5}, testWindows())
	cfg := config.Default()
	cfg.DegreeDepth, cfg.DegreeLateral = 2, 2
	s := New(cfg, 0, 1.0, eval.NResidual())
	require.NoError(t, eval.Evaluate(s))

	require.NotPanics(t, func() {
		nll, logNorm, err := eval.NLL(s)
		require.NoError(t, err)
		require.False(t, isNonFinite(nll))
		require.False(t, isNonFinite(logNorm))
	})
}

func TestNLLDoesNotPanicWithBrodieNoise(t *testing.T) {
	eval := newTestEvaluator(t, noise.Brodie{Floor: 0.01, Frac: 0.02}, testWindows())
	cfg := config.Default()
	cfg.DegreeDepth, cfg.DegreeLateral = 2, 2
	s := New(cfg, 0, 1.0, eval.NResidual())
	require.NoError(t, eval.Evaluate(s))

	require.NotPanics(t, func() {
		nll, logNorm, err := eval.NLL(s)
		require.NoError(t, err)
		require.False(t, isNonFinite(nll))
		require.False(t, isNonFinite(logNorm))
	})
}

func isNonFinite(v float64) bool { return v != v || v > 1e300 || v < -1e300 }
