package postprocess

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tdinvert/history"
	"tdinvert/kernel"
	"tdinvert/model"
)

func writeFixtureSegment(t *testing.T, path string) {
	t.Helper()
	w, err := history.OpenWriter(path)
	require.NoError(t, err)
	defer w.Close()

	ring := history.NewRing(10, history.Initialise{
		Live:        map[model.Index]float64{0: 0.1},
		Temperature: 1,
		LambdaScale: 1,
		Likelihood:  5.0,
		LogNorm:     0,
	})
	require.NoError(t, w.FlushSegment(ring))

	ring.Reset(history.Initialise{
		Live:        map[model.Index]float64{0: 0.2, 1: 0.05},
		Temperature: 1,
		LambdaScale: 1,
		Likelihood:  3.0,
		LogNorm:     0,
	})
	ring.Append(history.Delta{
		Kind: history.DeltaValueChange, Idx: 0, NewValue: 0.3, OldValue: 0.2,
		HadOld: true, Likelihood: 2.0, Temperature: 1, LambdaScale: 1, Accepted: true,
	})
	require.NoError(t, w.FlushSegment(ring))
}

func testConfig() Config {
	g := model.NewGrid(1, 1)
	h, _ := kernel.Lookup("haar")
	v, _ := kernel.Lookup("haar")
	return Config{Grid: g, Horizontal: h, Vertical: v, VMin: -1, VMax: 1, Bins: 10}
}

func TestReplayFileAccumulatesAllStepsByDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ch.dat")
	writeFixtureSegment(t, path)

	pp := New(testConfig())
	require.NoError(t, pp.ReplayFile(path))

	for _, p := range pp.Pixels {
		require.Equal(t, int64(3), p.Count) // init, init-after-reset, delta
	}
}

func TestReplayFileSkipAndThinFilter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ch.dat")
	writeFixtureSegment(t, path)

	cfg := testConfig()
	cfg.Skip = 1
	cfg.Thin = 2
	pp := New(cfg)
	require.NoError(t, pp.ReplayFile(path))

	// steps 0,1,2 -> skip drops step 0, thin keeps step1 (offset0), drops step2 (offset1)
	for _, p := range pp.Pixels {
		require.Equal(t, int64(1), p.Count)
	}
}

func TestPixelStatsMeanVarianceMinMax(t *testing.T) {
	p := newPixelStats(10)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		p.observe(v, 0, 10, 10)
	}
	require.InDelta(t, 3.0, p.Mean, 1e-9)
	require.InDelta(t, 2.5, p.Variance(), 1e-9)
	require.Equal(t, 1.0, p.Min)
	require.Equal(t, 5.0, p.Max)
}

func TestPixelStatsModeMedianCredibleHPD(t *testing.T) {
	p := newPixelStats(10)
	for i := 0; i < 100; i++ {
		p.observe(5.0, 0, 10, 10) // everything lands in bin 5
	}
	mode := p.Mode(0, 10, 10)
	require.InDelta(t, 5.5, mode, 1e-9)
	median := p.Median(0, 10, 10)
	require.InDelta(t, 5.5, median, 1e-9)
	lo, hi := p.Credible(0, 10, 10, 0.9)
	require.LessOrEqual(t, lo, hi)
	hpdLo, hpdHi := p.HPD(0, 10, 10, 0.9)
	require.LessOrEqual(t, hpdLo, hpdHi)
}

func TestValidateLikelihoodReturnsLastAcceptedValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ch.dat")
	writeFixtureSegment(t, path)

	last, err := ValidateLikelihood(path)
	require.NoError(t, err)
	require.Equal(t, 2.0, last)
}
