package prior

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultPriorRange(t *testing.T) {
	p := Default(5)
	vmin, vmax := p.PriorRange(0, 0, 3, 1)
	require.Equal(t, -1.0, vmin)
	require.Equal(t, 1.0, vmax)
}

func TestLoadPriorFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prior.txt")
	contents := "# comment\n1 2.0 0.5\n2 1.0 0.2\nlambda 0.1\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	p, err := Load(path, 4)
	require.NoError(t, err)
	vmin, vmax := p.PriorRange(0, 0, 1, 1)
	require.Equal(t, -2.0, vmin)
	require.Equal(t, 2.0, vmax)
	require.InDelta(t, -0.1, p.kPrior.LogRatioGrow(), 1e-9)
}

func TestPriorRangeScalesWithHierarchicalPrior(t *testing.T) {
	p := Default(4)
	vmin, vmax := p.PriorRange(0, 0, 2, 2.0)
	require.Equal(t, -2.0, vmin)
	require.Equal(t, 2.0, vmax)
}

func TestSampleBirthStaysInRange(t *testing.T) {
	p := Default(4)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		v, logq := p.SampleBirth(rng, 0, 0, 2, 0, 1)
		vmin, vmax := p.PriorRange(0, 0, 2, 1)
		require.GreaterOrEqual(t, v, vmin)
		require.LessOrEqual(t, v, vmax)
		require.False(t, logq != logq, "logq must not be NaN")
	}
}

func TestBirthDeathPriorRatiosAreNegations(t *testing.T) {
	p := Default(4)
	birth := p.LogPriorRatioBirth(0, 0, 2, 5, 1)
	death := p.LogPriorRatioDeath(0, 0, 2, 6, 1)
	require.InDelta(t, -birth, death, 1e-9)
}
