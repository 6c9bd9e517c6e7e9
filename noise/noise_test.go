package noise

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestIIDNLL(t *testing.T) {
	m := IID{}
	residual := []float64{1, -1, 2}
	out := make([]float64, 3)
	nll, logNorm := m.NLL(nil, nil, residual, 1.0, out)
	require.Greater(t, nll, 0.0)
	require.Greater(t, logNorm, 0.0)
	require.Equal(t, []float64{1, -1, 2}, out)
}

func TestHyperbolicNLLFinite(t *testing.T) {
	m := Hyperbolic{A: 0.01, B: 0.05, C: 0.5}
	observed := []float64{10, 20, 30}
	time := []float64{1e-3, 2e-3, 3e-3}
	residual := []float64{0.1, -0.2, 0.05}
	out := make([]float64, 3)
	nll, _ := m.NLL(observed, time, residual, 1.0, out)
	require.False(t, nll != nll, "nll must not be NaN")
}

func TestBrodieNLLFinite(t *testing.T) {
	m := Brodie{Floor: 0.01, Frac: 0.03}
	observed := []float64{10, 20, 30}
	residual := []float64{0.1, -0.2, 0.05}
	out := make([]float64, 3)
	nll, _ := m.NLL(observed, nil, residual, 1.0, out)
	require.False(t, nll != nll)
}

func TestCovarianceWhitensIdentity(t *testing.T) {
	n := 3
	data := []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}
	sym := mat.NewSymDense(n, data)
	m, err := NewCovariance(sym)
	require.NoError(t, err)
	residual := []float64{1, 2, 3}
	out := make([]float64, 3)
	nll, _ := m.NLL(nil, nil, residual, 1.0, out)
	require.Greater(t, nll, 0.0)
}

func TestLoadDispatchesByTag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "noise.txt")
	require.NoError(t, os.WriteFile(path, []byte("iidgaussian\n"), 0o644))
	m, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "iidgaussian", m.Tag())

	path2 := filepath.Join(dir, "noise2.txt")
	require.NoError(t, os.WriteFile(path2, []byte("brodie\n0.01 0.03\n"), 0o644))
	m2, err := Load(path2)
	require.NoError(t, err)
	require.Equal(t, "brodie", m2.Tag())
}

func TestLoadRejectsUnknownTag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte("notamodel\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
