package forward

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const stmFixture = `Transmitter:
moment 100
Receiver:
area 1
ForwardModelling:
window 1e-6 2e-6
window 2e-6 4e-6
window 4e-6 8e-6
`

func TestLoadSTM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.stm")
	require.NoError(t, os.WriteFile(path, []byte(stmFixture), 0o644))

	stm, err := LoadSTM(path)
	require.NoError(t, err)
	require.Len(t, stm.Windows, 3)
	require.Equal(t, 1.5e-6, stm.Windows[0].Centre)
	require.Equal(t, 100.0, stm.Transmitter["moment"])
}

const obsFixture = `30 0 0 0 7.5 0 -5 0 0 0
1
0 3 1.1 0.9 0.5
`

func TestLoadObservations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.obs")
	require.NoError(t, os.WriteFile(path, []byte(obsFixture), 0o644))

	points, err := LoadObservations(path)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, 30.0, points[0].Geometry.TxHeight)
	require.Len(t, points[0].Responses, 1)
	require.Equal(t, 0, points[0].Responses[0].Direction)
	require.Equal(t, []float64{1.1, 0.9, 0.5}, points[0].Responses[0].Values)
}

func TestSurrogateDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.stm")
	require.NoError(t, os.WriteFile(path, []byte(stmFixture), 0o644))
	stm, err := LoadSTM(path)
	require.NoError(t, err)

	m := NewSurrogate(stm)
	geom := Geometry{Dx: 7.5, Dz: -5}
	layered := []float64{0.01, 0.02, 0.05}

	r1, err := m.Eval(geom, layered)
	require.NoError(t, err)
	r2, err := m.Eval(geom, layered)
	require.NoError(t, err)
	require.Equal(t, r1, r2)
	require.Len(t, r1, 3)
}

func TestLoadObservationsRejectsBadDirection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.obs")
	bad := "30 0 0 0 7.5 0 -5 0 0 0\n1\n5 1 2.0\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))
	_, err := LoadObservations(path)
	require.Error(t, err)
}
