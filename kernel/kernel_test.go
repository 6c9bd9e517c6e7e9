package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, name string) {
	t.Helper()
	k, err := Lookup(name)
	require.NoError(t, err)
	x := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	orig := append([]float64(nil), x...)
	k.Forward(x)
	k.Inverse(x)
	for i := range orig {
		require.InDelta(t, orig[i], x[i], 1e-6, "%s: index %d", name, i)
	}
}

func TestKernelsRoundTrip(t *testing.T) {
	for _, name := range []string{"haar", "bior22", "db4"} {
		roundTrip(t, name)
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("nope")
	require.Error(t, err)
}

func TestTransform2DRoundTrip(t *testing.T) {
	haar, _ := Lookup("haar")
	w, h := 4, 4
	img := make([]float64, w*h)
	for i := range img {
		img[i] = float64(i)
	}
	orig := append([]float64(nil), img...)

	require.NoError(t, Transform2D(img, w, h, haar, haar, false))
	require.NoError(t, Transform2D(img, w, h, haar, haar, true))
	for i := range orig {
		require.InDelta(t, orig[i], img[i], 1e-6, "index %d", i)
	}
}
