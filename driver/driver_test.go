package driver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tdinvert/config"
	"tdinvert/history"
	"tdinvert/logging"
	"tdinvert/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

func writePriorFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "prior.txt")
	require.NoError(t, os.WriteFile(path, []byte("1 1.0 0.2\n2 0.8 0.15\nlambda 0.1\n"), 0o644))
	return path
}

func baseConfig(t *testing.T, dir string) config.Config {
	cfg := config.Default()
	cfg.DegreeDepth = 2
	cfg.DegreeLateral = 2
	cfg.Total = 50
	cfg.Seed = 7
	cfg.Kmax = 10
	cfg.PriorFile = writePriorFile(t, dir)
	cfg.PosteriorK = true
	cfg.HistoryCapacity = 8
	return cfg
}

func TestRunPosteriorKSingleChainProducesHistoryFile(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, dir)
	prefix := filepath.Join(dir, "run")

	reg := metrics.New(prometheus.NewRegistry())
	d, err := New(cfg, prefix, logging.Configure("error"), reg)
	require.NoError(t, err)
	require.NoError(t, d.Run())

	path := prefix + "-000-ch.dat"
	_, err = os.Stat(path)
	require.NoError(t, err)

	rd, err := history.OpenReader(path)
	require.NoError(t, err)
	defer rd.Close()
	count := 0
	for {
		_, err := rd.Next()
		if err != nil {
			break
		}
		count++
	}
	require.Greater(t, count, 1)
	require.NotEmpty(t, d.KHistogram)
}

func TestRunWithTemperingExchangesAndResamplesWithoutError(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, dir)
	cfg.Chains = 2
	cfg.Temperatures = 2
	cfg.MaxTemperature = 4
	cfg.ExchangeRate = 5
	cfg.Resample = true
	cfg.ResampleRate = 10
	prefix := filepath.Join(dir, "run")

	d, err := New(cfg, prefix, logging.Configure("error"), nil)
	require.NoError(t, err)
	require.NoError(t, d.Run())

	require.Len(t, d.Replicas, 4)
	for rank := 0; rank < 4; rank++ {
		_, err := os.Stat(prefix + "-" + pad3(rank) + "-ch.dat")
		require.NoError(t, err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, dir)
	cfg.Kmax = 0
	_, err := New(cfg, filepath.Join(dir, "run"), logging.Configure("error"), nil)
	require.Error(t, err)
}

func TestInitialiseStateFromConstant(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, dir)
	cfg.InitialPath = "-1.386294"
	prefix := filepath.Join(dir, "run")
	d, err := New(cfg, prefix, logging.Configure("error"), nil)
	require.NoError(t, err)
	require.InDelta(t, -1.386294, d.Replicas[0].State.Tree.Value(0), 1e-9)
}

func TestWriteOutputsProducesEveryFile(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, dir)
	prefix := filepath.Join(dir, "run")

	d, err := New(cfg, prefix, logging.Configure("error"), nil)
	require.NoError(t, err)
	require.NoError(t, d.Run())
	require.NoError(t, d.WriteOutputs(prefix))

	for _, suffix := range []string{"-khistogram.txt", "-acceptance.txt", "-000-final_model.txt", "-000-residuals.txt", "-000-residuals_normed.txt", "-000-residuals_hist.txt", "-000-residuals_cov.txt"} {
		_, err := os.Stat(prefix + suffix)
		require.NoError(t, err, suffix)
	}
}

func pad3(n int) string {
	s := "000"
	digits := []byte(s)
	for i := 2; i >= 0 && n > 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits)
}
