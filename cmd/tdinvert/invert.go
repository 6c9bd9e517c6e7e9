package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"tdinvert/config"
	"tdinvert/driver"
	"tdinvert/logging"
	"tdinvert/metrics"
)

// newInvertCmd wires spec.md §6's CLI surface onto config.Config, then
// hands off to the driver. Flag defaults come from config.Default()
// rather than being restated here, so the two never drift apart.
func newInvertCmd() *cobra.Command {
	cfg := config.Default()
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "invert",
		Short: "Run the RJ-MCMC inversion sampler",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.Configure(cfg.Verbosity)
			reg := metrics.New(prometheus.DefaultRegisterer)
			if metricsAddr != "" {
				if _, err := metrics.Serve(metricsAddr); err != nil {
					return err
				}
			}

			d, err := driver.New(cfg, cfg.Output, log, reg)
			if err != nil {
				return err
			}
			if err := d.Run(); err != nil {
				return err
			}
			return d.WriteOutputs(cfg.Output)
		},
	}

	f := cmd.Flags()
	f.IntVar(&cfg.DegreeDepth, "degree-depth", cfg.DegreeDepth, "image width degree: W = 2^degree-depth")
	f.IntVar(&cfg.DegreeLateral, "degree-lateral", cfg.DegreeLateral, "image height degree: H = 2^degree-lateral")
	f.Float64Var(&cfg.Depth, "depth", cfg.Depth, "total profile depth")
	f.Uint64Var(&cfg.Total, "total", cfg.Total, "total sampler iterations")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "base RNG seed")
	f.IntVar(&cfg.Kmax, "kmax", cfg.Kmax, "maximum live coefficient count")
	f.Float64Var(&cfg.BirthProbability, "birth-probability", cfg.BirthProbability, "birth move probability")
	f.Float64Var(&cfg.DeathProbability, "death-probability", cfg.DeathProbability, "death move probability")
	f.Float64Var(&cfg.ValueProbability, "value-probability", cfg.ValueProbability, "value move probability")
	f.Float64Var(&cfg.HierProbability, "hierarchical-probability", cfg.HierProbability, "hierarchical-noise move probability")
	f.Float64Var(&cfg.HierPriorProbability, "hierarchical-prior-probability", cfg.HierPriorProbability, "hierarchical-prior move probability")
	f.StringVar(&cfg.WaveletVertical, "wavelet-vertical", cfg.WaveletVertical, "vertical wavelet kernel name")
	f.StringVar(&cfg.WaveletHorizontal, "wavelet-horizontal", cfg.WaveletHorizontal, "horizontal wavelet kernel name")
	f.IntVar(&cfg.Chains, "chains", cfg.Chains, "chains per temperature level")
	f.IntVar(&cfg.Temperatures, "temperatures", cfg.Temperatures, "temperature ladder levels")
	f.Float64Var(&cfg.MaxTemperature, "max-temperature", cfg.MaxTemperature, "highest temperature in the ladder")
	f.Uint64Var(&cfg.ExchangeRate, "exchange-rate", cfg.ExchangeRate, "steps between PT swap rounds")
	f.Uint64Var(&cfg.ResampleRate, "resample-rate", cfg.ResampleRate, "steps between resample rounds")
	f.BoolVar(&cfg.Resample, "resample", cfg.Resample, "enable replica resampling")
	f.Float64Var(&cfg.LambdaStd, "lambda-std", cfg.LambdaStd, "hierarchical lambda_scale proposal std")
	f.Float64Var(&cfg.PriorStd, "prior-std", cfg.PriorStd, "hierarchical prior-scale proposal std")
	f.BoolVar(&cfg.PosteriorK, "posteriork", cfg.PosteriorK, "diagnostic mode: hold likelihood constant, sample from the prior")
	f.StringVar(&cfg.InputObs, "input", cfg.InputObs, "observation file path (required unless --posteriork)")
	f.StringVar(&cfg.InitialPath, "initial", cfg.InitialPath, "initial model: a constant log-conductivity or a saved tree path")
	f.StringArrayVar(&cfg.STMFiles, "stm", cfg.STMFiles, "STM forward-model descriptor path (repeatable, one per response system)")
	f.StringArrayVar(&cfg.Hierarchical, "hierarchical", cfg.Hierarchical, "hierarchical-noise file path (repeatable, paired with --stm)")
	f.StringVar(&cfg.PriorFile, "prior-file", cfg.PriorFile, "prior/proposal file path")
	f.StringVar(&cfg.Output, "output", cfg.Output, "output file prefix")
	f.IntVar(&cfg.HistoryCapacity, "history-capacity", cfg.HistoryCapacity, "chain-history ring capacity")
	f.StringVar(&cfg.Verbosity, "verbosity", cfg.Verbosity, "log level (trace, debug, info, warn, error)")
	f.StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")

	return cmd
}
