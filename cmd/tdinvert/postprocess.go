package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tdinvert/kernel"
	"tdinvert/model"
	"tdinvert/postprocess"
)

// newPostprocessCmd wires the Postprocessor's replay-and-summarize pass
// onto the CLI, per SPEC_FULL.md §5.11.
func newPostprocessCmd() *cobra.Command {
	var (
		inputs             []string
		skip, thin         uint64
		bins               int
		vmin, vmax         float64
		output             string
		degreeDepth        int
		degreeLateral      int
		waveletVertical    string
		waveletHorizontal  string
		exponentiate       bool
		validateLikelihood bool
	)

	cmd := &cobra.Command{
		Use:   "postprocess",
		Short: "Replay chain-history files into posterior summary statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if validateLikelihood {
				for _, path := range inputs {
					last, err := validateFile(path)
					if err != nil {
						return err
					}
					fmt.Printf("%s: last recorded likelihood %g\n", path, last)
				}
				return nil
			}

			horizontal, err := kernel.Lookup(waveletHorizontal)
			if err != nil {
				return err
			}
			vertical, err := kernel.Lookup(waveletVertical)
			if err != nil {
				return err
			}
			grid := model.NewGrid(degreeDepth, degreeLateral)

			pp := postprocess.New(postprocess.Config{
				Grid: grid, Horizontal: horizontal, Vertical: vertical,
				Exponentiate: exponentiate, Skip: skip, Thin: thin,
				VMin: vmin, VMax: vmax, Bins: bins,
			})
			for _, path := range inputs {
				if err := pp.ReplayFile(path); err != nil {
					return err
				}
			}

			return writeSummary(pp, grid, vmin, vmax, bins, output)
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&inputs, "input", nil, "chain-history ch.dat file (repeatable)")
	f.Uint64Var(&skip, "skip", 0, "number of leading replayed steps to discard")
	f.Uint64Var(&thin, "thin", 1, "keep every thin-th step after skip")
	f.IntVar(&bins, "bins", 256, "per-pixel histogram bin count")
	f.Float64Var(&vmin, "vmin", 0, "histogram lower bound")
	f.Float64Var(&vmax, "vmax", 1, "histogram upper bound")
	f.StringVar(&output, "output", "posterior", "output file prefix")
	f.IntVar(&degreeDepth, "degree-depth", 4, "image width degree, must match the run that produced --input")
	f.IntVar(&degreeLateral, "degree-lateral", 4, "image height degree, must match the run that produced --input")
	f.StringVar(&waveletVertical, "wavelet-vertical", "haar", "vertical wavelet kernel name, must match the run")
	f.StringVar(&waveletHorizontal, "wavelet-horizontal", "haar", "horizontal wavelet kernel name, must match the run")
	f.BoolVar(&exponentiate, "exponentiate", true, "treat reconstructed image as log-conductivity")
	f.BoolVar(&validateLikelihood, "validate-likelihood", false, "replay --input and report ValidateLikelihood's recovered value instead of summarizing")

	return cmd
}

func validateFile(path string) (float64, error) {
	last, err := postprocess.ValidateLikelihood(path)
	if err != nil {
		return 0, err
	}
	return last, nil
}

// writeSummary writes mean.txt, variance.txt, mode.txt, median.txt,
// credible-min.txt, credible-max.txt, hpd-min.txt, hpd-max.txt under
// prefix, each in the spec.md §6 image-file text format.
func writeSummary(pp *postprocess.Postprocessor, grid model.Grid, vmin, vmax float64, bins int, prefix string) error {
	n := grid.N()
	mean := make([]float64, n)
	variance := make([]float64, n)
	mode := make([]float64, n)
	median := make([]float64, n)
	credLo, credHi := make([]float64, n), make([]float64, n)
	hpdLo, hpdHi := make([]float64, n), make([]float64, n)

	pp.Mean(mean)
	for i, p := range pp.Pixels {
		variance[i] = p.Variance()
		mode[i] = p.Mode(vmin, vmax, bins)
		median[i] = p.Median(vmin, vmax, bins)
		credLo[i], credHi[i] = p.Credible(vmin, vmax, bins, 0.90)
		hpdLo[i], hpdHi[i] = p.HPD(vmin, vmax, bins, 0.90)
	}

	files := map[string][]float64{
		"mean":           mean,
		"variance":       variance,
		"mode":           mode,
		"median":         median,
		"credible-min":   credLo,
		"credible-max":   credHi,
		"hpd-min":        hpdLo,
		"hpd-max":        hpdHi,
	}
	for name, img := range files {
		if err := model.SaveImage(fmt.Sprintf("%s-%s.txt", prefix, name), img, grid.H, grid.W, 0); err != nil {
			return err
		}
	}
	return nil
}
