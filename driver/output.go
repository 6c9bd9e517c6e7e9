package driver

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tdinvert/chain"
	"tdinvert/errs"
	"tdinvert/kernel"
	"tdinvert/pt"
)

// WriteOutputs writes every text output file named in spec.md §6 under
// prefix: one global khistogram.txt/acceptance.txt pair (the proposal
// engine's counters and the PT coordinator's swap counters are shared
// across every replica, not per-chain), and one -NNN-suffixed
// final_model.txt/residuals*.txt set per replica (grounded on
// validator/verify.go's report-then-write-summary shape). Call once,
// after Run returns.
func (d *Driver) WriteOutputs(prefix string) error {
	if err := d.writeKHistogram(prefix + "-khistogram.txt"); err != nil {
		return err
	}
	if err := d.writeAcceptance(prefix + "-acceptance.txt"); err != nil {
		return err
	}
	for _, rep := range d.Replicas {
		rank := rankOf(d.Ladder, rep.Level, rep.Chain)
		suffix := fmt.Sprintf("-%03d", rank)
		if err := d.writeFinalModel(prefix+suffix+"-final_model.txt", rep); err != nil {
			return err
		}
		if err := d.writeResiduals(prefix+suffix+"-residuals.txt", rep.State.Residual); err != nil {
			return err
		}
		if err := d.writeResiduals(prefix+suffix+"-residuals_normed.txt", rep.State.ResidualNormed); err != nil {
			return err
		}
		if rep.State.Stats != nil {
			if err := d.writeResidualsHist(prefix+suffix+"-residuals_hist.txt", rep.State.Stats); err != nil {
				return err
			}
			if err := d.writeResidualsCov(prefix+suffix+"-residuals_cov.txt", rep.State.Stats); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Driver) writeKHistogram(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.IO(path, err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	max := 0
	for k := range d.KHistogram {
		if k > max {
			max = k
		}
	}
	for k := 0; k <= max; k++ {
		if _, err := fmt.Fprintf(bw, "%d %d\n", k, d.KHistogram[k]); err != nil {
			return errs.IO(path, err)
		}
	}
	return bw.Flush()
}

func (d *Driver) writeAcceptance(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.IO(path, err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)

	stats := d.Engine.Stats
	for k := 0; k < 5; k++ {
		kind := proposalKindName(k)
		ratio := 0.0
		if stats.Propose[k] > 0 {
			ratio = float64(stats.Accept[k]) / float64(stats.Propose[k])
		}
		if _, err := fmt.Fprintf(bw, "%s propose=%d accept=%d ratio=%.6f\n", kind, stats.Propose[k], stats.Accept[k], ratio); err != nil {
			return errs.IO(path, err)
		}
	}
	for depth, propose := range stats.ProposeByDepth {
		accept := stats.AcceptByDepth[depth]
		ratio := 0.0
		if propose > 0 {
			ratio = float64(accept) / float64(propose)
		}
		if _, err := fmt.Fprintf(bw, "depth=%d propose=%d accept=%d ratio=%.6f\n", depth, propose, accept, ratio); err != nil {
			return errs.IO(path, err)
		}
	}

	if d.Metrics != nil {
		proposed := testutil.ToFloat64(d.Metrics.SwapsProposed)
		accepted := testutil.ToFloat64(d.Metrics.SwapsAccepted)
		ratio := 0.0
		if proposed > 0 {
			ratio = accepted / proposed
		}
		if _, err := fmt.Fprintf(bw, "pt_swap proposed=%d accepted=%d ratio=%.6f\n", int64(proposed), int64(accepted), ratio); err != nil {
			return errs.IO(path, err)
		}
	}
	return bw.Flush()
}

func proposalKindName(k int) string {
	switch k {
	case 0:
		return "birth"
	case 1:
		return "death"
	case 2:
		return "value"
	case 3:
		return "hierarchical"
	case 4:
		return "hierarchical-prior"
	default:
		return "unknown"
	}
}

// writeFinalModel reconstructs the replica's dense image via the same
// inverse 2-D transform the evaluator uses, and saves it as spec.md §6's
// image-file format, with the cached likelihood recorded as a leading
// comment line so a loader can confirm current_likelihood without
// re-running the sampler (spec.md §8 scenario 1).
func (d *Driver) writeFinalModel(path string, rep *pt.Replica) error {
	s := rep.State
	s.Tree.MapToArray(s.Img)
	work := append([]float64(nil), s.Img...)
	if err := kernel.Transform2D(work, d.Cfg.Width(), d.Cfg.Height(), d.Engine.Eval.Horizontal, d.Engine.Eval.Vertical, true); err != nil {
		return err
	}
	if d.Cfg.Exponentiate {
		for i, v := range work {
			work[i] = math.Exp(v)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errs.IO(path, err)
	}
	if _, werr := fmt.Fprintf(f, "# likelihood %s\n", strconv.FormatFloat(s.Likelihood, 'g', -1, 64)); werr != nil {
		f.Close()
		return errs.IO(path, werr)
	}
	if err := f.Close(); err != nil {
		return errs.IO(path, err)
	}

	return appendImage(path, work, d.Cfg.Height(), d.Cfg.Width(), d.Cfg.Depth)
}

// appendImage opens path (already holding a leading comment line) in
// append mode and writes the image-file body after it.
func appendImage(path string, img []float64, rows, columns int, depth float64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.IO(path, err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	if _, err := fmt.Fprintf(bw, "%d %d %s\n", rows, columns, strconv.FormatFloat(depth, 'g', -1, 64)); err != nil {
		return errs.IO(path, err)
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < columns; c++ {
			if c > 0 {
				if err := bw.WriteByte(' '); err != nil {
					return errs.IO(path, err)
				}
			}
			if _, err := bw.WriteString(strconv.FormatFloat(img[r*columns+c], 'g', -1, 64)); err != nil {
				return errs.IO(path, err)
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return errs.IO(path, err)
		}
	}
	return bw.Flush()
}

func (d *Driver) writeResiduals(path string, vec []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.IO(path, err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	for _, v := range vec {
		if _, err := fmt.Fprintf(bw, "%s\n", strconv.FormatFloat(v, 'g', -1, 64)); err != nil {
			return errs.IO(path, err)
		}
	}
	return bw.Flush()
}

func (d *Driver) writeResidualsHist(path string, stats *chain.Stats) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.IO(path, err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	width := (stats.HistMax - stats.HistMin) / float64(stats.Bins)
	for i, count := range stats.Hist {
		centre := stats.HistMin + width*(float64(i)+0.5)
		if _, err := fmt.Fprintf(bw, "%s %d\n", strconv.FormatFloat(centre, 'g', -1, 64), count); err != nil {
			return errs.IO(path, err)
		}
	}
	return bw.Flush()
}

func (d *Driver) writeResidualsCov(path string, stats *chain.Stats) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.IO(path, err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	for i, v := range stats.Variance() {
		if _, err := fmt.Fprintf(bw, "%d %d %s\n", i, i, strconv.FormatFloat(v, 'g', -1, 64)); err != nil {
			return errs.IO(path, err)
		}
	}
	return bw.Flush()
}
