// Package postprocess implements the Postprocessor: replay one or more
// chain-history segment files and fold each step that survives a
// skip+thin filter into running per-pixel statistics (spec.md §4.7).
// Grounded on the teacher's validator/verify.go replay-and-check shape
// (open a record stream, step through it, derive a verdict) and
// core/mempool.go's running-aggregate bookkeeping, generalized here from
// one pass/fail check to continuous Welford mean/variance/histogram
// accumulation per pixel.
package postprocess

import (
	"io"
	"math"

	"gonum.org/v1/gonum/floats"

	"tdinvert/history"
	"tdinvert/kernel"
	"tdinvert/model"
)

// PixelStats is the running Welford mean/variance plus a fixed-width
// histogram for one pixel across every replayed sample.
type PixelStats struct {
	Count    int64
	Mean     float64
	m2       float64
	Min, Max float64
	Hist     []int64
}

func newPixelStats(bins int) *PixelStats {
	return &PixelStats{Min: math.Inf(1), Max: math.Inf(-1), Hist: make([]int64, bins)}
}

func (p *PixelStats) observe(v, vmin, vmax float64, bins int) {
	p.Count++
	delta := v - p.Mean
	p.Mean += delta / float64(p.Count)
	p.m2 += delta * (v - p.Mean)
	if v < p.Min {
		p.Min = v
	}
	if v > p.Max {
		p.Max = v
	}
	width := (vmax - vmin) / float64(bins)
	if width <= 0 {
		return
	}
	bin := int((v - vmin) / width)
	if bin < 0 {
		bin = 0
	}
	if bin >= bins {
		bin = bins - 1
	}
	p.Hist[bin]++
}

// Variance is the sample variance (Bessel-corrected); zero until at
// least two samples have been observed.
func (p *PixelStats) Variance() float64 {
	if p.Count < 2 {
		return 0
	}
	return p.m2 / float64(p.Count-1)
}

// Stddev is sqrt(Variance()).
func (p *PixelStats) Stddev() float64 { return math.Sqrt(p.Variance()) }

func binCentre(vmin, vmax float64, bins, i int) float64 {
	width := (vmax - vmin) / float64(bins)
	return vmin + width*(float64(i)+0.5)
}

// Mode returns the centre of the histogram's arg-max bin.
func (p *PixelStats) Mode(vmin, vmax float64, bins int) float64 {
	best := 0
	for i, c := range p.Hist {
		if c > p.Hist[best] {
			best = i
		}
	}
	return binCentre(vmin, vmax, bins, best)
}

// histCounts converts the integer histogram to float64 for gonum/floats'
// cumulative-sum helper.
func (p *PixelStats) histCounts() []float64 {
	counts := make([]float64, len(p.Hist))
	for i, c := range p.Hist {
		counts[i] = float64(c)
	}
	return counts
}

// Median walks the histogram's cumulative sum until it crosses half the
// total mass (spec.md §4.7 "opposing-cumulative-sum walk").
func (p *PixelStats) Median(vmin, vmax float64, bins int) float64 {
	if p.Count == 0 {
		return 0
	}
	counts := p.histCounts()
	cum := make([]float64, len(counts))
	floats.CumSum(cum, counts)
	half := float64(p.Count) / 2
	for i, c := range cum {
		if c >= half {
			return binCentre(vmin, vmax, bins, i)
		}
	}
	return binCentre(vmin, vmax, bins, bins-1)
}

// Credible returns the [lo, hi] credible interval at mass prob, dropping
// (1-prob)/2 of the histogram's weight from each tail.
func (p *PixelStats) Credible(vmin, vmax float64, bins int, prob float64) (lo, hi float64) {
	if p.Count == 0 {
		return vmin, vmax
	}
	total := float64(p.Count)
	tail := (1 - prob) / 2 * total
	counts := p.histCounts()
	cum := make([]float64, len(counts))
	floats.CumSum(cum, counts)

	loIdx := bins - 1
	for i, c := range cum {
		if c >= tail {
			loIdx = i
			break
		}
	}
	hiIdx := 0
	acc := 0.0
	for i := bins - 1; i >= 0; i-- {
		acc += counts[i]
		if acc >= tail {
			hiIdx = i
			break
		}
	}
	return binCentre(vmin, vmax, bins, loIdx), binCentre(vmin, vmax, bins, hiIdx)
}

// HPD returns the brute-force minimum-width window whose histogram mass
// is at least prob of the total (spec.md §4.7 "HPD interval").
func (p *PixelStats) HPD(vmin, vmax float64, bins int, prob float64) (lo, hi float64) {
	if p.Count == 0 {
		return vmin, vmax
	}
	target := prob * float64(p.Count)
	prefix := make([]float64, bins+1)
	counts := p.histCounts()
	for i, c := range counts {
		prefix[i+1] = prefix[i] + c
	}
	bestWidth := bins
	bestLo, bestHi := 0, bins-1
	for l := 0; l < bins; l++ {
		for h := l; h < bins; h++ {
			if prefix[h+1]-prefix[l] >= target {
				if width := h - l; width < bestWidth {
					bestWidth, bestLo, bestHi = width, l, h
				}
				break
			}
		}
	}
	return binCentre(vmin, vmax, bins, bestLo), binCentre(vmin, vmax, bins, bestHi)
}

// Config bundles the fixed replay parameters shared by every segment
// file a Postprocessor consumes.
type Config struct {
	Grid                 model.Grid
	Horizontal, Vertical kernel.Kernel
	Exponentiate         bool
	Skip                 uint64
	Thin                 uint64
	VMin, VMax           float64
	Bins                 int
}

// Postprocessor folds replayed chain-history steps into one PixelStats
// per grid cell. A single Postprocessor can replay several files in
// sequence to build a multi-chain ensemble posterior.
type Postprocessor struct {
	cfg       Config
	Pixels    []*PixelStats
	stepIndex uint64
}

// New allocates a Postprocessor sized to cfg.Grid with cfg.Bins-wide
// histograms per pixel.
func New(cfg Config) *Postprocessor {
	px := make([]*PixelStats, cfg.Grid.N())
	for i := range px {
		px[i] = newPixelStats(cfg.Bins)
	}
	return &Postprocessor{cfg: cfg, Pixels: px}
}

// due reports whether the current global step index survives the
// skip+thin filter, then advances the index.
func (pp *Postprocessor) due() bool {
	idx := pp.stepIndex
	pp.stepIndex++
	if idx < pp.cfg.Skip {
		return false
	}
	if pp.cfg.Thin == 0 {
		return true
	}
	return (idx-pp.cfg.Skip)%pp.cfg.Thin == 0
}

// ReplayFile replays one chain-history segment file end to end, folding
// every step that passes skip+thin into the running pixel statistics.
func (pp *Postprocessor) ReplayFile(path string) error {
	rd, err := history.OpenReader(path)
	if err != nil {
		return err
	}
	defer rd.Close()

	img := make([]float64, pp.cfg.Grid.N())
	for {
		_, err := rd.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if !pp.due() {
			continue
		}
		pp.fold(rd.S, img)
	}
}

// fold reconstructs the dense image from the live-index multiset via the
// inverse 2-D wavelet transform and observes every pixel. A failed
// transform (only possible from a corrupt record) drops the sample
// rather than aborting the whole replay.
func (pp *Postprocessor) fold(live map[model.Index]float64, img []float64) {
	for i := range img {
		img[i] = 0
	}
	for idx, v := range live {
		img[int(idx)] = v
	}
	work := append([]float64(nil), img...)
	if err := kernel.Transform2D(work, pp.cfg.Grid.W, pp.cfg.Grid.H, pp.cfg.Horizontal, pp.cfg.Vertical, true); err != nil {
		return
	}
	for i, v := range work {
		if pp.cfg.Exponentiate {
			v = math.Exp(v)
		}
		pp.Pixels[i].observe(v, pp.cfg.VMin, pp.cfg.VMax, pp.cfg.Bins)
	}
}

// Mean writes the per-pixel running mean into out, sized W*H.
func (pp *Postprocessor) Mean(out []float64) {
	for i, p := range pp.Pixels {
		out[i] = p.Mean
	}
}

// ValidateLikelihood replays path and recomputes the cached likelihood
// trajectory purely from the Delta stream's own recorded Likelihood
// field, returning the final value — used by end-to-end scenario 2 to
// confirm a chain-history file's last accepted likelihood matches what
// the sampler itself reported without needing to re-run the evaluator.
func ValidateLikelihood(path string) (float64, error) {
	rd, err := history.OpenReader(path)
	if err != nil {
		return 0, err
	}
	defer rd.Close()
	last := math.NaN()
	for {
		step, err := rd.Next()
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			return 0, err
		}
		switch step.Type {
		case history.RecordInitialise:
			last = step.Init.Likelihood
		case history.RecordDelta:
			if step.Delta.Accepted {
				last = step.Delta.Likelihood
			}
		}
	}
}
