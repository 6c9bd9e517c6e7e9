// Package noise implements HierarchicalNoise: a small family of
// pluggable residual-noise models sharing one nll() operation, selected
// at load time by a string tag read from a text file (spec.md §4.3, §6).
// Grounded on the teacher's validator/verify.go dispatch-by-kind pattern
// and core/header's custom (Un)MarshalJSON: Load dispatches on the tag
// with a switch statement, so adding a model means adding a case there.
// Eigendecomposition for the covariance model uses gonum's
// mat.EigenSym, the library the example pack (js-arias-phygeo) reaches
// for whenever linear algebra goes beyond a dot product.
package noise

import (
	"bufio"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"tdinvert/errs"
)

// Model is the HierarchicalNoise contract: given the current residual
// vector, per-sample times, and the hierarchical scale parameter, it
// returns the negative log-likelihood and the log-normalization term,
// writing the whitened residual into out.
type Model interface {
	// NLL computes (neg_log_lik, log_normalization) and fills out with
	// the per-sample whitened residual. len(out) == len(residual).
	NLL(observed, time, residual []float64, lambdaScale float64, out []float64) (float64, float64)

	// NParams is the count of model parameters beyond lambdaScale (0 for
	// IID and Covariance; 3 for Hyperbolic: A, B, C; 2 for Brodie: Floor,
	// Frac).
	NParams() int

	// Tag is the file-format name, e.g. "iidgaussian".
	Tag() string
}

const log2Pi = 1.8378770664093453 // math.Log(2*math.Pi)

// IID is the plain i.i.d. Gaussian model: sigma_i = lambdaScale for all i.
type IID struct{}

func (IID) Tag() string     { return "iidgaussian" }
func (IID) NParams() int    { return 0 }
func (IID) NLL(observed, time, residual []float64, lambda float64, out []float64) (float64, float64) {
	n := len(residual)
	sigma := math.Abs(lambda)
	if sigma == 0 {
		sigma = 1e-9
	}
	sumSq := 0.0
	for i, r := range residual {
		w := r / sigma
		out[i] = w
		sumSq += w * w
	}
	nll := 0.5*sumSq + float64(n)*math.Log(sigma)
	logNorm := float64(n) * 0.5 * log2Pi
	return nll, logNorm
}

// Hyperbolic scales sigma_i with a 3-parameter curve in the observed
// magnitude and sample time: sigma_i = A + B*|observed_i|*time_i^C.
type Hyperbolic struct {
	A, B, C float64
}

func (Hyperbolic) Tag() string  { return "hyperbolic" }
func (Hyperbolic) NParams() int { return 3 }
func (h Hyperbolic) NLL(observed, time, residual []float64, lambda float64, out []float64) (float64, float64) {
	n := len(residual)
	sumSq := 0.0
	logDet := 0.0
	for i, r := range residual {
		sigma := h.A + h.B*math.Abs(observed[i])*math.Pow(math.Max(time[i], 1e-12), h.C)
		sigma *= lambda
		if sigma <= 0 {
			sigma = 1e-9
		}
		w := r / sigma
		out[i] = w
		sumSq += w * w
		logDet += math.Log(sigma)
	}
	nll := 0.5*sumSq + logDet
	logNorm := float64(n) * 0.5 * log2Pi
	return nll, logNorm
}

// Brodie is the additive-plus-multiplicative noise model commonly used
// for airborne EM: sigma_i = floor + frac*|observed_i|, both scaled by
// lambdaScale.
type Brodie struct {
	Floor, Frac float64
}

func (Brodie) Tag() string  { return "brodie" }
func (Brodie) NParams() int { return 2 }
func (b Brodie) NLL(observed, time, residual []float64, lambda float64, out []float64) (float64, float64) {
	n := len(residual)
	sumSq := 0.0
	logDet := 0.0
	for i, r := range residual {
		sigma := lambda * (b.Floor + b.Frac*math.Abs(observed[i]))
		if sigma <= 0 {
			sigma = 1e-9
		}
		w := r / sigma
		out[i] = w
		sumSq += w * w
		logDet += math.Log(sigma)
	}
	nll := 0.5*sumSq + logDet
	logNorm := float64(n) * 0.5 * log2Pi
	return nll, logNorm
}

// Covariance is a full-covariance Gaussian model, whitened via an
// offline eigendecomposition: residual -> eigenvector basis, scaled by
// lambdaScale*sqrt(eigenvalue) per component.
type Covariance struct {
	eigvals []float64
	eigvecs *mat.Dense // columns are eigenvectors
}

func (Covariance) Tag() string  { return "covariance" }
func (Covariance) NParams() int { return 0 }

// NewCovariance eigendecomposes cov (a symmetric n x n matrix) once at
// load time via gonum's mat.EigenSym.
func NewCovariance(cov *mat.SymDense) (*Covariance, error) {
	var eig mat.EigenSym
	ok := eig.Factorize(cov, true)
	if !ok {
		return nil, errs.Invariant("covariance noise: eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	for i, v := range vals {
		if v <= 0 {
			vals[i] = 1e-12
		}
	}
	return &Covariance{eigvals: vals, eigvecs: &vecs}, nil
}

func (c *Covariance) NLL(observed, time, residual []float64, lambda float64, out []float64) (float64, float64) {
	n := len(residual)
	r := mat.NewVecDense(n, residual)
	var proj mat.VecDense
	proj.MulVec(c.eigvecs.T(), r)

	sumSq := 0.0
	logDet := 0.0
	for i := 0; i < n; i++ {
		sigma := lambda * math.Sqrt(c.eigvals[i])
		if sigma <= 0 {
			sigma = 1e-9
		}
		w := proj.AtVec(i) / sigma
		out[i] = w
		sumSq += w * w
		logDet += math.Log(sigma)
	}
	nll := 0.5*sumSq + logDet
	logNorm := float64(n) * 0.5 * log2Pi
	return nll, logNorm
}

// Load reads a hierarchical-noise file: first token selects the model,
// remaining tokens are consumed by that model's own reader, per
// spec.md §6.
func Load(path string) (Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IO(path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<24)
	if !sc.Scan() {
		return nil, errs.Validation("hierarchical-file", "%s: empty file", path)
	}
	tag := strings.ToLower(strings.TrimSpace(sc.Text()))
	switch tag {
	case "iidgaussian":
		return IID{}, nil
	case "hyperbolic":
		vals, err := readFloats(sc, 3)
		if err != nil {
			return nil, errs.Validation("hierarchical-file", "%s: %v", path, err)
		}
		return Hyperbolic{A: vals[0], B: vals[1], C: vals[2]}, nil
	case "brodie":
		vals, err := readFloats(sc, 2)
		if err != nil {
			return nil, errs.Validation("hierarchical-file", "%s: %v", path, err)
		}
		return Brodie{Floor: vals[0], Frac: vals[1]}, nil
	case "covariance":
		return loadCovariance(sc)
	default:
		return nil, errs.Validation("hierarchical-file", "%s: unknown model %q", path, tag)
	}
}

func readFloats(sc *bufio.Scanner, n int) ([]float64, error) {
	out := make([]float64, 0, n)
	for sc.Scan() {
		for _, f := range strings.Fields(sc.Text()) {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
			if len(out) == n {
				return out, nil
			}
		}
	}
	return nil, errs.Invariant("expected %d parameters, got %d", n, len(out))
}

// loadCovariance reads an n, then n*n row-major matrix entries, builds a
// SymDense from the upper triangle, and eigendecomposes it.
func loadCovariance(sc *bufio.Scanner) (Model, error) {
	toks := make([]string, 0, 64)
	for sc.Scan() {
		toks = append(toks, strings.Fields(sc.Text())...)
	}
	if len(toks) < 1 {
		return nil, errs.Invariant("covariance file: missing dimension")
	}
	n, err := strconv.Atoi(toks[0])
	if err != nil || n <= 0 {
		return nil, errs.Invariant("covariance file: bad dimension %q", toks[0])
	}
	need := 1 + n*n
	if len(toks) < need {
		return nil, errs.Invariant("covariance file: need %d entries, got %d", n*n, len(toks)-1)
	}
	data := make([]float64, n*n)
	for i := 0; i < n*n; i++ {
		v, err := strconv.ParseFloat(toks[1+i], 64)
		if err != nil {
			return nil, errs.Invariant("covariance file: bad entry %q", toks[1+i])
		}
		data[i] = v
	}
	sym := mat.NewSymDense(n, data)
	return NewCovariance(sym)
}
