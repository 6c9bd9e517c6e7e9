// Package forward implements the ForwardModel external contract (spec.md
// §4.3) plus the parsers for the two text formats that feed it: the STM
// forward-model descriptor and the observation file (spec.md §6).
// ForwardModel itself is explicitly "opaque black-box" per the spec — a
// deterministic function the core only ever calls through an interface —
// so the one concrete implementation here is a clearly-labelled surrogate,
// grounded on the teacher's inference/llm.go: a stub behind the same
// contract a real solver would satisfy, deterministic in its inputs and
// swappable without touching any caller.
package forward

import (
	"bufio"
	"math"
	"os"
	"strconv"
	"strings"

	"tdinvert/errs"
)

// Geometry is one sounding's instrument pose, the ten floats of an
// observation-file point record.
type Geometry struct {
	TxHeight, TxRoll, TxPitch, TxYaw     float64
	Dx, Dy, Dz                           float64
	RxRoll, RxPitch, RxYaw               float64
}

// Window is one time-gate of a response system: its (tLow, tHigh) bounds
// and derived centre-time (the midpoint), per spec.md §6.
type Window struct {
	TLow, THigh, Centre float64
}

// STM is a parsed forward-model descriptor: per-system window lists
// keyed by the order they appeared in the file, matching the order
// --stm flags are repeated on the CLI.
type STM struct {
	Windows []Window
	// Transmitter/Receiver are free-form key-value pairs carried through
	// from their descriptor sections; the surrogate model reads only
	// Transmitter "moment", defaulting to 1 when it is absent.
	Transmitter map[string]float64
	Receiver    map[string]float64
}

// LoadSTM parses a section-keyed STM descriptor: "Transmitter", "Receiver",
// and "ForwardModelling" blocks, each "key value" lines until the next
// section header or EOF. The ForwardModelling block's "window" lines give
// "tlow thigh" pairs.
func LoadSTM(path string) (*STM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IO(path, err)
	}
	defer f.Close()

	stm := &STM{Transmitter: map[string]float64{}, Receiver: map[string]float64{}}
	section := ""
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasSuffix(line, ":") || isSectionHeader(line) {
			section = strings.ToLower(strings.TrimSuffix(line, ":"))
			continue
		}
		fields := strings.Fields(line)
		switch section {
		case "transmitter":
			if len(fields) != 2 {
				return nil, errs.Validation("stm", "%s:%d: want 'key value'", path, lineNo)
			}
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, errs.Validation("stm", "%s:%d: bad value %q", path, lineNo, fields[1])
			}
			stm.Transmitter[fields[0]] = v
		case "receiver":
			if len(fields) != 2 {
				return nil, errs.Validation("stm", "%s:%d: want 'key value'", path, lineNo)
			}
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, errs.Validation("stm", "%s:%d: bad value %q", path, lineNo, fields[1])
			}
			stm.Receiver[fields[0]] = v
		case "forwardmodelling":
			if fields[0] != "window" || len(fields) != 3 {
				return nil, errs.Validation("stm", "%s:%d: want 'window tlow thigh'", path, lineNo)
			}
			tlo, err1 := strconv.ParseFloat(fields[1], 64)
			thi, err2 := strconv.ParseFloat(fields[2], 64)
			if err1 != nil || err2 != nil || thi <= tlo {
				return nil, errs.Validation("stm", "%s:%d: bad window bounds", path, lineNo)
			}
			stm.Windows = append(stm.Windows, Window{TLow: tlo, THigh: thi, Centre: (tlo + thi) / 2})
		default:
			return nil, errs.Validation("stm", "%s:%d: data line before any section header", path, lineNo)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errs.IO(path, err)
	}
	if len(stm.Windows) == 0 {
		return nil, errs.Validation("stm", "%s: no windows declared", path)
	}
	return stm, nil
}

func isSectionHeader(line string) bool {
	switch strings.ToLower(line) {
	case "transmitter", "receiver", "forwardmodelling":
		return true
	}
	return false
}

// ObservationPoint is one sounding's geometry plus its R response systems,
// each a direction-tagged vector of measured responses.
type ObservationPoint struct {
	Geometry  Geometry
	Responses []SystemResponse
}

// SystemResponse is one sub-record: direction_id in {0,1,2} (conventionally
// x/y/z or in-line/cross-line/vertical) and its N response samples.
type SystemResponse struct {
	Direction int
	Values    []float64
}

// LoadObservations parses the observation file (spec.md §6): a sequence
// of point records, each 10 geometry floats, an integer R, then R
// sub-records "direction_id N r_1 ... r_N".
func LoadObservations(path string) ([]ObservationPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IO(path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<24)
	toks := tokenizer{sc: sc}

	var points []ObservationPoint
	for {
		geomVals, ok, err := toks.floats(10)
		if err != nil {
			return nil, errs.Validation("observation", "%s: %v", path, err)
		}
		if !ok {
			break
		}
		g := Geometry{
			TxHeight: geomVals[0], TxRoll: geomVals[1], TxPitch: geomVals[2], TxYaw: geomVals[3],
			Dx: geomVals[4], Dy: geomVals[5], Dz: geomVals[6],
			RxRoll: geomVals[7], RxPitch: geomVals[8], RxYaw: geomVals[9],
		}
		rVal, ok, err := toks.floats(1)
		if err != nil || !ok {
			return nil, errs.Validation("observation", "%s: expected system count", path)
		}
		r := int(rVal[0])
		if r < 0 {
			return nil, errs.Validation("observation", "%s: negative system count", path)
		}
		pt := ObservationPoint{Geometry: g, Responses: make([]SystemResponse, r)}
		for s := 0; s < r; s++ {
			hdr, ok, err := toks.floats(2)
			if err != nil || !ok {
				return nil, errs.Validation("observation", "%s: expected 'direction_id N'", path)
			}
			dir := int(hdr[0])
			if dir < 0 || dir > 2 {
				return nil, errs.Validation("observation", "%s: direction_id out of {0,1,2}", path)
			}
			n := int(hdr[1])
			vals, ok, err := toks.floats(n)
			if err != nil || !ok {
				return nil, errs.Validation("observation", "%s: short response vector", path)
			}
			pt.Responses[s] = SystemResponse{Direction: dir, Values: vals}
		}
		points = append(points, pt)
	}
	if len(points) == 0 {
		return nil, errs.Validation("observation", "%s: no points parsed", path)
	}
	return points, nil
}

// tokenizer lazily pulls whitespace-separated float tokens across lines.
type tokenizer struct {
	sc   *bufio.Scanner
	rest []string
}

func (t *tokenizer) next() (string, bool) {
	for len(t.rest) == 0 {
		if !t.sc.Scan() {
			return "", false
		}
		t.rest = strings.Fields(t.sc.Text())
	}
	tok := t.rest[0]
	t.rest = t.rest[1:]
	return tok, true
}

// floats reads exactly n float tokens, returning ok=false only if the
// very first token is unavailable (clean EOF between records); a
// truncated record after at least one token is a validation error.
func (t *tokenizer) floats(n int) ([]float64, bool, error) {
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		tok, ok := t.next()
		if !ok {
			if i == 0 {
				return nil, false, nil
			}
			return nil, false, errs.Invariant("truncated record: got %d of %d tokens", i, n)
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, false, errs.Invariant("bad float token %q", tok)
		}
		out = append(out, v)
	}
	return out, true, nil
}

// Response is the ForwardModel output: one flat vector partitioned in
// observation order, matching residual buffers one-to-one.
type Response []float64

// Model is the ForwardModel contract: a deterministic mapping from
// geometry and a layered 1-D conductivity profile to a multi-window EM
// response.
type Model interface {
	Eval(geom Geometry, layeredConductivity []float64) (Response, error)
}

// Surrogate is a deterministic, closed-form stand-in for a real
// electromagnetic forward solver: each window's response decays
// exponentially with the window's centre-time and the harmonic mean of
// the layered conductivity profile, scaled by transmitter moment and
// offset geometry. It is not a physical EM solver — fitting one is out
// of scope — but it is deterministic and smooth in the conductivity
// profile, which is all ProposalEngine requires of ForwardModel.Eval.
type Surrogate struct {
	STM *STM
}

// NewSurrogate builds a Surrogate bound to one STM's window list.
func NewSurrogate(stm *STM) *Surrogate { return &Surrogate{STM: stm} }

func (s *Surrogate) Eval(geom Geometry, layered []float64) (Response, error) {
	if len(layered) == 0 {
		return nil, errs.Invariant("surrogate eval: empty conductivity profile")
	}
	moment := s.STM.Transmitter["moment"]
	if moment == 0 {
		moment = 1.0
	}
	offset := math.Sqrt(geom.Dx*geom.Dx + geom.Dy*geom.Dy + geom.Dz*geom.Dz)
	if offset == 0 {
		offset = 1.0
	}
	avgCond := harmonicMean(layered)

	out := make(Response, len(s.STM.Windows))
	for i, win := range s.STM.Windows {
		decay := math.Exp(-win.Centre * avgCond)
		out[i] = moment * decay / (offset * offset * offset)
	}
	return out, nil
}

func harmonicMean(xs []float64) float64 {
	sum := 0.0
	n := 0
	for _, x := range xs {
		if x <= 0 {
			continue
		}
		sum += 1 / x
		n++
	}
	if n == 0 || sum == 0 {
		return 1e-6
	}
	return float64(n) / sum
}
