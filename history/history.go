// Package history implements ChainHistory: a bounded ring of step records
// flushed to a binary segment stream (spec.md §4.6, §6). Grounded on the
// teacher's core/badgerstore.go discipline of explicit, self-delimited
// binary records with a type tag and fixed-size header before any
// variable payload, generalized here from single-purpose block records
// to the INITIALISE/DELTA taxonomy the sampler needs. Segment files are
// append-only; per the REDESIGN FLAGS, back-to-back INITIALISE records
// (no DELTA between them) must replay cleanly rather than reading as a
// gap, so replay never assumes a DELTA follows every INITIALISE. Every
// INITIALISE carries a sha3-256 content digest (core/header/header.go's
// "digest before trusting" pattern), and the Writer keeps a running
// blake3 hash of the whole file for the derived segment index to record.
package history

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sort"

	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"

	"tdinvert/errs"
	"tdinvert/model"
)

// RecordType tags the first byte of every record.
type RecordType byte

const (
	RecordInitialise RecordType = 1
	RecordDelta      RecordType = 2
)

// DeltaKind mirrors model.ChangeKind plus the two hierarchical moves that
// don't touch the tree at all.
type DeltaKind byte

const (
	DeltaRootChange DeltaKind = iota
	DeltaBirth
	DeltaDeath
	DeltaValueChange
	DeltaHierarchical
	DeltaHierarchicalPrior
)

// Initialise is the snapshot record opening every segment: the full
// live-index multiset plus the cached scalars needed to resume replay
// without rescanning prior segments.
type Initialise struct {
	Live        map[model.Index]float64
	Temperature float64
	LambdaScale float64
	Likelihood  float64
	LogNorm     float64
}

// Delta is one mutating step's record.
type Delta struct {
	Kind        DeltaKind
	Idx         model.Index
	Depth       int
	NewValue    float64
	OldValue    float64
	HadOld      bool
	Likelihood  float64
	Temperature float64
	LambdaScale float64
	Accepted    bool
}

// Ring is the in-memory bounded buffer: one Initialise plus up to
// Capacity Deltas recorded since. Owned exclusively by the chain root
// that writes it (spec.md §5 "Shared resources").
type Ring struct {
	Capacity int
	init     Initialise
	deltas   []Delta
}

// NewRing creates an empty ring seeded with init.
func NewRing(capacity int, init Initialise) *Ring {
	return &Ring{Capacity: capacity, init: init, deltas: make([]Delta, 0, capacity)}
}

// Append records one delta. Reports whether the ring is now full (the
// caller should flush and re-initialise).
func (r *Ring) Append(d Delta) bool {
	r.deltas = append(r.deltas, d)
	return len(r.deltas) >= r.Capacity
}

// Reset re-initialises the ring from a fresh live-state snapshot,
// discarding all buffered deltas — called after a flush.
func (r *Ring) Reset(init Initialise) {
	r.init = init
	r.deltas = r.deltas[:0]
}

// Writer appends segments to an open file, used exclusively by one chain
// root (spec.md §5 "File descriptors for chain-history segment files are
// opened exclusively by chain roots"). Every byte written also feeds a
// running blake3 hash, so the caller can record a whole-file integrity
// checksum in the derived segment index (history/index) once the file is
// closed — blake3 here fills the role the teacher's libp2p transport
// used to cover (content-addressed integrity), promoted to a direct
// dependency once that transport is dropped (DESIGN.md).
type Writer struct {
	f      *os.File
	bw     *bufio.Writer
	hasher *blake3.Hasher
}

// OpenWriter opens path for appending, creating it if absent.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.IO(path, err)
	}
	hasher := blake3.New(32, nil)
	return &Writer{f: f, bw: bufio.NewWriter(io.MultiWriter(f, hasher)), hasher: hasher}, nil
}

// Checksum returns the blake3 digest of every byte written so far
// (valid once the writer's buffer has been flushed).
func (w *Writer) Checksum() []byte { return w.hasher.Sum(nil) }

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		return errs.IO("history", err)
	}
	return w.f.Close()
}

// FlushSegment writes the ring's current Initialise followed by every
// buffered Delta, as one self-delimited segment.
func (w *Writer) FlushSegment(r *Ring) error {
	if err := w.writeInitialise(r.init); err != nil {
		return err
	}
	for _, d := range r.deltas {
		if err := w.writeDelta(d); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

// initialiseDigestLen is the sha3-256 content digest appended after an
// INITIALISE record's coefficient list, covering the header and every
// (idx, value) pair so a truncated or bit-flipped segment is caught on
// replay rather than silently misread (matches the teacher's
// core/header/header.go "digest the block's content before trusting
// it" discipline).
const initialiseDigestLen = 32

func (w *Writer) writeInitialise(init Initialise) error {
	idxs := make([]model.Index, 0, len(init.Live))
	for idx := range init.Live {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(a, b int) bool { return idxs[a] < idxs[b] })

	var body bytes.Buffer
	hdr := make([]byte, 4+8*4)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(idxs)))
	binary.LittleEndian.PutUint64(hdr[4:], floatBits(init.Temperature))
	binary.LittleEndian.PutUint64(hdr[12:], floatBits(init.LambdaScale))
	binary.LittleEndian.PutUint64(hdr[20:], floatBits(init.Likelihood))
	binary.LittleEndian.PutUint64(hdr[28:], floatBits(init.LogNorm))
	body.Write(hdr)
	for _, idx := range idxs {
		var rec [16]byte
		binary.LittleEndian.PutUint64(rec[0:], uint64(idx))
		binary.LittleEndian.PutUint64(rec[8:], floatBits(init.Live[idx]))
		body.Write(rec[:])
	}
	digest := sha3.Sum256(body.Bytes())

	if _, err := w.bw.Write([]byte{byte(RecordInitialise)}); err != nil {
		return errs.IO("history", err)
	}
	if _, err := w.bw.Write(body.Bytes()); err != nil {
		return errs.IO("history", err)
	}
	if _, err := w.bw.Write(digest[:]); err != nil {
		return errs.IO("history", err)
	}
	return nil
}

// deltaRecordLen is the fixed size of every DELTA record after its type
// byte: kind, idx, depth, newValue, oldValue, hadOld, likelihood,
// temperature, lambdaScale, accepted.
const deltaRecordLen = 1 + 8 + 4 + 8 + 8 + 1 + 8 + 8 + 8 + 1

func (w *Writer) writeDelta(d Delta) error {
	buf := make([]byte, 1+deltaRecordLen)
	buf[0] = byte(RecordDelta)
	off := 1
	buf[off] = byte(d.Kind)
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(d.Idx))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.Depth))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], floatBits(d.NewValue))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], floatBits(d.OldValue))
	off += 8
	buf[off] = boolByte(d.HadOld)
	off++
	binary.LittleEndian.PutUint64(buf[off:], floatBits(d.Likelihood))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], floatBits(d.Temperature))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], floatBits(d.LambdaScale))
	off += 8
	buf[off] = boolByte(d.Accepted)
	if _, err := w.bw.Write(buf); err != nil {
		return errs.IO("history", err)
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func floatBits(v float64) uint64 { return math.Float64bits(v) }
func bitsFloat(b uint64) float64 { return math.Float64frombits(b) }

// Reader replays a segment file, reconstructing the evolving live-index
// multiset and invoking a callback after each consumed record.
type Reader struct {
	r   *bufio.Reader
	f   *os.File
	S   map[model.Index]float64 // current live-index multiset, S_v
	Cur Initialise
}

// OpenReader opens path for sequential replay.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IO(path, err)
	}
	return &Reader{r: bufio.NewReader(f), f: f, S: map[model.Index]float64{}}, nil
}

func (rd *Reader) Close() error { return rd.f.Close() }

// Step is returned by Next for each consumed record: its type, and
// (for deltas) the record itself.
type Step struct {
	Type  RecordType
	Delta Delta
	Init  Initialise
}

// Next consumes one record, updates rd.S, and returns it. Returns
// io.EOF when the stream is exhausted — legal between segments per
// spec.md §6 "EOF between segments is legal".
func (rd *Reader) Next() (Step, error) {
	tagBuf := make([]byte, 1)
	if _, err := io.ReadFull(rd.r, tagBuf); err != nil {
		if err == io.EOF {
			return Step{}, io.EOF
		}
		return Step{}, errs.IO("history", err)
	}
	switch RecordType(tagBuf[0]) {
	case RecordInitialise:
		init, err := rd.readInitialise()
		if err != nil {
			return Step{}, err
		}
		rd.S = init.Live
		rd.Cur = init
		return Step{Type: RecordInitialise, Init: init}, nil
	case RecordDelta:
		d, err := rd.readDelta()
		if err != nil {
			return Step{}, err
		}
		rd.applyDelta(d)
		return Step{Type: RecordDelta, Delta: d}, nil
	default:
		return Step{}, errs.Invariant("history replay: bad record tag %d", tagBuf[0])
	}
}

func (rd *Reader) readInitialise() (Initialise, error) {
	hdr := make([]byte, 4+8*4)
	if _, err := io.ReadFull(rd.r, hdr); err != nil {
		return Initialise{}, errs.IO("history", err)
	}
	n := int(binary.LittleEndian.Uint32(hdr[0:]))
	init := Initialise{
		Live:        make(map[model.Index]float64, n),
		Temperature: bitsFloat(binary.LittleEndian.Uint64(hdr[4:])),
		LambdaScale: bitsFloat(binary.LittleEndian.Uint64(hdr[12:])),
		Likelihood:  bitsFloat(binary.LittleEndian.Uint64(hdr[20:])),
		LogNorm:     bitsFloat(binary.LittleEndian.Uint64(hdr[28:])),
	}
	var body bytes.Buffer
	body.Write(hdr)
	for i := 0; i < n; i++ {
		rec := make([]byte, 16)
		if _, err := io.ReadFull(rd.r, rec); err != nil {
			return Initialise{}, errs.IO("history", err)
		}
		body.Write(rec)
		idx := model.Index(binary.LittleEndian.Uint64(rec[0:]))
		v := bitsFloat(binary.LittleEndian.Uint64(rec[8:]))
		init.Live[idx] = v
	}
	digest := make([]byte, initialiseDigestLen)
	if _, err := io.ReadFull(rd.r, digest); err != nil {
		return Initialise{}, errs.IO("history", err)
	}
	want := sha3.Sum256(body.Bytes())
	if !bytes.Equal(digest, want[:]) {
		return Initialise{}, errs.Invariant("history: INITIALISE content digest mismatch, segment corrupt")
	}
	return init, nil
}

func (rd *Reader) readDelta() (Delta, error) {
	buf := make([]byte, deltaRecordLen)
	if _, err := io.ReadFull(rd.r, buf); err != nil {
		return Delta{}, errs.IO("history", err)
	}
	off := 0
	d := Delta{}
	d.Kind = DeltaKind(buf[off])
	off++
	d.Idx = model.Index(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	d.Depth = int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	d.NewValue = bitsFloat(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	d.OldValue = bitsFloat(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	d.HadOld = buf[off] != 0
	off++
	d.Likelihood = bitsFloat(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	d.Temperature = bitsFloat(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	d.LambdaScale = bitsFloat(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	d.Accepted = buf[off] != 0
	return d, nil
}

func (rd *Reader) applyDelta(d Delta) {
	if !d.Accepted {
		return
	}
	switch d.Kind {
	case DeltaBirth:
		rd.S[d.Idx] = d.NewValue
	case DeltaDeath:
		delete(rd.S, d.Idx)
	case DeltaValueChange, DeltaRootChange:
		rd.S[d.Idx] = d.NewValue
	case DeltaHierarchical, DeltaHierarchicalPrior:
		// no tree-structure change
	}
}
