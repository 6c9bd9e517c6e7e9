package model

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"tdinvert/errs"
)

// ChangeKind tags the last mutation applied to a Tree, per
// SPEC_FULL.md §5.1's last_perturbation contract.
type ChangeKind int

const (
	ChangeNone ChangeKind = iota
	ChangeRootValue
	ChangeBirth
	ChangeDeath
	ChangeValue
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeRootValue:
		return "root-value-change"
	case ChangeBirth:
		return "birth"
	case ChangeDeath:
		return "death"
	case ChangeValue:
		return "value-change"
	default:
		return "none"
	}
}

// ChangeRecord is the delta of the most recent mutating call on a Tree.
type ChangeRecord struct {
	Kind      ChangeKind
	Idx       Index
	NewValue  float64
	OldValue  float64
	HadOld    bool
	LiveAfter []Index // sorted snapshot of live indices after the change
}

// Tree is the sparse, rooted wavelet-coefficient tree: a subset A of
// [0, N) with values v: A -> R, satisfying the parent-presence invariant.
// Grounded on core/chain.go's map-of-structs-plus-derived-index pattern:
// the coefficient map is the primary store, and birthEligible/
// deathEligible are auxiliary sets maintained incrementally in O(1) per
// mutation, exactly as chain.go keeps blockHashIndex alongside blocks.
type Tree struct {
	Grid
	values map[Index]float64

	// birthEligible: indices whose parent is live (candidates for birth).
	// deathEligible: live leaves (candidates for death); root excluded.
	birthEligible map[Index]struct{}
	deathEligible map[Index]struct{}

	// childCount tracks how many live children each live index has, so
	// deathEligible (childCount==0) can be maintained in O(children) per
	// mutation instead of a full leaf rescan.
	childCount map[Index]int

	last ChangeRecord
}

// NewTree creates an empty tree over the given grid (no root set yet);
// callers normally follow with Init.
func NewTree(g Grid) *Tree {
	t := &Tree{
		Grid:          g,
		values:        make(map[Index]float64),
		birthEligible: make(map[Index]struct{}),
		deathEligible: make(map[Index]struct{}),
		childCount:    make(map[Index]int),
	}
	return t
}

// Init sets the root-level coefficient to vRoot and empties every other
// index, per spec §4.1.
func (t *Tree) Init(vRoot float64) {
	t.values = map[Index]float64{0: vRoot}
	t.childCount = map[Index]int{0: 0}
	t.deathEligible = map[Index]struct{}{} // root is never death-eligible
	t.birthEligible = make(map[Index]struct{})
	for _, c := range t.ChildrenOf(0) {
		t.birthEligible[c] = struct{}{}
	}
	t.last = ChangeRecord{Kind: ChangeRootValue, Idx: 0, NewValue: vRoot, LiveAfter: t.liveSorted()}
}

// Contains reports whether idx is currently live.
func (t *Tree) Contains(idx Index) bool {
	_, ok := t.values[idx]
	return ok
}

// Value returns the current coefficient at idx (0 if absent).
func (t *Tree) Value(idx Index) float64 { return t.values[idx] }

// NCoeffLive is the current |A|.
func (t *Tree) NCoeffLive() int { return len(t.values) }

// LiveIndices returns a stable-ordered snapshot of every live index,
// including the root, for uniform sampling by the value move.
func (t *Tree) LiveIndices() []Index { return t.liveSorted() }

// NBirthEligible is the size of the birth-eligible set (indices whose
// parent is live and who are not already live themselves), used directly
// in the proposal engine's Green's ratio.
func (t *Tree) NBirthEligible() int { return len(t.birthEligible) }

// NDeathEligible is the size of the death-eligible set (live leaves,
// excluding the root).
func (t *Tree) NDeathEligible() int { return len(t.deathEligible) }

// BirthEligibleIndices returns a stable-ordered snapshot for uniform
// sampling by the proposal engine.
func (t *Tree) BirthEligibleIndices() []Index {
	out := make([]Index, 0, len(t.birthEligible))
	for idx := range t.birthEligible {
		out = append(out, idx)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// DeathEligibleIndices returns a stable-ordered snapshot for uniform
// sampling by the proposal engine.
func (t *Tree) DeathEligibleIndices() []Index {
	out := make([]Index, 0, len(t.deathEligible))
	for idx := range t.deathEligible {
		out = append(out, idx)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Insert adds idx with value v. Fails with an InvariantError-compatible
// *errs.ProposalInvalidError if idx's parent is not live (the tree
// property would be violated) or idx is already live.
func (t *Tree) Insert(idx Index, v float64) error {
	if t.Contains(idx) {
		return errs.ProposalInvalid("birth", "index %d already live", idx)
	}
	if idx != 0 {
		parent, ok := t.ParentOf(idx)
		if !ok || !t.Contains(parent) {
			return errs.ProposalInvalid("birth", "parent of index %d not live", idx)
		}
	}
	t.values[idx] = v
	t.childCount[idx] = 0
	delete(t.birthEligible, idx)
	if idx != 0 {
		parent, _ := t.ParentOf(idx)
		t.childCount[parent]++
		delete(t.deathEligible, parent) // parent now has a live child
	}
	// idx itself starts as a leaf: death-eligible (unless it's the root).
	if idx != 0 {
		t.deathEligible[idx] = struct{}{}
	}
	for _, c := range t.ChildrenOf(idx) {
		if !t.Contains(c) {
			t.birthEligible[c] = struct{}{}
		}
	}
	t.last = ChangeRecord{Kind: ChangeBirth, Idx: idx, NewValue: v, LiveAfter: t.liveSorted()}
	return nil
}

// Remove deletes idx. Fails if idx has any live child, or is the root.
func (t *Tree) Remove(idx Index) error {
	if !t.Contains(idx) {
		return errs.ProposalInvalid("death", "index %d not live", idx)
	}
	if idx == 0 {
		return errs.ProposalInvalid("death", "root is never death-eligible")
	}
	if t.childCount[idx] > 0 {
		return errs.ProposalInvalid("death", "index %d has a live child", idx)
	}
	old := t.values[idx]
	delete(t.values, idx)
	delete(t.childCount, idx)
	delete(t.deathEligible, idx)
	for _, c := range t.ChildrenOf(idx) {
		delete(t.birthEligible, c)
	}
	t.birthEligible[idx] = struct{}{}
	if parent, ok := t.ParentOf(idx); ok {
		t.childCount[parent]--
		if t.childCount[parent] == 0 && parent != 0 {
			t.deathEligible[parent] = struct{}{}
		}
	}
	t.last = ChangeRecord{Kind: ChangeDeath, Idx: idx, OldValue: old, HadOld: true, LiveAfter: t.liveSorted()}
	return nil
}

// Update overwrites the value at a live idx in place (a value-move or the
// root-value-change move; structure is unchanged).
func (t *Tree) Update(idx Index, v float64) error {
	if !t.Contains(idx) {
		return errs.ProposalInvalid("value", "index %d not live", idx)
	}
	old := t.values[idx]
	t.values[idx] = v
	kind := ChangeValue
	if idx == 0 {
		kind = ChangeRootValue
	}
	t.last = ChangeRecord{Kind: kind, Idx: idx, NewValue: v, OldValue: old, HadOld: true, LiveAfter: t.liveSorted()}
	return nil
}

// LastPerturbation returns the delta of the most recent mutating call.
func (t *Tree) LastPerturbation() ChangeRecord { return t.last }

func (t *Tree) liveSorted() []Index {
	out := make([]Index, 0, len(t.values))
	for idx := range t.values {
		out = append(out, idx)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// MapToArray writes the sparse values into out[0:N), zeroing every
// position not currently live.
func (t *Tree) MapToArray(out []float64) {
	for i := range out {
		out[i] = 0
	}
	for idx, v := range t.values {
		out[int(idx)] = v
	}
}

// binary format: magic, version, W, H, Dmax, count, then sorted
// (idx uint64, value float64) pairs. History INITIALISE records do not
// embed this encoding; they use a layout of their own.
const (
	treeMagic   uint32 = 0x54445754 // "TDWT"
	treeVersion uint32 = 1
)

// Encode serializes the tree's live set to w.
func (t *Tree) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	hdr := make([]byte, 4*6)
	binary.LittleEndian.PutUint32(hdr[0:], treeMagic)
	binary.LittleEndian.PutUint32(hdr[4:], treeVersion)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(t.W))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(t.H))
	binary.LittleEndian.PutUint32(hdr[16:], uint32(t.MaxDepth()))
	binary.LittleEndian.PutUint32(hdr[20:], uint32(len(t.values)))
	if _, err := bw.Write(hdr); err != nil {
		return err
	}
	for _, idx := range t.liveSorted() {
		var rec [16]byte
		binary.LittleEndian.PutUint64(rec[0:], uint64(idx))
		binary.LittleEndian.PutUint64(rec[8:], floatBits(t.values[idx]))
		if _, err := bw.Write(rec[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Decode reads a tree previously written by Encode, validating that the
// grid matches and rejecting any coefficient whose depth exceeds Dmax
// (spec §4.1 load_promote contract).
func (t *Tree) Decode(r io.Reader) error {
	hdr := make([]byte, 4*6)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return errs.IO("tree", err)
	}
	magic := binary.LittleEndian.Uint32(hdr[0:])
	if magic != treeMagic {
		return errs.Invariant("tree decode: bad magic %x", magic)
	}
	w := int(binary.LittleEndian.Uint32(hdr[8:]))
	h := int(binary.LittleEndian.Uint32(hdr[12:]))
	if w != t.W || h != t.H {
		return errs.Validation("tree", "grid mismatch: file is %dx%d, tree is %dx%d", w, h, t.W, t.H)
	}
	n := int(binary.LittleEndian.Uint32(hdr[20:]))
	values := make(map[Index]float64, n)
	for i := 0; i < n; i++ {
		var rec [16]byte
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return errs.IO("tree", err)
		}
		idx := Index(binary.LittleEndian.Uint64(rec[0:]))
		v := bitsFloat(binary.LittleEndian.Uint64(rec[8:]))
		if t.DepthOf(idx) > t.MaxDepth() {
			return errs.Validation("tree", "index %d exceeds max depth %d", idx, t.MaxDepth())
		}
		values[idx] = v
	}
	return t.rebuildFrom(values)
}

// rebuildFrom replaces the tree's contents with values, recomputing the
// eligibility sets, and validates the tree-property invariant.
func (t *Tree) rebuildFrom(values map[Index]float64) error {
	for idx := range values {
		if idx == 0 {
			continue
		}
		parent, ok := t.ParentOf(idx)
		if !ok {
			continue
		}
		if _, live := values[parent]; !live {
			return errs.Invariant("loaded tree: index %d's parent %d is not live", idx, parent)
		}
	}
	t.values = values
	t.childCount = make(map[Index]int, len(values))
	for idx := range values {
		t.childCount[idx] = 0
	}
	for idx := range values {
		if idx == 0 {
			continue
		}
		parent, _ := t.ParentOf(idx)
		t.childCount[parent]++
	}
	t.deathEligible = make(map[Index]struct{})
	t.birthEligible = make(map[Index]struct{})
	for idx := range values {
		if idx != 0 && t.childCount[idx] == 0 {
			t.deathEligible[idx] = struct{}{}
		}
		for _, c := range t.ChildrenOf(idx) {
			if _, live := values[c]; !live {
				t.birthEligible[c] = struct{}{}
			}
		}
	}
	t.last = ChangeRecord{Kind: ChangeNone, LiveAfter: t.liveSorted()}
	return nil
}

// Save writes the tree to path.
func (t *Tree) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.IO(path, err)
	}
	defer f.Close()
	if err := t.Encode(f); err != nil {
		return errs.IO(path, err)
	}
	return nil
}

// Load reads a tree previously written by Save.
func (t *Tree) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.IO(path, err)
	}
	defer f.Close()
	return t.Decode(f)
}

// LoadPromote loads a tree file, rejecting coefficients beyond Dmax, per
// spec §4.1. It is identical to Load: Decode already enforces the depth
// bound, so "promote" here means "load with validation", matching the
// teacher's ReindexFromDB pattern of rebuilding in-memory state from a
// trusted on-disk source and refusing anything inconsistent.
func (t *Tree) LoadPromote(path string) error { return t.Load(path) }

// Clone returns a deep copy, used by the PT coordinator and resampling to
// transplant whole models between replicas without aliasing maps.
func (t *Tree) Clone() *Tree {
	c := NewTree(t.Grid)
	values := make(map[Index]float64, len(t.values))
	for k, v := range t.values {
		values[k] = v
	}
	_ = c.rebuildFrom(values)
	return c
}
