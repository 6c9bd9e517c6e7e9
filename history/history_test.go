package history

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tdinvert/model"
)

func TestRingAppendReachesCapacity(t *testing.T) {
	r := NewRing(3, Initialise{Live: map[model.Index]float64{0: 1}})
	require.False(t, r.Append(Delta{Kind: DeltaValueChange}))
	require.False(t, r.Append(Delta{Kind: DeltaValueChange}))
	require.True(t, r.Append(Delta{Kind: DeltaValueChange}))
}

func TestWriteReadSegmentRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ch.dat")
	w, err := OpenWriter(path)
	require.NoError(t, err)

	init := Initialise{
		Live:        map[model.Index]float64{0: 1.5, 3: -0.2},
		Temperature: 1.0,
		LambdaScale: 1.0,
		Likelihood:  42.0,
		LogNorm:     1.0,
	}
	ring := NewRing(10, init)
	ring.Append(Delta{Kind: DeltaBirth, Idx: 5, NewValue: 0.3, Accepted: true, Likelihood: 40})
	ring.Append(Delta{Kind: DeltaDeath, Idx: 3, OldValue: -0.2, HadOld: true, Accepted: true, Likelihood: 39})
	require.NoError(t, w.FlushSegment(ring))
	require.NoError(t, w.Close())

	rd, err := OpenReader(path)
	require.NoError(t, err)
	defer rd.Close()

	step, err := rd.Next()
	require.NoError(t, err)
	require.Equal(t, RecordInitialise, step.Type)
	require.Equal(t, 1.5, step.Init.Live[0])

	step, err = rd.Next()
	require.NoError(t, err)
	require.Equal(t, RecordDelta, step.Type)
	require.Equal(t, DeltaBirth, step.Delta.Kind)
	require.Contains(t, rd.S, model.Index(5))

	step, err = rd.Next()
	require.NoError(t, err)
	require.Equal(t, DeltaDeath, step.Delta.Kind)
	require.NotContains(t, rd.S, model.Index(3))

	_, err = rd.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestBackToBackInitialiseRecordsReplayCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ch.dat")
	w, err := OpenWriter(path)
	require.NoError(t, err)

	ring1 := NewRing(1, Initialise{Live: map[model.Index]float64{0: 1}})
	require.NoError(t, w.FlushSegment(ring1))
	ring2 := NewRing(1, Initialise{Live: map[model.Index]float64{0: 2}})
	require.NoError(t, w.FlushSegment(ring2))
	require.NoError(t, w.Close())

	rd, err := OpenReader(path)
	require.NoError(t, err)
	defer rd.Close()

	step1, err := rd.Next()
	require.NoError(t, err)
	require.Equal(t, RecordInitialise, step1.Type)
	step2, err := rd.Next()
	require.NoError(t, err)
	require.Equal(t, RecordInitialise, step2.Type, "back-to-back INITIALISE must not read as EOF")
	require.Equal(t, 2.0, step2.Init.Live[0])
}

func TestCorruptInitialiseDigestIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ch.dat")
	w, err := OpenWriter(path)
	require.NoError(t, err)
	init := Initialise{Live: map[model.Index]float64{0: 1}}
	ring := NewRing(1, init)
	require.NoError(t, w.FlushSegment(ring))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF // flip a bit in the trailing digest
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	rd, err := OpenReader(path)
	require.NoError(t, err)
	defer rd.Close()
	_, err = rd.Next()
	require.Error(t, err)
}

func TestWriterChecksumChangesWithContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ch.dat")
	w, err := OpenWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.FlushSegment(NewRing(1, Initialise{Live: map[model.Index]float64{0: 1}})))
	first := append([]byte(nil), w.Checksum()...)
	require.NoError(t, w.FlushSegment(NewRing(1, Initialise{Live: map[model.Index]float64{0: 2}})))
	second := w.Checksum()
	require.NoError(t, w.Close())
	require.NotEqual(t, first, second)
}

func TestReplayMultisetMatchesSampler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ch.dat")
	w, err := OpenWriter(path)
	require.NoError(t, err)
	init := Initialise{Live: map[model.Index]float64{0: 0}}
	ring := NewRing(10, init)
	ring.Append(Delta{Kind: DeltaBirth, Idx: 1, NewValue: 1.0, Accepted: true})
	ring.Append(Delta{Kind: DeltaBirth, Idx: 2, NewValue: 2.0, Accepted: true})
	ring.Append(Delta{Kind: DeltaDeath, Idx: 1, Accepted: true})
	require.NoError(t, w.FlushSegment(ring))
	require.NoError(t, w.Close())

	expected := map[model.Index]float64{0: 0, 2: 2.0}

	rd, err := OpenReader(path)
	require.NoError(t, err)
	defer rd.Close()
	for {
		_, err := rd.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, expected, rd.S)
}
