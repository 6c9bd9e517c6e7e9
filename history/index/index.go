// Package index keeps a derived, rebuildable Badger key/value index over
// a chain-history segment file: byte offset of every segment's
// INITIALISE record, keyed by segment number, so a postprocessor can
// seek to the Kth segment without a full linear scan. It is explicitly a
// cache, never the system of record — the .dat file is authoritative and
// the index can always be rebuilt from it (spec.md's Non-goals: "no
// persistence layer beyond the flat binary segment files and an optional
// rebuildable index"). Grounded directly on the teacher's
// core/badgerstore.go: the same Open/Put/Get/Close shape, string-prefixed
// keys, and a single logical "tip" record, here repurposed from block
// height to segment offset.
package index

import (
	"encoding/binary"
	"path/filepath"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"tdinvert/errs"
)

// Store wraps a Badger database holding one derived index per
// chain-history file.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) the index database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "badger")
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, errs.IO(dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func segmentKey(n uint64) []byte {
	return []byte("segment:" + strconv.FormatUint(n, 10))
}

// PutOffset records the byte offset of segment n's INITIALISE record and
// advances the stored segment count if n is new.
func (s *Store) PutOffset(n uint64, offset int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		val := make([]byte, 8)
		binary.LittleEndian.PutUint64(val, uint64(offset))
		if err := txn.Set(segmentKey(n), val); err != nil {
			return err
		}
		item, err := txn.Get([]byte("segment:count"))
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err == nil {
			cur, verr := item.ValueCopy(nil)
			if verr != nil {
				return verr
			}
			if binary.LittleEndian.Uint64(cur) > n {
				return nil
			}
		}
		countVal := make([]byte, 8)
		binary.LittleEndian.PutUint64(countVal, n+1)
		return txn.Set([]byte("segment:count"), countVal)
	})
}

// Offset returns the byte offset of segment n's INITIALISE record.
func (s *Store) Offset(n uint64) (int64, error) {
	var offset int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(segmentKey(n))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			offset = int64(binary.LittleEndian.Uint64(val))
			return nil
		})
	})
	if err != nil {
		return 0, errs.IO("segment-index", err)
	}
	return offset, nil
}

// PutChecksum records the whole-file blake3 digest reported by
// history.Writer.Checksum at the last flush, so a resuming driver or
// postprocessor can detect a file truncated or modified since.
func (s *Store) PutChecksum(digest []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("checksum"), digest)
	})
}

// Checksum returns the last-recorded whole-file digest, or nil if none
// has been recorded yet.
func (s *Store) Checksum() ([]byte, error) {
	var digest []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("checksum"))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			digest = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, errs.IO("segment-index", err)
	}
	return digest, nil
}

// Count returns the number of segments indexed so far.
func (s *Store) Count() (uint64, error) {
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("segment:count"))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n = binary.LittleEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return 0, errs.IO("segment-index", err)
	}
	return n, nil
}
