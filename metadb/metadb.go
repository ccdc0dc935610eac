// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package metadb persists the cursors and segment catalog a journal
// cannot recover purely by scanning segment files — commitIndex in
// particular never appears in a segment, since commit is a logical
// cursor, not a write. It backs types.MetaStore with an embedded
// key-value store rather than a hand-rolled file format.
package metadb

import (
	"encoding/json"
	"path/filepath"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/xycpand/atomix/types"
)

var bucketName = []byte("atomix-meta")
var stateKey = []byte("state")

// Store is a bbolt-backed types.MetaStore. mu serializes the
// read-modify-write cycle CommitIndex and CommitCatalog each do, so a
// catalog update during a commit (or vice versa) never loses the
// other's field.
type Store struct {
	db *bbolt.DB
	mu sync.Mutex
}

// Open opens (or creates) the metadata database file "meta.db" inside dir.
func Open(dir string) (*Store, error) {
	db, err := bbolt.Open(filepath.Join(dir, "meta.db"), 0o644, nil)
	if err != nil {
		return nil, &types.ErrIO{Cause: err}
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, &types.ErrIO{Cause: err}
	}
	return &Store{db: db}, nil
}

// Load returns the persisted cursor/catalog state, or the zero value if
// none has ever been committed (a fresh journal).
func (s *Store) Load(dir string) (types.PersistedState, error) {
	var out types.PersistedState
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get(stateKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return types.PersistedState{}, &types.ErrIO{Cause: err}
	}
	return out, nil
}

// CommitIndex durably advances the commitIndex cursor; a failure here
// must halt the caller's progress rather than be silently retried, per
// spec.md §7. It leaves the segment catalog untouched.
func (s *Store) CommitIndex(index uint64) error {
	return s.update(func(st *types.PersistedState) { st.CommitIndex = index })
}

// CommitCatalog durably records the current segment set and the next
// id to hand out, leaving commitIndex untouched. segment.Store.Load
// consults this catalog to tell a stale segment left behind by a crash
// mid-compaction apart from the replacement that superseded it (spec.md
// §4.4): whichever segment the catalog still names for a given base
// index is canonical.
func (s *Store) CommitCatalog(segments []types.SegmentInfo, nextSegmentID, firstIndex, lastIndex uint64) error {
	return s.update(func(st *types.PersistedState) {
		st.Segments = segments
		st.NextSegmentID = nextSegmentID
		st.FirstIndex = firstIndex
		st.LastIndex = lastIndex
	})
}

func (s *Store) update(mutate func(*types.PersistedState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st types.PersistedState
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get(stateKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &st)
	})
	if err != nil {
		return &types.ErrIO{Cause: err}
	}

	mutate(&st)

	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(stateKey, raw)
	}); err != nil {
		return &types.ErrIO{Cause: err}
	}
	return nil
}

// Close releases the underlying bbolt database file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return &types.ErrIO{Cause: err}
	}
	return nil
}
