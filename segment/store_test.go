// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/xycpand/atomix/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), log.NewNopLogger(), nil)
}

func TestStoreCreateAppendRead(t *testing.T) {
	st := newTestStore(t)
	seg, err := st.Create(1, 1, 0)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		_, err := seg.Append(types.Entry{Index: i, Term: 1, Payload: []byte("v")})
		require.NoError(t, err)
	}

	e, err := seg.ReadByIndex(3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), e.Index)

	_, err = seg.ReadByIndex(99)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestSegmentAppendRespectsSizeLimit(t *testing.T) {
	st := newTestStore(t)
	seg, err := st.Create(1, 1, uint32(fileHeaderLen+40))
	require.NoError(t, err)

	_, err = seg.Append(types.Entry{Index: 1, Term: 1, Payload: make([]byte, 4)})
	require.NoError(t, err)

	_, err = seg.Append(types.Entry{Index: 2, Term: 1, Payload: make([]byte, 64)})
	require.ErrorIs(t, err, types.ErrSegmentFull)
}

func TestStoreLoadRecoversTailAndSealsOthers(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, log.NewNopLogger(), nil)

	seg1, err := st.Create(1, 1, 0)
	require.NoError(t, err)
	for i := uint64(1); i <= 3; i++ {
		_, err := seg1.Append(types.Entry{Index: i, Term: 1, Payload: []byte("a")})
		require.NoError(t, err)
	}
	require.NoError(t, seg1.Flush())
	require.NoError(t, seg1.Close())

	seg2, err := st.Create(4, 2, 0)
	require.NoError(t, err)
	for i := uint64(4); i <= 6; i++ {
		_, err := seg2.Append(types.Entry{Index: i, Term: 1, Payload: []byte("b")})
		require.NoError(t, err)
	}
	require.NoError(t, seg2.Flush())
	// seg2 stays open, simulating the live tail at process exit.

	st2 := NewStore(dir, log.NewNopLogger(), nil)
	segs, err := st2.Load(nil, 1)
	require.NoError(t, err)
	require.Len(t, segs, 2)

	require.True(t, segs[0].Info().Sealed())
	require.False(t, segs[1].Info().Sealed())
	require.Equal(t, uint64(6), segs[1].LastIndex())

	e, err := segs[1].ReadByIndex(5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), e.Index)
}

func TestStoreLoadRejectsNonContiguousSegments(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, log.NewNopLogger(), nil)

	seg1, err := st.Create(1, 1, 0)
	require.NoError(t, err)
	_, err = seg1.Append(types.Entry{Index: 1, Term: 1, Payload: []byte("a")})
	require.NoError(t, err)
	require.NoError(t, seg1.Close())

	// Gap: next segment should start at 2, not 10.
	seg2, err := st.Create(10, 2, 0)
	require.NoError(t, err)
	_, err = seg2.Append(types.Entry{Index: 10, Term: 1, Payload: []byte("b")})
	require.NoError(t, err)
	require.NoError(t, seg2.Close())

	_, err = st.Load(nil, 1)
	require.ErrorIs(t, err, types.ErrCorruptedLog)
}

func TestStoreLoadResolvesOverlapFromCatalog(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, log.NewNopLogger(), nil)

	// Simulate a crash between compactor.RunMajor's ReplaceSegments and
	// its store.Delete calls: old1 (base 1) and old2 (base 4) are merged
	// into one replacement based at 1, which CommitReplacement renames
	// straight over old1's file. old2's file is left behind because the
	// crash lands before store.Delete(old2) runs, so [1,6] (replacement)
	// and [4,6] (old2) now overlap on disk; only the replacement's id
	// made it into the catalog before the crash.
	old1, err := st.Create(1, 1, 0)
	require.NoError(t, err)
	for i := uint64(1); i <= 3; i++ {
		_, err := old1.Append(types.Entry{Index: i, Term: 1, Payload: []byte("a")})
		require.NoError(t, err)
	}
	require.NoError(t, old1.Close())

	old2, err := st.Create(4, 2, 0)
	require.NoError(t, err)
	for i := uint64(4); i <= 6; i++ {
		_, err := old2.Append(types.Entry{Index: i, Term: 1, Payload: []byte("b")})
		require.NoError(t, err)
	}
	require.NoError(t, old2.Close())

	replacement, err := st.CreateReplacement(1, 3, 0)
	require.NoError(t, err)
	for i := uint64(1); i <= 6; i++ {
		_, err := replacement.Append(types.Entry{Index: i, Term: 1, Payload: []byte("c")})
		require.NoError(t, err)
	}
	require.NoError(t, st.CommitReplacement(replacement))

	catalog := map[uint64]uint64{1: 3}
	st2 := NewStore(dir, log.NewNopLogger(), nil)
	segs, err := st2.Load(catalog, 4)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.Equal(t, uint64(3), segs[0].Info().ID)
	require.Equal(t, uint64(6), segs[0].LastIndex())

	e, err := segs[0].ReadByIndex(4)
	require.NoError(t, err)
	require.Equal(t, []byte("c"), e.Payload)

	_, err = os.Stat(filepath.Join(dir, "4.log"))
	require.True(t, os.IsNotExist(err), "superseded segment file should have been deleted")
}

func TestStoreCreateReplacementAndCommit(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, log.NewNopLogger(), nil)

	orig, err := st.Create(1, 1, 0)
	require.NoError(t, err)
	for i := uint64(1); i <= 4; i++ {
		_, err := orig.Append(types.Entry{Index: i, Term: 1, Payload: []byte("x")})
		require.NoError(t, err)
	}
	require.NoError(t, orig.Flush())

	repl, err := st.CreateReplacement(1, 2, 0)
	require.NoError(t, err)
	_, err = repl.Append(types.Entry{Index: 3, Term: 1, Payload: []byte("x")})
	require.NoError(t, err)
	_, err = repl.Append(types.Entry{Index: 4, Term: 1, Payload: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, st.CommitReplacement(repl))
	require.True(t, repl.Info().Sealed())

	require.NoError(t, st.Delete(orig))

	st2 := NewStore(dir, log.NewNopLogger(), nil)
	segs, err := st2.Load(nil, 1)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	_, err = segs[0].ReadByIndex(1)
	require.ErrorIs(t, err, types.ErrNotFound)
	e, err := segs[0].ReadByIndex(4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), e.Index)
}
