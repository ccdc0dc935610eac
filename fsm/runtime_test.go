// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package fsm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/xycpand/atomix/compactor"
	"github.com/xycpand/atomix/raftlog"
	"github.com/xycpand/atomix/types"
)

func mkEntry(index uint64, payload []byte) types.Entry {
	return types.Entry{Index: index, Term: 1, Payload: payload}
}

const putCommand uint32 = 1

func newTestLog(t *testing.T) *raftlog.Log {
	t.Helper()
	l, err := raftlog.Open(t.TempDir(), 0, true, log.NewNopLogger(), nil)
	require.NoError(t, err)
	return l
}

func waitForResult(t *testing.T, rt *Runtime, index uint64) Result {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := rt.Result(index); ok {
			return r
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for result at index %d", index)
	return Result{}
}

func TestRuntimeAppliesCommitsInOrder(t *testing.T) {
	l := newTestLog(t)
	registry := NewRegistry()

	var applied []string
	registry.Register(putCommand, func(c Commit) (interface{}, error) {
		applied = append(applied, string(c.Body))
		return len(c.Body), nil
	}, nil, compactor.PolicyMinor)

	rt := New(l, registry, log.NewNopLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	for i, body := range []string{"a", "bb", "ccc"} {
		payload := EncodeCommand(putCommand, 0, 0, Persistent, []byte(body))
		idx, err := l.Append(payload, 1, int64(i))
		require.NoError(t, err)
		require.NoError(t, l.Commit(idx))
	}

	r := waitForResult(t, rt, 3)
	require.NoError(t, r.Err)
	require.Equal(t, []string{"a", "bb", "ccc"}, applied)
}

func TestRuntimeRecordsApplyHandlerError(t *testing.T) {
	l := newTestLog(t)
	registry := NewRegistry()
	wantErr := errors.New("handler failed")
	registry.Register(putCommand, func(c Commit) (interface{}, error) {
		return nil, wantErr
	}, nil, compactor.PolicyMinor)

	rt := New(l, registry, log.NewNopLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	payload := EncodeCommand(putCommand, 0, 0, Persistent, []byte("x"))
	idx, err := l.Append(payload, 1, 0)
	require.NoError(t, err)
	require.NoError(t, l.Commit(idx))

	r := waitForResult(t, rt, idx)
	require.Error(t, r.Err)
}

func TestRuntimeRegistersSessionOnFirstCommand(t *testing.T) {
	l := newTestLog(t)
	registry := NewRegistry()
	registry.Register(putCommand, func(c Commit) (interface{}, error) { return nil, nil }, nil, compactor.PolicyMinor)

	rt := New(l, registry, log.NewNopLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	payload := EncodeCommand(putCommand, 99, 0, Persistent, nil)
	idx, err := l.Append(payload, 1, 0)
	require.NoError(t, err)
	require.NoError(t, l.Commit(idx))

	waitForResult(t, rt, idx)
	require.NotNil(t, rt.sessionOf(99))
}

func TestRuntimeHaltsOnUndecodableCommittedEntry(t *testing.T) {
	l := newTestLog(t)
	registry := NewRegistry()
	var applied []string
	registry.Register(putCommand, func(c Commit) (interface{}, error) {
		applied = append(applied, string(c.Body))
		return nil, nil
	}, nil, compactor.PolicyMinor)

	rt := New(l, registry, log.NewNopLogger(), nil)

	// A payload too short to carry even the command-type header can never
	// be decoded; once committed, it must halt Run rather than be skipped.
	idx, err := l.Append([]byte{0x1}, 1, 0)
	require.NoError(t, err)
	require.NoError(t, l.Commit(idx))

	goodPayload := EncodeCommand(putCommand, 0, 0, Persistent, []byte("never-applied"))
	idx2, err := l.Append(goodPayload, 1, 1)
	require.NoError(t, err)
	require.NoError(t, l.Commit(idx2))

	runErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { runErr <- rt.Run(ctx) }()

	select {
	case err := <-runErr:
		require.Error(t, err, "Run must halt on an undecodable committed entry")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to halt")
	}

	require.Empty(t, applied, "the entry after the undecodable one must never be applied")
}

func TestRuntimeFilterKeepsPinnedEntries(t *testing.T) {
	l := newTestLog(t)
	registry := NewRegistry()
	registry.Register(putCommand, func(c Commit) (interface{}, error) { return nil, nil },
		func(c Commit, ctx compactor.FilterContext) (bool, error) { return false, nil },
		compactor.PolicyMajor)

	rt := New(l, registry, log.NewNopLogger(), nil)
	payload := EncodeCommand(putCommand, 0, 0, Persistent, nil)

	h := rt.Pin(5)
	defer rt.Release(h)

	keep, _ := rt.Filter(mkEntry(5, payload), compactor.FilterContext{})
	require.True(t, keep, "pinned index must always be kept regardless of filter verdict")

	keep, _ = rt.Filter(mkEntry(6, payload), compactor.FilterContext{})
	require.False(t, keep, "unpinned index defers to the registered filter")
}
