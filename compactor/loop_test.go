// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package compactor

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/xycpand/atomix/raftlog"
	"github.com/xycpand/atomix/types"
)

func TestRunReclaimsFilteredEntriesInBackground(t *testing.T) {
	l, err := raftlog.Open(t.TempDir(), fileHeaderLen()+5*39, true, log.NewNopLogger(), nil)
	require.NoError(t, err)

	// 11 entries: the 11th rolls the log onto a new tail, sealing the
	// segment holding 6..10 so compaction can reach it.
	for i := 0; i < 11; i++ {
		_, err := l.Append([]byte("payload"), 1, 0)
		require.NoError(t, err)
	}
	require.NoError(t, l.Commit(l.LastIndex()))

	cfg := types.DefaultConfig("")
	cfg.CompactionMajorInterval = time.Millisecond
	c := New(l, keepAboveFilterer{watermark: 10}, cfg, log.NewNopLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	for i := uint64(1); i <= 10; i++ {
		_, err := l.Read(i)
		require.Error(t, err, "index %d should have been compacted away", i)
	}
}
