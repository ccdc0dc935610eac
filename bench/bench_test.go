// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package bench

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var randomPayload = make([]byte, 1024*1024)

func BenchmarkAppendCommit(b *testing.B) {
	sizes := map[string]int{"10": 10, "1k": 1024, "100k": 100 * 1024, "1m": 1024 * 1024}

	for name, size := range sizes {
		b.Run(name, func(b *testing.B) {
			h, err := NewHarness(b.TempDir(), 0)
			require.NoError(b, err)
			defer h.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				start := time.Now()
				idx, err := h.Log.Append(randomPayload[:size], 1, time.Now().UnixMilli())
				require.NoError(b, err)
				require.NoError(b, h.RecordAppend(time.Since(start).Microseconds()))

				start = time.Now()
				require.NoError(b, h.Log.Commit(idx))
				require.NoError(b, h.RecordCommit(time.Since(start).Microseconds()))
			}
		})
	}
}
