// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPinTableTracksLiveHandlesPerIndex(t *testing.T) {
	p := newPinTable()
	require.False(t, p.Pinned(10))

	h1 := p.Pin(10)
	h2 := p.Pin(10)
	require.True(t, p.Pinned(10))

	p.Release(h1)
	require.True(t, p.Pinned(10), "still pinned while h2 lives")

	p.Release(h2)
	require.False(t, p.Pinned(10))
}

func TestPinTableHandlesAreIndexScoped(t *testing.T) {
	p := newPinTable()
	p.Pin(1)
	require.False(t, p.Pinned(2))
}

func TestPinTableReleaseIsIdempotent(t *testing.T) {
	p := newPinTable()
	h := p.Pin(5)
	p.Release(h)
	require.NotPanics(t, func() { p.Release(h) })
	require.False(t, p.Pinned(5))
}
