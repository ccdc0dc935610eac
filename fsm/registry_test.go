// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xycpand/atomix/compactor"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	_, ok := r.lookup(1)
	require.False(t, ok)

	apply := func(c Commit) (interface{}, error) { return "ok", nil }
	r.Register(1, apply, nil, compactor.PolicyMinor)

	h, ok := r.lookup(1)
	require.True(t, ok)
	require.Equal(t, compactor.PolicyMinor, h.policy)
	v, err := h.apply(Commit{})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestRegistryRegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	r.Register(1, func(c Commit) (interface{}, error) { return 1, nil }, nil, compactor.PolicyMinor)
	r.Register(1, func(c Commit) (interface{}, error) { return 2, nil }, nil, compactor.PolicyMajor)

	h, ok := r.lookup(1)
	require.True(t, ok)
	require.Equal(t, compactor.PolicyMajor, h.policy)
	v, _ := h.apply(Commit{})
	require.Equal(t, 2, v)
}
