// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package fsm

import (
	"github.com/benbjohnson/immutable"

	"github.com/xycpand/atomix/compactor"
)

// ApplyFunc is a per-command apply handler, keyed by command type id. It
// receives the decoded Commit and returns the operation's result; an
// error is recorded against the commit and returned to the client, and
// does not halt the runtime (spec.md §7).
type ApplyFunc func(c Commit) (result interface{}, err error)

// FilterFunc is a per-command filter handler consulted during
// compaction. Filter handlers are pure functions of (commit, compaction
// context); they must not mutate state-machine data. An error is treated
// as "keep" (conservative, spec.md §4.5).
type FilterFunc func(c Commit, ctx compactor.FilterContext) (keep bool, err error)

type commandHandlers struct {
	apply  ApplyFunc
	filter FilterFunc
	policy compactor.Policy
}

// Registry maps 32-bit command type ids to their registered apply/filter
// handler pair, the dynamic-dispatch design design notes §9 call for in
// place of runtime class-identity dispatch.
type Registry struct {
	table *immutable.SortedMap[uint32, commandHandlers]
}

// NewRegistry returns an empty command registry.
func NewRegistry() *Registry {
	return &Registry{table: &immutable.SortedMap[uint32, commandHandlers]{}}
}

// Register associates a command type with its apply and filter handlers
// and a compaction policy (PolicyMinor if unspecified). Register is only
// safe to call before the runtime starts processing commits.
func (r *Registry) Register(commandType uint32, apply ApplyFunc, filter FilterFunc, policy compactor.Policy) {
	r.table = r.table.Set(commandType, commandHandlers{apply: apply, filter: filter, policy: policy})
}

func (r *Registry) lookup(commandType uint32) (commandHandlers, bool) {
	h, ok := r.table.Get(commandType)
	return h, ok
}
