// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xycpand/atomix/compactor"
	"github.com/xycpand/atomix/raftlog"
	"github.com/xycpand/atomix/types"
)

// logSource is the subset of *raftlog.Log the runtime needs. Reader
// returns the concrete *raftlog.Reader, so an implementation still needs
// a real raftlog.Log behind it.
type logSource interface {
	CommitIndex() uint64
	Reader(startIndex uint64) *raftlog.Reader
}

// Result is the outcome the runtime recorded for one applied commit.
type Result struct {
	Value interface{}
	Err   error
}

// Runtime drives committed entries from a raftlog.Log into a registry
// of per-command apply handlers, in order, exactly once each, while
// tracking sessions, the logical clock and pinned handles (spec.md §4.5).
type Runtime struct {
	log      logSource
	registry *Registry
	logger   log.Logger
	metrics  *runtimeMetrics

	clock uint64 // atomic: logical "now", max of all seen commit timestamps

	sessions atomic.Value // *immutable.SortedMap[uint64, *Session]
	sessMu   sync.Mutex    // serializes session state transitions

	pins *pinTable

	resultsMu sync.Mutex
	results   map[uint64]Result
	maxResults int

	nextApply uint64 // next index the apply loop expects to process
}

// New builds a Runtime over src, draining committed entries starting at
// index 1.
func New(src logSource, registry *Registry, logger log.Logger, reg prometheus.Registerer) *Runtime {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	rt := &Runtime{
		log:        src,
		registry:   registry,
		logger:     logger,
		metrics:    newRuntimeMetrics(reg),
		pins:       newPinTable(),
		results:    make(map[uint64]Result),
		maxResults: 4096,
		nextApply:  1,
	}
	rt.sessions.Store(&immutable.SortedMap[uint64, *Session]{})
	return rt
}

// Now returns the runtime's logical clock: the maximum commit.timestamp
// observed so far. Real wall-clock time is never consulted by state
// machine logic; this is the only authoritative "now".
func (rt *Runtime) Now() uint64 { return atomic.LoadUint64(&rt.clock) }

func (rt *Runtime) advanceClock(ts int64) {
	if ts < 0 {
		return
	}
	for {
		cur := atomic.LoadUint64(&rt.clock)
		next := uint64(ts)
		if next <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&rt.clock, cur, next) {
			return
		}
	}
}

func (rt *Runtime) sessionTable() *immutable.SortedMap[uint64, *Session] {
	return rt.sessions.Load().(*immutable.SortedMap[uint64, *Session])
}

// sessionOf returns the tracked Session for id, or nil if id is 0 (no
// session) or has never been observed.
func (rt *Runtime) sessionOf(id uint64) *Session {
	if id == 0 {
		return nil
	}
	s, _ := rt.sessionTable().Get(id)
	return s
}

// Register notifies the runtime of a session; register fires once per
// session on first observation and is a no-op afterward.
func (rt *Runtime) Register(sessionID uint64) {
	if sessionID == 0 {
		return
	}
	rt.sessMu.Lock()
	defer rt.sessMu.Unlock()
	table := rt.sessionTable()
	if _, ok := table.Get(sessionID); ok {
		return
	}
	rt.sessions.Store(table.Set(sessionID, &Session{ID: sessionID, State: SessionActive}))
	rt.metrics.sessionsRegistered.Inc()
}

// Expire transitions a session ACTIVE -> EXPIRED, driven by the external
// leader's session keep-alive protocol.
func (rt *Runtime) Expire(sessionID uint64) { rt.transition(sessionID, SessionExpired) }

// Close transitions a session ACTIVE -> CLOSED, driven by an explicit
// client close.
func (rt *Runtime) Close(sessionID uint64) { rt.transition(sessionID, SessionClosed) }

func (rt *Runtime) transition(sessionID uint64, to SessionState) {
	if sessionID == 0 {
		return
	}
	rt.sessMu.Lock()
	defer rt.sessMu.Unlock()
	table := rt.sessionTable()
	s, ok := table.Get(sessionID)
	if !ok {
		s = &Session{ID: sessionID}
		table = table.Set(sessionID, s)
	}
	if s.State == SessionActive {
		updated := &Session{ID: sessionID, State: to}
		rt.sessions.Store(table.Set(sessionID, updated))
		rt.metrics.sessionTransitions.WithLabelValues(to.String()).Inc()
	}
}

// Pin issues a Handle keeping index out of reach of compaction until
// Release is called.
func (rt *Runtime) Pin(index uint64) Handle { return rt.pins.Pin(index) }

// Release drops a previously issued Handle.
func (rt *Runtime) Release(h Handle) { rt.pins.Release(h) }

// Result returns the recorded outcome of applying the commit at index,
// if the runtime still has it buffered.
func (rt *Runtime) Result(index uint64) (Result, bool) {
	rt.resultsMu.Lock()
	defer rt.resultsMu.Unlock()
	r, ok := rt.results[index]
	return r, ok
}

func (rt *Runtime) recordResult(index uint64, value interface{}, err error) {
	rt.resultsMu.Lock()
	defer rt.resultsMu.Unlock()
	rt.results[index] = Result{Value: value, Err: err}
	if len(rt.results) > rt.maxResults {
		// Drop the lowest buffered index to stay at maxResults; exact LRU
		// isn't needed, apply order means low indices age out first.
		var lowest uint64 = index
		for k := range rt.results {
			if k < lowest {
				lowest = k
			}
		}
		delete(rt.results, lowest)
	}
}

// Run drains committed entries into the registry's apply handlers until
// ctx is cancelled. Apply is never concurrent with itself: Run must only
// be called from one goroutine at a time.
func (rt *Runtime) Run(ctx context.Context) error {
	reader := rt.log.Reader(rt.nextApply)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if reader.NextIndex() > rt.log.CommitIndex() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
			continue
		}

		entry, err := reader.Next()
		if errors.Is(err, raftlog.ErrReaderInvalidated) {
			// Structurally shouldn't happen: committed entries are
			// immutable (raftlog rejects truncation at/below
			// commitIndex), but report it rather than silently drop
			// entries if it ever does.
			return fmt.Errorf("apply reader invalidated below commitIndex: %w", err)
		}
		if err != nil {
			var oob *types.ErrOutOfBounds
			if errors.As(err, &oob) {
				continue
			}
			return err
		}

		if err := rt.applyOne(entry); err != nil {
			return err
		}
		rt.nextApply = entry.Index + 1
	}
}

// applyOne applies one committed entry and returns a non-nil error only
// when the entry cannot be decoded; per spec.md §4.5/§7 that is always
// fatal here (Run only ever hands applyOne entries at or below
// commitIndex, via the gate above), so Run halts rather than skip past it
// and silently diverge from what a correctly-functioning replica would do.
func (rt *Runtime) applyOne(entry types.Entry) error {
	env, err := decodeEnvelope(entry.Payload)
	if err != nil {
		level.Error(rt.logger).Log("msg", "fatal: undecodable committed entry", "index", entry.Index, "err", err)
		rt.recordResult(entry.Index, nil, err)
		return fmt.Errorf("undecodable committed entry at index %d: %w", entry.Index, err)
	}
	rt.advanceClock(entry.Timestamp)
	rt.Register(env.sessionID)

	commit := Commit{
		Index:       entry.Index,
		Term:        entry.Term,
		Timestamp:   entry.Timestamp,
		CommandType: env.commandType,
		Session:     rt.sessionOf(env.sessionID),
		TTLMillis:   env.ttlMs,
		Mode:        env.mode,
		Body:        env.body,
	}

	handlers, ok := rt.registry.lookup(env.commandType)
	if !ok {
		err := fmt.Errorf("no apply handler registered for command type %d", env.commandType)
		rt.recordResult(entry.Index, nil, err)
		rt.metrics.applyErrors.Inc()
		return nil
	}

	value, aerr := rt.safeApply(handlers.apply, commit)
	if aerr != nil {
		aerr = &types.ApplyError{Index: entry.Index, Cause: aerr}
		rt.metrics.applyErrors.Inc()
	}
	rt.recordResult(entry.Index, value, aerr)
	rt.metrics.applied.Inc()
	return nil
}

func (rt *Runtime) safeApply(fn ApplyFunc, c Commit) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("apply handler panicked: %v", p)
		}
	}()
	return fn(c)
}

// Filter implements compactor.Filterer: it is consulted with a plain
// types.Entry (the compactor never decodes command bodies itself), so
// it re-derives the Commit view internally. Pinned entries are always
// kept regardless of the registered filter's verdict. Filter handler
// errors are treated as keep (conservative, spec.md §4.5).
func (rt *Runtime) Filter(entry types.Entry, ctx compactor.FilterContext) (bool, compactor.Policy) {
	if rt.pins.Pinned(entry.Index) {
		return true, compactor.PolicyMinor
	}
	env, err := decodeEnvelope(entry.Payload)
	if err != nil {
		// Above commitIndex this is truncatable corruption, not ours to
		// judge; below it, it's fatal elsewhere. Either way: keep.
		return true, compactor.PolicyMinor
	}
	handlers, ok := rt.registry.lookup(env.commandType)
	if !ok || handlers.filter == nil {
		return true, compactor.PolicyMinor
	}
	commit := Commit{
		Index:       entry.Index,
		Term:        entry.Term,
		Timestamp:   entry.Timestamp,
		CommandType: env.commandType,
		Session:     rt.sessionOf(env.sessionID),
		TTLMillis:   env.ttlMs,
		Mode:        env.mode,
		Body:        env.body,
	}
	keep, ferr := rt.safeFilter(handlers.filter, commit, ctx)
	if ferr != nil {
		return true, handlers.policy
	}
	return keep, handlers.policy
}

func (rt *Runtime) safeFilter(fn FilterFunc, c Commit, ctx compactor.FilterContext) (keep bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			keep, err = true, fmt.Errorf("filter handler panicked: %v", p)
		}
	}()
	return fn(c, ctx)
}

// Active reports whether a previously-applied commit is still logically
// active at the runtime's current logical clock: not TTL-expired, and
// (if ephemeral) its session still live. State machines use this to
// decide whether a retained prior commit should be treated as present.
func (rt *Runtime) Active(c Commit) bool { return c.activeAt(rt.Now()) }
