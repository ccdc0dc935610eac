// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package fsm

// Commit is the runtime's view of one committed entry handed to the
// state machine's apply handler (spec.md §3). Commits are borrowed for
// the duration of the handler call; a state machine that needs to
// retain one past that must call Runtime.Pin to get an explicit Handle.
type Commit struct {
	Index       uint64
	Term        uint64
	Timestamp   int64
	CommandType uint32
	Session     *Session // nil if the command carried no session id
	TTLMillis   uint64   // 0 means persistent (no expiry)
	Mode        Mode
	Body        []byte // command-specific payload, opaque to the runtime
}

// activeAt reports whether the commit is still logically active at
// logical time `now`, per spec.md §4.5/§8 property 8: a TTL of T is
// active iff `now - timestamp < T` (strict; the boundary itself, where
// now == timestamp+T, is no longer active), and an ephemeral entry is
// additionally only active while its session is live.
func (c Commit) activeAt(now uint64) bool {
	if c.TTLMillis > 0 {
		elapsed := int64(now) - c.Timestamp
		if elapsed < 0 || uint64(elapsed) >= c.TTLMillis {
			return false
		}
	}
	if c.Mode == Ephemeral {
		return c.Session.Live()
	}
	return true
}
