// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package fsm

import (
	"encoding/binary"
	"fmt"

	"github.com/xycpand/atomix/types"
)

// Mode distinguishes entries that outlive their originating session
// (PERSISTENT) from ones that don't (EPHEMERAL). Design note (spec.md
// §9): "replace [builder chains] with plain configuration records whose
// fields correspond to the recognized options."
type Mode uint8

const (
	Persistent Mode = iota
	Ephemeral
)

// envelopeLen is the fixed-size metadata every command body carries
// ahead of its command-specific payload: sessionID(8) + ttlMs(8) + mode(1).
const envelopeLen = 8 + 8 + 1

// EncodeCommand builds a full entry payload: the 4-byte command type id
// (types.PrependCommandType), the session/TTL/mode envelope, and the
// command-specific body. This is the "explicit configuration record"
// design notes §9 calls for, in place of the source's fluent builders.
func EncodeCommand(commandType uint32, sessionID uint64, ttlMs uint64, mode Mode, body []byte) []byte {
	env := make([]byte, envelopeLen+len(body))
	binary.LittleEndian.PutUint64(env[0:8], sessionID)
	binary.LittleEndian.PutUint64(env[8:16], ttlMs)
	env[16] = byte(mode)
	copy(env[envelopeLen:], body)
	return types.PrependCommandType(commandType, env)
}

type decodedEnvelope struct {
	commandType uint32
	sessionID   uint64
	ttlMs       uint64
	mode        Mode
	body        []byte
}

func decodeEnvelope(payload []byte) (decodedEnvelope, error) {
	commandType, err := types.PeekCommandType(payload)
	if err != nil {
		return decodedEnvelope{}, err
	}
	rest := payload[types.CommandHeaderLen:]
	if len(rest) < envelopeLen {
		return decodedEnvelope{}, fmt.Errorf("command payload too short for envelope: %d bytes", len(rest))
	}
	return decodedEnvelope{
		commandType: commandType,
		sessionID:   binary.LittleEndian.Uint64(rest[0:8]),
		ttlMs:       binary.LittleEndian.Uint64(rest[8:16]),
		mode:        Mode(rest[16]),
		body:        rest[envelopeLen:],
	}, nil
}
