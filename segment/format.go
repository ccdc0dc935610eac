// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/xycpand/atomix/types"
)

// On-disk layout, little-endian throughout (spec.md §6):
//
//	file header:   magic:u32 version:u16 firstIndex:u64
//	entry record:  length:u32 index:u64 term:u64 timestamp:i64 payload:[length-28]byte crc32:u32
//
// End-of-segment is the first record whose length is zero or whose CRC
// fails; any residual bytes after that point are discarded on load.
const (
	Magic   uint32 = 0x5452414C // "RAFT"
	Version uint16 = 1

	fileHeaderLen = 4 + 2 + 8 // magic + version + firstIndex

	// recordFixedLen is everything in a record besides the payload:
	// length(4) + index(8) + term(8) + timestamp(8) + crc32(4) = 32,
	// while the `length` field counts everything but the CRC trailer:
	// length/index/term/timestamp/payload (28 + len(payload)).
	recordHeaderLen = 4 + 8 + 8 + 8 // length + index + term + timestamp
	recordTrailerLen = 4            // crc32
	recordFixedLen  = recordHeaderLen + recordTrailerLen

	// MaxEntrySize guards against a corrupt length field causing an
	// unbounded read.
	MaxEntrySize = 512 * 1024 * 1024
)

type fileHeader struct {
	Version    uint16
	FirstIndex uint64
}

func encodeFileHeader(firstIndex uint64) []byte {
	buf := make([]byte, fileHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint64(buf[6:14], firstIndex)
	return buf
}

func decodeFileHeader(buf []byte) (fileHeader, error) {
	if len(buf) < fileHeaderLen {
		return fileHeader{}, types.ErrCorruptedLog
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return fileHeader{}, types.ErrCorruptedLog
	}
	return fileHeader{
		Version:    binary.LittleEndian.Uint16(buf[4:6]),
		FirstIndex: binary.LittleEndian.Uint64(buf[6:14]),
	}, nil
}

// recordHeader is the fixed-size prefix of a record, read before we know
// how large the payload is.
type recordHeader struct {
	length    uint32 // 28 + len(payload)
	index     uint64
	term      uint64
	timestamp int64
}

func (h recordHeader) payloadLen() int { return int(h.length) - recordHeaderLen }

func encodeRecord(e types.Entry) []byte {
	length := uint32(recordHeaderLen + len(e.Payload))
	buf := make([]byte, recordHeaderLen+len(e.Payload)+recordTrailerLen)
	binary.LittleEndian.PutUint32(buf[0:4], length)
	binary.LittleEndian.PutUint64(buf[4:12], e.Index)
	binary.LittleEndian.PutUint64(buf[12:20], e.Term)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(e.Timestamp))
	copy(buf[28:28+len(e.Payload)], e.Payload)
	crc := crc32.ChecksumIEEE(buf[:28+len(e.Payload)])
	binary.LittleEndian.PutUint32(buf[28+len(e.Payload):], crc)
	return buf
}

func decodeRecordHeader(buf []byte) (recordHeader, error) {
	if len(buf) < recordHeaderLen {
		return recordHeader{}, types.ErrNotFound
	}
	length := binary.LittleEndian.Uint32(buf[0:4])
	if length == 0 {
		// Zero length marks end-of-segment, not corruption.
		return recordHeader{}, errEndOfSegment
	}
	return recordHeader{
		length:    length,
		index:     binary.LittleEndian.Uint64(buf[4:12]),
		term:      binary.LittleEndian.Uint64(buf[12:20]),
		timestamp: int64(binary.LittleEndian.Uint64(buf[20:28])),
	}, nil
}

// decodeRecord validates the CRC over the whole record (header+payload)
// and returns the decoded entry plus the record's total on-disk size.
func decodeRecord(buf []byte) (types.Entry, int, error) {
	h, err := decodeRecordHeader(buf)
	if err != nil {
		return types.Entry{}, 0, err
	}
	total := recordHeaderLen + h.payloadLen() + recordTrailerLen
	if total < recordFixedLen || h.payloadLen() < 0 || h.payloadLen() > MaxEntrySize {
		return types.Entry{}, 0, types.ErrCorruptedLog
	}
	if len(buf) < total {
		return types.Entry{}, 0, errShortRead
	}
	crcOffset := recordHeaderLen + h.payloadLen()
	wantCRC := binary.LittleEndian.Uint32(buf[crcOffset : crcOffset+4])
	gotCRC := crc32.ChecksumIEEE(buf[:crcOffset])
	if wantCRC != gotCRC {
		return types.Entry{}, 0, &types.ErrCorrupted{Offset: 0}
	}
	payload := make([]byte, h.payloadLen())
	copy(payload, buf[recordHeaderLen:crcOffset])
	return types.Entry{
		Index:     h.index,
		Term:      h.term,
		Timestamp: h.timestamp,
		Payload:   payload,
	}, total, nil
}

var (
	errEndOfSegment = sentinel("end of segment")
	errShortRead    = sentinel("short read")
)

type sentinel string

func (s sentinel) Error() string { return string(s) }
