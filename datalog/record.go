// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package datalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/cubefs/sifs/proto"
)

// record layout, little endian:
// | crc | flags | seq | created | expiry | key len | value len | key | value |
// | 4   | 1     | 8   | 8       | 8      | 4       | 4         | ... | ...   |
// crc covers every byte after itself.
const (
	HeaderSize = 37

	MaxKeySize   = 1 << 16
	MaxValueSize = 1 << 30

	flagTombstone = 1 << 0
)

var (
	errShortRecord  = errors.New("short record")
	errBadLength    = errors.New("record length out of range")
	errBadChecksum  = errors.New("record checksum mismatch")
	errSizeMismatch = errors.New("record size does not match its location")
)

type Record struct {
	Seq       uint64
	Tombstone bool
	Key       []byte
	Value     []byte
	Metadata  proto.Metadata
}

// NewBoundedTombstone returns a tombstone deleting only records of key up to
// seq bound, a newer record written meanwhile survives it. Expiry purges use
// it to remove exactly the entry they found expired.
func NewBoundedTombstone(key []byte, bound uint64, created int64) *Record {
	v := make([]byte, 8)
	binary.LittleEndian.PutUint64(v, bound)
	return &Record{Tombstone: true, Key: key, Value: v, Metadata: proto.Metadata{Created: created}}
}

// DeleteBound is the highest seq a tombstone deletes, its own seq unless it
// is bounded.
func (r *Record) DeleteBound() uint64 {
	if r.Tombstone && len(r.Value) == 8 {
		return binary.LittleEndian.Uint64(r.Value)
	}
	return r.Seq
}

func (r *Record) Size() int {
	return HeaderSize + len(r.Key) + len(r.Value)
}

// MarshalTo encodes r into b, which must hold at least r.Size() bytes.
func (r *Record) MarshalTo(b []byte) int {
	var flags byte
	if r.Tombstone {
		flags |= flagTombstone
	}
	b[4] = flags
	binary.LittleEndian.PutUint64(b[5:], r.Seq)
	binary.LittleEndian.PutUint64(b[13:], uint64(r.Metadata.Created))
	binary.LittleEndian.PutUint64(b[21:], uint64(r.Metadata.Expiry))
	binary.LittleEndian.PutUint32(b[29:], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(b[33:], uint32(len(r.Value)))
	n := HeaderSize
	n += copy(b[n:], r.Key)
	n += copy(b[n:], r.Value)
	binary.LittleEndian.PutUint32(b[0:], crc32.ChecksumIEEE(b[4:n]))
	return n
}

// Validate checks the key and value against the size limits, an empty key
// is a valid key.
func (r *Record) Validate() error {
	if len(r.Key) > MaxKeySize {
		return fmt.Errorf("key of %d bytes exceeds %d", len(r.Key), MaxKeySize)
	}
	if len(r.Value) > MaxValueSize {
		return fmt.Errorf("value of %d bytes exceeds %d", len(r.Value), MaxValueSize)
	}
	return nil
}

type header struct {
	crc       uint32
	flags     byte
	seq       uint64
	created   int64
	expiry    int64
	keyLen    uint32
	valueLen  uint32
	recordLen uint32
}

func decodeHeader(b []byte) (h header, err error) {
	if len(b) < HeaderSize {
		return h, errShortRecord
	}
	h.crc = binary.LittleEndian.Uint32(b[0:])
	h.flags = b[4]
	h.seq = binary.LittleEndian.Uint64(b[5:])
	h.created = int64(binary.LittleEndian.Uint64(b[13:]))
	h.expiry = int64(binary.LittleEndian.Uint64(b[21:]))
	h.keyLen = binary.LittleEndian.Uint32(b[29:])
	h.valueLen = binary.LittleEndian.Uint32(b[33:])
	if h.keyLen > MaxKeySize || h.valueLen > MaxValueSize {
		return h, errBadLength
	}
	h.recordLen = HeaderSize + h.keyLen + h.valueLen
	return h, nil
}

// DecodeRecord parses one whole record. The returned record aliases b.
func DecodeRecord(b []byte) (*Record, error) {
	h, err := decodeHeader(b)
	if err != nil {
		return nil, err
	}
	return decodeBody(h, b)
}

func decodeBody(h header, b []byte) (*Record, error) {
	if uint32(len(b)) < h.recordLen {
		return nil, errShortRecord
	}
	if uint32(len(b)) != h.recordLen {
		return nil, errSizeMismatch
	}
	if crc32.ChecksumIEEE(b[4:h.recordLen]) != h.crc {
		return nil, errBadChecksum
	}
	keyEnd := HeaderSize + h.keyLen
	return &Record{
		Seq:       h.seq,
		Tombstone: h.flags&flagTombstone != 0,
		Key:       b[HeaderSize:keyEnd],
		Value:     b[keyEnd:h.recordLen],
		Metadata:  proto.Metadata{Created: h.created, Expiry: h.expiry},
	}, nil
}
