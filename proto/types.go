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

package proto

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"
)

const KeyHashSize = 16

type (
	SegmentID = uint32
	FileID    = uint32

	// KeyHash is the fixed width key of the soft index, derived from the
	// entry key by the segment router.
	KeyHash [KeyHashSize]byte

	// Location addresses one record inside a segment's data log.
	Location struct {
		FileID FileID `json:"file_id"`
		Offset uint32 `json:"offset"`
		Length uint32 `json:"length"`
	}

	// Pointer is a leaf value of the soft index: where the newest record of
	// a key lives plus the log sequence number that wrote it.
	Pointer struct {
		Location
		Seq uint64 `json:"seq"`
	}

	Metadata struct {
		// Created is unix milliseconds, filled on write when zero.
		Created int64 `json:"created"`
		// Expiry is an absolute unix milliseconds deadline, zero means never.
		Expiry int64 `json:"expiry"`
	}

	Entry struct {
		Key      []byte   `json:"key"`
		Value    []byte   `json:"value"`
		Metadata Metadata `json:"metadata"`
	}
)

func (h KeyHash) Compare(than KeyHash) int {
	return bytes.Compare(h[:], than[:])
}

func (h KeyHash) Less(than KeyHash) bool {
	return h.Compare(than) < 0
}

func (h KeyHash) HasPrefix(prefix []byte) bool {
	return bytes.HasPrefix(h[:], prefix)
}

// Next returns the smallest hash greater than h and false when h is the
// maximum value.
func (h KeyHash) Next() (KeyHash, bool) {
	for i := KeyHashSize - 1; i >= 0; i-- {
		h[i]++
		if h[i] != 0 {
			return h, true
		}
	}
	return h, false
}

func (h KeyHash) String() string {
	return hex.EncodeToString(h[:])
}

func (l Location) String() string {
	return fmt.Sprintf("%d:%d+%d", l.FileID, l.Offset, l.Length)
}

func (l Location) End() uint32 {
	return l.Offset + l.Length
}

func (m Metadata) Expired(now time.Time) bool {
	return m.Expiry > 0 && now.UnixMilli() >= m.Expiry
}
