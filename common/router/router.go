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

package router

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/cubefs/sifs/proto"
)

// Router maps keys onto a fixed number of segments. The mapping only
// depends on the key bytes and the segment count, so it is stable across
// restarts and matches any cache layer hashing with murmur3 the same way.
type Router struct {
	segments uint32
}

func New(segments int) *Router {
	if segments <= 0 {
		panic("router: segment count must be positive")
	}
	return &Router{segments: uint32(segments)}
}

func (r *Router) Segments() int {
	return int(r.segments)
}

func (r *Router) SegmentFor(key []byte) proto.SegmentID {
	return proto.SegmentID(murmur3.Sum64(key) % uint64(r.segments))
}

// Hash returns the soft index key of key.
func Hash(key []byte) (h proto.KeyHash) {
	h1, h2 := murmur3.Sum128(key)
	binary.BigEndian.PutUint64(h[:8], h1)
	binary.BigEndian.PutUint64(h[8:], h2)
	return
}
