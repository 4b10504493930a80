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

package index

import (
	"github.com/cubefs/sifs/proto"
)

type item struct {
	hash proto.KeyHash
	ptr  proto.Pointer
}

// Iterator walks the entries whose hash starts with a prefix in hash order.
// It copies one leaf at a time and holds no latch between calls, so it sees
// every entry present for the whole iteration and may or may not see
// entries changed meanwhile.
type Iterator struct {
	t      *Tree
	prefix []byte
	from   proto.KeyHash
	done   bool
	buf    []item
	pos    int
	cur    item
	err    error
}

// Scan returns an iterator over the entries whose hash starts with prefix,
// an empty prefix walks the whole tree.
func (t *Tree) Scan(prefix []byte) *Iterator {
	if len(prefix) > proto.KeyHashSize {
		prefix = prefix[:proto.KeyHashSize]
	}
	it := &Iterator{t: t, prefix: append([]byte(nil), prefix...)}
	copy(it.from[:], prefix)
	return it
}

func (it *Iterator) Next() bool {
	for it.pos >= len(it.buf) {
		if it.done || it.err != nil {
			return false
		}
		it.fill()
	}
	it.cur = it.buf[it.pos]
	it.pos++
	return true
}

func (it *Iterator) fill() {
	it.buf, it.pos = it.buf[:0], 0
	leaf, hi, bounded, err := it.t.rlockLeaf(it.from)
	if err != nil {
		it.err = err
		return
	}
	i, _ := leaf.search(it.from)
	for ; i < len(leaf.keys); i++ {
		if !leaf.keys[i].HasPrefix(it.prefix) {
			it.done = true
			break
		}
		it.buf = append(it.buf, item{hash: leaf.keys[i], ptr: leaf.ptrs[i]})
	}
	leaf.mu.RUnlock()
	it.t.evict()

	switch {
	case it.done:
	case !bounded || !hi.HasPrefix(it.prefix):
		it.done = true
	default:
		it.from = hi
	}
}

func (it *Iterator) Hash() proto.KeyHash {
	return it.cur.hash
}

func (it *Iterator) Pointer() proto.Pointer {
	return it.cur.ptr
}

func (it *Iterator) Err() error {
	return it.err
}
