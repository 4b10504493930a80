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
	"encoding/binary"
	"hash/crc32"
	"sort"
	"sync"
	"sync/atomic"

	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/proto"
)

// node layout, little endian:
// | crc | kind | count | body |
// | 4   | 1    | 2     | ...  |
// leaf body:     count * | hash(16) | file id(4) | offset(4) | length(4) | seq(8) |
// internal body: | first child(4) | count * | separator(16) | child(4) |
const (
	nodeHeaderSize    = 7
	leafEntrySize     = proto.KeyHashSize + 4 + 4 + 4 + 8
	internalEntrySize = proto.KeyHashSize + 4

	kindLeaf     = 1
	kindInternal = 2

	minLeafSplit     = 2
	minInternalSplit = 4
)

type childRef struct {
	slot uint32
	node *node
}

// node is a resident index node. Content fields are guarded by mu, the
// segment worker is the only goroutine changing keys and pointers, loaders
// and evictors only swap child references under the write latch.
type node struct {
	mu       sync.RWMutex
	leaf     bool
	keys     []proto.KeyHash
	ptrs     []proto.Pointer
	children []childRef

	slot    uint32
	dirty   bool
	dead    bool
	version uint64

	parent atomic.Pointer[node]
	pins   atomic.Int32
	ref    atomic.Bool

	// position in the arena ring, guarded by arena.mu
	ticket int
}

func newLeaf() *node {
	return &node{leaf: true, dirty: true, ticket: -1}
}

func newInternal() *node {
	return &node{dirty: true, ticket: -1}
}

func (n *node) pin()   { n.pins.Add(1) }
func (n *node) unpin() { n.pins.Add(-1) }

func (n *node) size() int {
	if n.leaf {
		return nodeHeaderSize + len(n.keys)*leafEntrySize
	}
	return nodeHeaderSize + 4 + len(n.keys)*internalEntrySize
}

// search returns the position of hash in a leaf and whether it is there.
func (n *node) search(hash proto.KeyHash) (int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool { return !n.keys[i].Less(hash) })
	return i, i < len(n.keys) && n.keys[i] == hash
}

// childIndex returns the child of an internal node covering hash, keys
// equal to a separator belong to its right child.
func (n *node) childIndex(hash proto.KeyHash) int {
	return sort.Search(len(n.keys), func(i int) bool { return hash.Less(n.keys[i]) })
}

func (n *node) residentChildren() bool {
	for i := range n.children {
		if n.children[i].node != nil {
			return true
		}
	}
	return false
}

func (n *node) findChild(c *node) int {
	for i := range n.children {
		if n.children[i].node == c {
			return i
		}
	}
	return -1
}

func (n *node) canSplit(maxSize int) bool {
	if n.size() <= maxSize {
		return false
	}
	if n.leaf {
		return len(n.keys) >= minLeafSplit
	}
	return len(n.children) >= minInternalSplit
}

func (n *node) insertAt(i int, hash proto.KeyHash, ptr proto.Pointer) {
	n.keys = append(n.keys, proto.KeyHash{})
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = hash
	n.ptrs = append(n.ptrs, proto.Pointer{})
	copy(n.ptrs[i+1:], n.ptrs[i:])
	n.ptrs[i] = ptr
}

func (n *node) removeAt(i int) {
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.ptrs = append(n.ptrs[:i], n.ptrs[i+1:]...)
}

// split moves the upper half of n into a new right sibling and returns it
// with the separator to install in the parent.
func (n *node) split() (*node, proto.KeyHash) {
	if n.leaf {
		m := len(n.keys) / 2
		right := newLeaf()
		right.keys = append(right.keys, n.keys[m:]...)
		right.ptrs = append(right.ptrs, n.ptrs[m:]...)
		n.keys = n.keys[:m:m]
		n.ptrs = n.ptrs[:m:m]
		n.dirty = true
		return right, right.keys[0]
	}

	m := len(n.children) / 2
	sep := n.keys[m-1]
	right := newInternal()
	right.keys = append(right.keys, n.keys[m:]...)
	right.children = append(right.children, n.children[m:]...)
	for i := range right.children {
		if c := right.children[i].node; c != nil {
			c.parent.Store(right)
		}
	}
	n.keys = n.keys[: m-1 : m-1]
	n.children = n.children[:m:m]
	n.dirty = true
	return right, sep
}

func (n *node) encode(b []byte) (int, error) {
	size := n.size()
	if size > len(b) {
		return 0, apierrors.IndexCorruption("encode node", "node of %d bytes exceeds slot of %d", size, len(b))
	}
	binary.LittleEndian.PutUint16(b[5:], uint16(len(n.keys)))
	off := nodeHeaderSize
	if n.leaf {
		b[4] = kindLeaf
		for i := range n.keys {
			off += copy(b[off:], n.keys[i][:])
			p := n.ptrs[i]
			binary.LittleEndian.PutUint32(b[off:], p.FileID)
			binary.LittleEndian.PutUint32(b[off+4:], p.Offset)
			binary.LittleEndian.PutUint32(b[off+8:], p.Length)
			binary.LittleEndian.PutUint64(b[off+12:], p.Seq)
			off += 20
		}
	} else {
		b[4] = kindInternal
		for i := range n.children {
			if n.children[i].slot == 0 {
				return 0, apierrors.IndexCorruption("encode node", "child %d has never been written", i)
			}
		}
		binary.LittleEndian.PutUint32(b[off:], n.children[0].slot)
		off += 4
		for i := range n.keys {
			off += copy(b[off:], n.keys[i][:])
			binary.LittleEndian.PutUint32(b[off:], n.children[i+1].slot)
			off += 4
		}
	}
	for i := off; i < len(b); i++ {
		b[i] = 0
	}
	binary.LittleEndian.PutUint32(b[0:], crc32.ChecksumIEEE(b[4:off]))
	return off, nil
}

func decodeNode(slot uint32, b []byte) (*node, error) {
	if len(b) < nodeHeaderSize {
		return nil, apierrors.IndexCorruption("decode node", "slot %d is too short", slot)
	}
	count := int(binary.LittleEndian.Uint16(b[5:]))
	n := &node{slot: slot, ticket: -1}
	switch b[4] {
	case kindLeaf:
		n.leaf = true
	case kindInternal:
	default:
		return nil, apierrors.IndexCorruption("decode node", "slot %d has unknown kind %d", slot, b[4])
	}
	n.keys = make([]proto.KeyHash, count)
	size := n.size()
	if size > len(b) {
		return nil, apierrors.IndexCorruption("decode node", "slot %d count %d overflows", slot, count)
	}
	if crc32.ChecksumIEEE(b[4:size]) != binary.LittleEndian.Uint32(b[0:]) {
		return nil, apierrors.IndexCorruption("decode node", "slot %d checksum mismatch", slot)
	}

	off := nodeHeaderSize
	if n.leaf {
		n.ptrs = make([]proto.Pointer, count)
		for i := 0; i < count; i++ {
			off += copy(n.keys[i][:], b[off:])
			n.ptrs[i] = proto.Pointer{
				Location: proto.Location{
					FileID: binary.LittleEndian.Uint32(b[off:]),
					Offset: binary.LittleEndian.Uint32(b[off+4:]),
					Length: binary.LittleEndian.Uint32(b[off+8:]),
				},
				Seq: binary.LittleEndian.Uint64(b[off+12:]),
			}
			off += 20
		}
		return n, nil
	}

	n.children = make([]childRef, count+1)
	n.children[0].slot = binary.LittleEndian.Uint32(b[off:])
	off += 4
	for i := 0; i < count; i++ {
		off += copy(n.keys[i][:], b[off:])
		n.children[i+1].slot = binary.LittleEndian.Uint32(b[off:])
		off += 4
	}
	for i := range n.children {
		if n.children[i].slot == 0 || n.children[i].slot == slot {
			return nil, apierrors.IndexCorruption("decode node", "slot %d has invalid child slot", slot)
		}
	}
	return n, nil
}
