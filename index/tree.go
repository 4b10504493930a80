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
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/sifs/proto"
)

const (
	evictBatch     = 8
	maxEvictRounds = 4
)

var errRetry = errors.New("index node changed, retry")

type (
	Config struct {
		MinNodeSize int
		MaxNodeSize int
		// MaxResident caps the number of nodes kept in memory.
		MaxResident int
	}

	Stats struct {
		Resident  int    `json:"resident"`
		Loads     int64  `json:"loads"`
		Evictions int64  `json:"evictions"`
		HighWater uint32 `json:"high_water"`
		FreeSlots int    `json:"free_slots"`
		Pending   int    `json:"pending_slots"`
		Gen       uint64 `json:"gen"`
	}
)

// Tree is the soft index of one segment: a B+tree from key hash to record
// pointer whose nodes are loaded from the node store on demand and evicted
// when more than MaxResident of them are in memory.
//
// Get and Scan may run from any goroutine. Put, Delete, Relocate and Flush
// must be called from a single goroutine at a time.
type Tree struct {
	cfg   Config
	store *NodeStore
	arena *arena
	root  atomic.Pointer[node]

	// held exclusively by Flush, evictors skip their round while it runs
	evictMu   sync.RWMutex
	loads     atomic.Int64
	evictions atomic.Int64
}

// New returns an empty tree stored in store.
func New(store *NodeStore, cfg Config) *Tree {
	t := newTree(store, cfg)
	root := newLeaf()
	t.arena.add(root)
	t.root.Store(root)
	return t
}

// Open returns the tree whose root lives at rootSlot.
func Open(store *NodeStore, cfg Config, rootSlot uint32) (*Tree, error) {
	if rootSlot == 0 {
		return New(store, cfg), nil
	}
	root, err := store.read(rootSlot)
	if err != nil {
		return nil, err
	}
	t := newTree(store, cfg)
	t.arena.add(root)
	t.root.Store(root)
	return t, nil
}

func newTree(store *NodeStore, cfg Config) *Tree {
	if cfg.MaxResident <= 0 {
		cfg.MaxResident = 1
	}
	return &Tree{cfg: cfg, store: store, arena: newArena(cfg.MaxResident)}
}

func (t *Tree) Store() *NodeStore {
	return t.store
}

func (t *Tree) Resident() int {
	return t.arena.len()
}

func (t *Tree) Stats() Stats {
	hw, free, pending := t.store.Stats()
	return Stats{
		Resident:  t.arena.len(),
		Loads:     t.loads.Load(),
		Evictions: t.evictions.Load(),
		HighWater: hw,
		FreeSlots: free,
		Pending:   pending,
		Gen:       t.store.Gen(),
	}
}

func (t *Tree) Close() {
	t.store.Close()
}

// must hold p.mu for writing
func (t *Tree) loadChildLocked(p *node, i int) (*node, error) {
	ref := &p.children[i]
	if ref.node != nil {
		return ref.node, nil
	}
	c, err := t.store.read(ref.slot)
	if err != nil {
		return nil, err
	}
	c.parent.Store(p)
	ref.node = c
	t.arena.add(c)
	t.loads.Add(1)
	return c, nil
}

// loadChild swizzles the child of p covering hash and returns it read
// latched. version is the version of p seen by the caller under its read
// latch, errRetry means p changed in between.
func (t *Tree) loadChild(p *node, version uint64, hash proto.KeyHash) (*node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead || p.version != version {
		return nil, errRetry
	}
	c, err := t.loadChildLocked(p, p.childIndex(hash))
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	return c, nil
}

func (t *Tree) rlockRoot() *node {
	for {
		n := t.root.Load()
		n.mu.RLock()
		if t.root.Load() == n && !n.dead {
			return n
		}
		n.mu.RUnlock()
	}
}

// rlockLeaf descends with latch coupling and returns the leaf covering hash
// read latched, with the exclusive upper bound of its key range when it is
// not the rightmost leaf.
func (t *Tree) rlockLeaf(hash proto.KeyHash) (*node, proto.KeyHash, bool, error) {
	for {
		leaf, hi, bounded, err := t.tryRLockLeaf(hash)
		if err == errRetry {
			continue
		}
		return leaf, hi, bounded, err
	}
}

func (t *Tree) tryRLockLeaf(hash proto.KeyHash) (*node, proto.KeyHash, bool, error) {
	var (
		hi      proto.KeyHash
		bounded bool
	)
	n := t.rlockRoot()
	for !n.leaf {
		n.ref.Store(true)
		i := n.childIndex(hash)
		if i < len(n.keys) {
			hi, bounded = n.keys[i], true
		}
		c := n.children[i].node
		if c == nil {
			version := n.version
			n.pin()
			n.mu.RUnlock()
			var err error
			c, err = t.loadChild(n, version, hash)
			n.unpin()
			if err != nil {
				return nil, hi, false, err
			}
			n = c
			continue
		}
		c.mu.RLock()
		n.mu.RUnlock()
		n = c
	}
	n.ref.Store(true)
	return n, hi, bounded, nil
}

// Get returns the pointer stored for hash.
func (t *Tree) Get(hash proto.KeyHash) (proto.Pointer, bool, error) {
	leaf, _, _, err := t.rlockLeaf(hash)
	if err != nil {
		return proto.Pointer{}, false, err
	}
	var ptr proto.Pointer
	i, ok := leaf.search(hash)
	if ok {
		ptr = leaf.ptrs[i]
	}
	leaf.mu.RUnlock()
	t.evict()
	return ptr, ok, nil
}

// path is the pinned route of the mutator from the root to a leaf, idx[d]
// is the child position of nodes[d+1] inside nodes[d].
type path struct {
	nodes []*node
	idx   []int
}

func (p *path) leaf() *node {
	return p.nodes[len(p.nodes)-1]
}

func (p *path) lock() {
	for _, n := range p.nodes {
		n.mu.Lock()
	}
}

func (p *path) unlock() {
	for i := len(p.nodes) - 1; i >= 0; i-- {
		p.nodes[i].mu.Unlock()
	}
}

func (p *path) unpin() {
	for _, n := range p.nodes {
		n.unpin()
	}
}

// pinPath pins every node from the root to the leaf covering hash. Pinned
// nodes are never evicted, so the mutator may read their keys without
// latches, child references still need the read latch as loaders and
// evictors swap them.
func (t *Tree) pinPath(hash proto.KeyHash) (*path, error) {
	n := t.root.Load()
	n.pin()
	p := &path{nodes: []*node{n}}
	for !n.leaf {
		i := n.childIndex(hash)
		n.mu.RLock()
		c := n.children[i].node
		if c != nil {
			c.pin()
		}
		n.mu.RUnlock()
		if c == nil {
			var err error
			n.mu.Lock()
			if c, err = t.loadChildLocked(n, i); err == nil {
				c.pin()
			}
			n.mu.Unlock()
			if err != nil {
				p.unpin()
				return nil, err
			}
		}
		c.ref.Store(true)
		p.nodes = append(p.nodes, c)
		p.idx = append(p.idx, i)
		n = c
	}
	return p, nil
}

func (t *Tree) done(p *path) {
	p.unpin()
	t.evict()
}

// Put stores ptr for hash and returns the pointer it replaced.
func (t *Tree) Put(hash proto.KeyHash, ptr proto.Pointer) (proto.Pointer, bool, error) {
	p, err := t.pinPath(hash)
	if err != nil {
		return proto.Pointer{}, false, err
	}
	defer t.done(p)

	var old proto.Pointer
	leaf := p.leaf()
	i, found := leaf.search(hash)
	leaf.mu.Lock()
	if found {
		old = leaf.ptrs[i]
		leaf.ptrs[i] = ptr
	} else {
		leaf.insertAt(i, hash, ptr)
	}
	leaf.dirty = true
	leaf.mu.Unlock()

	if !found && leaf.canSplit(t.cfg.MaxNodeSize) {
		p.lock()
		t.splitUp(p)
		p.unlock()
	}
	return old, found, nil
}

// Delete removes hash and returns the pointer it had.
func (t *Tree) Delete(hash proto.KeyHash) (proto.Pointer, bool, error) {
	p, err := t.pinPath(hash)
	if err != nil {
		return proto.Pointer{}, false, err
	}
	defer t.done(p)

	leaf := p.leaf()
	i, found := leaf.search(hash)
	if !found {
		return proto.Pointer{}, false, nil
	}
	leaf.mu.Lock()
	old := leaf.ptrs[i]
	leaf.removeAt(i)
	leaf.dirty = true
	leaf.mu.Unlock()

	if len(p.nodes) > 1 && t.underflow(leaf) {
		p.lock()
		err = t.rebalance(p)
		p.unlock()
	}
	return old, true, err
}

// Relocate moves hash from one location to another if its pointer still
// carries seq and from. It reports whether the pointer moved.
func (t *Tree) Relocate(hash proto.KeyHash, seq uint64, from, to proto.Location) (bool, error) {
	p, err := t.pinPath(hash)
	if err != nil {
		return false, err
	}
	defer t.done(p)

	leaf := p.leaf()
	i, found := leaf.search(hash)
	if !found || leaf.ptrs[i].Seq != seq || leaf.ptrs[i].Location != from {
		return false, nil
	}
	leaf.mu.Lock()
	leaf.ptrs[i].Location = to
	leaf.dirty = true
	leaf.mu.Unlock()
	return true, nil
}

// must hold the write latches of the whole path
func (t *Tree) splitUp(p *path) {
	for d := len(p.nodes) - 1; d >= 0; d-- {
		n := p.nodes[d]
		if !n.canSplit(t.cfg.MaxNodeSize) {
			return
		}
		right, sep := n.split()
		n.version++
		t.arena.add(right)

		if d == 0 {
			root := newInternal()
			root.keys = []proto.KeyHash{sep}
			root.children = []childRef{{slot: n.slot, node: n}, {node: right}}
			n.parent.Store(root)
			right.parent.Store(root)
			t.arena.add(root)
			// published before the old root's latch is released, readers
			// recheck the root after latching it
			t.root.Store(root)
			return
		}

		parent, i := p.nodes[d-1], p.idx[d-1]
		parent.keys = append(parent.keys, proto.KeyHash{})
		copy(parent.keys[i+1:], parent.keys[i:])
		parent.keys[i] = sep
		parent.children = append(parent.children, childRef{})
		copy(parent.children[i+2:], parent.children[i+1:])
		parent.children[i+1] = childRef{node: right}
		right.parent.Store(parent)
		parent.dirty = true
		parent.version++
	}
}

func (t *Tree) underflow(n *node) bool {
	if n.leaf {
		return len(n.keys) == 0 || n.size() < t.cfg.MinNodeSize
	}
	return len(n.children) < 2 || n.size() < t.cfg.MinNodeSize
}

func (t *Tree) canMerge(left, right *node) bool {
	if left.leaf {
		count := len(left.keys) + len(right.keys)
		return count < minLeafSplit || nodeHeaderSize+count*leafEntrySize <= t.cfg.MaxNodeSize
	}
	children := len(left.children) + len(right.children)
	return children < minInternalSplit || nodeHeaderSize+4+(children-1)*internalEntrySize <= t.cfg.MaxNodeSize
}

// rebalance merges or redistributes underflowing nodes bottom up and
// collapses a root left with a single child. Must hold the write latches of
// the whole path.
func (t *Tree) rebalance(p *path) error {
	for d := len(p.nodes) - 1; d > 0; d-- {
		n := p.nodes[d]
		if !t.underflow(n) {
			break
		}
		parent, i := p.nodes[d-1], p.idx[d-1]
		if len(parent.children) < 2 {
			break
		}
		si := i + 1
		if i > 0 {
			si = i - 1
		}
		sib, err := t.loadChildLocked(parent, si)
		if err != nil {
			return err
		}
		sib.pin()
		sib.mu.Lock()
		li := i
		if si < i {
			li = si
		}
		t.mergeOrShift(parent, li)
		sib.mu.Unlock()
		sib.unpin()
	}

	// only the root may be left with a single child
	root := p.nodes[0]
	if root == t.root.Load() && !root.leaf && len(root.children) == 1 {
		child, err := t.loadChildLocked(root, 0)
		if err != nil {
			return err
		}
		child.parent.Store(nil)
		t.root.Store(child)
		t.retire(root)
	}
	return nil
}

// mergeOrShift rebalances the children li and li+1 of parent, both of them
// resident and write latched.
func (t *Tree) mergeOrShift(parent *node, li int) {
	left, right := parent.children[li].node, parent.children[li+1].node
	sep := parent.keys[li]

	if t.canMerge(left, right) {
		if left.leaf {
			left.keys = append(left.keys, right.keys...)
			left.ptrs = append(left.ptrs, right.ptrs...)
		} else {
			left.keys = append(append(left.keys, sep), right.keys...)
			for _, c := range right.children {
				if c.node != nil {
					c.node.parent.Store(left)
				}
			}
			left.children = append(left.children, right.children...)
		}
		left.dirty = true
		left.version++

		parent.keys = append(parent.keys[:li], parent.keys[li+1:]...)
		parent.children = append(parent.children[:li+1], parent.children[li+2:]...)
		parent.dirty = true
		parent.version++
		right.parent.Store(nil)
		t.retire(right)
		return
	}

	if left.leaf {
		keys := append(append([]proto.KeyHash(nil), left.keys...), right.keys...)
		ptrs := append(append([]proto.Pointer(nil), left.ptrs...), right.ptrs...)
		m := len(keys) / 2
		left.keys, right.keys = keys[:m:m], keys[m:]
		left.ptrs, right.ptrs = ptrs[:m:m], ptrs[m:]
		parent.keys[li] = right.keys[0]
	} else {
		keys := append(append(append([]proto.KeyHash(nil), left.keys...), sep), right.keys...)
		children := append(append([]childRef(nil), left.children...), right.children...)
		m := len(children) / 2
		left.children, right.children = children[:m:m], children[m:]
		left.keys, right.keys = keys[:m-1:m-1], keys[m:]
		parent.keys[li] = keys[m-1]
		for _, c := range left.children {
			if c.node != nil {
				c.node.parent.Store(left)
			}
		}
		for _, c := range right.children {
			if c.node != nil {
				c.node.parent.Store(right)
			}
		}
	}
	left.dirty, right.dirty, parent.dirty = true, true, true
	left.version++
	right.version++
	parent.version++
}

// retire drops a node unlinked from the tree, must hold its write latch.
func (t *Tree) retire(n *node) {
	n.dead = true
	t.store.release(n.slot)
	n.slot = 0
	t.arena.remove(n)
}

// evict brings the arena back under its capacity. It must be called
// without any latch held.
func (t *Tree) evict() {
	if !t.arena.over() || !t.evictMu.TryRLock() {
		return
	}
	defer t.evictMu.RUnlock()

	for round := 0; round < maxEvictRounds && t.arena.over(); round++ {
		victims := t.arena.candidates(t.arena.len() - t.cfg.MaxResident + evictBatch)
		if len(victims) == 0 {
			return
		}
		for _, v := range victims {
			if t.evictNode(v) && !t.arena.over() {
				return
			}
		}
	}
}

func (t *Tree) evictNode(v *node) bool {
	p := v.parent.Load()
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dead || p.dead || v.parent.Load() != p || v.pins.Load() > 0 || v.residentChildren() {
		return false
	}
	i := p.findChild(v)
	if i < 0 {
		return false
	}
	if v.dirty || v.slot == 0 {
		if err := t.store.write(v); err != nil {
			log.Warnf("evict index node failed: %s", err)
			return false
		}
		p.children[i].slot = v.slot
		p.dirty = true
	}
	p.children[i].node = nil
	v.dead = true
	t.arena.remove(v)
	t.evictions.Add(1)
	return true
}

// Flush writes every dirty resident node children first. It returns the
// slot of the root with the node store state matching it, the state has to
// be persisted along with the root and passed to Commit once durable.
// Nothing is evicted while it runs.
func (t *Tree) Flush() (uint32, StoreState, error) {
	t.evictMu.Lock()
	defer t.evictMu.Unlock()
	root := t.root.Load()
	if _, err := t.flush(root); err != nil {
		return 0, StoreState{}, err
	}
	return root.slot, t.store.State(), nil
}

func (t *Tree) flush(n *node) (bool, error) {
	type update struct {
		i    int
		node *node
	}
	var kids []update
	n.mu.RLock()
	for i := range n.children {
		if c := n.children[i].node; c != nil {
			kids = append(kids, update{i: i, node: c})
		}
	}
	n.mu.RUnlock()

	changed := kids[:0]
	for _, kid := range kids {
		ok, err := t.flush(kid.node)
		if err != nil {
			return false, err
		}
		if ok {
			changed = append(changed, kid)
		}
	}
	if len(changed) == 0 && !n.dirty && n.slot != 0 {
		return false, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, kid := range changed {
		n.children[kid.i].slot = kid.node.slot
	}
	if err := t.store.write(n); err != nil {
		return false, err
	}
	return true, nil
}
