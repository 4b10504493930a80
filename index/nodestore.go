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
	"fmt"
	"hash/crc32"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cubefs/sifs/common/fdcache"
	apierrors "github.com/cubefs/sifs/errors"
)

const (
	storeMagic      = "SIFSIDX1"
	storeHeaderSize = 8 + 4 + 8 + 4
	slotAlign       = 64
)

// SlotSize returns the slot size able to hold any node built with the
// given maximum node size, nodes may overflow the maximum by one entry
// before they split.
func SlotSize(maxNodeSize int) int {
	size := maxNodeSize
	if floor := nodeHeaderSize + 4*leafEntrySize; size < floor {
		size = floor
	}
	size += leafEntrySize
	if size < storeHeaderSize {
		size = storeHeaderSize
	}
	return (size + slotAlign - 1) / slotAlign * slotAlign
}

// NodePath returns the node file of a generation inside dir.
func NodePath(dir string, gen uint64) string {
	return filepath.Join(dir, fmt.Sprintf("nodes.%d.idx", gen))
}

// StoreState is the persisted allocation state of a node store.
type StoreState struct {
	HighWater uint32   `json:"high_water"`
	Free      []uint32 `json:"free"`
}

// NodeStore is a file of fixed size slots holding index nodes. Slot zero is
// the file header. Slots released while a checkpoint epoch is open stay
// reserved until Commit, so the last committed tree is never overwritten.
type NodeStore struct {
	path     string
	gen      uint64
	slotSize int
	h        *fdcache.Handle

	mu          sync.Mutex
	highWater   uint32
	free        []uint32
	pendingFree []uint32
}

// CreateNodeStore makes a new empty node file, replacing any previous file
// of the same generation.
func CreateNodeStore(fds *fdcache.Cache, dir string, gen uint64, slotSize int) (*NodeStore, error) {
	path := NodePath(dir, gen)
	if err := fds.Remove(path); err != nil {
		return nil, err
	}
	h, err := fds.Acquire(path, true)
	if err != nil {
		return nil, err
	}
	s := &NodeStore{path: path, gen: gen, slotSize: slotSize, h: h, highWater: 1}
	hdr := make([]byte, slotSize)
	copy(hdr, storeMagic)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(slotSize))
	binary.LittleEndian.PutUint64(hdr[12:], gen)
	binary.LittleEndian.PutUint32(hdr[20:], crc32.ChecksumIEEE(hdr[:20]))
	if _, err = h.WriteAt(hdr, 0); err != nil {
		h.Release()
		return nil, apierrors.IO("write node file header", err)
	}
	if err = h.Sync(); err != nil {
		h.Release()
		return nil, apierrors.IO("sync node file", err)
	}
	return s, nil
}

// OpenNodeStore opens an existing node file with the allocation state of
// the checkpoint that references it.
func OpenNodeStore(fds *fdcache.Cache, dir string, gen uint64, slotSize int, state StoreState) (*NodeStore, error) {
	path := NodePath(dir, gen)
	h, err := fds.Acquire(path, false)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, storeHeaderSize)
	if _, err = h.ReadAt(hdr, 0); err != nil {
		h.Release()
		return nil, apierrors.IndexCorruption("open node file", "read header of %s: %s", path, err)
	}
	switch {
	case string(hdr[:8]) != storeMagic,
		crc32.ChecksumIEEE(hdr[:20]) != binary.LittleEndian.Uint32(hdr[20:]),
		binary.LittleEndian.Uint64(hdr[12:]) != gen:
		h.Release()
		return nil, apierrors.IndexCorruption("open node file", "bad header of %s", path)
	case int(binary.LittleEndian.Uint32(hdr[8:])) != slotSize:
		h.Release()
		return nil, apierrors.IndexCorruption("open node file", "slot size of %s changed", path)
	}
	if state.HighWater == 0 {
		state.HighWater = 1
	}
	return &NodeStore{
		path: path, gen: gen, slotSize: slotSize, h: h,
		highWater: state.HighWater,
		free:      append([]uint32(nil), state.Free...),
	}, nil
}

func (s *NodeStore) Gen() uint64 {
	return s.gen
}

func (s *NodeStore) SlotSize() int {
	return s.slotSize
}

func (s *NodeStore) alloc() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.free); n > 0 {
		slot := s.free[n-1]
		s.free = s.free[:n-1]
		return slot
	}
	slot := s.highWater
	s.highWater++
	return slot
}

// release schedules a slot for reuse after the next commit.
func (s *NodeStore) release(slot uint32) {
	if slot == 0 {
		return
	}
	s.mu.Lock()
	s.pendingFree = append(s.pendingFree, slot)
	s.mu.Unlock()
}

func (s *NodeStore) read(slot uint32) (*node, error) {
	if slot == 0 {
		return nil, apierrors.IndexCorruption("read node", "slot zero is the header")
	}
	s.mu.Lock()
	hw := s.highWater
	s.mu.Unlock()
	if slot >= hw {
		return nil, apierrors.IndexCorruption("read node", "slot %d beyond high water %d", slot, hw)
	}
	b := make([]byte, s.slotSize)
	n, err := s.h.ReadAt(b, int64(slot)*int64(s.slotSize))
	if n < len(b) {
		if err == nil {
			err = fmt.Errorf("short read of %d bytes", n)
		}
		return nil, apierrors.IndexCorruption("read node", "slot %d: %s", slot, err)
	}
	return decodeNode(slot, b)
}

// write stores n into a fresh slot and releases the slot it had before.
func (s *NodeStore) write(n *node) error {
	b := make([]byte, s.slotSize)
	if _, err := n.encode(b); err != nil {
		return err
	}
	slot := s.alloc()
	if _, err := s.h.WriteAt(b, int64(slot)*int64(s.slotSize)); err != nil {
		s.mu.Lock()
		s.free = append(s.free, slot)
		s.mu.Unlock()
		return apierrors.IO("write node", err)
	}
	s.release(n.slot)
	n.slot = slot
	n.dirty = false
	return nil
}

func (s *NodeStore) Sync() error {
	return apierrors.IO("sync node file", s.h.Sync())
}

// State returns the allocation state to persist with a checkpoint. Slots
// pending release are free from the point of view of the new checkpoint.
func (s *NodeStore) State() StoreState {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := make([]uint32, 0, len(s.free)+len(s.pendingFree))
	free = append(free, s.free...)
	free = append(free, s.pendingFree...)
	sort.Slice(free, func(i, j int) bool { return free[i] < free[j] })
	return StoreState{HighWater: s.highWater, Free: free}
}

// Commit makes slots released before the last State call reusable, call it
// once the checkpoint carrying that state is durable.
func (s *NodeStore) Commit(state StoreState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := make(map[uint32]struct{}, len(state.Free))
	for _, slot := range state.Free {
		released[slot] = struct{}{}
	}
	pending := s.pendingFree[:0]
	for _, slot := range s.pendingFree {
		if _, ok := released[slot]; ok {
			s.free = append(s.free, slot)
		} else {
			pending = append(pending, slot)
		}
	}
	s.pendingFree = pending
}

func (s *NodeStore) Stats() (highWater uint32, free, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highWater, len(s.free), len(s.pendingFree)
}

func (s *NodeStore) Close() {
	s.h.Release()
}
