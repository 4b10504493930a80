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

import "sync"

// arena tracks resident nodes for CLOCK eviction. Each resident node holds
// one ticket. arena.mu is never held while waiting on a node latch.
type arena struct {
	mu       sync.Mutex
	ring     []*node
	hand     int
	capacity int
}

func newArena(capacity int) *arena {
	return &arena{capacity: capacity}
}

func (a *arena) add(n *node) {
	n.ref.Store(true)
	a.mu.Lock()
	if n.ticket < 0 {
		n.ticket = len(a.ring)
		a.ring = append(a.ring, n)
	}
	a.mu.Unlock()
}

func (a *arena) remove(n *node) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := n.ticket
	if i < 0 || i >= len(a.ring) || a.ring[i] != n {
		return
	}
	last := len(a.ring) - 1
	a.ring[i] = a.ring[last]
	a.ring[i].ticket = i
	a.ring[last] = nil
	a.ring = a.ring[:last]
	n.ticket = -1
	if a.hand >= len(a.ring) {
		a.hand = 0
	}
}

func (a *arena) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ring)
}

func (a *arena) over() bool {
	return a.len() > a.capacity
}

// candidates advances the clock hand and returns up to max nodes whose
// reference bit was clear, giving a second chance to the others.
func (a *arena) candidates(max int) []*node {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ret []*node
	for scanned := 0; scanned < 2*len(a.ring) && len(ret) < max; scanned++ {
		if a.hand >= len(a.ring) {
			a.hand = 0
		}
		n := a.ring[a.hand]
		a.hand++
		if n.pins.Load() > 0 || n.parent.Load() == nil {
			continue
		}
		if n.ref.Swap(false) {
			continue
		}
		ret = append(ret, n)
	}
	return ret
}
