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

package store

import (
	"context"
	"time"

	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/proto"
)

type opType uint8

const (
	opPut opType = iota + 1
	opRemove
	opRelocate
	// opFunc runs an arbitrary function on the segment worker, used for
	// checkpoints, rebuilds, clears and purges.
	opFunc
)

func (t opType) String() string {
	switch t {
	case opPut:
		return "put"
	case opRemove:
		return "remove"
	case opRelocate:
		return "relocate"
	case opFunc:
		return "func"
	}
	return "unknown"
}

type indexOp struct {
	typ  opType
	hash proto.KeyHash
	// location and seq of the logged record, for relocations the new copy
	ptr proto.Pointer
	// previous location of a relocated record
	from proto.Location
	// index epoch a relocation was computed against
	epoch uint64
	// a remove deletes the entry only when its seq is not above bound
	bound uint64
	fn    func(ctx context.Context) error
	done  notify
}

type notify chan error

func newNotify() notify {
	return make(chan error, 1)
}

func (n notify) Notify(err error) {
	if n == nil {
		return
	}
	select {
	case n <- err:
	default:
	}
}

func (n notify) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-n:
		return err
	}
}

// opQueue is the bounded index update queue of one segment. A producer
// reserves a slot before it appends to the data log, so a record that made
// it into the log always makes it into the queue. The capacity is the
// backpressure bound of writers.
type opQueue struct {
	ch    chan indexOp
	slots chan struct{}
}

func newOpQueue(length int) *opQueue {
	return &opQueue{
		ch:    make(chan indexOp, length),
		slots: make(chan struct{}, length),
	}
}

// Reserve takes one slot. A full queue fails at once when failFast is set,
// otherwise it waits up to timeout, zero waits as long as ctx allows.
func (q *opQueue) Reserve(ctx context.Context, timeout time.Duration, failFast bool) error {
	select {
	case q.slots <- struct{}{}:
		return nil
	default:
	}
	if failFast {
		return apierrors.ErrQueueFull
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case q.slots <- struct{}{}:
		return nil
	case <-expired:
		return apierrors.ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel gives back a slot whose op will not be pushed.
func (q *opQueue) Cancel() {
	<-q.slots
}

// Push enqueues op into a reserved slot, it never blocks.
func (q *opQueue) Push(op indexOp) {
	q.ch <- op
}

func (q *opQueue) Len() int {
	return len(q.ch)
}

func (q *opQueue) Cap() int {
	return cap(q.ch)
}

// Pop is called by the single consumer once it took op off the channel.
func (q *opQueue) Pop() {
	<-q.slots
}

// Drain hands every queued op to f without blocking.
func (q *opQueue) Drain(f func(op indexOp)) {
	for {
		select {
		case op := <-q.ch:
			q.Pop()
			f(op)
		default:
			return
		}
	}
}
