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

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/metrics"
	"github.com/cubefs/sifs/proto"
)

// run is the single consumer of the segment queue.
func (s *segment) run() {
	defer close(s.done)
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	span.Debugf("segment[%d] worker started", s.id)

	for {
		select {
		case op := <-s.q.ch:
			s.q.Pop()
			s.handle(ctx, op)
		case <-s.closeCh:
			s.q.Drain(func(op indexOp) {
				op.done.Notify(apierrors.ErrClosed)
			})
			span.Debugf("segment[%d] worker stopped", s.id)
			return
		}
	}
}

func (s *segment) handle(ctx context.Context, op indexOp) {
	if err := s.available(); err != nil {
		op.done.Notify(err)
		return
	}
	metrics.QueueDepth.WithLabelValues(s.label()).Set(float64(s.q.Len()))

	err := s.apply(ctx, op)
	if err != nil && op.typ != opFunc {
		span := trace.SpanFromContextSafe(ctx)
		span.Errorf("segment[%d] apply %s of %s failed, rebuild index: %s", s.id, op.typ, op.hash, errors.Detail(err))
		if err = s.rebuildOrFail(ctx); err == nil {
			err = s.apply(ctx, op)
		}
	}
	op.done.Notify(err)
}

func (s *segment) apply(ctx context.Context, op indexOp) error {
	tree := s.tree.Load()
	switch op.typ {
	case opPut:
		// already reflected by a rebuild or wiped by a clear
		if op.ptr.Seq <= s.appliedSeq.Load() {
			return nil
		}
		old, replaced, err := tree.Put(op.hash, op.ptr)
		if err != nil {
			return errors.Info(err, "put", op.hash)
		}
		if !replaced {
			s.live.Add(1)
		} else if old.Location != op.ptr.Location {
			s.markStale(old.Location)
		}
		s.advance(op.ptr)

	case opRemove:
		if op.ptr.Seq <= s.appliedSeq.Load() {
			return nil
		}
		cur, ok, err := tree.Get(op.hash)
		if err != nil {
			return errors.Info(err, "get", op.hash)
		}
		if ok && cur.Seq <= op.bound {
			if _, _, err = tree.Delete(op.hash); err != nil {
				return errors.Info(err, "delete", op.hash)
			}
			s.markStale(cur.Location)
			s.live.Add(-1)
		}
		// the tombstone itself is garbage once applied, compaction decides
		// whether it still has to be carried forward
		s.markStale(op.ptr.Location)
		s.advance(op.ptr)

	case opRelocate:
		// the index was rebuilt or cleared since the copy was made
		if op.epoch != s.epoch.Load() {
			return nil
		}
		moved, err := tree.Relocate(op.hash, op.ptr.Seq, op.from, op.ptr.Location)
		if err != nil {
			return errors.Info(err, "relocate", op.hash)
		}
		if moved {
			s.markStale(op.from)
			return nil
		}
		// the key changed since the copy was made
		cur, ok, err := tree.Get(op.hash)
		if err != nil {
			return errors.Info(err, "get", op.hash)
		}
		if !ok || cur.Location != op.ptr.Location {
			s.markStale(op.ptr.Location)
		}

	case opFunc:
		return op.fn(ctx)
	}
	return nil
}

// advance moves the applied position to a record appended by a writer.
func (s *segment) advance(ptr proto.Pointer) {
	s.appliedSeq.Store(ptr.Seq)
	s.cursor = cursor{FileID: ptr.FileID, Offset: ptr.End()}
}

// rebuildOrFail rebuilds the index from the data log, a failing rebuild
// leaves the segment unavailable.
func (s *segment) rebuildOrFail(ctx context.Context) error {
	if err := s.rebuild(ctx); err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

// stop refuses new writes, commits a last checkpoint and ends the worker.
func (s *segment) stop(ctx context.Context) error {
	s.writeMu.Lock()
	s.closed = true
	s.writeMu.Unlock()

	var err error
	if s.available() == nil {
		err = s.submit(ctx, s.checkpoint)
	}
	close(s.closeCh)
	<-s.done
	return err
}
