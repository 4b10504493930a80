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
	"math"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/sifs/common/router"
	"github.com/cubefs/sifs/datalog"
	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/metrics"
	"github.com/cubefs/sifs/proto"
)

type compactResult struct {
	input    datalog.FileStats
	output   proto.FileID
	written  uint32
	live     int
	carried  int
	aborted  bool
	duration time.Duration
}

// compact rewrites the segment's files whose garbage ratio is above the
// threshold, force takes every sealed file holding any garbage. At most one
// compaction runs per segment, a background one gives way to a running one.
func (s *segment) compact(ctx context.Context, force bool) error {
	if force {
		s.compactMu.Lock()
	} else if !s.compactMu.TryLock() {
		return nil
	}
	defer s.compactMu.Unlock()

	span := trace.SpanFromContextSafe(ctx)
	tried := make(map[proto.FileID]bool)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.available(); err != nil {
			return err
		}
		id, ok := s.pickCandidate(force, tried)
		if !ok {
			return nil
		}
		tried[id] = true

		ret, err := s.compactFile(ctx, id)
		if err != nil {
			metrics.Compactions.WithLabelValues("failed").Inc()
			span.Errorf("segment[%d] compact file %d failed: %s", s.id, id, errors.Detail(err))
			return err
		}
		if ret.aborted {
			metrics.Compactions.WithLabelValues("aborted").Inc()
			span.Warnf("segment[%d] compaction of file %d aborted by an index reset", s.id, id)
			continue
		}
		metrics.Compactions.WithLabelValues("ok").Inc()
		metrics.CompactedBytes.Add(float64(ret.input.Size))
		s.compactions.Add(1)
		span.Infof("segment[%d] compacted file %d (size %d, free %d) into file %d: %d bytes, %d live, %d tombstones, cost %dms",
			s.id, id, ret.input.Size, ret.input.Free, ret.output, ret.written, ret.live, ret.carried, ret.duration.Milliseconds())
	}
}

// pickCandidate returns the sealed file with the largest garbage ratio.
func (s *segment) pickCandidate(force bool, tried map[proto.FileID]bool) (proto.FileID, bool) {
	active := s.log.ActiveFileID()
	pending := s.pendingFiles()

	var best proto.FileID
	bestRatio := -1.0
	for _, f := range s.log.Files() {
		if _, ok := pending[f.ID]; ok || f.ID == active || tried[f.ID] {
			continue
		}
		ratio := 1.0
		if f.Size > 0 {
			ratio = float64(f.Free) / float64(f.Size)
		}
		if force && ratio == 0 || !force && ratio <= s.cfg.CompactionThreshold {
			continue
		}
		if ratio > bestRatio {
			best, bestRatio = f.ID, ratio
		}
	}
	return best, best != 0
}

// minSeqExcept is the smallest seq held by any file other than ids.
func (s *segment) minSeqExcept(ids ...proto.FileID) uint64 {
	min := uint64(math.MaxUint64)
	for _, f := range s.log.Files() {
		skip := false
		for _, id := range ids {
			skip = skip || f.ID == id
		}
		if !skip && f.MinSeq < min {
			min = f.MinSeq
		}
	}
	return min
}

func (s *segment) compactFile(ctx context.Context, id proto.FileID) (ret compactResult, err error) {
	start := time.Now()
	epoch := s.epoch.Load()

	// every record of the sealed file is applied once the barrier returns
	if err = s.submit(ctx, func(context.Context) error { return nil }); err != nil {
		return
	}
	input, ok := s.log.Stats(id)
	if !ok {
		return
	}
	ret.input = input

	s.mu.Lock()
	w, err := s.log.CreateFile()
	if err == nil {
		s.compactOutput = w.ID()
	}
	s.mu.Unlock()
	if err != nil {
		return
	}
	ret.output = w.ID()
	outputDone := false
	defer func() {
		if !outputDone {
			s.setCompactOutput(0)
		}
	}()

	var relocs []indexOp
	older := s.minSeqExcept(id, w.ID())
	tree := s.tree.Load()
	throttle := func(ctx context.Context, n int) error { return s.limiter.WaitRead(ctx, n) }
	scan, err := s.log.Scan(ctx, id, 0, throttle, func(rec *datalog.Record, loc proto.Location) error {
		hash := router.Hash(rec.Key)
		ptr, ok, err := tree.Get(hash)
		if err != nil {
			return err
		}
		if rec.Tombstone {
			// superseded, or nothing older left for it to hide
			if ok || older >= rec.Seq {
				return nil
			}
			if err = s.limiter.WaitWrite(ctx, rec.Size()); err != nil {
				return err
			}
			if _, err = w.Append(rec); err != nil {
				return err
			}
			ret.carried++
			return nil
		}
		if !ok || ptr.Location != loc || ptr.Seq != rec.Seq {
			return nil
		}
		if err = s.limiter.WaitWrite(ctx, rec.Size()); err != nil {
			return err
		}
		to, err := w.Append(rec)
		if err != nil {
			return err
		}
		relocs = append(relocs, indexOp{
			typ:   opRelocate,
			hash:  hash,
			ptr:   proto.Pointer{Location: to, Seq: rec.Seq},
			from:  loc,
			epoch: epoch,
		})
		return nil
	})
	if err == nil && scan.Torn {
		err = apierrors.Corruption("compact data file", "file %d is unreadable past %d of %d", id, scan.End, input.Size)
	}
	if err == nil {
		err = w.Sync()
	}
	if err != nil || s.epoch.Load() != epoch {
		ret.aborted = err == nil
		if aerr := w.Abort(); aerr != nil {
			trace.SpanFromContextSafe(ctx).Warnf("segment[%d] drop compaction output %d failed: %s", s.id, w.ID(), aerr)
		}
		return
	}
	ret.written = w.Size()
	ret.live = len(relocs)
	output := ret.output
	if ret.written == 0 {
		// nothing survived, the input goes away without a replacement
		if err = w.Abort(); err != nil {
			return
		}
		output = 0
	} else if err = w.Close(); err != nil {
		return
	}

	for i := range relocs {
		if err = s.q.Reserve(ctx, s.cfg.queueTimeout(), false); err != nil {
			if i == 0 {
				s.log.RemoveFile(output)
				return
			}
			// the output stays, the copies nobody points at are garbage
			for _, op := range relocs[i:] {
				s.log.MarkStale(op.ptr.FileID, op.ptr.Length)
			}
			return
		}
		s.q.Push(relocs[i])
	}

	// the finish step runs behind every relocation
	if err = s.q.Reserve(ctx, s.cfg.queueTimeout(), false); err != nil {
		return
	}
	outputDone = true
	reset := false
	done := newNotify()
	s.q.Push(indexOp{typ: opFunc, done: done, fn: func(ctx context.Context) error {
		s.setCompactOutput(0)
		if s.epoch.Load() != epoch {
			reset = true
			if output == 0 {
				return nil
			}
			return s.log.RemoveFile(output)
		}
		s.mu.Lock()
		s.pendingDelete[id] = struct{}{}
		s.mu.Unlock()
		return s.checkpoint(ctx)
	}})
	if err = done.Wait(ctx); err == nil {
		ret.aborted = reset
	}
	ret.duration = time.Since(start)
	return
}
