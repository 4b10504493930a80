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
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/sifs/common/router"
	"github.com/cubefs/sifs/datalog"
	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/index"
	"github.com/cubefs/sifs/metrics"
	"github.com/cubefs/sifs/proto"
)

type replayEntry struct {
	hash      proto.KeyHash
	ptr       proto.Pointer
	tombstone bool
	bound     uint64
	// the file's accounting came from the checkpoint
	persisted bool
}

// replay applies scanned records to a tree by last-writer-wins on seq, an
// equal seq prefers the higher file id which is the relocated copy.
type replay struct {
	log        *datalog.Log
	tree       *index.Tree
	appliedSeq uint64
	live       int64
	maxSeq     uint64
	entries    []replayEntry
}

func (r *replay) collect(ctx context.Context, fileID proto.FileID, from uint32, persisted bool) (datalog.ScanResult, error) {
	return r.log.Scan(ctx, fileID, from, nil, func(rec *datalog.Record, loc proto.Location) error {
		r.entries = append(r.entries, replayEntry{
			hash:      router.Hash(rec.Key),
			ptr:       proto.Pointer{Location: loc, Seq: rec.Seq},
			tombstone: rec.Tombstone,
			bound:     rec.DeleteBound(),
			persisted: persisted,
		})
		if rec.Seq > r.maxSeq {
			r.maxSeq = rec.Seq
		}
		r.log.ObserveSeq(fileID, rec.Seq)
		return nil
	})
}

func (r *replay) apply() error {
	sort.Slice(r.entries, func(i, j int) bool {
		a, b := r.entries[i].ptr, r.entries[j].ptr
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.FileID < b.FileID
	})
	for i := range r.entries {
		if err := r.applyOne(&r.entries[i]); err != nil {
			return err
		}
	}
	r.entries = nil
	return nil
}

func (r *replay) stale(loc proto.Location) {
	r.log.MarkStale(loc.FileID, loc.Length)
}

func (r *replay) applyOne(e *replayEntry) error {
	cur, ok, err := r.tree.Get(e.hash)
	if err != nil {
		return err
	}

	if e.ptr.Seq > r.appliedSeq {
		if e.tombstone {
			if ok && cur.Seq <= e.bound {
				if _, _, err = r.tree.Delete(e.hash); err != nil {
					return err
				}
				r.stale(cur.Location)
				r.live--
			}
			r.stale(e.ptr.Location)
			return nil
		}
		if ok && (cur.Seq > e.ptr.Seq || cur.Seq == e.ptr.Seq && cur.FileID >= e.ptr.FileID) {
			r.stale(e.ptr.Location)
			return nil
		}
		if _, _, err = r.tree.Put(e.hash, e.ptr); err != nil {
			return err
		}
		if ok {
			r.stale(cur.Location)
		} else {
			r.live++
		}
		return nil
	}

	// the index already holds this history, only relocations are left
	if e.tombstone {
		return nil
	}
	if ok && cur.Seq == e.ptr.Seq && cur.FileID < e.ptr.FileID {
		if _, _, err = r.tree.Put(e.hash, e.ptr); err != nil {
			return err
		}
		r.stale(cur.Location)
		return nil
	}
	if !e.persisted && !(ok && cur.Location == e.ptr.Location) {
		r.stale(e.ptr.Location)
	}
	return nil
}

// recover brings the segment to a consistent state before it takes
// traffic: replay from the checkpoint when there is a valid one, a full
// rebuild from the data log otherwise.
func (s *segment) recover(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()

	ck, err := loadCheckpoint(s.indexDir)
	if err != nil {
		span.Warnf("segment[%d] checkpoint unusable, rebuild index: %s", s.id, errors.Detail(err))
	}
	if ck != nil {
		err = s.replayCheckpoint(ctx, ck)
		if err == nil {
			metrics.Recoveries.WithLabelValues("replay").Inc()
			span.Infof("segment[%d] recovered from checkpoint seq %d in %dms, applied seq %d, live %d",
				s.id, ck.AppliedSeq, time.Since(start).Milliseconds(), s.appliedSeq.Load(), s.live.Load())
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		span.Warnf("segment[%d] replay from checkpoint failed, rebuild index: %s", s.id, errors.Detail(err))
		if tree := s.tree.Swap(nil); tree != nil {
			tree.Close()
		}
		if err = s.log.Close(); err != nil {
			return err
		}
	} else if err == nil {
		span.Infof("segment[%d] has no checkpoint, build index from data log", s.id)
	}

	if err = s.rebuild(ctx); err != nil {
		return err
	}
	span.Infof("segment[%d] rebuilt index in %dms, applied seq %d, live %d",
		s.id, time.Since(start).Milliseconds(), s.appliedSeq.Load(), s.live.Load())
	return nil
}

func (s *segment) replayCheckpoint(ctx context.Context, ck *checkpointState) error {
	span := trace.SpanFromContextSafe(ctx)
	if ck.SlotSize != s.slotSize() {
		return apierrors.IndexCorruption("replay checkpoint", "slot size %d, configured %d", ck.SlotSize, s.slotSize())
	}
	ns, err := index.OpenNodeStore(s.fds, s.indexDir, ck.Gen, s.slotSize(), ck.Store)
	if err != nil {
		return err
	}
	tree, err := index.Open(ns, s.indexConfig(), ck.Root)
	if err != nil {
		ns.Close()
		return err
	}
	s.tree.Store(tree)

	persisted := make(map[proto.FileID]datalog.FileStats, len(ck.Files))
	for _, st := range ck.Files {
		persisted[st.ID] = st
	}
	present := make(map[proto.FileID]bool)
	for _, f := range s.log.Files() {
		present[f.ID] = true
		if _, ok := persisted[f.ID]; !ok && f.ID < ck.Cursor.FileID {
			// compacted away, the crash came before the deletion
			span.Infof("segment[%d] remove orphan data file %d", s.id, f.ID)
			if err = s.log.RemoveFile(f.ID); err != nil {
				return err
			}
		}
	}
	for _, st := range ck.Files {
		if !present[st.ID] {
			return apierrors.Corruption("replay checkpoint", "data file %d is missing", st.ID)
		}
		s.log.SetStats(st)
	}

	r := &replay{log: s.log, tree: tree, appliedSeq: ck.AppliedSeq, live: ck.Live}
	files := s.log.Files()
	for _, f := range files {
		if f.ID < ck.Cursor.FileID {
			continue
		}
		from := uint32(0)
		if f.ID == ck.Cursor.FileID {
			from = ck.Cursor.Offset
		}
		if from > f.Size {
			return apierrors.Corruption("replay checkpoint", "data file %d holds %d bytes, checkpoint at %d", f.ID, f.Size, from)
		}
		_, isPersisted := persisted[f.ID]
		ret, err := r.collect(ctx, f.ID, from, isPersisted)
		if err != nil {
			return err
		}
		if ret.Torn {
			// compaction outputs get ids above the write file, only the file
			// the writer was on or one created after the checkpoint may tear
			if f.ID == ck.Active || !isPersisted {
				span.Warnf("segment[%d] truncate torn tail of data file %d at %d", s.id, f.ID, ret.End)
				if err = s.log.Truncate(f.ID, ret.End); err != nil {
					return err
				}
			} else {
				span.Errorf("segment[%d] data file %d is corrupted at %d", s.id, f.ID, ret.End)
			}
		}
	}
	if err = r.apply(); err != nil {
		return err
	}

	applied := ck.AppliedSeq
	if r.maxSeq > applied {
		applied = r.maxSeq
	}
	s.live.Store(r.live)
	s.appliedSeq.Store(applied)
	s.nextSeq = ck.NextSeq
	if s.nextSeq <= applied {
		s.nextSeq = applied + 1
	}
	s.log.EnsureNextFileID(ck.NextFileID)
	return s.startWriting(ctx)
}

// startWriting opens the write file and commits the recovered state.
func (s *segment) startWriting(ctx context.Context) error {
	if err := s.log.StartWriting(); err != nil {
		return err
	}
	active := s.log.ActiveFileID()
	st, _ := s.log.Stats(active)
	s.cursor = cursor{FileID: active, Offset: st.Size}
	s.removeNodeFiles(ctx, s.tree.Load().Store().Gen())
	return s.checkpoint(ctx)
}

// nodeFiles lists the generations of node files present in the index dir.
func (s *segment) nodeFiles() []uint64 {
	matches, _ := filepath.Glob(filepath.Join(s.indexDir, "nodes.*.idx"))
	gens := make([]uint64, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "nodes."), ".idx")
		if gen, err := strconv.ParseUint(name, 10, 64); err == nil {
			gens = append(gens, gen)
		}
	}
	return gens
}

func (s *segment) removeNodeFiles(ctx context.Context, keep uint64) {
	for _, gen := range s.nodeFiles() {
		if gen == keep {
			continue
		}
		if err := s.fds.Remove(index.NodePath(s.indexDir, gen)); err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("segment[%d] remove node file gen %d failed: %s", s.id, gen, err)
		}
	}
}

// rebuild fills a new node file generation from every data file. Offline
// it runs before the worker starts, online it runs on the worker while
// writers keep appending: records it misses are behind it in the queue.
func (s *segment) rebuild(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()
	s.epoch.Add(1)
	s.rebuilds.Add(1)
	metrics.Recoveries.WithLabelValues("rebuild").Inc()

	gen := uint64(1)
	for _, g := range s.nodeFiles() {
		if g >= gen {
			gen = g + 1
		}
	}
	ns, err := index.CreateNodeStore(s.fds, s.indexDir, gen, s.slotSize())
	if err != nil {
		return err
	}
	tree := index.New(ns, s.indexConfig())
	abort := func(err error) error {
		tree.Close()
		s.fds.Remove(index.NodePath(s.indexDir, gen))
		return err
	}

	online := s.started.Load()
	s.mu.Lock()
	active := s.log.ActiveFileID()
	files := s.log.Files()
	skip := make(map[proto.FileID]struct{}, len(s.pendingDelete)+1)
	for id := range s.pendingDelete {
		skip[id] = struct{}{}
	}
	if s.compactOutput != 0 {
		skip[s.compactOutput] = struct{}{}
	}
	s.mu.Unlock()

	r := &replay{log: s.log, tree: tree}
	var (
		activeEnd uint32
		// the file holding the newest seq is the one the writer was on,
		// compaction only copies older records
		writer proto.FileID
		torn   = make(map[proto.FileID]uint32)
	)
	for _, f := range files {
		if _, ok := skip[f.ID]; ok {
			continue
		}
		s.log.SetStats(datalog.FileStats{ID: f.ID, MinSeq: math.MaxUint64})
		maxSeq := r.maxSeq
		ret, err := r.collect(ctx, f.ID, 0, false)
		if err != nil {
			return abort(err)
		}
		if r.maxSeq > maxSeq {
			writer = f.ID
		}
		if ret.Torn {
			torn[f.ID] = ret.End
		}
		if f.ID == active {
			activeEnd = ret.End
		}
	}
	for id, end := range torn {
		if !online && (id == writer || id == files[len(files)-1].ID) {
			span.Warnf("segment[%d] truncate torn tail of data file %d at %d", s.id, id, end)
			if err = s.log.Truncate(id, end); err != nil {
				return abort(err)
			}
		} else {
			span.Errorf("segment[%d] data file %d is corrupted at %d", s.id, id, end)
		}
	}
	if err = r.apply(); err != nil {
		return abort(err)
	}

	old := s.tree.Swap(tree)
	if old != nil {
		old.Close()
		s.removeNodeFiles(ctx, gen)
	}
	s.live.Store(r.live)
	s.appliedSeq.Store(r.maxSeq)
	span.Infof("segment[%d] index rebuilt from %d files into gen %d in %dms",
		s.id, len(files), gen, time.Since(start).Milliseconds())

	if !online {
		s.nextSeq = r.maxSeq + 1
		return s.startWriting(ctx)
	}
	s.cursor = cursor{FileID: active, Offset: activeEnd}
	return s.checkpoint(ctx)
}
