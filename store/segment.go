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
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/sifs/common/fdcache"
	"github.com/cubefs/sifs/common/router"
	"github.com/cubefs/sifs/datalog"
	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/index"
	"github.com/cubefs/sifs/proto"
	"github.com/cubefs/sifs/util/limiter"
)

// a read resolving into a file removed by compaction looks the key up again
const maxReadAttempts = 3

type cursor struct {
	FileID proto.FileID `json:"file_id"`
	Offset uint32       `json:"offset"`
}

type segmentDeps struct {
	cfg     *Config
	fds     *fdcache.Cache
	limiter limiter.Limiter
	// schedule hands the segment to the compaction pool
	schedule func(s *segment)
}

// segment owns one partition of the key space: its data log, soft index,
// update queue and worker. Every index mutation runs on the worker.
type segment struct {
	id       proto.SegmentID
	dataDir  string
	indexDir string
	segmentDeps

	log  *datalog.Log
	q    *opQueue
	tree atomic.Pointer[index.Tree]

	writeMu sync.Mutex
	// guarded by writeMu
	nextSeq uint64
	closed  bool

	live       atomic.Int64
	appliedSeq atomic.Uint64
	// bumped by rebuilds and clears, compactions started before abort
	epoch       atomic.Uint64
	unavailable atomic.Pointer[apierrors.Error]

	// worker only
	cursor      cursor
	lastCkptSeq atomic.Uint64

	mu            sync.Mutex
	pendingDelete map[proto.FileID]struct{}
	compactOutput proto.FileID

	compactMu     sync.Mutex
	compactQueued atomic.Bool
	flight        singleflight.Group

	compactions atomic.Int64
	rebuilds    atomic.Int64
	checkpoints atomic.Int64

	started atomic.Bool
	closeCh chan struct{}
	done    chan struct{}
}

func newSegment(id proto.SegmentID, deps segmentDeps) (*segment, error) {
	name := strconv.FormatUint(uint64(id), 10)
	s := &segment{
		id:            id,
		dataDir:       filepath.Join(deps.cfg.DataPath, name),
		indexDir:      filepath.Join(deps.cfg.IndexPath, name),
		segmentDeps:   deps,
		q:             newOpQueue(deps.cfg.IndexQueueLength),
		nextSeq:       1,
		pendingDelete: make(map[proto.FileID]struct{}),
		closeCh:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	if err := os.MkdirAll(s.indexDir, 0o755); err != nil {
		return nil, apierrors.IO("create index dir", err)
	}
	l, err := datalog.Open(datalog.Config{
		Path:        s.dataDir,
		SegmentID:   id,
		MaxFileSize: uint32(deps.cfg.MaxFileSize),
		SyncWrites:  deps.cfg.SyncWrites,
	}, deps.fds)
	if err != nil {
		return nil, err
	}
	s.log = l
	return s, nil
}

func (s *segment) indexConfig() index.Config {
	return index.Config{
		MinNodeSize: s.cfg.MinNodeSize,
		MaxNodeSize: s.cfg.MaxNodeSize,
		MaxResident: s.cfg.MaxResidentNodes,
	}
}

func (s *segment) label() string {
	return strconv.FormatUint(uint64(s.id), 10)
}

func (s *segment) slotSize() int {
	return index.SlotSize(s.cfg.MaxNodeSize)
}

func (s *segment) available() error {
	if err := s.unavailable.Load(); err != nil {
		return err
	}
	return nil
}

// fail takes the segment out of service, the other segments keep running.
func (s *segment) fail(ctx context.Context, cause error) error {
	err := apierrors.New(apierrors.KindSegmentUnavailable, "segment "+strconv.FormatUint(uint64(s.id), 10), cause)
	if s.unavailable.CompareAndSwap(nil, err) {
		trace.SpanFromContextSafe(ctx).Errorf("segment[%d] is unavailable: %s", s.id, cause)
	}
	return s.available()
}

// append logs rec and enqueues its index update, then waits for the worker
// to apply it so that the caller reads its own write. ctx only bounds the
// wait for a queue slot: once the record is logged it will be applied, so
// the outcome of the apply is returned whatever ctx says.
func (s *segment) append(ctx context.Context, hash proto.KeyHash, rec *datalog.Record) error {
	if err := rec.Validate(); err != nil {
		return apierrors.New(apierrors.KindInvalidArgument, "append record", err)
	}
	if err := s.available(); err != nil {
		return err
	}
	if err := s.q.Reserve(ctx, s.cfg.queueTimeout(), s.cfg.FailFastOnFullQueue); err != nil {
		return err
	}

	done := newNotify()
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		s.q.Cancel()
		return apierrors.ErrClosed
	}
	rec.Seq = s.nextSeq
	loc, err := s.log.Append(rec)
	if err != nil {
		s.writeMu.Unlock()
		s.q.Cancel()
		return err
	}
	s.nextSeq++
	typ := opPut
	if rec.Tombstone {
		typ = opRemove
	}
	s.q.Push(indexOp{
		typ:   typ,
		hash:  hash,
		ptr:   proto.Pointer{Location: loc, Seq: rec.Seq},
		bound: rec.DeleteBound(),
		done:  done,
	})
	s.writeMu.Unlock()

	return s.waitApplied(done)
}

// waitApplied waits for an op that is already in the queue. Ops queued
// before the worker exits are drained and notified, so this always returns.
func (s *segment) waitApplied(done notify) error {
	select {
	case err := <-done:
		return err
	case <-s.done:
		select {
		case err := <-done:
			return err
		default:
			return apierrors.ErrClosed
		}
	}
}

func (s *segment) put(ctx context.Context, key, value []byte, meta proto.Metadata) error {
	return s.append(ctx, router.Hash(key), &datalog.Record{Key: key, Value: value, Metadata: meta})
}

// remove logs a tombstone when key is present, removing an absent key
// succeeds without touching the log.
func (s *segment) remove(ctx context.Context, key []byte) error {
	_, err := s.load(ctx, key, true)
	if errors.Is(err, apierrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rec := &datalog.Record{Tombstone: true, Key: key, Metadata: proto.Metadata{Created: time.Now().UnixMilli()}}
	return s.append(ctx, router.Hash(key), rec)
}

// load returns the newest record of key. Expired entries are reported as
// absent unless withExpired is set.
func (s *segment) load(ctx context.Context, key []byte, withExpired bool) (*datalog.Record, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	return s.resolve(ctx, router.Hash(key), key, withExpired)
}

// resolve looks hash up and reads its record, a nil key skips the key check.
func (s *segment) resolve(ctx context.Context, hash proto.KeyHash, key []byte, withExpired bool) (*datalog.Record, error) {
	for attempt := 1; ; attempt++ {
		tree := s.tree.Load()
		ptr, ok, err := tree.Get(hash)
		if err != nil {
			// a clear or rebuild swapped the tree underneath
			if tree != s.tree.Load() && attempt < maxReadAttempts {
				continue
			}
			s.requestRebuild(ctx, err)
			return nil, err
		}
		if !ok {
			return nil, apierrors.ErrNotFound
		}

		rec, err := s.log.Read(ptr.Location)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && attempt < maxReadAttempts {
				continue
			}
			if errors.Is(err, apierrors.ErrCorruption) {
				s.requestRebuild(ctx, err)
			}
			return nil, err
		}
		if rec.Seq != ptr.Seq || rec.Tombstone {
			err = apierrors.Corruption("load record", "index points %s at seq %d, found seq %d", ptr.Location, ptr.Seq, rec.Seq)
			s.requestRebuild(ctx, err)
			return nil, err
		}
		if key != nil && !bytes.Equal(rec.Key, key) {
			return nil, apierrors.ErrNotFound
		}
		if !withExpired && rec.Metadata.Expired(time.Now()) {
			return nil, apierrors.ErrNotFound
		}
		return rec, nil
	}
}

// submit runs fn on the worker and waits for it.
func (s *segment) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.q.Reserve(ctx, s.cfg.queueTimeout(), false); err != nil {
		return err
	}
	done := newNotify()
	s.q.Push(indexOp{typ: opFunc, fn: fn, done: done})
	select {
	case err := <-done:
		return err
	case <-s.done:
		// the worker drained the queue on exit or never saw the op
		select {
		case err := <-done:
			return err
		default:
			return apierrors.ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markStale accounts a dead record and hands the file to compaction once its
// garbage ratio crosses the threshold.
func (s *segment) markStale(loc proto.Location) {
	st, ok := s.log.MarkStale(loc.FileID, loc.Length)
	if !ok || st.Size == 0 || s.schedule == nil {
		return
	}
	if float64(st.Free)/float64(st.Size) > s.cfg.CompactionThreshold && loc.FileID != s.log.ActiveFileID() {
		s.schedule(s)
	}
}

func (s *segment) requestRebuild(ctx context.Context, cause error) {
	span := trace.SpanFromContextSafe(ctx)
	epoch := s.epoch.Load()
	span.Warnf("segment[%d] schedules index rebuild: %s", s.id, cause)
	go func() {
		span, _ := trace.StartSpanFromContext(context.Background(), "")
		_, err, _ := s.flight.Do("rebuild", func() (interface{}, error) {
			return nil, s.submit(context.Background(), func(ctx context.Context) error {
				if s.epoch.Load() != epoch {
					return nil
				}
				return s.rebuildOrFail(ctx)
			})
		})
		if err != nil {
			span.Errorf("segment[%d] index rebuild failed: %s", s.id, err)
		}
	}()
}

func (s *segment) pendingFiles() map[proto.FileID]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make(map[proto.FileID]struct{}, len(s.pendingDelete)+1)
	for id := range s.pendingDelete {
		ret[id] = struct{}{}
	}
	return ret
}

func (s *segment) setCompactOutput(id proto.FileID) {
	s.mu.Lock()
	s.compactOutput = id
	s.mu.Unlock()
}

type segmentStats struct {
	ID          proto.SegmentID `json:"id"`
	Available   bool            `json:"available"`
	Live        int64           `json:"live"`
	AppliedSeq  uint64          `json:"applied_seq"`
	QueueLen    int             `json:"queue_len"`
	QueueCap    int             `json:"queue_cap"`
	Files       int             `json:"files"`
	Bytes       uint64          `json:"bytes"`
	FreeBytes   uint64          `json:"free_bytes"`
	Compactions int64           `json:"compactions"`
	Rebuilds    int64           `json:"rebuilds"`
	Checkpoints int64           `json:"checkpoints"`
	Index       index.Stats     `json:"index"`
}

func (s *segment) stats() segmentStats {
	st := segmentStats{
		ID:          s.id,
		Available:   s.available() == nil,
		Live:        s.live.Load(),
		AppliedSeq:  s.appliedSeq.Load(),
		QueueLen:    s.q.Len(),
		QueueCap:    s.q.Cap(),
		Compactions: s.compactions.Load(),
		Rebuilds:    s.rebuilds.Load(),
		Checkpoints: s.checkpoints.Load(),
	}
	for _, f := range s.log.Files() {
		st.Files++
		st.Bytes += uint64(f.Size)
		st.FreeBytes += uint64(f.Free)
	}
	if tree := s.tree.Load(); tree != nil {
		st.Index = tree.Stats()
	}
	return st
}
