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
	"errors"
	"io/fs"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/sifs/datalog"
	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/index"
	"github.com/cubefs/sifs/proto"
	"github.com/cubefs/sifs/util"
)

// clear drops every entry of the segment. It runs on the worker with the
// write mutex held: records logged before it are wiped with their files,
// their queued updates are skipped by seq.
func (s *segment) clear(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.epoch.Add(1)

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
	root, state, err := tree.Flush()
	if err == nil {
		err = ns.Sync()
	}
	if err != nil {
		return abort(err)
	}

	// commit the empty index first, files left behind by a crash are then
	// removed by recovery as orphans
	applied := s.nextSeq - 1
	next := s.log.NextFileID()
	ck := &checkpointState{
		Version:    checkpointVersion,
		Gen:        gen,
		SlotSize:   s.slotSize(),
		Root:       root,
		Store:      state,
		AppliedSeq: applied,
		NextSeq:    s.nextSeq,
		NextFileID: next,
		Cursor:     cursor{FileID: next},
		Active:     next,
		Time:       time.Now().UnixMilli(),
	}
	if err = writeCheckpoint(s.indexDir, ck); err != nil {
		return abort(err)
	}
	ns.Commit(state)

	old := s.tree.Swap(tree)
	old.Close()
	s.removeNodeFiles(ctx, gen)
	s.live.Store(0)
	s.appliedSeq.Store(applied)
	s.lastCkptSeq.Store(applied)
	s.mu.Lock()
	s.pendingDelete = make(map[proto.FileID]struct{})
	s.mu.Unlock()

	if err = s.log.Reset(); err != nil {
		return s.fail(ctx, err)
	}
	if err = s.log.StartWriting(); err != nil {
		return s.fail(ctx, err)
	}
	s.cursor = cursor{FileID: s.log.ActiveFileID()}
	if err = util.SyncDir(s.dataDir); err != nil {
		return apierrors.IO("sync data dir", err)
	}
	span.Infof("segment[%d] cleared, index gen %d, next seq %d", s.id, gen, s.nextSeq)
	return nil
}

// purgeExpired deletes the entries whose expiry passed. Each one gets a
// tombstone bounded by the seq found expired, so an entry rewritten in
// between survives.
func (s *segment) purgeExpired(ctx context.Context) (int, error) {
	if err := s.available(); err != nil {
		return 0, err
	}
	now := time.Now()
	purged := 0
	it := s.tree.Load().Scan(nil)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		ptr := it.Pointer()
		rec, err := s.log.Read(ptr.Location)
		if err != nil {
			// moved by compaction, the next purge sees it
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return purged, err
		}
		if rec.Seq != ptr.Seq || !rec.Metadata.Expired(now) {
			continue
		}
		if err = s.append(ctx, it.Hash(), datalog.NewBoundedTombstone(rec.Key, rec.Seq, now.UnixMilli())); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, it.Err()
}
