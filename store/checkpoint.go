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
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/sifs/datalog"
	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/index"
	"github.com/cubefs/sifs/metrics"
	"github.com/cubefs/sifs/proto"
	"github.com/cubefs/sifs/util"
)

const (
	checkpointFile    = "checkpoint"
	checkpointVersion = 1
	checkpointFrame   = 8
)

// checkpointState is everything recovery needs to resume from a consistent
// index: the tree root, the node store allocation, the position of the last
// applied record and the accounting of every data file.
type checkpointState struct {
	Version    int                 `json:"version"`
	Gen        uint64              `json:"gen"`
	SlotSize   int                 `json:"slot_size"`
	Root       uint32              `json:"root"`
	Store      index.StoreState    `json:"store"`
	AppliedSeq uint64              `json:"applied_seq"`
	NextSeq    uint64              `json:"next_seq"`
	NextFileID proto.FileID        `json:"next_file_id"`
	Cursor     cursor              `json:"cursor"`
	// file the writer appended to, the only one it may have torn
	Active     proto.FileID        `json:"active"`
	Live       int64               `json:"live"`
	Files      []datalog.FileStats `json:"files"`
	Time       int64               `json:"time"`
}

func checkpointPath(indexDir string) string {
	return filepath.Join(indexDir, checkpointFile)
}

func encodeCheckpoint(ck *checkpointState) ([]byte, error) {
	payload, err := json.Marshal(ck)
	if err != nil {
		return nil, err
	}
	b := make([]byte, checkpointFrame+len(payload))
	binary.LittleEndian.PutUint32(b[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(b[4:], crc32.ChecksumIEEE(payload))
	copy(b[checkpointFrame:], payload)
	return b, nil
}

func decodeCheckpoint(b []byte) (*checkpointState, error) {
	if len(b) < checkpointFrame {
		return nil, apierrors.IndexCorruption("load checkpoint", "short checkpoint of %d bytes", len(b))
	}
	n := binary.LittleEndian.Uint32(b[0:])
	if uint64(n) != uint64(len(b)-checkpointFrame) {
		return nil, apierrors.IndexCorruption("load checkpoint", "checkpoint length %d, file holds %d", n, len(b)-checkpointFrame)
	}
	payload := b[checkpointFrame:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(b[4:]) {
		return nil, apierrors.IndexCorruption("load checkpoint", "checkpoint checksum mismatch")
	}
	ck := &checkpointState{}
	if err := json.Unmarshal(payload, ck); err != nil {
		return nil, apierrors.IndexCorruption("load checkpoint", "decode checkpoint: %s", err)
	}
	if ck.Version != checkpointVersion {
		return nil, apierrors.IndexCorruption("load checkpoint", "unknown checkpoint version %d", ck.Version)
	}
	return ck, nil
}

// loadCheckpoint returns nil without error when the segment never
// committed one.
func loadCheckpoint(indexDir string) (*checkpointState, error) {
	b, err := os.ReadFile(checkpointPath(indexDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.IO("read checkpoint", err)
	}
	return decodeCheckpoint(b)
}

func writeCheckpoint(indexDir string, ck *checkpointState) error {
	b, err := encodeCheckpoint(ck)
	if err != nil {
		return apierrors.IO("encode checkpoint", err)
	}
	return apierrors.IO("write checkpoint", util.WriteFileAtomic(checkpointPath(indexDir), b))
}

// checkpoint commits the current index. It runs on the worker, or during
// recovery before the worker starts.
func (s *segment) checkpoint(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()

	if err := s.log.Sync(); err != nil {
		return err
	}
	tree := s.tree.Load()
	root, state, err := tree.Flush()
	if err != nil {
		return err
	}
	if err = tree.Store().Sync(); err != nil {
		return err
	}

	s.mu.Lock()
	output := s.compactOutput
	pending := make([]proto.FileID, 0, len(s.pendingDelete))
	for id := range s.pendingDelete {
		pending = append(pending, id)
	}
	s.mu.Unlock()

	// every record of a compacted file is applied, move past it so that a
	// copy left behind by a crash counts as an orphan. The worker cursor
	// moves too, a later checkpoint must not point back at a deleted file.
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	for _, id := range pending {
		if id == s.cursor.FileID {
			s.cursor = cursor{FileID: id + 1}
		}
	}
	// an unfinished compaction output is replayed as a whole
	cur := s.cursor
	if output != 0 && output < cur.FileID {
		cur = cursor{FileID: output}
	}
	s.writeMu.Lock()
	nextSeq := s.nextSeq
	s.writeMu.Unlock()

	ck := &checkpointState{
		Version:    checkpointVersion,
		Gen:        tree.Store().Gen(),
		SlotSize:   tree.Store().SlotSize(),
		Root:       root,
		Store:      state,
		AppliedSeq: s.appliedSeq.Load(),
		NextSeq:    nextSeq,
		NextFileID: s.log.NextFileID(),
		Cursor:     cur,
		Active:     s.log.ActiveFileID(),
		Live:       s.live.Load(),
		Time:       time.Now().UnixMilli(),
	}
	excluded := make(map[proto.FileID]struct{}, len(pending)+1)
	for _, id := range pending {
		excluded[id] = struct{}{}
	}
	if output != 0 {
		excluded[output] = struct{}{}
	}
	for _, f := range s.log.Files() {
		if _, ok := excluded[f.ID]; !ok {
			ck.Files = append(ck.Files, f)
		}
	}

	if err = writeCheckpoint(s.indexDir, ck); err != nil {
		return err
	}
	tree.Store().Commit(state)
	s.lastCkptSeq.Store(ck.AppliedSeq)
	s.checkpoints.Add(1)
	metrics.Checkpoints.Inc()

	// data files are deleted only once a checkpoint without them committed
	for _, id := range pending {
		if err = s.log.RemoveFile(id); err != nil {
			span.Warnf("segment[%d] remove compacted file %d failed: %s", s.id, id, err)
			continue
		}
		s.mu.Lock()
		delete(s.pendingDelete, id)
		s.mu.Unlock()
	}
	if len(pending) > 0 {
		if err = util.SyncDir(s.dataDir); err != nil {
			return apierrors.IO("sync data dir", err)
		}
	}
	span.Debugf("segment[%d] checkpoint at %d:%d seq %d root %d, deleted files %v, cost %dms",
		s.id, cur.FileID, cur.Offset, ck.AppliedSeq, root, pending, time.Since(start).Milliseconds())
	return nil
}

// dirty reports whether a checkpoint would commit anything new.
func (s *segment) dirty() bool {
	s.mu.Lock()
	pending := len(s.pendingDelete)
	s.mu.Unlock()
	return pending > 0 || s.appliedSeq.Load() != s.lastCkptSeq.Load()
}
