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

package datalog

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/sifs/common/fdcache"
	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/proto"
	"github.com/cubefs/sifs/util"
)

const dataFileExt = ".dat"

type (
	Config struct {
		Path        string
		SegmentID   proto.SegmentID
		MaxFileSize uint32
		SyncWrites  bool
	}

	// FileStats is the accounting of one data file, persisted by checkpoints.
	FileStats struct {
		ID     proto.FileID `json:"id"`
		Size   uint32       `json:"size"`
		Free   uint32       `json:"free"`
		MinSeq uint64       `json:"min_seq"`
	}
)

type dataFile struct {
	id     proto.FileID
	path   string
	size   atomic.Uint32
	free   atomic.Uint32
	minSeq atomic.Uint64
}

func newDataFile(id proto.FileID, path string) *dataFile {
	f := &dataFile{id: id, path: path}
	f.minSeq.Store(math.MaxUint64)
	return f
}

func (f *dataFile) observeSeq(seq uint64) {
	for {
		cur := f.minSeq.Load()
		if seq >= cur || f.minSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (f *dataFile) stats() FileStats {
	return FileStats{ID: f.id, Size: f.size.Load(), Free: f.free.Load(), MinSeq: f.minSeq.Load()}
}

// Log is the append-only data log of one segment. Appends are serialized by
// the log's write mutex, reads are lock free positioned reads through the
// shared file handle cache.
type Log struct {
	cfg Config
	fds *fdcache.Cache

	mu         sync.Mutex
	active     *dataFile
	activeH    *fdcache.Handle
	nextFileID proto.FileID
	unsynced   bool

	filesMu struct {
		sync.RWMutex
		files map[proto.FileID]*dataFile
	}
}

// Open lists the data files already present under cfg.Path. File stats are
// seeded with their on-disk size, recovery refines them.
func Open(cfg Config, fds *fdcache.Cache) (*Log, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, apierrors.IO("create data dir", err)
	}
	entries, err := os.ReadDir(cfg.Path)
	if err != nil {
		return nil, apierrors.IO("list data dir", err)
	}

	l := &Log{cfg: cfg, fds: fds, nextFileID: 1}
	l.filesMu.files = make(map[proto.FileID]*dataFile)
	for _, entry := range entries {
		id, ok := parseFileName(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, apierrors.IO("stat data file", err)
		}
		if info.Size() > math.MaxUint32 {
			return nil, apierrors.Corruption("open data log", "data file %s exceeds 4GiB", entry.Name())
		}
		f := newDataFile(id, l.filePath(id))
		f.size.Store(uint32(info.Size()))
		l.filesMu.files[id] = f
		if id >= l.nextFileID {
			l.nextFileID = id + 1
		}
	}
	return l, nil
}

func fileName(id proto.FileID) string {
	return fmt.Sprintf("%010d%s", id, dataFileExt)
}

func parseFileName(name string) (proto.FileID, bool) {
	if !strings.HasSuffix(name, dataFileExt) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, dataFileExt), 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return proto.FileID(id), true
}

func (l *Log) filePath(id proto.FileID) string {
	return filepath.Join(l.cfg.Path, fileName(id))
}

// EnsureNextFileID moves the file id counter at least up to id, checkpoints
// remember ids of files that compaction already deleted.
func (l *Log) EnsureNextFileID(id proto.FileID) {
	l.mu.Lock()
	if id > l.nextFileID {
		l.nextFileID = id
	}
	l.mu.Unlock()
}

func (l *Log) NextFileID() proto.FileID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextFileID
}

// StartWriting picks the file new appends go to: the newest file while it
// has room, a fresh one otherwise.
func (l *Log) StartWriting() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var newest *dataFile
	l.filesMu.RLock()
	for _, f := range l.filesMu.files {
		if newest == nil || f.id > newest.id {
			newest = f
		}
	}
	l.filesMu.RUnlock()

	if newest != nil && newest.size.Load() < l.cfg.MaxFileSize {
		h, err := l.fds.Acquire(newest.path, false)
		if err != nil {
			return err
		}
		l.active, l.activeH = newest, h
		return nil
	}
	return l.rotateLocked()
}

func (l *Log) rotateLocked() error {
	if l.activeH != nil {
		if l.unsynced {
			if err := l.activeH.Sync(); err != nil {
				return apierrors.IO("sync data file", err)
			}
			l.unsynced = false
		}
		l.activeH.Release()
		l.active, l.activeH = nil, nil
	}

	f, h, err := l.createLocked()
	if err != nil {
		return err
	}
	l.active, l.activeH = f, h
	log.Debugf("segment[%d] rotate to data file %d", l.cfg.SegmentID, f.id)
	return nil
}

func (l *Log) createLocked() (*dataFile, *fdcache.Handle, error) {
	id := l.nextFileID
	f := newDataFile(id, l.filePath(id))
	h, err := l.fds.Acquire(f.path, true)
	if err != nil {
		return nil, nil, err
	}
	if err = util.SyncDir(l.cfg.Path); err != nil {
		h.Release()
		return nil, nil, apierrors.IO("sync data dir", err)
	}
	l.nextFileID++

	l.filesMu.Lock()
	l.filesMu.files[id] = f
	l.filesMu.Unlock()
	return f, h, nil
}

// Append writes rec at the tail of the active file, rotating first when the
// record does not fit. The record is durable on return when SyncWrites is set.
func (l *Log) Append(rec *Record) (proto.Location, error) {
	if err := rec.Validate(); err != nil {
		return proto.Location{}, apierrors.New(apierrors.KindInvalidArgument, "append record", err)
	}
	size := rec.Size()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return proto.Location{}, apierrors.ErrClosed
	}
	offset := l.active.size.Load()
	if offset > 0 && uint64(offset)+uint64(size) > uint64(l.cfg.MaxFileSize) {
		if err := l.rotateLocked(); err != nil {
			return proto.Location{}, err
		}
		offset = 0
	}
	if uint64(offset)+uint64(size) > math.MaxUint32 {
		return proto.Location{}, apierrors.Newf(apierrors.KindIO, "append record", "record of %d bytes overflows file", size)
	}

	buf := util.GetBuffer(size)
	defer util.PutBuffer(buf)
	rec.MarshalTo(buf)
	if _, err := l.activeH.WriteAt(buf[:size], int64(offset)); err != nil {
		return proto.Location{}, apierrors.IO("write data file", errors.Info(err, "append at", l.active.id, offset))
	}
	if l.cfg.SyncWrites {
		if err := l.activeH.Sync(); err != nil {
			return proto.Location{}, apierrors.IO("sync data file", err)
		}
	} else {
		l.unsynced = true
	}

	l.active.size.Store(offset + uint32(size))
	l.active.observeSeq(rec.Seq)
	return proto.Location{FileID: l.active.id, Offset: offset, Length: uint32(size)}, nil
}

// Rotate seals the active file and opens a new one.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

// ActiveFileID returns the id of the file receiving appends, zero when the
// log is not writing.
func (l *Log) ActiveFileID() proto.FileID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return 0
	}
	return l.active.id
}

// Sync flushes appends written since the last sync.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeH == nil || !l.unsynced {
		return nil
	}
	if err := l.activeH.Sync(); err != nil {
		return apierrors.IO("sync data file", err)
	}
	l.unsynced = false
	return nil
}

// Read returns the record stored at loc. A record failing its checks yields
// a corruption error, a file removed underneath yields an error matching
// fs.ErrNotExist.
func (l *Log) Read(loc proto.Location) (*Record, error) {
	h, err := l.fds.Acquire(l.filePath(loc.FileID), false)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	buf := make([]byte, loc.Length)
	n, err := h.ReadAt(buf, int64(loc.Offset))
	if n < len(buf) {
		if err == nil {
			err = errShortRecord
		}
		return nil, apierrors.Corruption("read record", "read %s: %s", loc, err)
	}
	rec, err := DecodeRecord(buf)
	if err != nil {
		return nil, apierrors.Corruption("read record", "decode %s: %s", loc, err)
	}
	return rec, nil
}

// MarkStale accounts length bytes of fileID as garbage and returns the new
// stats of the file.
func (l *Log) MarkStale(fileID proto.FileID, length uint32) (FileStats, bool) {
	l.filesMu.RLock()
	f, ok := l.filesMu.files[fileID]
	l.filesMu.RUnlock()
	if !ok {
		return FileStats{}, false
	}
	for {
		free := f.free.Load()
		next := free + length
		if size := f.size.Load(); next > size {
			next = size
		}
		if f.free.CompareAndSwap(free, next) {
			break
		}
	}
	return f.stats(), true
}

// SetStats overwrites the accounting of a known file.
func (l *Log) SetStats(st FileStats) {
	l.filesMu.RLock()
	f, ok := l.filesMu.files[st.ID]
	l.filesMu.RUnlock()
	if !ok {
		return
	}
	f.free.Store(st.Free)
	f.minSeq.Store(st.MinSeq)
}

func (l *Log) ObserveSeq(fileID proto.FileID, seq uint64) {
	l.filesMu.RLock()
	f, ok := l.filesMu.files[fileID]
	l.filesMu.RUnlock()
	if ok {
		f.observeSeq(seq)
	}
}

func (l *Log) Stats(fileID proto.FileID) (FileStats, bool) {
	l.filesMu.RLock()
	f, ok := l.filesMu.files[fileID]
	l.filesMu.RUnlock()
	if !ok {
		return FileStats{}, false
	}
	return f.stats(), true
}

// Files returns the stats of every file sorted by id.
func (l *Log) Files() []FileStats {
	l.filesMu.RLock()
	ret := make([]FileStats, 0, len(l.filesMu.files))
	for _, f := range l.filesMu.files {
		ret = append(ret, f.stats())
	}
	l.filesMu.RUnlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// RemoveFile deletes a data file. The active file can not be removed.
func (l *Log) RemoveFile(fileID proto.FileID) error {
	if l.ActiveFileID() == fileID {
		return apierrors.Newf(apierrors.KindIO, "remove data file", "file %d is being written", fileID)
	}
	l.filesMu.Lock()
	delete(l.filesMu.files, fileID)
	l.filesMu.Unlock()
	return l.fds.Remove(l.filePath(fileID))
}

// Truncate cuts a file at size, dropping a torn tail found by recovery.
func (l *Log) Truncate(fileID proto.FileID, size uint32) error {
	l.filesMu.RLock()
	f, ok := l.filesMu.files[fileID]
	l.filesMu.RUnlock()
	if !ok {
		return nil
	}
	h, err := l.fds.Acquire(f.path, false)
	if err != nil {
		return err
	}
	defer h.Release()
	if err = h.Truncate(int64(size)); err != nil {
		return apierrors.IO("truncate data file", err)
	}
	if err = h.Sync(); err != nil {
		return apierrors.IO("sync data file", err)
	}
	f.size.Store(size)
	if f.free.Load() > size {
		f.free.Store(size)
	}
	return nil
}

// Reset removes every data file, used when a segment is cleared. The log
// has to be restarted with StartWriting afterwards.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeH != nil {
		l.activeH.Release()
		l.active, l.activeH = nil, nil
		l.unsynced = false
	}

	l.filesMu.Lock()
	files := l.filesMu.files
	l.filesMu.files = make(map[proto.FileID]*dataFile)
	l.filesMu.Unlock()

	for _, f := range files {
		if err := l.fds.Remove(f.path); err != nil {
			return err
		}
	}
	return nil
}

// Close syncs and releases the active file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeH == nil {
		return nil
	}
	var err error
	if l.unsynced {
		err = l.activeH.Sync()
		l.unsynced = false
	}
	l.activeH.Release()
	l.active, l.activeH = nil, nil
	return apierrors.IO("close data log", err)
}
