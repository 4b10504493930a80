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
	"math"

	"github.com/cubefs/sifs/common/fdcache"
	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/proto"
	"github.com/cubefs/sifs/util"
)

// FileWriter appends records to a file that is not the active one, it is
// the output of a compaction. The file is registered in the log at creation
// so its records are readable as soon as they are written.
type FileWriter struct {
	log  *Log
	file *dataFile
	h    *fdcache.Handle
	buf  []byte
}

// CreateFile allocates the next file id for a compaction output.
func (l *Log) CreateFile() (*FileWriter, error) {
	l.mu.Lock()
	f, h, err := l.createLocked()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &FileWriter{log: l, file: f, h: h}, nil
}

func (w *FileWriter) ID() proto.FileID {
	return w.file.id
}

func (w *FileWriter) Size() uint32 {
	return w.file.size.Load()
}

// Append copies one record, it keeps the record's sequence number.
func (w *FileWriter) Append(rec *Record) (proto.Location, error) {
	size := rec.Size()
	offset := w.file.size.Load()
	if uint64(offset)+uint64(size) > math.MaxUint32 {
		return proto.Location{}, apierrors.Newf(apierrors.KindIO, "append record", "record of %d bytes overflows file", size)
	}
	if cap(w.buf) < size {
		w.buf = make([]byte, size)
	}
	b := w.buf[:size]
	rec.MarshalTo(b)
	if _, err := w.h.WriteAt(b, int64(offset)); err != nil {
		return proto.Location{}, apierrors.IO("write data file", err)
	}
	w.file.size.Store(offset + uint32(size))
	w.file.observeSeq(rec.Seq)
	return proto.Location{FileID: w.file.id, Offset: offset, Length: uint32(size)}, nil
}

func (w *FileWriter) Sync() error {
	return apierrors.IO("sync data file", w.h.Sync())
}

// Close releases the handle and keeps the file.
func (w *FileWriter) Close() error {
	err := w.h.Sync()
	w.h.Release()
	return apierrors.IO("close data file", err)
}

// Abort drops the file and everything written to it.
func (w *FileWriter) Abort() error {
	w.h.Release()
	w.log.filesMu.Lock()
	delete(w.log.filesMu.files, w.file.id)
	w.log.filesMu.Unlock()
	if err := w.log.fds.Remove(w.file.path); err != nil {
		return err
	}
	return apierrors.IO("sync data dir", util.SyncDir(w.log.cfg.Path))
}
