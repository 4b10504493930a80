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
	"bufio"
	"context"
	"io"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/sifs/common/fdcache"
	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/proto"
)

const scanBufferSize = 1 << 20

// ScanResult reports where a scan stopped. Torn is set when the bytes after
// End do not form a valid record.
type ScanResult struct {
	End  uint32
	Torn bool
}

// Throttle is called with the number of bytes read before each record is
// handed out, nil disables throttling.
type Throttle func(ctx context.Context, n int) error

// ScanFunc receives every valid record of a file. The record aliases an
// internal buffer and is only valid during the call.
type ScanFunc func(rec *Record, loc proto.Location) error

// Scan reads the records of fileID starting at from. It stops at the first
// record failing its checks and reports that as a torn tail, nothing past a
// bad record is trusted.
func (l *Log) Scan(ctx context.Context, fileID proto.FileID, from uint32, throttle Throttle, fn ScanFunc) (ScanResult, error) {
	span := trace.SpanFromContextSafe(ctx)
	h, err := l.fds.Acquire(l.filePath(fileID), false)
	if err != nil {
		return ScanResult{}, err
	}
	defer h.Release()

	// the registered size only covers completed appends
	size := int64(-1)
	l.filesMu.RLock()
	if f, ok := l.filesMu.files[fileID]; ok {
		size = int64(f.size.Load())
	}
	l.filesMu.RUnlock()
	if size < 0 {
		if size, err = h.Size(); err != nil {
			return ScanResult{}, apierrors.IO("stat data file", err)
		}
	}
	ret, err := scanHandle(ctx, h, fileID, from, size, throttle, fn)
	if ret.Torn {
		span.Warnf("segment[%d] file %d torn at %d of %d", l.cfg.SegmentID, fileID, ret.End, size)
	}
	return ret, err
}

func scanHandle(ctx context.Context, h *fdcache.Handle, fileID proto.FileID, from uint32, size int64,
	throttle Throttle, fn ScanFunc,
) (ScanResult, error) {
	ret := ScanResult{End: from}
	if int64(from) >= size {
		return ret, nil
	}
	r := bufio.NewReaderSize(io.NewSectionReader(h, int64(from), size-int64(from)), scanBufferSize)
	hdr := make([]byte, HeaderSize)
	var body []byte

	for {
		if err := ctx.Err(); err != nil {
			return ret, err
		}
		if _, err := io.ReadFull(r, hdr); err != nil {
			if err == io.EOF {
				return ret, nil
			}
			if err == io.ErrUnexpectedEOF {
				ret.Torn = true
				return ret, nil
			}
			return ret, apierrors.IO("scan data file", err)
		}
		h, err := decodeHeader(hdr)
		if err != nil {
			ret.Torn = true
			return ret, nil
		}
		if int64(ret.End)+int64(h.recordLen) > size {
			ret.Torn = true
			return ret, nil
		}
		if cap(body) < int(h.recordLen) {
			body = make([]byte, h.recordLen)
		}
		body = body[:h.recordLen]
		copy(body, hdr)
		if _, err = io.ReadFull(r, body[HeaderSize:]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				ret.Torn = true
				return ret, nil
			}
			return ret, apierrors.IO("scan data file", err)
		}
		rec, err := decodeBody(h, body)
		if err != nil {
			ret.Torn = true
			return ret, nil
		}
		if throttle != nil {
			if err = throttle(ctx, len(body)); err != nil {
				return ret, err
			}
		}
		loc := proto.Location{FileID: fileID, Offset: ret.End, Length: h.recordLen}
		if err = fn(rec, loc); err != nil {
			return ret, err
		}
		ret.End += h.recordLen
	}
}
