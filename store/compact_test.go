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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/sifs/datalog"
	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/proto"
)

// countRecords scans every data file of s for records of key.
func countRecords(t *testing.T, s *segment, key string) (values, tombstones int) {
	for _, f := range s.log.Files() {
		_, err := s.log.Scan(context.Background(), f.ID, 0, nil, func(rec *datalog.Record, _ proto.Location) error {
			if string(rec.Key) != key {
				return nil
			}
			if rec.Tombstone {
				tombstones++
			} else {
				values++
			}
			return nil
		})
		require.NoError(t, err)
	}
	return
}

func hasFile(s *segment, id proto.FileID) bool {
	_, ok := s.log.Stats(id)
	return ok
}

func TestCompactOverwrite(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, WithSegments(1))
	s := st.segments[0]
	key := []byte("a")

	require.NoError(t, st.Write(ctx, key, []byte("1"), proto.Metadata{}))
	require.NoError(t, st.Write(ctx, key, []byte("2"), proto.Metadata{}))
	first := s.log.ActiveFileID()
	require.NoError(t, s.log.Rotate())

	values, _ := countRecords(t, s, "a")
	require.Equal(t, 2, values)

	require.NoError(t, st.Compact(ctx))
	require.False(t, hasFile(s, first))
	values, _ = countRecords(t, s, "a")
	require.Equal(t, 1, values)
	require.Equal(t, "2", mustLoad(t, st, key))
	require.Equal(t, int64(1), s.compactions.Load())
}

func TestCompactReclaimsDeleted(t *testing.T) {
	const n = 100
	ctx := context.Background()
	st, cfg := newTestStore(t, WithSegments(1), WithCompaction(0.5, 1, 0))
	s := st.segments[0]

	for i := 0; i < n; i++ {
		require.NoError(t, st.Write(ctx, testKey(i), []byte(fmt.Sprintf("value-%d", i)), proto.Metadata{}))
	}
	first := s.log.ActiveFileID()
	require.NoError(t, s.log.Rotate())
	for i := 0; i < n*6/10; i++ {
		require.NoError(t, st.Delete(ctx, testKey(i)))
	}
	stats, ok := s.log.Stats(first)
	if ok {
		require.Greater(t, float64(stats.Free)/float64(stats.Size), 0.5)
	}

	require.NoError(t, st.CompactSegment(ctx, 0))
	require.False(t, hasFile(s, first))
	_, err := os.Stat(filepath.Join(cfg.DataPath, "0", fmt.Sprintf("%010d.dat", first)))
	require.True(t, os.IsNotExist(err))

	for _, f := range s.log.Files() {
		if f.ID == s.log.ActiveFileID() {
			continue
		}
		// the copy holds only live records
		require.Equal(t, uint32(0), f.Free)
	}
	for i := 0; i < n; i++ {
		e, err := st.Load(ctx, testKey(i))
		if i < n*6/10 {
			require.ErrorIs(t, err, apierrors.ErrNotFound)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("value-%d", i), string(e.Value))
	}
	size, _ := st.Size(ctx)
	require.Equal(t, int64(n-n*6/10), size)

	require.Error(t, st.CompactSegment(ctx, 5))
}

func TestTombstoneSurvivesCompaction(t *testing.T) {
	ctx := context.Background()
	// background compaction off, files are compacted one by one by hand
	cfg := newTestConfig(t, WithSegments(1), WithCompaction(1, 1, 0))
	st := openTestStore(t, cfg)
	s := st.segments[0]

	// file 1 holds the value, file 2 its tombstone plus filler that turns
	// the file into garbage
	require.NoError(t, st.Write(ctx, []byte("a"), []byte("1"), proto.Metadata{}))
	require.NoError(t, s.log.Rotate())
	require.NoError(t, st.Delete(ctx, []byte("a")))
	for i := 0; i < 10; i++ {
		require.NoError(t, st.Write(ctx, testKey(i), []byte("filler"), proto.Metadata{}))
		require.NoError(t, st.Delete(ctx, testKey(i)))
	}
	tombFile := s.log.ActiveFileID()
	require.NoError(t, s.log.Rotate())

	// only the tombstone file is compacted while the value file still exists
	_, err := s.compactFile(ctx, tombFile)
	require.NoError(t, err)
	require.False(t, hasFile(s, tombFile))
	values, tombstones := countRecords(t, s, "a")
	require.Equal(t, 1, values)
	require.Equal(t, 1, tombstones)

	// a full rebuild from the data log keeps the key deleted
	require.NoError(t, st.Stop(ctx))
	require.NoError(t, os.Remove(checkpointPath(filepath.Join(cfg.IndexPath, "0"))))
	st = openTestStore(t, cfg)
	defer st.Stop(ctx)
	_, err = st.Load(ctx, []byte("a"))
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	// the dead value goes away, the key stays deleted
	require.NoError(t, st.Compact(ctx))
	values, _ = countRecords(t, st.segments[0], "a")
	require.Equal(t, 0, values)
	_, err = st.Load(ctx, []byte("a"))
	require.ErrorIs(t, err, apierrors.ErrNotFound)
}

func TestPickCandidate(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, WithSegments(1), WithCompaction(0.5, 1, 0))
	s := st.segments[0]

	require.NoError(t, st.Write(ctx, []byte("a"), []byte("1"), proto.Metadata{}))
	_, ok := s.pickCandidate(true, nil)
	require.False(t, ok, "active file is never picked")

	require.NoError(t, st.Write(ctx, []byte("b"), []byte("1"), proto.Metadata{}))
	require.NoError(t, st.Write(ctx, []byte("a"), []byte("2"), proto.Metadata{}))
	first := s.log.ActiveFileID()
	require.NoError(t, s.log.Rotate())

	// a third of the file is garbage: forced only
	_, ok = s.pickCandidate(false, nil)
	require.False(t, ok)
	id, ok := s.pickCandidate(true, nil)
	require.True(t, ok)
	require.Equal(t, first, id)
	_, ok = s.pickCandidate(true, map[proto.FileID]bool{first: true})
	require.False(t, ok)
}

func TestCompactDuringWrites(t *testing.T) {
	const n = 300
	ctx := context.Background()
	st, _ := newTestStore(t, WithSegments(1), WithMaxFileSize(16<<10), WithSyncWrites(false))

	for i := 0; i < n; i++ {
		require.NoError(t, st.Write(ctx, testKey(i%50), []byte(fmt.Sprintf("v%d", i)), proto.Metadata{}))
	}
	done := make(chan error, 1)
	go func() { done <- st.Compact(ctx) }()
	for i := n; i < 2*n; i++ {
		require.NoError(t, st.Write(ctx, testKey(i%50), []byte(fmt.Sprintf("v%d", i)), proto.Metadata{}))
	}
	require.NoError(t, <-done)
	require.NoError(t, st.Compact(ctx))

	for k := 0; k < 50; k++ {
		last := 2*n - 50 + k
		require.Equal(t, fmt.Sprintf("v%d", last), mustLoad(t, st, testKey(k)))
	}
	size, _ := st.Size(ctx)
	require.Equal(t, int64(50), size)
}
