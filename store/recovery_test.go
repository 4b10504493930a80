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
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/sifs/datalog"
	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/proto"
)

func dataFilePath(cfg Config, seg int, id proto.FileID) string {
	return filepath.Join(cfg.DataPath, fmt.Sprint(seg), fmt.Sprintf("%010d.dat", id))
}

func writeN(t *testing.T, st *Store, from, to int) {
	for i := from; i < to; i++ {
		require.NoError(t, st.Write(context.Background(), testKey(i), []byte(fmt.Sprint(i)), proto.Metadata{}))
	}
}

func requireKeys(t *testing.T, st *Store, from, to int) {
	for i := from; i < to; i++ {
		require.Equal(t, fmt.Sprint(i), mustLoad(t, st, testKey(i)))
	}
}

func TestReplayAfterCrash(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, WithSegments(2))
	st := openTestStore(t, cfg)
	writeN(t, st, 0, 100)
	require.NoError(t, st.Checkpoint(ctx))
	writeN(t, st, 100, 200)
	for i := 0; i < 50; i++ {
		require.NoError(t, st.Delete(ctx, testKey(i)))
	}
	crash(t, st)

	st = openTestStore(t, cfg)
	defer st.Stop(ctx)
	for i := 0; i < 50; i++ {
		_, err := st.Load(ctx, testKey(i))
		require.ErrorIs(t, err, apierrors.ErrNotFound)
	}
	requireKeys(t, st, 50, 200)
	n, _ := st.Size(ctx)
	require.Equal(t, int64(150), n)

	// sequence numbers keep growing past the replayed records
	require.NoError(t, st.Write(ctx, testKey(60), []byte("new"), proto.Metadata{}))
	require.Equal(t, "new", mustLoad(t, st, testKey(60)))
	for _, s := range st.segments {
		require.Equal(t, int64(0), s.rebuilds.Load())
	}
}

func TestTornRecordDiscarded(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, WithSegments(1))
	st := openTestStore(t, cfg)
	writeN(t, st, 0, 20)
	active := st.segments[0].log.ActiveFileID()
	size, _ := st.segments[0].log.Stats(active)
	crash(t, st)

	// half of a record made it to disk
	appendTorn(t, dataFilePath(cfg, 0, active))

	st = openTestStore(t, cfg)
	defer st.Stop(ctx)
	requireKeys(t, st, 0, 20)
	_, err := st.Load(ctx, []byte("torn"))
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	after, ok := st.segments[0].log.Stats(active)
	require.True(t, ok)
	require.Equal(t, size.Size, after.Size)

	// the tail is writable again
	writeN(t, st, 20, 30)
	requireKeys(t, st, 0, 30)
}

// appendTorn leaves half of a record at the end of a data file.
func appendTorn(t *testing.T, path string) {
	rec := &datalog.Record{Seq: 1000, Key: []byte("torn"), Value: []byte("value"), Metadata: proto.Metadata{Created: 1}}
	b := make([]byte, rec.Size())
	rec.MarshalTo(b)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(b[:len(b)/2])
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestTornTailBelowCompactionOutput(t *testing.T) {
	for _, dropCheckpoint := range []bool{false, true} {
		t.Run(fmt.Sprintf("rebuild=%v", dropCheckpoint), func(t *testing.T) {
			ctx := context.Background()
			cfg := newTestConfig(t, WithSegments(1))
			st := openTestStore(t, cfg)
			s := st.segments[0]
			require.NoError(t, st.Write(ctx, []byte("a"), []byte("1"), proto.Metadata{}))
			require.NoError(t, st.Write(ctx, []byte("b"), []byte("1"), proto.Metadata{}))
			require.NoError(t, s.log.Rotate())
			require.NoError(t, st.Write(ctx, []byte("a"), []byte("2"), proto.Metadata{}))
			active := s.log.ActiveFileID()
			require.NoError(t, st.Compact(ctx))
			// the compaction output sits above the file still taking writes
			files := s.log.Files()
			require.Greater(t, files[len(files)-1].ID, active)

			require.NoError(t, st.Write(ctx, []byte("c"), []byte("1"), proto.Metadata{}))
			require.Equal(t, active, s.log.ActiveFileID())
			size, _ := s.log.Stats(active)
			crash(t, st)
			if dropCheckpoint {
				require.NoError(t, os.Remove(checkpointPath(filepath.Join(cfg.IndexPath, "0"))))
			}
			appendTorn(t, dataFilePath(cfg, 0, active))

			st = openTestStore(t, cfg)
			defer st.Stop(ctx)
			after, ok := st.segments[0].log.Stats(active)
			require.True(t, ok)
			require.Equal(t, size.Size, after.Size)
			require.Equal(t, "2", mustLoad(t, st, []byte("a")))
			require.Equal(t, "1", mustLoad(t, st, []byte("b")))
			require.Equal(t, "1", mustLoad(t, st, []byte("c")))

			require.NoError(t, st.Delete(ctx, []byte("c")))
			require.NoError(t, st.CompactSegment(ctx, 0))
			require.Equal(t, "2", mustLoad(t, st, []byte("a")))
			_, err := st.Load(ctx, []byte("c"))
			require.ErrorIs(t, err, apierrors.ErrNotFound)
		})
	}
}

func TestRebuildWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, WithSegments(2), WithMaxFileSize(4<<10))
	st := openTestStore(t, cfg)
	writeN(t, st, 0, 300)
	for i := 0; i < 300; i += 2 {
		require.NoError(t, st.Write(ctx, testKey(i), []byte("again"), proto.Metadata{}))
	}
	crash(t, st)
	for i := 0; i < cfg.Segments; i++ {
		require.NoError(t, os.Remove(checkpointPath(filepath.Join(cfg.IndexPath, fmt.Sprint(i)))))
	}

	st = openTestStore(t, cfg)
	defer st.Stop(ctx)
	for i := 0; i < 300; i++ {
		want := fmt.Sprint(i)
		if i%2 == 0 {
			want = "again"
		}
		require.Equal(t, want, mustLoad(t, st, testKey(i)))
	}
	n, _ := st.Size(ctx)
	require.Equal(t, int64(300), n)
	for _, s := range st.segments {
		require.Equal(t, int64(1), s.rebuilds.Load())
		_, err := os.Stat(checkpointPath(s.indexDir))
		require.NoError(t, err)
	}
}

func TestDamagedIndexRebuilt(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, WithSegments(2))
	st := openTestStore(t, cfg)
	writeN(t, st, 0, 200)
	require.NoError(t, st.Stop(ctx))

	// one segment loses its checkpoint payload, the other its node file
	seg0 := filepath.Join(cfg.IndexPath, "0")
	b, err := os.ReadFile(checkpointPath(seg0))
	require.NoError(t, err)
	b[len(b)-2] ^= 0xff
	require.NoError(t, os.WriteFile(checkpointPath(seg0), b, 0o644))

	seg1 := filepath.Join(cfg.IndexPath, "1")
	nodes, err := filepath.Glob(filepath.Join(seg1, "nodes.*.idx"))
	require.NoError(t, err)
	require.NotEmpty(t, nodes)
	for _, p := range nodes {
		require.NoError(t, os.Truncate(p, 0))
	}

	st = openTestStore(t, cfg)
	defer st.Stop(ctx)
	requireKeys(t, st, 0, 200)
	for _, s := range st.segments {
		require.NoError(t, s.available())
		require.Equal(t, int64(1), s.rebuilds.Load())
	}
}

func TestRequestedRebuild(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, WithSegments(1))
	s := st.segments[0]
	writeN(t, st, 0, 50)
	before := s.rebuilds.Load()

	s.requestRebuild(ctx, apierrors.ErrCorruption)
	require.Eventually(t, func() bool { return s.rebuilds.Load() == before+1 }, 5*time.Second, 10*time.Millisecond)
	// queued behind the rebuild
	writeN(t, st, 50, 60)
	require.NoError(t, s.available())
	requireKeys(t, st, 0, 60)
}

func TestOrphanFileRemoved(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, WithSegments(1))
	st := openTestStore(t, cfg)
	s := st.segments[0]
	require.NoError(t, st.Write(ctx, []byte("a"), []byte("1"), proto.Metadata{}))
	require.NoError(t, st.Write(ctx, []byte("a"), []byte("2"), proto.Metadata{}))
	first := s.log.ActiveFileID()
	require.NoError(t, s.log.Rotate())
	require.NoError(t, st.Compact(ctx))
	require.NoError(t, st.Stop(ctx))

	// the compacted file came back, as if the crash beat its deletion
	require.NoError(t, os.WriteFile(dataFilePath(cfg, 0, first), []byte("stale"), 0o644))

	st = openTestStore(t, cfg)
	defer st.Stop(ctx)
	_, err := os.Stat(dataFilePath(cfg, 0, first))
	require.True(t, os.IsNotExist(err))
	require.Equal(t, "2", mustLoad(t, st, []byte("a")))
	require.Equal(t, int64(0), st.segments[0].rebuilds.Load())
}

func TestCursorSkipsCompactedFile(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, WithSegments(1))
	s := st.segments[0]
	require.NoError(t, st.Write(ctx, []byte("a"), []byte("1"), proto.Metadata{}))
	require.NoError(t, st.Write(ctx, []byte("a"), []byte("2"), proto.Metadata{}))
	first := s.log.ActiveFileID()
	require.NoError(t, s.log.Rotate())
	require.NoError(t, st.Compact(ctx))
	require.False(t, hasFile(s, first))

	// later checkpoints must not point back into the deleted file
	for i := 0; i < 2; i++ {
		require.NoError(t, st.Checkpoint(ctx))
		ck, err := loadCheckpoint(s.indexDir)
		require.NoError(t, err)
		require.Greater(t, ck.Cursor.FileID, first)
		require.Equal(t, s.log.ActiveFileID(), ck.Active)
		for _, f := range ck.Files {
			require.NotEqual(t, first, f.ID)
		}
	}
}

func TestMissingDataFileFallsBackToRebuild(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, WithSegments(1), WithMaxFileSize(4<<10))
	st := openTestStore(t, cfg)
	writeN(t, st, 0, 200)
	files := st.segments[0].log.Files()
	require.Greater(t, len(files), 2)
	require.NoError(t, st.Stop(ctx))

	lost := files[0].ID
	require.NoError(t, os.Remove(dataFilePath(cfg, 0, lost)))

	st = openTestStore(t, cfg)
	defer st.Stop(ctx)
	s := st.segments[0]
	require.NoError(t, s.available())
	require.Equal(t, int64(1), s.rebuilds.Load())
	// whatever lived in the lost file is gone, the rest is intact
	lostKeys := 0
	for i := 0; i < 200; i++ {
		_, err := st.Load(ctx, testKey(i))
		if err != nil {
			require.ErrorIs(t, err, apierrors.ErrNotFound)
			lostKeys++
		}
	}
	require.Greater(t, lostKeys, 0)
	require.Less(t, lostKeys, 200)
}
