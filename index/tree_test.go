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

package index

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/sifs/common/fdcache"
	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/proto"
	"github.com/cubefs/sifs/util"
)

type testEnv struct {
	dir string
	fds *fdcache.Cache
	cfg Config
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	fds := fdcache.New(fdcache.Config{Limit: 8})
	t.Cleanup(fds.Close)
	return &testEnv{dir: dir, fds: fds, cfg: cfg}
}

func (e *testEnv) newTree(t *testing.T) *Tree {
	s, err := CreateNodeStore(e.fds, e.dir, 1, SlotSize(e.cfg.MaxNodeSize))
	require.NoError(t, err)
	return New(s, e.cfg)
}

func (e *testEnv) reopen(t *testing.T, root uint32, state StoreState) *Tree {
	s, err := OpenNodeStore(e.fds, e.dir, 1, SlotSize(e.cfg.MaxNodeSize), state)
	require.NoError(t, err)
	tree, err := Open(s, e.cfg, root)
	require.NoError(t, err)
	return tree
}

func hashOf(i int) proto.KeyHash {
	var h proto.KeyHash
	// spread keys over the hash space like murmur3 does
	binary.BigEndian.PutUint64(h[:], uint64(i)*0x9e3779b97f4a7c15)
	binary.BigEndian.PutUint64(h[8:], uint64(i))
	return h
}

func ptrOf(i int) proto.Pointer {
	return proto.Pointer{
		Location: proto.Location{FileID: uint32(i%7 + 1), Offset: uint32(i * 10), Length: 40},
		Seq:      uint64(i + 1),
	}
}

func TestNodeCodec(t *testing.T) {
	leaf := newLeaf()
	for i := 0; i < 3; i++ {
		leaf.insertAt(i, hashOf(i), ptrOf(i))
	}
	b := make([]byte, SlotSize(4096))
	_, err := leaf.encode(b)
	require.NoError(t, err)
	got, err := decodeNode(5, b)
	require.NoError(t, err)
	require.True(t, got.leaf)
	require.Equal(t, leaf.keys, got.keys)
	require.Equal(t, leaf.ptrs, got.ptrs)

	in := newInternal()
	in.keys = []proto.KeyHash{hashOf(1)}
	in.children = []childRef{{slot: 2}, {slot: 3}}
	_, err = in.encode(b)
	require.NoError(t, err)
	got, err = decodeNode(5, b)
	require.NoError(t, err)
	require.False(t, got.leaf)
	require.Equal(t, uint32(3), got.children[1].slot)

	b[10] ^= 0xff
	_, err = decodeNode(5, b)
	require.True(t, errors.Is(err, apierrors.ErrIndexCorruption))

	in.children[1].slot = 0
	_, err = in.encode(b)
	require.Error(t, err)
}

func TestPutGetDelete(t *testing.T) {
	env := newTestEnv(t, Config{MaxNodeSize: 4096, MaxResident: 64})
	tree := env.newTree(t)
	defer tree.Close()

	_, ok, err := tree.Get(hashOf(1))
	require.NoError(t, err)
	require.False(t, ok)

	_, replaced, err := tree.Put(hashOf(1), ptrOf(1))
	require.NoError(t, err)
	require.False(t, replaced)
	old, replaced, err := tree.Put(hashOf(1), ptrOf(2))
	require.NoError(t, err)
	require.True(t, replaced)
	require.Equal(t, ptrOf(1), old)

	ptr, ok, err := tree.Get(hashOf(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ptrOf(2), ptr)

	moved, err := tree.Relocate(hashOf(1), ptrOf(1).Seq, ptrOf(2).Location, proto.Location{FileID: 9})
	require.NoError(t, err)
	require.False(t, moved)
	moved, err = tree.Relocate(hashOf(1), ptrOf(2).Seq, ptrOf(2).Location, proto.Location{FileID: 9})
	require.NoError(t, err)
	require.True(t, moved)
	ptr, _, _ = tree.Get(hashOf(1))
	require.Equal(t, uint32(9), ptr.FileID)

	_, removed, err := tree.Delete(hashOf(1))
	require.NoError(t, err)
	require.True(t, removed)
	_, removed, err = tree.Delete(hashOf(1))
	require.NoError(t, err)
	require.False(t, removed)
}

func TestSplitAndBoundedResidency(t *testing.T) {
	const n = 100000
	env := newTestEnv(t, Config{MaxNodeSize: 512, MaxResident: 32})
	tree := env.newTree(t)
	defer tree.Close()

	for i := 0; i < n; i++ {
		_, _, err := tree.Put(hashOf(i), ptrOf(i))
		require.NoError(t, err)
		if i%1000 == 0 {
			require.LessOrEqual(t, tree.Resident(), 32)
		}
	}
	require.False(t, tree.root.Load().leaf)
	require.LessOrEqual(t, tree.Resident(), 32)
	require.Greater(t, tree.Stats().Evictions, int64(0))

	for _, i := range rand.Perm(n)[:2000] {
		ptr, ok, err := tree.Get(hashOf(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, ptrOf(i), ptr)
	}
	require.LessOrEqual(t, tree.Resident(), 32)

	count := 0
	var last proto.KeyHash
	it := tree.Scan(nil)
	for it.Next() {
		if count > 0 {
			require.True(t, last.Less(it.Hash()))
		}
		last = it.Hash()
		count++
	}
	require.NoError(t, it.Err())
	require.Equal(t, n, count)
}

func TestMergeAndCollapse(t *testing.T) {
	const n = 5000
	env := newTestEnv(t, Config{MinNodeSize: 128, MaxNodeSize: 512, MaxResident: 16})
	tree := env.newTree(t)
	defer tree.Close()

	for i := 0; i < n; i++ {
		_, _, err := tree.Put(hashOf(i), ptrOf(i))
		require.NoError(t, err)
	}
	for _, i := range rand.Perm(n) {
		if i == 42 {
			continue
		}
		_, removed, err := tree.Delete(hashOf(i))
		require.NoError(t, err)
		require.True(t, removed)
	}
	require.True(t, tree.root.Load().leaf)

	ptr, ok, err := tree.Get(hashOf(42))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ptrOf(42), ptr)
	require.Equal(t, 1, tree.Resident())
}

func TestTinyNodes(t *testing.T) {
	env := newTestEnv(t, Config{MaxNodeSize: 1, MaxResident: 16})
	tree := env.newTree(t)
	defer tree.Close()

	for i := 0; i < 500; i++ {
		_, _, err := tree.Put(hashOf(i), ptrOf(i))
		require.NoError(t, err)
	}
	for i := 0; i < 500; i++ {
		ptr, ok, err := tree.Get(hashOf(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, ptrOf(i), ptr)
	}
	for i := 0; i < 500; i += 2 {
		_, removed, err := tree.Delete(hashOf(i))
		require.NoError(t, err)
		require.True(t, removed)
	}
	count := 0
	it := tree.Scan(nil)
	for it.Next() {
		count++
	}
	require.Equal(t, 250, count)
}

func TestFlushReopen(t *testing.T) {
	const n = 20000
	env := newTestEnv(t, Config{MaxNodeSize: 1024, MaxResident: 16})
	tree := env.newTree(t)

	for i := 0; i < n; i++ {
		_, _, err := tree.Put(hashOf(i), ptrOf(i))
		require.NoError(t, err)
	}
	root, state, err := tree.Flush()
	require.NoError(t, err)
	require.NoError(t, tree.Store().Sync())
	tree.Store().Commit(state)

	// changes after the flush are lost with the process
	for i := 0; i < 100; i++ {
		_, _, err = tree.Delete(hashOf(i))
		require.NoError(t, err)
	}
	_, _, err = tree.Flush()
	require.NoError(t, err)
	tree.Close()

	reopened := env.reopen(t, root, state)
	defer reopened.Close()
	for i := 0; i < n; i += 97 {
		ptr, ok, err := reopened.Get(hashOf(i))
		require.NoError(t, err)
		require.True(t, ok, i)
		require.Equal(t, ptrOf(i), ptr)
	}
}

func TestScanPrefix(t *testing.T) {
	env := newTestEnv(t, Config{MaxNodeSize: 256, MaxResident: 64})
	tree := env.newTree(t)
	defer tree.Close()

	for i := 0; i < 3000; i++ {
		_, _, err := tree.Put(hashOf(i), ptrOf(i))
		require.NoError(t, err)
	}
	prefix := hashOf(7)
	expected := 0
	for i := 0; i < 3000; i++ {
		if hashOf(i)[0] == prefix[0] {
			expected++
		}
	}
	count := 0
	it := tree.Scan(prefix[:1])
	for it.Next() {
		require.Equal(t, prefix[0], it.Hash()[0])
		count++
	}
	require.Equal(t, expected, count)
}

func TestConcurrentReaders(t *testing.T) {
	const n = 20000
	env := newTestEnv(t, Config{MaxNodeSize: 512, MaxResident: 24})
	tree := env.newTree(t)
	defer tree.Close()

	for i := 0; i < n/2; i++ {
		_, _, err := tree.Put(hashOf(i), ptrOf(i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for j := 0; j < 5000; j++ {
				i := rnd.Intn(n / 2)
				ptr, ok, err := tree.Get(hashOf(i))
				if err != nil {
					errCh <- err
					return
				}
				if !ok || ptr != ptrOf(i) {
					errCh <- errors.New("lost entry")
					return
				}
			}
		}(int64(r))
	}
	for i := n / 2; i < n; i++ {
		_, _, err := tree.Put(hashOf(i), ptrOf(i))
		require.NoError(t, err)
		if i%3 == 0 {
			_, _, err = tree.Delete(hashOf(i))
			require.NoError(t, err)
		}
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
}
