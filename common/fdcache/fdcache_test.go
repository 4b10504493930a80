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

package fdcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/util"
)

func newTestCache(t *testing.T, limit int) (*Cache, string) {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	c := New(Config{Limit: limit, Retries: 2})
	t.Cleanup(c.Close)
	return c, dir
}

func TestAcquireRelease(t *testing.T) {
	c, dir := newTestCache(t, 4)
	path := filepath.Join(dir, "a")

	_, err := c.Acquire(path, false)
	require.True(t, errors.Is(err, fs.ErrNotExist))
	require.True(t, errors.Is(err, apierrors.ErrIO))

	h, err := c.Acquire(path, true)
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	h2, err := c.Acquire(path, false)
	require.NoError(t, err)
	require.Same(t, h, h2)

	buf := make([]byte, 5)
	_, err = h2.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	size, err := h.Size()
	require.NoError(t, err)
	require.Equal(t, int64(5), size)

	h.Release()
	h2.Release()
	st := c.Stats()
	require.Equal(t, 1, st.Open)
	require.Equal(t, 0, st.InUse)
	require.Equal(t, int64(1), st.Hits)
}

func TestEvictLRU(t *testing.T) {
	c, dir := newTestCache(t, 2)
	paths := make([]string, 3)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("f%d", i))
	}

	for _, p := range paths[:2] {
		h, err := c.Acquire(p, true)
		require.NoError(t, err)
		h.Release()
	}
	// touch f0 so that f1 is the least recently used
	h, err := c.Acquire(paths[0], false)
	require.NoError(t, err)
	h.Release()

	h, err = c.Acquire(paths[2], true)
	require.NoError(t, err)
	h.Release()

	st := c.Stats()
	require.Equal(t, 2, st.Open)
	require.Equal(t, int64(1), st.Evictions)

	c.mu.Lock()
	_, ok0 := c.handles[paths[0]]
	_, ok1 := c.handles[paths[1]]
	c.mu.Unlock()
	require.True(t, ok0)
	require.False(t, ok1)
}

func TestExhausted(t *testing.T) {
	c, dir := newTestCache(t, 1)

	h, err := c.Acquire(filepath.Join(dir, "a"), true)
	require.NoError(t, err)

	_, err = c.Acquire(filepath.Join(dir, "b"), true)
	require.True(t, errors.Is(err, apierrors.ErrResourceExhausted))
	require.True(t, apierrors.IsRetryable(err))

	h.Release()
	h, err = c.Acquire(filepath.Join(dir, "b"), true)
	require.NoError(t, err)
	h.Release()
}

func TestExhaustedWaitsForRelease(t *testing.T) {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	c := New(Config{Limit: 1, Retries: 8, RetryInterval: time.Millisecond})
	defer c.Close()

	h, err := c.Acquire(filepath.Join(dir, "a"), true)
	require.NoError(t, err)
	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Release()
	}()

	h2, err := c.Acquire(filepath.Join(dir, "b"), true)
	require.NoError(t, err)
	h2.Release()
	require.Equal(t, int64(1), c.Stats().Evictions)
}

func TestRemoveWhileInUse(t *testing.T) {
	c, dir := newTestCache(t, 4)
	path := filepath.Join(dir, "a")

	h, err := c.Acquire(path, true)
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("data"), 0)
	require.NoError(t, err)

	require.NoError(t, c.Remove(path))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// the holder still reads through its descriptor
	buf := make([]byte, 4)
	_, err = h.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "data", string(buf))
	h.Release()

	_, err = c.Acquire(path, false)
	require.True(t, errors.Is(err, fs.ErrNotExist))
	require.Equal(t, 0, c.Stats().Open)

	// removing a missing file is fine
	require.NoError(t, c.Remove(path))
}

func TestConcurrentAcquire(t *testing.T) {
	c, dir := newTestCache(t, 8)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.Acquire(filepath.Join(dir, fmt.Sprintf("f%d", i%4)), true)
			if err != nil {
				return
			}
			h.WriteAt([]byte{byte(i)}, int64(i))
			h.Release()
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Stats().Open, 8)
	require.Equal(t, 0, c.Stats().InUse)
}

func TestClosed(t *testing.T) {
	c, dir := newTestCache(t, 2)
	h, err := c.Acquire(filepath.Join(dir, "a"), true)
	require.NoError(t, err)
	c.Close()
	h.Release()

	_, err = c.Acquire(filepath.Join(dir, "a"), true)
	require.True(t, errors.Is(err, apierrors.ErrClosed))
}
