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
	"container/list"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"

	apierrors "github.com/cubefs/sifs/errors"
)

const defaultRetryInterval = 5 * time.Millisecond

type (
	Config struct {
		// Limit caps the number of descriptors open at the same time.
		Limit int `json:"limit"`
		// Retries is how many times a transient io failure is retried.
		Retries       int           `json:"retries"`
		RetryInterval time.Duration `json:"retry_interval"`
	}
	Stats struct {
		Open      int   `json:"open"`
		InUse     int   `json:"in_use"`
		Limit     int   `json:"limit"`
		Hits      int64 `json:"hits"`
		Misses    int64 `json:"misses"`
		Evictions int64 `json:"evictions"`
	}
)

// Cache is a bounded pool of open files shared by every segment. Handles are
// reference counted: a handle in use is never closed, idle handles are kept
// in LRU order and closed when the pool needs room.
type Cache struct {
	mu      sync.Mutex
	handles map[string]*Handle
	idle    *list.List
	opening int
	stats   Stats
	closed  bool
	cfg     Config
}

func New(cfg Config) *Cache {
	if cfg.Limit <= 0 {
		cfg.Limit = 1
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Cache{
		handles: make(map[string]*Handle),
		idle:    list.New(),
		cfg:     cfg,
	}
}

// Acquire returns the handle of path, opening it when needed. create makes
// a missing file instead of failing with fs.ErrNotExist. When every handle
// is in use it backs off and tries again up to Retries times before giving
// up with a resource exhausted error.
func (c *Cache) Acquire(path string, create bool) (*Handle, error) {
	for attempt := 0; ; attempt++ {
		h, err := c.acquire(path, create)
		if err == nil || attempt >= c.cfg.Retries || !errors.Is(err, apierrors.ErrResourceExhausted) {
			return h, err
		}
		time.Sleep(c.cfg.RetryInterval << attempt)
	}
}

func (c *Cache) acquire(path string, create bool) (*Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apierrors.ErrClosed
	}
	if h, ok := c.handles[path]; ok {
		c.ref(h)
		c.stats.Hits++
		c.mu.Unlock()
		return h, nil
	}
	c.stats.Misses++

	var victims []*os.File
	for len(c.handles)+c.opening >= c.cfg.Limit {
		elem := c.idle.Front()
		if elem == nil {
			c.mu.Unlock()
			closeFiles(victims)
			return nil, apierrors.ErrTooManyOpenFile
		}
		h := elem.Value.(*Handle)
		c.idle.Remove(elem)
		h.elem = nil
		delete(c.handles, h.path)
		victims = append(victims, h.file)
		c.stats.Evictions++
	}
	c.opening++
	c.mu.Unlock()

	closeFiles(victims)
	f, err := c.open(path, create)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.opening--
	if err != nil {
		if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
			return nil, apierrors.New(apierrors.KindResourceExhausted, "open "+path, err)
		}
		return nil, apierrors.IO("open "+path, err)
	}
	// lost a race with another opener of the same path
	if h, ok := c.handles[path]; ok {
		f.Close()
		c.ref(h)
		return h, nil
	}
	h := &Handle{path: path, file: f, refs: 1, cache: c}
	c.handles[path] = h
	return h, nil
}

func (c *Cache) open(path string, create bool) (f *os.File, err error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	for attempt := 0; ; attempt++ {
		f, err = os.OpenFile(path, flag, 0o644)
		if err == nil || attempt >= c.cfg.Retries || !transient(err) {
			return
		}
		log.Warnf("open file %s failed, retry %d: %s", path, attempt+1, err)
		time.Sleep(c.cfg.RetryInterval)
	}
}

// must hold c.mu
func (c *Cache) ref(h *Handle) {
	h.refs++
	if h.elem != nil {
		c.idle.Remove(h.elem)
		h.elem = nil
	}
}

func (c *Cache) release(h *Handle) {
	c.mu.Lock()
	h.refs--
	if h.refs > 0 {
		c.mu.Unlock()
		return
	}
	if h.removed || c.closed {
		c.mu.Unlock()
		h.file.Close()
		return
	}
	h.elem = c.idle.PushBack(h)
	c.mu.Unlock()
}

// Remove unlinks path. Holders of its handle may keep reading it until they
// release it; later acquires see fs.ErrNotExist.
func (c *Cache) Remove(path string) error {
	c.mu.Lock()
	var toClose *os.File
	if h, ok := c.handles[path]; ok {
		delete(c.handles, path)
		h.removed = true
		if h.refs == 0 {
			if h.elem != nil {
				c.idle.Remove(h.elem)
				h.elem = nil
			}
			toClose = h.file
		}
	}
	c.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apierrors.IO("remove "+path, err)
	}
	return nil
}

// Forget closes an idle handle of path without removing the file, used
// before a file is renamed or truncated behind the cache's back.
func (c *Cache) Forget(path string) {
	c.mu.Lock()
	h, ok := c.handles[path]
	if !ok || h.refs > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.handles, path)
	c.idle.Remove(h.elem)
	h.elem = nil
	c.mu.Unlock()
	h.file.Close()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Open = len(c.handles)
	st.InUse = len(c.handles) - c.idle.Len()
	st.Limit = c.cfg.Limit
	return st
}

// Close closes idle handles at once and handles in use on their release.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	var files []*os.File
	for e := c.idle.Front(); e != nil; e = e.Next() {
		h := e.Value.(*Handle)
		h.elem = nil
		delete(c.handles, h.path)
		files = append(files, h.file)
	}
	c.idle.Init()
	c.mu.Unlock()
	closeFiles(files)
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// Handle is a shared open file. Reads and writes are positioned, so any
// number of goroutines may use one handle concurrently.
type Handle struct {
	path    string
	file    *os.File
	refs    int
	removed bool
	elem    *list.Element
	cache   *Cache
}

func (h *Handle) Path() string {
	return h.path
}

func (h *Handle) ReadAt(p []byte, off int64) (n int, err error) {
	for attempt := 0; ; attempt++ {
		n, err = h.file.ReadAt(p, off)
		if err == nil || err == io.EOF || attempt >= h.cache.cfg.Retries || !transient(err) {
			return
		}
		time.Sleep(h.cache.cfg.RetryInterval)
	}
}

func (h *Handle) WriteAt(p []byte, off int64) (n int, err error) {
	for attempt := 0; ; attempt++ {
		n, err = h.file.WriteAt(p, off)
		if err == nil || attempt >= h.cache.cfg.Retries || !transient(err) {
			return
		}
		log.Warnf("write file %s at %d failed, retry %d: %s", h.path, off, attempt+1, err)
		time.Sleep(h.cache.cfg.RetryInterval)
	}
}

func (h *Handle) Sync() error {
	return h.file.Sync()
}

func (h *Handle) Truncate(size int64) error {
	return h.file.Truncate(size)
}

func (h *Handle) Size() (int64, error) {
	info, err := h.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (h *Handle) Release() {
	h.cache.release(h)
}

func transient(err error) bool {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrClosed) {
		return false
	}
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EIO)
}
