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
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cubefs/sifs/common/fdcache"
	"github.com/cubefs/sifs/common/router"
	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/metrics"
	"github.com/cubefs/sifs/proto"
	"github.com/cubefs/sifs/util/flock"
	"github.com/cubefs/sifs/util/limiter"
)

const (
	stateOpened uint32 = iota + 1
	stateRunning
	stateStopped
)

type Stats struct {
	ID       string         `json:"id"`
	State    string         `json:"state"`
	Size     int64          `json:"size"`
	Segments []segmentStats `json:"segments"`
	Files    fdcache.Stats  `json:"files"`
	Limiter  limiter.Status `json:"compaction_limiter"`
	Config   Config         `json:"config"`
}

// Store is a segmented log structured key value store. Open recovers it,
// Start lets background jobs run and Stop commits a final checkpoint.
type Store struct {
	id       string
	cfg      Config
	router   *router.Router
	fds      *fdcache.Cache
	limiter  limiter.Limiter
	lock     *os.File
	segments []*segment

	state atomic.Uint32

	compactPool taskpool.TaskPool
	compacting  sync.WaitGroup
	jobs        sync.WaitGroup
	bgCtx       context.Context
	bgCancel    context.CancelFunc

	mu       sync.Mutex
	stopping bool
}

// Open validates cfg, locks the data directory and recovers every segment
// in parallel. A segment whose index and data log are beyond repair is left
// unavailable, the others serve traffic.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.DataPath, cfg.IndexPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apierrors.IO("create store dir", err)
		}
	}
	lock, err := flock.Lock(cfg.DataPath)
	if err != nil {
		return nil, apierrors.IO("lock data dir", err)
	}

	st := &Store{
		id:     uuid.NewString(),
		cfg:    cfg,
		router: router.New(cfg.Segments),
		fds: fdcache.New(fdcache.Config{
			Limit:   cfg.OpenFilesLimit,
			Retries: cfg.IORetries,
		}),
		limiter: limiter.NewLimiter(limiter.LimitConfig{
			ReadMBPS:  cfg.CompactionMBPS,
			WriteMBPS: cfg.CompactionMBPS,
		}),
		lock:        lock,
		segments:    make([]*segment, cfg.Segments),
		compactPool: taskpool.New(cfg.CompactionConcurrency, cfg.CompactionConcurrency),
	}
	st.bgCtx, st.bgCancel = context.WithCancel(context.Background())
	deps := segmentDeps{cfg: &st.cfg, fds: st.fds, limiter: st.limiter, schedule: st.scheduleCompaction}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range st.segments {
		i := i
		g.Go(func() error {
			s, err := newSegment(proto.SegmentID(i), deps)
			if err != nil {
				return err
			}
			st.segments[i] = s
			err = s.recover(gctx)
			switch apierrors.KindOf(err) {
			case apierrors.KindCorruption, apierrors.KindIndexCorruption:
				s.fail(gctx, err)
				return nil
			}
			return err
		})
	}
	if err = g.Wait(); err != nil {
		span.Errorf("recover store failed: %s", err)
		st.bgCancel()
		st.compactPool.Close()
		st.release()
		return nil, err
	}

	st.state.Store(stateOpened)
	span.Infof("store %s opened with %d segments in %dms, data %s index %s",
		st.id, cfg.Segments, time.Since(start).Milliseconds(), cfg.DataPath, cfg.IndexPath)
	return st, nil
}

// Start runs the segment workers and the background jobs.
func (st *Store) Start(ctx context.Context) error {
	if !st.state.CompareAndSwap(stateOpened, stateRunning) {
		return apierrors.ErrClosed
	}
	for _, s := range st.segments {
		s.started.Store(true)
		go s.run()
	}
	st.startJobs()
	trace.SpanFromContextSafe(ctx).Infof("store %s started", st.id)
	return nil
}

// Stop waits for background work, commits a checkpoint per segment and
// releases every file. The store can not be restarted.
func (st *Store) Stop(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	prev := st.state.Swap(stateStopped)
	if prev == stateStopped {
		return nil
	}

	st.mu.Lock()
	st.stopping = true
	st.mu.Unlock()
	st.bgCancel()
	st.jobs.Wait()
	st.compacting.Wait()
	st.compactPool.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range st.segments {
		s := s
		g.Go(func() error {
			var err error
			if prev == stateRunning {
				err = s.stop(gctx)
			} else if s.available() == nil {
				err = s.checkpoint(gctx)
			}
			if err != nil {
				span.Errorf("segment[%d] stop failed: %s", s.id, err)
			}
			return err
		})
	}
	err := g.Wait()
	st.release()
	span.Infof("store %s stopped", st.id)
	return err
}

func (st *Store) release() {
	for _, s := range st.segments {
		if s == nil {
			continue
		}
		if err := s.log.Close(); err != nil {
			log.Errorf("segment[%d] close data log failed: %s", s.id, err)
		}
		if tree := s.tree.Load(); tree != nil {
			tree.Close()
		}
	}
	st.fds.Close()
	if err := flock.Unlock(st.lock); err != nil {
		log.Warnf("unlock data dir failed: %s", err)
	}
}

func (st *Store) running() error {
	if st.state.Load() != stateRunning {
		return apierrors.ErrClosed
	}
	return nil
}

func (st *Store) segmentOf(key []byte) (*segment, error) {
	if err := st.running(); err != nil {
		return nil, err
	}
	return st.segments[st.router.SegmentFor(key)], nil
}

// SegmentFor returns the segment owning key.
func (st *Store) SegmentFor(key []byte) proto.SegmentID {
	return st.router.SegmentFor(key)
}

// Write stores value under key, replacing any previous value. It returns
// once the entry is visible to Load.
func (st *Store) Write(ctx context.Context, key, value []byte, meta proto.Metadata) (err error) {
	defer observe("write", time.Now(), &err)
	s, err := st.segmentOf(key)
	if err != nil {
		return err
	}
	if meta.Created == 0 {
		meta.Created = time.Now().UnixMilli()
	}
	return s.put(ctx, key, value, meta)
}

// Delete removes key, deleting an absent key is not an error.
func (st *Store) Delete(ctx context.Context, key []byte) (err error) {
	defer observe("delete", time.Now(), &err)
	s, err := st.segmentOf(key)
	if err != nil {
		return err
	}
	return s.remove(ctx, key)
}

// Load returns the entry of key, ErrNotFound when it is absent or expired.
func (st *Store) Load(ctx context.Context, key []byte) (_ *proto.Entry, err error) {
	defer observe("load", time.Now(), &err)
	s, err := st.segmentOf(key)
	if err != nil {
		return nil, err
	}
	rec, err := s.load(ctx, key, false)
	if err != nil {
		return nil, err
	}
	return &proto.Entry{Key: rec.Key, Value: rec.Value, Metadata: rec.Metadata}, nil
}

// Size returns the number of live entries, expired entries not yet purged
// included.
func (st *Store) Size(ctx context.Context) (int64, error) {
	if err := st.running(); err != nil {
		return 0, err
	}
	var n int64
	for _, s := range st.segments {
		if err := s.available(); err != nil {
			return 0, err
		}
		n += s.live.Load()
	}
	return n, nil
}

// Clear removes every entry of every segment.
func (st *Store) Clear(ctx context.Context) error {
	ids := make([]proto.SegmentID, len(st.segments))
	for i := range ids {
		ids[i] = proto.SegmentID(i)
	}
	return st.ClearSegments(ctx, ids)
}

// ClearSegments removes every entry of the given segments.
func (st *Store) ClearSegments(ctx context.Context, ids []proto.SegmentID) (err error) {
	defer observe("clear", time.Now(), &err)
	if err = st.running(); err != nil {
		return err
	}
	for _, id := range ids {
		if int(id) >= len(st.segments) {
			return apierrors.Newf(apierrors.KindNotFound, "clear segments", "segment %d out of %d", id, len(st.segments))
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		s := st.segments[id]
		g.Go(func() error {
			if err := s.available(); err != nil {
				return err
			}
			return s.submit(gctx, s.clear)
		})
	}
	return g.Wait()
}

// Compact forces a compaction pass over every segment.
func (st *Store) Compact(ctx context.Context) error {
	for i := range st.segments {
		if err := st.CompactSegment(ctx, proto.SegmentID(i)); err != nil {
			return err
		}
	}
	return nil
}

// CompactSegment rewrites every sealed file of the segment holding garbage.
func (st *Store) CompactSegment(ctx context.Context, id proto.SegmentID) (err error) {
	defer observe("compact", time.Now(), &err)
	if err = st.running(); err != nil {
		return err
	}
	if int(id) >= len(st.segments) {
		return apierrors.Newf(apierrors.KindNotFound, "compact segment", "segment %d out of %d", id, len(st.segments))
	}
	return st.segments[id].compact(ctx, true)
}

// Checkpoint commits the index of every segment.
func (st *Store) Checkpoint(ctx context.Context) (err error) {
	defer observe("checkpoint", time.Now(), &err)
	if err = st.running(); err != nil {
		return err
	}
	for _, s := range st.segments {
		if err = s.available(); err != nil {
			return err
		}
		if err = s.checkpointOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PurgeExpired deletes every expired entry and returns how many went away.
func (st *Store) PurgeExpired(ctx context.Context) (int, error) {
	if err := st.running(); err != nil {
		return 0, err
	}
	return st.purge(ctx)
}

func (st *Store) purge(ctx context.Context) (int, error) {
	total := 0
	for _, s := range st.segments {
		if s.available() != nil {
			continue
		}
		n, err := s.purgeExpired(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	metrics.PurgedEntries.Add(float64(total))
	return total, nil
}

func (st *Store) Stats() Stats {
	ret := Stats{
		ID:       st.id,
		Segments: make([]segmentStats, 0, len(st.segments)),
		Files:    st.fds.Stats(),
		Limiter:  st.limiter.Status(),
		Config:   st.cfg,
	}
	switch st.state.Load() {
	case stateOpened:
		ret.State = "opened"
	case stateRunning:
		ret.State = "running"
	default:
		ret.State = "stopped"
	}
	for _, s := range st.segments {
		ss := s.stats()
		ret.Size += ss.Live
		ret.Segments = append(ret.Segments, ss)

		label := s.label()
		metrics.QueueDepth.WithLabelValues(label).Set(float64(ss.QueueLen))
		metrics.ResidentNodes.WithLabelValues(label).Set(float64(ss.Index.Resident))
		metrics.LiveEntries.WithLabelValues(label).Set(float64(ss.Live))
		metrics.FreeBytes.WithLabelValues(label).Set(float64(ss.FreeBytes))
	}
	return ret
}

func observe(op string, start time.Time, err *error) {
	status := "ok"
	switch {
	case *err == nil:
	case errors.Is(*err, apierrors.ErrNotFound):
		status = "not_found"
	default:
		status = apierrors.KindOf(*err).String()
	}
	metrics.StoreOps.WithLabelValues(op, status).Inc()
	metrics.StoreOpLatency.WithLabelValues(op).Observe(float64(time.Since(start).Microseconds()) / 1000)
}

// SetCompactionMBPS retunes the compaction throttle, zero lifts it.
func (st *Store) SetCompactionMBPS(mbps int) {
	st.limiter.SetReadMBPS(mbps)
	st.limiter.SetWriteMBPS(mbps)
}
