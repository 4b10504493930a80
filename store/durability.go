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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/sifs/metrics"
)

// startJobs launches the background loops, an interval of zero disables
// its loop.
func (st *Store) startJobs() {
	if !st.cfg.SyncWrites {
		st.loop("sync", st.cfg.syncInterval(), st.syncJob)
	}
	st.loop("checkpoint", st.cfg.checkpointInterval(), st.checkpointJob)
	st.loop("compaction", st.cfg.compactionInterval(), st.compactionJob)
	st.loop("purge", st.cfg.purgeInterval(), st.purgeJob)
	st.loop("metrics", metricsInterval, st.metricsJob)
}

const metricsInterval = 10 * time.Second

func (st *Store) loop(name string, interval time.Duration, job func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	st.jobs.Add(1)
	go func() {
		defer st.jobs.Done()
		span, ctx := trace.StartSpanFromContext(st.bgCtx, "")
		span.Infof("start %s job, interval %s", name, interval)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				job(ctx)
			case <-st.bgCtx.Done():
				span.Infof("%s job stopped", name)
				return
			}
		}
	}()
}

// syncJob flushes writes that were acknowledged without fsync.
func (st *Store) syncJob(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	for _, s := range st.segments {
		if s.available() != nil {
			continue
		}
		if err := s.log.Sync(); err != nil {
			span.Errorf("segment[%d] sync data log failed: %s", s.id, err)
		}
	}
}

func (st *Store) checkpointJob(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	for _, s := range st.segments {
		if s.available() != nil || !s.dirty() {
			continue
		}
		if err := s.checkpointOnce(ctx); err != nil {
			span.Errorf("segment[%d] checkpoint failed: %s", s.id, err)
		}
	}
}

// compactionJob catches files whose ratio crossed the threshold while the
// pool was busy.
func (st *Store) compactionJob(ctx context.Context) {
	for _, s := range st.segments {
		if s.available() != nil {
			continue
		}
		if _, ok := s.pickCandidate(false, nil); ok {
			st.scheduleCompaction(s)
		}
	}
}

func (st *Store) purgeJob(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	n, err := st.purge(ctx)
	if err != nil {
		span.Warnf("purge expired entries failed: %s", err)
	}
	if n > 0 {
		span.Infof("purged %d expired entries", n)
	}
}

func (st *Store) metricsJob(ctx context.Context) {
	st.Stats()
	metrics.OpenFiles.Set(float64(st.fds.Stats().Open))
}

// checkpointOnce folds concurrent checkpoint requests of a segment into one.
func (s *segment) checkpointOnce(ctx context.Context) error {
	_, err, _ := s.flight.Do("checkpoint", func() (interface{}, error) {
		return nil, s.submit(ctx, s.checkpoint)
	})
	return err
}

func (st *Store) scheduleCompaction(s *segment) {
	st.mu.Lock()
	if st.stopping || !s.compactQueued.CompareAndSwap(false, true) {
		st.mu.Unlock()
		return
	}
	st.compacting.Add(1)
	st.mu.Unlock()

	ok := st.compactPool.TryRun(func() {
		defer st.compacting.Done()
		s.compactQueued.Store(false)
		span, ctx := trace.StartSpanFromContext(st.bgCtx, "")
		if err := s.compact(ctx, false); err != nil && st.bgCtx.Err() == nil {
			span.Warnf("segment[%d] background compaction failed: %s", s.id, err)
		}
	})
	if !ok {
		s.compactQueued.Store(false)
		st.compacting.Done()
	}
}
