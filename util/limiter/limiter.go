// Copyright 2023 The Cuber Authors.
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

package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const mb = 1 << 20

type (
	// Limiter throttles background byte streams such as compaction scans
	// and rewrites so that they leave disk bandwidth to foreground traffic.
	Limiter interface {
		WaitRead(ctx context.Context, n int) error
		WaitWrite(ctx context.Context, n int) error
		SetReadMBPS(mbps int)
		SetWriteMBPS(mbps int)
		Status() Status
	}
	LimitConfig struct {
		ReadMBPS  int `json:"read_mbps"`
		WriteMBPS int `json:"write_mbps"`
	}
	Status struct {
		Config     LimitConfig `json:"config"`
		ReadBytes  int64       `json:"read_bytes"`
		WriteBytes int64       `json:"write_bytes"`
		ReadWait   int         `json:"read_wait_ms"`
		WriteWait  int         `json:"write_wait_ms"`
	}
	limiter struct {
		mu         sync.RWMutex
		config     LimitConfig
		rateReader *rate.Limiter
		rateWriter *rate.Limiter
		readBytes  int64
		writeBytes int64
	}
)

func NewLimiter(cfg LimitConfig) Limiter {
	lim := &limiter{config: cfg}
	if cfg.ReadMBPS > 0 {
		lim.rateReader = newRate(cfg.ReadMBPS)
	}
	if cfg.WriteMBPS > 0 {
		lim.rateWriter = newRate(cfg.WriteMBPS)
	}
	return lim
}

func newRate(mbps int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(mbps*mb), mbps*mb)
}

func (lim *limiter) WaitRead(ctx context.Context, n int) error {
	lim.mu.Lock()
	lim.readBytes += int64(n)
	r := lim.rateReader
	lim.mu.Unlock()
	return waitN(ctx, r, n)
}

func (lim *limiter) WaitWrite(ctx context.Context, n int) error {
	lim.mu.Lock()
	lim.writeBytes += int64(n)
	r := lim.rateWriter
	lim.mu.Unlock()
	return waitN(ctx, r, n)
}

// waitN splits n into bursts, rate.Limiter rejects requests above its burst.
func waitN(ctx context.Context, r *rate.Limiter, n int) error {
	if r == nil {
		return ctx.Err()
	}
	for n > 0 {
		step := n
		if burst := r.Burst(); step > burst {
			step = burst
		}
		if err := r.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func (lim *limiter) SetReadMBPS(mbps int) {
	lim.mu.Lock()
	defer lim.mu.Unlock()
	lim.config.ReadMBPS = mbps
	if mbps <= 0 {
		lim.rateReader = nil
		return
	}
	if lim.rateReader == nil {
		lim.rateReader = newRate(mbps)
		return
	}
	lim.rateReader.SetLimit(rate.Limit(mbps * mb))
	lim.rateReader.SetBurst(mbps * mb)
}

func (lim *limiter) SetWriteMBPS(mbps int) {
	lim.mu.Lock()
	defer lim.mu.Unlock()
	lim.config.WriteMBPS = mbps
	if mbps <= 0 {
		lim.rateWriter = nil
		return
	}
	if lim.rateWriter == nil {
		lim.rateWriter = newRate(mbps)
		return
	}
	lim.rateWriter.SetLimit(rate.Limit(mbps * mb))
	lim.rateWriter.SetBurst(mbps * mb)
}

func (lim *limiter) Status() Status {
	lim.mu.RLock()
	defer lim.mu.RUnlock()
	return Status{
		Config:     lim.config,
		ReadBytes:  lim.readBytes,
		WriteBytes: lim.writeBytes,
		ReadWait:   rateWait(lim.rateReader),
		WriteWait:  rateWait(lim.rateWriter),
	}
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, int(r.Limit())/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}
