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
	"math"
	"time"

	apierrors "github.com/cubefs/sifs/errors"
)

const (
	defaultMaxFileSize           = 16 << 20
	defaultSyncIntervalMs        = 1000
	defaultSegments              = 16
	defaultMaxNodeSize           = 4096
	defaultMaxResidentNodes      = 4096
	defaultIndexQueueLength      = 1000
	defaultQueueTimeoutMs        = 10000
	defaultOpenFilesLimit        = 1000
	defaultIORetries             = 3
	defaultCompactionThreshold   = 0.5
	defaultCompactionConcurrency = 2
	defaultCheckpointIntervalMs  = 60000
	defaultCompactionIntervalMs  = 60000

	maxNodeSizeLimit   = math.MaxInt16
	minResidentNodes   = 16
	minFilesPerSegment = 2
	maxSegments        = 1 << 16
	disabled           = -1
)

// Config is the whole tuning surface of a store. Zero values take their
// defaults, negative intervals disable the matching background job.
type Config struct {
	DataPath  string `json:"data_path"`
	IndexPath string `json:"index_path"`

	MaxFileSize    int64 `json:"max_file_size"`
	SyncWrites     bool  `json:"sync_writes"`
	SyncIntervalMs int   `json:"sync_interval_ms"`

	Segments         int `json:"segments"`
	MinNodeSize      int `json:"min_node_size"`
	MaxNodeSize      int `json:"max_node_size"`
	MaxResidentNodes int `json:"max_resident_nodes"`

	IndexQueueLength    int  `json:"index_queue_length"`
	QueueTimeoutMs      int  `json:"queue_timeout_ms"`
	FailFastOnFullQueue bool `json:"fail_fast_on_full_queue"`

	OpenFilesLimit int `json:"open_files_limit"`
	IORetries      int `json:"io_retries"`

	CompactionThreshold   float64 `json:"compaction_threshold"`
	CompactionConcurrency int     `json:"compaction_concurrency"`
	CompactionMBPS        int     `json:"compaction_mbps"`
	CompactionIntervalMs  int     `json:"compaction_interval_ms"`

	CheckpointIntervalMs int `json:"checkpoint_interval_ms"`
	PurgeIntervalMs      int `json:"purge_interval_ms"`
}

type Option func(*Config)

// NewConfig builds a validated-on-open config rooted at the given paths.
func NewConfig(dataPath, indexPath string, opts ...Option) Config {
	cfg := Config{DataPath: dataPath, IndexPath: indexPath}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithMaxFileSize(size int64) Option { return func(c *Config) { c.MaxFileSize = size } }
func WithSyncWrites(sync bool) Option   { return func(c *Config) { c.SyncWrites = sync } }
func WithSegments(n int) Option         { return func(c *Config) { c.Segments = n } }

func WithSyncInterval(d time.Duration) Option {
	return func(c *Config) { c.SyncIntervalMs = durationMs(d) }
}

func WithNodeSize(min, max int) Option {
	return func(c *Config) { c.MinNodeSize, c.MaxNodeSize = min, max }
}

func WithMaxResidentNodes(n int) Option { return func(c *Config) { c.MaxResidentNodes = n } }
func WithOpenFilesLimit(n int) Option   { return func(c *Config) { c.OpenFilesLimit = n } }

func WithIndexQueue(length int, timeout time.Duration, failFast bool) Option {
	return func(c *Config) {
		c.IndexQueueLength = length
		c.QueueTimeoutMs = durationMs(timeout)
		c.FailFastOnFullQueue = failFast
	}
}

func WithCompaction(threshold float64, concurrency, mbps int) Option {
	return func(c *Config) {
		c.CompactionThreshold = threshold
		c.CompactionConcurrency = concurrency
		c.CompactionMBPS = mbps
	}
}

func WithCompactionInterval(d time.Duration) Option {
	return func(c *Config) { c.CompactionIntervalMs = durationMs(d) }
}

func WithCheckpointInterval(d time.Duration) Option {
	return func(c *Config) { c.CheckpointIntervalMs = durationMs(d) }
}

func WithPurgeInterval(d time.Duration) Option {
	return func(c *Config) { c.PurgeIntervalMs = durationMs(d) }
}

func durationMs(d time.Duration) int {
	if d < 0 {
		return disabled
	}
	return int(d / time.Millisecond)
}

func (c *Config) fillDefaults() {
	if c.MaxFileSize == 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.SyncIntervalMs == 0 {
		c.SyncIntervalMs = defaultSyncIntervalMs
	}
	if c.Segments == 0 {
		c.Segments = defaultSegments
	}
	if c.MaxNodeSize == 0 {
		c.MaxNodeSize = defaultMaxNodeSize
	}
	if c.MaxResidentNodes == 0 {
		c.MaxResidentNodes = defaultMaxResidentNodes
	}
	if c.IndexQueueLength == 0 {
		c.IndexQueueLength = defaultIndexQueueLength
	}
	if c.QueueTimeoutMs == 0 {
		c.QueueTimeoutMs = defaultQueueTimeoutMs
	}
	if c.OpenFilesLimit == 0 {
		c.OpenFilesLimit = defaultOpenFilesLimit
	}
	if c.IORetries == 0 {
		c.IORetries = defaultIORetries
	}
	if c.CompactionThreshold == 0 {
		c.CompactionThreshold = defaultCompactionThreshold
	}
	if c.CompactionConcurrency == 0 {
		c.CompactionConcurrency = defaultCompactionConcurrency
	}
	if c.CompactionIntervalMs == 0 {
		c.CompactionIntervalMs = defaultCompactionIntervalMs
	}
	if c.CheckpointIntervalMs == 0 {
		c.CheckpointIntervalMs = defaultCheckpointIntervalMs
	}
}

// Validate fills defaults and rejects invalid tunables.
func (c *Config) Validate() error {
	c.fillDefaults()
	switch {
	case c.DataPath == "":
		return apierrors.Configuration("data_path is required")
	case c.IndexPath == "":
		return apierrors.Configuration("index_path is required")
	case c.MaxFileSize < 0 || c.MaxFileSize > math.MaxUint32:
		return apierrors.Configuration("max_file_size %d out of (0, 4GiB]", c.MaxFileSize)
	case c.Segments < 0 || c.Segments > maxSegments:
		return apierrors.Configuration("segments %d out of [1, %d]", c.Segments, maxSegments)
	case c.MaxNodeSize < 1 || c.MaxNodeSize > maxNodeSizeLimit:
		return apierrors.Configuration("max_node_size %d out of [1, %d]", c.MaxNodeSize, maxNodeSizeLimit)
	case c.MinNodeSize < 0 || c.MinNodeSize > c.MaxNodeSize:
		return apierrors.Configuration("min_node_size %d out of [0, max_node_size]", c.MinNodeSize)
	case c.MaxResidentNodes < minResidentNodes:
		return apierrors.Configuration("max_resident_nodes %d below %d", c.MaxResidentNodes, minResidentNodes)
	case c.IndexQueueLength < 1:
		return apierrors.Configuration("index_queue_length %d must be positive", c.IndexQueueLength)
	case c.OpenFilesLimit < minFilesPerSegment*c.Segments:
		return apierrors.Configuration("open_files_limit %d below %d per segment", c.OpenFilesLimit, minFilesPerSegment)
	case c.IORetries < 0:
		return apierrors.Configuration("io_retries %d is negative", c.IORetries)
	case c.CompactionThreshold <= 0 || c.CompactionThreshold > 1:
		return apierrors.Configuration("compaction_threshold %v out of (0, 1]", c.CompactionThreshold)
	case c.CompactionConcurrency < 1:
		return apierrors.Configuration("compaction_concurrency %d must be positive", c.CompactionConcurrency)
	case c.CompactionMBPS < 0:
		return apierrors.Configuration("compaction_mbps %d is negative", c.CompactionMBPS)
	}
	return nil
}

func msDuration(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Config) queueTimeout() time.Duration       { return msDuration(c.QueueTimeoutMs) }
func (c *Config) syncInterval() time.Duration       { return msDuration(c.SyncIntervalMs) }
func (c *Config) checkpointInterval() time.Duration { return msDuration(c.CheckpointIntervalMs) }
func (c *Config) compactionInterval() time.Duration { return msDuration(c.CompactionIntervalMs) }
func (c *Config) purgeInterval() time.Duration      { return msDuration(c.PurgeIntervalMs) }
