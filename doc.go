/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# SIFS: a soft index file store

## Why

1, keep billions of small entries on one node with bounded memory, the index lives on disk and only its hot nodes stay in RAM

2, appends only, every write is a sequential record in a data log

3, crash consistency without a write ahead log of the index, the data log is the source of truth

## Data Model

* Entry, key --> value plus created/expiry timestamps

* Segment, a partition of the key space chosen by murmur3 of the key, owning its own data log, index and worker

* Data file, an append only file of crc framed records, named by a per segment file id

* Soft index, a B+tree from the 128-bit key hash to the record location, nodes are loaded on demand and evicted under a resident ceiling

* Checkpoint, the committed root of the index plus the data log position it covers

## Write path

append to the active data file --> enqueue the index update --> the segment worker applies it --> the writer returns

## Background

* flush, fsync of acknowledged writes when sync_writes is off

* checkpoint, commit dirty indexes so recovery replays only the log tail

* compaction, rewrite live records of files whose garbage ratio is over the threshold

* purge, tombstone expired entries

## Recovery

replay the data log from the checkpoint cursor into the committed index, or rebuild the index from every data file when the checkpoint is missing or damaged

## Building Blocks

* cubefs blobstore (log, trace, rpc, profile, taskpool, bytespool)
* murmur3
* Prometheus

*/

package sifs
