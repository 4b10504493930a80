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

	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/index"
	"github.com/cubefs/sifs/proto"
)

// Iterator walks every live entry of the store, one segment after another
// in hash order. Entries present for the whole walk are returned exactly
// once; entries written or deleted meanwhile may or may not show up.
type Iterator struct {
	ctx    context.Context
	st     *Store
	next   int
	seg    *segment
	it     *index.Iterator
	cur    *proto.Entry
	err    error
	closed bool
}

// LoadAll returns an iterator over every live entry, the caller must Close
// it.
func (st *Store) LoadAll(ctx context.Context) (*Iterator, error) {
	if err := st.running(); err != nil {
		return nil, err
	}
	return &Iterator{ctx: ctx, st: st}, nil
}

func (it *Iterator) Next() bool {
	for !it.closed && it.err == nil {
		if it.it == nil {
			if it.next >= len(it.st.segments) {
				return false
			}
			it.seg = it.st.segments[it.next]
			it.next++
			if it.err = it.seg.available(); it.err != nil {
				return false
			}
			it.it = it.seg.tree.Load().Scan(nil)
		}
		if !it.it.Next() {
			it.err = it.it.Err()
			it.it = nil
			continue
		}
		if it.err = it.ctx.Err(); it.err != nil {
			return false
		}

		rec, err := it.seg.resolve(it.ctx, it.it.Hash(), nil, false)
		if err != nil {
			// deleted, expired or moved away since the leaf was copied
			if errors.Is(err, apierrors.ErrNotFound) {
				continue
			}
			it.err = err
			return false
		}
		it.cur = &proto.Entry{Key: rec.Key, Value: rec.Value, Metadata: rec.Metadata}
		return true
	}
	return false
}

// Entry returns the entry Next stopped at.
func (it *Iterator) Entry() *proto.Entry {
	return it.cur
}

func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) Close() {
	it.closed = true
	it.it, it.seg, it.cur = nil, nil, nil
}
