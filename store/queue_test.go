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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/sifs/errors"
)

func TestQueueReserve(t *testing.T) {
	ctx := context.Background()
	q := newOpQueue(2)
	require.Equal(t, 2, q.Cap())

	require.NoError(t, q.Reserve(ctx, 0, true))
	require.NoError(t, q.Reserve(ctx, 0, true))
	require.ErrorIs(t, q.Reserve(ctx, 0, true), apierrors.ErrQueueFull)

	start := time.Now()
	require.ErrorIs(t, q.Reserve(ctx, 20*time.Millisecond, false), apierrors.ErrQueueFull)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Reserve(cctx, 0, false), context.DeadlineExceeded)

	q.Cancel()
	require.NoError(t, q.Reserve(ctx, 0, true))
}

func TestQueuePushPop(t *testing.T) {
	ctx := context.Background()
	q := newOpQueue(1)
	require.NoError(t, q.Reserve(ctx, 0, true))
	q.Push(indexOp{typ: opPut})
	require.Equal(t, 1, q.Len())

	// a blocked producer gets the slot once the consumer pops
	reserved := make(chan error, 1)
	go func() { reserved <- q.Reserve(ctx, time.Second, false) }()
	op := <-q.ch
	q.Pop()
	require.Equal(t, opPut, op.typ)
	require.NoError(t, <-reserved)

	q.Push(indexOp{typ: opRemove, done: newNotify()})
	var drained []indexOp
	q.Drain(func(op indexOp) { drained = append(drained, op) })
	require.Len(t, drained, 1)
	require.Equal(t, 0, q.Len())
	require.NoError(t, q.Reserve(ctx, 0, true))
}

func TestNotify(t *testing.T) {
	ctx := context.Background()
	n := newNotify()
	n.Notify(errors.New("first"))
	// later notifications are dropped
	n.Notify(errors.New("second"))
	require.EqualError(t, n.Wait(ctx), "first")

	var none notify
	none.Notify(nil)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, newNotify().Wait(cctx), context.Canceled)
	require.Equal(t, "relocate", opRelocate.String())
}
