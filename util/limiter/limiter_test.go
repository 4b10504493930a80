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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(LimitConfig{})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.WaitRead(ctx, 64<<20))
	require.NoError(t, l.WaitWrite(ctx, 64<<20))
	require.Less(t, time.Since(start), time.Second)

	st := l.Status()
	require.Equal(t, int64(64<<20), st.ReadBytes)
	require.Equal(t, int64(64<<20), st.WriteBytes)
	require.Equal(t, 0, st.ReadWait)
}

func TestLimiterThrottle(t *testing.T) {
	l := NewLimiter(LimitConfig{ReadMBPS: 1, WriteMBPS: 1})
	ctx := context.Background()

	// the first burst is free, the second one waits about a second
	require.NoError(t, l.WaitRead(ctx, 1<<20))
	start := time.Now()
	require.NoError(t, l.WaitRead(ctx, 1<<19))
	require.Greater(t, time.Since(start), 200*time.Millisecond)

	// requests larger than the burst are split instead of rejected
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, l.WaitWrite(ctx, 4<<20))
}

func TestLimiterSetMBPS(t *testing.T) {
	l := NewLimiter(LimitConfig{})
	l.SetReadMBPS(2)
	l.SetWriteMBPS(3)
	require.Equal(t, LimitConfig{ReadMBPS: 2, WriteMBPS: 3}, l.Status().Config)

	l.SetReadMBPS(4)
	l.SetWriteMBPS(0)
	require.Equal(t, LimitConfig{ReadMBPS: 4, WriteMBPS: 0}, l.Status().Config)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, l.WaitWrite(ctx, 1))
}
