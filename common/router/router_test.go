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

package router

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentFor(t *testing.T) {
	r := New(16)
	require.Equal(t, 16, r.Segments())

	counts := make([]int, 16)
	for i := 0; i < 16000; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		seg := r.SegmentFor(key)
		require.Less(t, int(seg), 16)
		// deterministic
		require.Equal(t, seg, New(16).SegmentFor(key))
		counts[seg]++
	}
	for _, c := range counts {
		require.Greater(t, c, 500)
	}

	require.Equal(t, uint32(0), New(1).SegmentFor([]byte("any")))
	require.Panics(t, func() { New(0) })
}

func TestHash(t *testing.T) {
	h1 := Hash([]byte("a"))
	h2 := Hash([]byte("a"))
	h3 := Hash([]byte("b"))
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
	require.NotEqual(t, [16]byte{}, [16]byte(h1))
}
