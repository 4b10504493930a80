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

//go:build unix

package flock

import (
	"os"
	"testing"

	"github.com/cubefs/sifs/util"
	"github.com/stretchr/testify/require"
)

func TestLock(t *testing.T) {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	f, err := Lock(dir)
	require.NoError(t, err)

	_, err = Lock(dir)
	require.Error(t, err)

	require.NoError(t, Unlock(f))

	f, err = Lock(dir)
	require.NoError(t, err)
	require.NoError(t, Unlock(f))
	require.NoError(t, Unlock(nil))
}
