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

package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenTmpPath(t *testing.T) {
	path, err := GenTmpPath()
	require.NoError(t, err)
	require.NotEqual(t, "", path)
	defer os.RemoveAll(path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestStringsToBytes(t *testing.T) {
	str := "test"
	b := StringsToBytes(str)
	require.Equal(t, str, string(b))
	require.Nil(t, StringsToBytes(""))
}

func TestBytesToString(t *testing.T) {
	b := []byte("test")
	str := BytesToString(b)
	require.Equal(t, str, string(b))
}

func TestBuffer(t *testing.T) {
	b := GetBuffer(1 << 10)
	require.Equal(t, 1<<10, len(b))

	PutBuffer(b)

	b = GetBuffer(1 << 10)
	require.Equal(t, 1<<10, len(b))
	PutBuffer(b)
}

func TestWriteFileAtomic(t *testing.T) {
	path, err := GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	name := filepath.Join(path, "meta")
	require.NoError(t, WriteFileAtomic(name, []byte("v1")))
	require.NoError(t, WriteFileAtomic(name, []byte("v2")))

	b, err := os.ReadFile(name)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), b)

	_, err = os.Stat(name + ".tmp")
	require.True(t, os.IsNotExist(err))
}
