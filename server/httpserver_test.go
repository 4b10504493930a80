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

package server

import (
	"net/http"
	"testing"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/sifs/errors"
)

func TestHttpError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apierrors.ErrNotFound, http.StatusNotFound},
		{apierrors.ErrQueueFull, http.StatusTooManyRequests},
		{apierrors.ErrClosed, http.StatusServiceUnavailable},
		{apierrors.New(apierrors.KindSegmentUnavailable, "segment 1", apierrors.ErrCorruption), http.StatusServiceUnavailable},
		{apierrors.Configuration("bad"), http.StatusBadRequest},
		{apierrors.New(apierrors.KindInvalidArgument, "append record", http.ErrBodyNotAllowed), http.StatusBadRequest},
		{apierrors.IO("read", http.ErrBodyNotAllowed), http.StatusInternalServerError},
	}
	for _, cs := range cases {
		err := httpError(cs.err)
		require.Equal(t, cs.status, rpc.DetectStatusCode(err), cs.err.Error())
	}
}
