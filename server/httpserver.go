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
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/cubefs/sifs/errors"
	"github.com/cubefs/sifs/metrics"
	"github.com/cubefs/sifs/proto"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

// store metrics are kept off the profile handler's default registry path
const metricsPath = "/store/metrics"

type (
	CompactArgs struct {
		// compacts every segment when empty
		Segment string `json:"segment"`
	}
	SegmentArgs struct {
		Key string `json:"key"`
	}
	LimitArgs struct {
		MBPS int `json:"mbps"`
	}
	PurgeResult struct {
		Purged int `json:"purged"`
	}
	SegmentResult struct {
		Segment proto.SegmentID `json:"segment"`
	}
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	phs := []rpc.ProgressHandler{profile.NewProfileHandler(addr)}
	if h.logHandler != nil {
		phs = append([]rpc.ProgressHandler{h.logHandler}, phs...)
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), phs...),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	router := rpc.New()
	router.Handle(http.MethodGet, "/stats", h.Stats)
	router.Handle(http.MethodGet, "/segment", h.Segment, rpc.OptArgsQuery())
	router.Handle(http.MethodPost, "/compact", h.Compact, rpc.OptArgsQuery())
	router.Handle(http.MethodPost, "/checkpoint", h.Checkpoint)
	router.Handle(http.MethodPost, "/purge", h.Purge)
	router.Handle(http.MethodPost, "/compaction/limit", h.CompactionLimit, rpc.OptArgsQuery())

	metricsHandler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	router.Handle(http.MethodGet, metricsPath, func(c *rpc.Context) {
		metricsHandler.ServeHTTP(c.Writer, c.Request)
	})
	return router
}

func (h *HttpServer) Stats(c *rpc.Context) {
	c.RespondJSON(h.store.Stats())
}

func (h *HttpServer) Segment(c *rpc.Context) {
	args := new(SegmentArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(rpc.NewError(http.StatusBadRequest, "BadArgument", err))
		return
	}
	c.RespondJSON(SegmentResult{Segment: h.store.SegmentFor([]byte(args.Key))})
}

func (h *HttpServer) Compact(c *rpc.Context) {
	ctx := c.Request.Context()
	span := trace.SpanFromContextSafe(ctx)
	args := new(CompactArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(rpc.NewError(http.StatusBadRequest, "BadArgument", err))
		return
	}

	var err error
	if args.Segment == "" {
		err = h.store.Compact(ctx)
	} else {
		id, perr := strconv.ParseUint(args.Segment, 10, 32)
		if perr != nil {
			c.RespondError(rpc.NewError(http.StatusBadRequest, "BadArgument", perr))
			return
		}
		err = h.store.CompactSegment(ctx, proto.SegmentID(id))
	}
	if err != nil {
		span.Errorf("compact failed: %s", err)
		c.RespondError(httpError(err))
		return
	}
	c.RespondStatus(http.StatusOK)
}

func (h *HttpServer) Checkpoint(c *rpc.Context) {
	ctx := c.Request.Context()
	if err := h.store.Checkpoint(ctx); err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("checkpoint failed: %s", err)
		c.RespondError(httpError(err))
		return
	}
	c.RespondStatus(http.StatusOK)
}

func (h *HttpServer) Purge(c *rpc.Context) {
	ctx := c.Request.Context()
	n, err := h.store.PurgeExpired(ctx)
	if err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("purge expired entries failed after %d: %s", n, err)
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(PurgeResult{Purged: n})
}

func (h *HttpServer) CompactionLimit(c *rpc.Context) {
	args := new(LimitArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(rpc.NewError(http.StatusBadRequest, "BadArgument", err))
		return
	}
	if args.MBPS < 0 {
		c.RespondError(rpc.NewError(http.StatusBadRequest, "BadArgument", errors.New("negative mbps")))
		return
	}
	h.store.SetCompactionMBPS(args.MBPS)
	c.RespondStatus(http.StatusOK)
}

func httpError(err error) error {
	kind := apierrors.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apierrors.KindNotFound:
		status = http.StatusNotFound
	case apierrors.KindResourceExhausted:
		status = http.StatusTooManyRequests
	case apierrors.KindSegmentUnavailable, apierrors.KindClosed:
		status = http.StatusServiceUnavailable
	case apierrors.KindConfiguration, apierrors.KindInvalidArgument:
		status = http.StatusBadRequest
	}
	return rpc.NewError(status, kind.String(), err)
}
