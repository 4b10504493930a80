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

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/sifs/store"
)

const moduleName = "SIFS"

type Config struct {
	StoreConfig store.Config    `json:"store_config"`
	AuditLog    auditlog.Config `json:"audit_log"`
}

// Server owns the store of a daemon and the access log of its admin
// endpoints.
type Server struct {
	store *store.Store

	logHandler rpc.ProgressHandler
	auditLog   auditlog.LogCloser
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)

	lh, logf, err := auditlog.Open(moduleName, &cfg.AuditLog)
	if err != nil {
		return nil, errors.Info(err, "open audit log failed")
	}
	st, err := store.Open(ctx, cfg.StoreConfig)
	if err != nil {
		if logf != nil {
			logf.Close()
		}
		return nil, errors.Info(err, "open store failed")
	}
	if err = st.Start(ctx); err != nil {
		st.Stop(ctx)
		if logf != nil {
			logf.Close()
		}
		return nil, errors.Info(err, "start store failed")
	}
	span.Infof("store serving, data path %s, index path %s", cfg.StoreConfig.DataPath, cfg.StoreConfig.IndexPath)
	return &Server{store: st, logHandler: lh, auditLog: logf}, nil
}

func (s *Server) Store() *store.Store {
	return s.store
}

func (s *Server) Close() {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	if err := s.store.Stop(ctx); err != nil {
		span.Errorf("stop store failed: %s", errors.Detail(err))
	}
	if s.auditLog != nil {
		s.auditLog.Close()
	}
}
