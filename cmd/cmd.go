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

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"

	"github.com/cubefs/sifs/server"
)

// Config service config
type Config struct {
	server.Config

	BindAddr      string    `json:"bind_addr"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "server.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}

	initConfig(cfg)
	registerLogLevel()
	modifyOpenFiles(cfg.StoreConfig.OpenFilesLimit)
	log.SetOutputLevel(cfg.LogLevel)

	_, ctx := trace.StartSpanFromContext(context.Background(), "")
	startServer, err := server.NewServer(ctx, &cfg.Config)
	if err != nil {
		log.Fatal(errors.Detail(err))
	}
	// start http server
	httpServer := server.NewHttpServer(startServer)
	httpServer.Serve(cfg.BindAddr)

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	httpServer.Stop()
	startServer.Close()
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

// modifyOpenFiles raises the descriptor limit above what the file handle
// cache may hold.
func modifyOpenFiles(cacheLimit int) {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)

	want := uint64(cacheLimit) * 2
	if want < 102400 {
		want = 102400
	}
	if rLimit.Cur >= want && rLimit.Max >= want {
		return
	}

	rLimit.Cur = want
	if rLimit.Max < want {
		rLimit.Max = want
	}
	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("setting rlimit failed: %s", err)
	}
	err = syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)
}

func initConfig(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":9530"
	}
	if cfg.AuditLog.LogDir == "" {
		cfg.AuditLog.LogDir = "./run/audit_log"
	}
	if cfg.StoreConfig.DataPath == "" {
		cfg.StoreConfig.DataPath = "./run/data"
	}
	if cfg.StoreConfig.IndexPath == "" {
		cfg.StoreConfig.IndexPath = "./run/index"
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	// the store validates the rest and fills its own defaults
	if err := cfg.StoreConfig.Validate(); err != nil {
		log.Fatal(errors.Detail(err))
	}
}
