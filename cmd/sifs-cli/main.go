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

// sifs-cli opens a stopped store in place and runs commands against it.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/kballard/go-shellquote"

	"github.com/cubefs/sifs/proto"
	"github.com/cubefs/sifs/store"
)

const usage = `commands:
  get <key>
  put <key> <value> [ttl]
  del <key>
  scan [limit]
  size
  segment <key>
  compact [segment]
  checkpoint
  purge
  stats
  exit`

func main() {
	dataPath := flag.String("data", "./run/data", "data path of the store")
	indexPath := flag.String("index", "./run/index", "index path of the store")
	segments := flag.Int("segments", 0, "segments of the store, 0 for the default")
	flag.Parse()
	log.SetOutputLevel(log.Lwarn)

	_, ctx := trace.StartSpanFromContext(context.Background(), "")
	st, err := store.Open(ctx, store.NewConfig(*dataPath, *indexPath, store.WithSegments(*segments)))
	if err != nil {
		log.Fatal(errors.Detail(err))
	}
	if err = st.Start(ctx); err != nil {
		log.Fatal(errors.Detail(err))
	}
	defer st.Stop(ctx)

	fmt.Printf("Opened %s\n", *dataPath)
	fmt.Println("Type commands. 'help' for information or 'exit' to quit.")
	repl(ctx, st, os.Stdin, os.Stdout)
}

func repl(ctx context.Context, st *store.Store, in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(out, "> ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args, err := shellquote.Split(line)
		if err != nil {
			fmt.Fprintln(out, "parse error:", err)
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return
		}
		resp, err := execute(ctx, st, args)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		fmt.Fprintln(out, resp)
	}
}

func execute(ctx context.Context, st *store.Store, args []string) (string, error) {
	need := func(n int) error {
		if len(args) < n+1 {
			return fmt.Errorf("%s needs %d argument(s)\n%s", args[0], n, usage)
		}
		return nil
	}

	switch args[0] {
	case "help":
		return usage, nil
	case "get":
		if err := need(1); err != nil {
			return "", err
		}
		e, err := st.Load(ctx, []byte(args[1]))
		if err != nil {
			return "", err
		}
		return string(e.Value), nil
	case "put":
		if err := need(2); err != nil {
			return "", err
		}
		var meta proto.Metadata
		if len(args) > 3 {
			ttl, err := time.ParseDuration(args[3])
			if err != nil {
				return "", err
			}
			meta.Expiry = time.Now().Add(ttl).UnixMilli()
		}
		return "OK", st.Write(ctx, []byte(args[1]), []byte(args[2]), meta)
	case "del":
		if err := need(1); err != nil {
			return "", err
		}
		return "OK", st.Delete(ctx, []byte(args[1]))
	case "scan":
		limit := 100
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return "", err
			}
			limit = n
		}
		it, err := st.LoadAll(ctx)
		if err != nil {
			return "", err
		}
		defer it.Close()
		var sb strings.Builder
		for n := 0; n < limit && it.Next(); n++ {
			e := it.Entry()
			fmt.Fprintf(&sb, "%s\t%s\n", shellquote.Join(string(e.Key)), shellquote.Join(string(e.Value)))
		}
		return strings.TrimSuffix(sb.String(), "\n"), it.Err()
	case "size":
		n, err := st.Size(ctx)
		return strconv.FormatInt(n, 10), err
	case "segment":
		if err := need(1); err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(st.SegmentFor([]byte(args[1]))), 10), nil
	case "compact":
		if len(args) > 1 {
			id, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return "", err
			}
			return "OK", st.CompactSegment(ctx, proto.SegmentID(id))
		}
		return "OK", st.Compact(ctx)
	case "checkpoint":
		return "OK", st.Checkpoint(ctx)
	case "purge":
		n, err := st.PurgeExpired(ctx)
		return fmt.Sprintf("purged %d", n), err
	case "stats":
		b, err := json.MarshalIndent(st.Stats(), "", "  ")
		return string(b), err
	}
	return "", fmt.Errorf("unknown command %q\n%s", args[0], usage)
}
