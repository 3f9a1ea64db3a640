// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/kardianos/osext"

	"github.com/pgfuse/pgfuse/internal/logger"
	"github.com/pgfuse/pgfuse/internal/pgfs"
	"github.com/pgfuse/pgfuse/internal/pgpool"
	"github.com/pgfuse/pgfuse/internal/pgschema"
)

// defaultBlockSize is used when -o blocksize=N is not given.
const defaultBlockSize = 4096

// mountOpts is the parsed form of every -o value.
type mountOpts struct {
	ReadOnly  bool
	BlockSize int
	Extra     map[string]string
}

// parseMountOptions splits the repeated -o flag's comma-joined values the
// way mount(8) does, pulling out the two options PgFuse itself understands
// (ro, blocksize=N) and leaving everything else available for the kernel
// bridge's own option parsing.
func parseMountOptions(raw []string) (mountOpts, error) {
	opts := mountOpts{BlockSize: defaultBlockSize, Extra: map[string]string{}}

	for _, group := range raw {
		for _, o := range strings.Split(group, ",") {
			o = strings.TrimSpace(o)
			if o == "" {
				continue
			}
			if o == "ro" {
				opts.ReadOnly = true
				continue
			}
			if strings.HasPrefix(o, "blocksize=") {
				n, err := strconv.Atoi(strings.TrimPrefix(o, "blocksize="))
				if err != nil || n <= 0 {
					return mountOpts{}, fmt.Errorf("invalid blocksize option %q", o)
				}
				opts.BlockSize = n
				continue
			}

			kv := strings.SplitN(o, "=", 2)
			if len(kv) == 2 {
				opts.Extra[kv[0]] = kv[1]
			} else {
				opts.Extra[o] = ""
			}
		}
	}
	return opts, nil
}

// runParams bundles the flags the RunE callback collected.
type runParams struct {
	Verbose        bool
	Foreground     bool
	SingleThreaded bool
	Options        mountOpts
}

// run is the program's real entry point once flags are parsed: it checks
// the database preconditions, daemonizes unless told to run in the
// foreground, mounts the filesystem, and waits for it to be unmounted.
func run(ctx context.Context, connString, mountPoint string, p runParams) error {
	if !p.Foreground {
		return daemonizeSelf()
	}

	if err := logger.Init(p.Verbose); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logger.Close()

	if err := checkDatabase(ctx, connString, p.Options.BlockSize); err != nil {
		return err
	}

	pool, err := openPool(ctx, connString, p.SingleThreaded)
	if err != nil {
		return fmt.Errorf("opening connection pool: %w", err)
	}
	defer pool.Close()

	fileSystem := &pgfs.FileSystem{
		Pool:      pool,
		BlockSize: p.Options.BlockSize,
		ReadOnly:  p.Options.ReadOnly,
		Clock:     timeutil.RealClock(),
		Uid:       uint32(os.Getuid()),
		Gid:       uint32(os.Getgid()),
	}
	server := fuseutil.NewFileSystemServer(fileSystem)

	mountCfg := &fuse.MountConfig{
		FSName:   "pgfuse",
		Subtype:  "pgfuse",
		ReadOnly: p.Options.ReadOnly,
		Options:  p.Options.Extra,
	}

	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mounting: %w", err)
	}

	registerSIGINTHandler(mountPoint)

	// Tell a waiting daemonize.Run parent that the mount is up.
	_ = daemonize.SignalOutcome(nil)

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// openPool picks the pgxpool- or single-connection-backed pool, per -s.
func openPool(ctx context.Context, connString string, singleThreaded bool) (pgpool.Pool, error) {
	if singleThreaded {
		return pgpool.OpenSingle(ctx, connString)
	}
	return pgpool.Open(ctx, connString, pgpool.DefaultMaxConns)
}

// checkDatabase applies the schema (idempotently) and verifies the startup
// preconditions from spec.md §6, using a short-lived connection of its own
// so it runs identically whether or not -s was given.
func checkDatabase(ctx context.Context, connString string, blockSize int) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close(ctx)

	if err := pgschema.Bootstrap(ctx, conn, blockSize); err != nil {
		return err
	}
	if err := pgschema.CheckPreconditions(ctx, conn, blockSize); err != nil {
		return err
	}
	return nil
}

// registerSIGINTHandler installs a handler that unmounts mountPoint on
// Ctrl-C, adapted from the teacher's legacy registerSIGINTHandler: unmount
// can fail transiently while the kernel is still flushing in-flight ops, so
// it is retried briefly rather than given up on after one attempt.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for range signalChan {
			logger.Infof("received SIGINT, unmounting %s", mountPoint)

			var err error
			for i := 0; i < 3; i++ {
				if err = fuse.Unmount(mountPoint); err == nil {
					return
				}
				logger.Warnf("unmount attempt failed: %v", err)
				time.Sleep(time.Second)
			}
			logger.Errorf("failed to unmount in response to SIGINT: %v", err)
		}
	}()
}

// daemonizeSelf re-execs the current binary with -f appended, in the
// background, matching the teacher's legacy daemonization path:
// daemonize.Run starts the child and waits on the named pipe it writes its
// outcome to, and osext.Executable locates the binary to re-exec (os.Args[0]
// is not reliable once a daemon has changed its working directory).
func daemonizeSelf() error {
	self, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("finding executable for daemonization: %w", err)
	}

	args := append([]string{}, os.Args[1:]...)
	args = append(args, "-f")

	return daemonize.Run(self, args, os.Environ(), os.Stdout)
}
