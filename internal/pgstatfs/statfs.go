// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package pgstatfs implements spec.md §4.5's statfs introspection: resolve
// the tablespace directories PgFuse's own tables live in, find the host
// mount owning each one, and report the worst-case free/available byte
// counts across those mounts.
package pgstatfs

import (
	"context"
	"math"
	"path/filepath"
	"sort"

	"github.com/artyom/mtab"
	"golang.org/x/sys/unix"
)

// MaxUint32Files is the sentinel used for "effectively unbounded" free
// inodes, since PgFuse's file count is bounded only by the database, not by
// a fixed inode table.
const MaxUint32Files = math.MaxUint32 / 2

// Result is what statfs needs to fill out fuseops.StatFSOp.
type Result struct {
	BlockSize   uint32
	BlocksTotal uint64
	BlocksFree  uint64
	BlocksAvail uint64
	FilesTotal  uint64
	FilesFree   uint64
}

// Locator resolves the directories PgFuse's tables are stored in; in
// production this is internal/pgdal.DAL.TablespaceLocations, wrapped here so
// pgstatfs has no import-time dependency on pgdal or a live transaction.
type Locator func(ctx context.Context) ([]string, error)

// Counter resolves the two aggregate counters statfs needs.
type Counter func(ctx context.Context) (blocksUsed, filesUsed uint64, err error)

// Compute implements spec.md §4.5 steps 1-5.
func Compute(ctx context.Context, blockSize int, locate Locator, count Counter) (Result, error) {
	locs, err := locate(ctx)
	if err != nil {
		return Result{}, err
	}

	resolved := make([]string, 0, len(locs))
	for _, loc := range locs {
		real, err := filepath.EvalSymlinks(loc)
		if err != nil {
			real = loc
		}
		resolved = append(resolved, real)
	}

	mounts, err := mountsOwning(resolved)
	if err != nil {
		return Result{}, err
	}

	var free, avail uint64
	first := true
	for _, m := range mounts {
		var st unix.Statfs_t
		if err := unix.Statfs(m, &st); err != nil {
			continue
		}
		f := uint64(st.Bfree) * uint64(st.Bsize)
		a := uint64(st.Bavail) * uint64(st.Bsize)
		if first {
			free, avail = f, a
			first = false
			continue
		}
		if f < free {
			free = f
		}
		if a < avail {
			avail = a
		}
	}

	blocksUsed, filesUsed, err := count(ctx)
	if err != nil {
		return Result{}, err
	}

	blocksFree := free / uint64(blockSize)
	blocksAvail := avail / uint64(blockSize)

	return Result{
		BlockSize:   uint32(blockSize),
		BlocksTotal: blocksUsed + blocksAvail,
		BlocksFree:  blocksFree,
		BlocksAvail: blocksAvail,
		FilesTotal:  filesUsed + MaxUint32Files,
		FilesFree:   MaxUint32Files,
	}, nil
}

// mountsOwning finds, for each path, the mount table entry whose directory
// is the longest prefix of that path, and returns the distinct set of mount
// points found.
func mountsOwning(paths []string) ([]string, error) {
	entries, err := mtab.Entries()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return len(entries[i].Dir) > len(entries[j].Dir)
	})

	seen := map[string]bool{}
	var mounts []string
	for _, p := range paths {
		for _, e := range entries {
			if e.Dir == "/" || hasPathPrefix(p, e.Dir) {
				if !seen[e.Dir] {
					seen[e.Dir] = true
					mounts = append(mounts, e.Dir)
				}
				break
			}
		}
	}
	return mounts, nil
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if len(path) < len(prefix) {
		return false
	}
	if path[:len(prefix)] != prefix {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
