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

package pgfs

import (
	"context"

	"github.com/pgfuse/pgfuse/internal/pgdal"
	"github.com/pgfuse/pgfuse/internal/pgerrors"
	"github.com/pgfuse/pgfuse/internal/pgpool"
)

// dataLayer is the slice of *pgdal.DAL every handler in this package calls.
// Handlers take it as an interface, not the concrete type, so tests can bind
// withTxn to an in-memory fake instead of a live database.
type dataLayer interface {
	LookupChild(ctx context.Context, parentID int64, name string) (pgdal.Meta, error)
	ReadMeta(ctx context.Context, id int64, path string) (pgdal.Meta, error)
	WriteMeta(ctx context.Context, m pgdal.Meta) error
	ReadDir(ctx context.Context, id int64) ([]pgdal.DirEntry, error)
	CreateFile(ctx context.Context, parentID int64, path, name string, meta pgdal.Meta) (int64, error)
	CreateDir(ctx context.Context, parentID int64, path, name string, meta pgdal.Meta) (int64, error)
	DeleteFile(ctx context.Context, id int64) error
	DeleteDir(ctx context.Context, id int64) error
	ReadBuf(ctx context.Context, blockSize int, id int64, offset int64, size int) ([]byte, error)
	WriteBuf(ctx context.Context, blockSize int, id int64, offset int64, data []byte) (int, error)
	Truncate(ctx context.Context, blockSize int, id int64, newSize int64) error
	Rename(ctx context.Context, fromID, toParentID int64, newName, fromPath, toPath string) error
	TablespaceLocations(ctx context.Context) ([]string, error)
	BlocksUsed(ctx context.Context, blockSize int) (uint64, error)
	FilesUsed(ctx context.Context) (uint64, error)
}

// newDataLayer binds a dataLayer to tx. It is a variable, not a plain call
// to pgdal.New, so tests can repoint it at a fake that ignores tx entirely
// and serves out of memory instead.
var newDataLayer = func(tx pgpool.Tx) dataLayer {
	return pgdal.New(tx)
}

// withTxn is the transaction envelope every handler goes through: acquire a
// connection, begin a transaction, run fn against a DAL bound to it, commit
// on success or roll back on any error, and always release the connection.
// This is the coarsest unit of atomicity PgFuse provides -- per spec.md
// §4.3, the envelope never retries, so a lost connection mid-transaction
// simply surfaces as an I/O error to the caller.
func withTxn(ctx context.Context, pool pgpool.Pool, fn func(dataLayer) error) (err error) {
	// jacobsa/fuse only recognizes a returned syscall.Errno; anything else
	// surfaces to the kernel as a generic EIO. This defer is the single
	// place that translation happens, so every handler can just return
	// whatever *pgerrors.Error its DAL call produced.
	defer func() {
		if err != nil {
			err = pgerrors.Errno(err)
		}
	}()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return pgerrors.Classify(err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return pgerrors.Classify(err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = pgerrors.Classify(commitErr)
		}
	}()

	err = fn(newDataLayer(tx))
	return err
}
