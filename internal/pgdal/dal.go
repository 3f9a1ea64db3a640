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

// Package pgdal is the database access layer: typed operations over the
// dir/data schema. SQL text and parameter binding are private to this
// package; callers never see a pgx.Rows or build a query themselves.
package pgdal

import (
	"context"
	"errors"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgfuse/pgfuse/internal/pgerrors"
)

// Mode bits, matching the POSIX file-type bits spec.md calls out explicitly.
const (
	ModeTypeMask = syscall.S_IFMT
	ModeDir      = syscall.S_IFDIR
	ModeSymlink  = syscall.S_IFLNK
	ModeRegular  = syscall.S_IFREG
)

// RootID is the inode id of the filesystem root; it is its own parent.
const RootID int64 = 0

// Meta is the in-memory projection of a dir row.
type Meta struct {
	ID       int64
	ParentID int64
	Name     string
	Path     string
	Size     int64
	Mode     uint32
	UID      uint32
	GID      uint32
	Ctime    time.Time
	Mtime    time.Time
	Atime    time.Time
}

func (m Meta) IsDir() bool     { return m.Mode&ModeTypeMask == ModeDir }
func (m Meta) IsSymlink() bool { return m.Mode&ModeTypeMask == ModeSymlink }

// DirEntry is one child yielded by ReadDir.
type DirEntry struct {
	Name string
	Mode uint32
	ID   int64
}

// querier is the subset of pgx.Tx the DAL actually calls. Narrowing to this
// interface (rather than embedding all of pgx.Tx, which also carries
// Begin/Commit/Rollback/CopyFrom/etc.) keeps the DAL's dependency honest and
// lets tests bind it to a fake without implementing the whole of pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DAL wraps a single transaction. Every method below runs against it; none
// of them begin or commit anything themselves, matching the envelope's
// acquire/begin/call-DAL/commit-or-rollback/release shape.
type DAL struct {
	tx querier
}

// New builds a DAL bound to tx. Any pgx.Tx, or anything else satisfying
// querier's three methods, works.
func New(tx querier) *DAL {
	return &DAL{tx: tx}
}

const metaColumns = "id, parent_id, name, path, size, mode, uid, gid, ctime, mtime, atime"

func scanMeta(row pgx.Row) (Meta, error) {
	var m Meta
	err := row.Scan(&m.ID, &m.ParentID, &m.Name, &m.Path, &m.Size, &m.Mode, &m.UID, &m.GID, &m.Ctime, &m.Mtime, &m.Atime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Meta{}, pgerrors.New(pgerrors.NotFound)
		}
		return Meta{}, pgerrors.Classify(err)
	}
	return m, nil
}

// ReadMetaFromPath resolves an absolute path to its inode by descending from
// the root component by component, looking each one up in dir by
// (parent_id, name) -- the tree-descent half of the two equivalent
// strategies spec.md allows. The denormalized path column is kept current
// by Rename but is not used for lookups.
func (d *DAL) ReadMetaFromPath(ctx context.Context, path string) (Meta, error) {
	if path == "/" || path == "" {
		return d.ReadMeta(ctx, RootID, "/")
	}

	parent := RootID
	var m Meta
	comps := strings.Split(strings.Trim(path, "/"), "/")
	for _, name := range comps {
		var err error
		m, err = d.LookupChild(ctx, parent, name)
		if err != nil {
			return Meta{}, err
		}
		parent = m.ID
	}
	return m, nil
}

// LookupChild resolves a single (parent_id, name) pair -- the primitive
// ReadMetaFromPath applies once per path component, and the same primitive
// the FUSE binding's LookUpInode needs, since jacobsa/fuse hands handlers a
// parent inode ID and a name rather than a full path.
func (d *DAL) LookupChild(ctx context.Context, parentID int64, name string) (Meta, error) {
	row := d.tx.QueryRow(ctx,
		"SELECT "+metaColumns+" FROM dir WHERE parent_id = $1 AND name = $2 AND id <> parent_id",
		parentID, name)
	return scanMeta(row)
}

// ReadMeta fetches metadata by inode id. path is advisory only, used for
// diagnostics, never for the lookup itself.
func (d *DAL) ReadMeta(ctx context.Context, id int64, path string) (Meta, error) {
	row := d.tx.QueryRow(ctx, "SELECT "+metaColumns+" FROM dir WHERE id = $1", id)
	return scanMeta(row)
}

// WriteMeta updates the mutable fields of a dir row atomically.
func (d *DAL) WriteMeta(ctx context.Context, m Meta) error {
	tag, err := d.tx.Exec(ctx,
		`UPDATE dir SET size = $1, mode = $2, uid = $3, gid = $4, ctime = $5, mtime = $6, atime = $7 WHERE id = $8`,
		m.Size, m.Mode, m.UID, m.GID, m.Ctime, m.Mtime, m.Atime, m.ID)
	if err != nil {
		return pgerrors.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return pgerrors.New(pgerrors.NotFound)
	}
	return nil
}

// ReadDir yields every child of id except the self-referential root; order
// is unspecified but stable within the transaction (ORDER BY name gives
// that for free).
func (d *DAL) ReadDir(ctx context.Context, id int64) ([]DirEntry, error) {
	rows, err := d.tx.Query(ctx,
		"SELECT name, mode, id FROM dir WHERE parent_id = $1 AND id <> parent_id ORDER BY name",
		id)
	if err != nil {
		return nil, pgerrors.Classify(err)
	}
	defer rows.Close()

	var entries []DirEntry
	for rows.Next() {
		var e DirEntry
		if err := rows.Scan(&e.Name, &e.Mode, &e.ID); err != nil {
			return nil, pgerrors.Classify(err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, pgerrors.Classify(err)
	}
	return entries, nil
}

func (d *DAL) insertInode(ctx context.Context, parentID int64, path, name string, meta Meta) (int64, error) {
	var id int64
	err := d.tx.QueryRow(ctx,
		`INSERT INTO dir (parent_id, name, path, size, mode, uid, gid, ctime, mtime, atime)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		parentID, name, path, meta.Size, meta.Mode, meta.UID, meta.GID, meta.Ctime, meta.Mtime, meta.Atime,
	).Scan(&id)
	if err != nil {
		if pgerrors.FromPgError(err) == pgerrors.AlreadyExists {
			return 0, pgerrors.New(pgerrors.AlreadyExists)
		}
		return 0, pgerrors.Classify(err)
	}
	return id, nil
}

// CreateFile inserts a new regular-file (or symlink) inode. Its first data
// block is materialized by the schema's insert trigger (spec.md §6), so this
// method issues a single INSERT.
func (d *DAL) CreateFile(ctx context.Context, parentID int64, path, name string, meta Meta) (int64, error) {
	return d.insertInode(ctx, parentID, path, name, meta)
}

// CreateDir inserts a new directory inode. Unlike CreateFile, no data row is
// ever created for it.
func (d *DAL) CreateDir(ctx context.Context, parentID int64, path, name string, meta Meta) (int64, error) {
	return d.insertInode(ctx, parentID, path, name, meta)
}

// DeleteFile removes a non-directory inode. The schema's delete rule
// cascades removal of its data rows.
func (d *DAL) DeleteFile(ctx context.Context, id int64) error {
	var mode uint32
	if err := d.tx.QueryRow(ctx, "SELECT mode FROM dir WHERE id = $1", id).Scan(&mode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pgerrors.New(pgerrors.NotFound)
		}
		return pgerrors.Classify(err)
	}
	if mode&ModeTypeMask == ModeDir {
		return pgerrors.New(pgerrors.PermissionDenied)
	}

	tag, err := d.tx.Exec(ctx, "DELETE FROM dir WHERE id = $1", id)
	if err != nil {
		return pgerrors.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return pgerrors.New(pgerrors.NotFound)
	}
	return nil
}

// DeleteDir removes a directory inode, failing with NotEmpty if any child
// remains.
func (d *DAL) DeleteDir(ctx context.Context, id int64) error {
	var childCount int64
	if err := d.tx.QueryRow(ctx,
		"SELECT count(*) FROM dir WHERE parent_id = $1 AND id <> parent_id", id,
	).Scan(&childCount); err != nil {
		return pgerrors.Classify(err)
	}
	if childCount > 0 {
		return pgerrors.New(pgerrors.NotEmpty)
	}

	tag, err := d.tx.Exec(ctx, "DELETE FROM dir WHERE id = $1 AND id <> 0", id)
	if err != nil {
		return pgerrors.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return pgerrors.New(pgerrors.NotFound)
	}
	return nil
}

// block returns the (possibly empty) content of block_no for dir_id.
func (d *DAL) block(ctx context.Context, id, blockNo int64) ([]byte, error) {
	var data []byte
	err := d.tx.QueryRow(ctx,
		"SELECT data FROM data WHERE dir_id = $1 AND block_no = $2", id, blockNo,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, pgerrors.Classify(err)
	}
	return data, nil
}

// ReadBuf reads size bytes of id's content starting at offset. Callers are
// expected to have already clipped size to the file's logical length (the
// handler layer does this, since it already holds meta.Size); ReadBuf's own
// job is purely block arithmetic: spanning block boundaries and returning
// zero bytes for any block that was never materialized (sparse semantics).
func (d *DAL) ReadBuf(ctx context.Context, blockSize int, id int64, offset int64, size int) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	out := make([]byte, size)

	startBlock := offset / int64(blockSize)
	endBlock := (offset + int64(size) - 1) / int64(blockSize)

	for blockNo := startBlock; blockNo <= endBlock; blockNo++ {
		blk, err := d.block(ctx, id, blockNo)
		if err != nil {
			return nil, err
		}
		if len(blk) == 0 {
			continue
		}

		blockStart := blockNo * int64(blockSize)
		// Range of this block that intersects [offset, offset+size).
		loInBlock := int64(0)
		if offset > blockStart {
			loInBlock = offset - blockStart
		}
		hiInBlock := int64(blockSize)
		if offset+int64(size) < blockStart+int64(blockSize) {
			hiInBlock = offset + int64(size) - blockStart
		}
		if loInBlock >= hiInBlock {
			continue
		}
		if hiInBlock > int64(len(blk)) {
			hiInBlock = int64(len(blk))
		}
		if loInBlock >= hiInBlock {
			continue
		}

		destStart := blockStart + loInBlock - offset
		copy(out[destStart:], blk[loInBlock:hiInBlock])
	}

	return out, nil
}

// WriteBuf writes data starting at offset. For each touched block: load the
// existing block (or zero-fill a new one), splice the new bytes in, write
// the block back whole. New blocks beyond the current extent are implicitly
// zero-padded on their left, satisfying spec.md's "implicitly zero-padded to
// the left" requirement for unaligned, beyond-EOF writes.
func (d *DAL) WriteBuf(ctx context.Context, blockSize int, id int64, offset int64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	startBlock := offset / int64(blockSize)
	endBlock := (offset + int64(len(data)) - 1) / int64(blockSize)

	for blockNo := startBlock; blockNo <= endBlock; blockNo++ {
		blockStart := blockNo * int64(blockSize)

		existing, err := d.block(ctx, id, blockNo)
		if err != nil {
			return 0, err
		}
		buf := make([]byte, blockSize)
		copy(buf, existing)

		loInBlock := int64(0)
		if offset > blockStart {
			loInBlock = offset - blockStart
		}
		hiInBlock := int64(blockSize)
		if offset+int64(len(data)) < blockStart+int64(blockSize) {
			hiInBlock = offset + int64(len(data)) - blockStart
		}

		srcStart := blockStart + loInBlock - offset
		copy(buf[loInBlock:hiInBlock], data[srcStart:])

		if err := d.putBlock(ctx, id, blockNo, buf); err != nil {
			return 0, err
		}
	}

	return len(data), nil
}

func (d *DAL) putBlock(ctx context.Context, id, blockNo int64, content []byte) error {
	_, err := d.tx.Exec(ctx,
		`INSERT INTO data (dir_id, block_no, data) VALUES ($1, $2, $3)
		 ON CONFLICT (dir_id, block_no) DO UPDATE SET data = EXCLUDED.data`,
		id, blockNo, content)
	if err != nil {
		return pgerrors.Classify(err)
	}
	return nil
}

// Truncate grows or shrinks id's materialized blocks to match newSize.
func (d *DAL) Truncate(ctx context.Context, blockSize int, id int64, newSize int64) error {
	lastBlock := int64(-1)
	if newSize > 0 {
		lastBlock = (newSize - 1) / int64(blockSize)
	}

	// Shrink: drop every block beyond the last retained one.
	if _, err := d.tx.Exec(ctx,
		"DELETE FROM data WHERE dir_id = $1 AND block_no > $2", id, lastBlock,
	); err != nil {
		return pgerrors.Classify(err)
	}

	if lastBlock < 0 {
		return nil
	}

	// Zero the tail of the last retained block past newSize, or zero-fill it
	// entirely if it was never materialized (covers growth past EOF).
	tailLen := int(newSize - lastBlock*int64(blockSize))
	existing, err := d.block(ctx, id, lastBlock)
	if err != nil {
		return err
	}
	buf := make([]byte, blockSize)
	copy(buf, existing)
	for i := tailLen; i < blockSize; i++ {
		buf[i] = 0
	}
	if err := d.putBlock(ctx, id, lastBlock, buf); err != nil {
		return err
	}

	// Grow: materialize every intermediate block as zero-filled if growth
	// skipped over blocks entirely (e.g. truncate far past EOF in one call).
	zero := make([]byte, blockSize)
	rows, err := d.tx.Query(ctx, "SELECT block_no FROM data WHERE dir_id = $1", id)
	if err != nil {
		return pgerrors.Classify(err)
	}
	present := map[int64]bool{}
	for rows.Next() {
		var bn int64
		if err := rows.Scan(&bn); err != nil {
			rows.Close()
			return pgerrors.Classify(err)
		}
		present[bn] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return pgerrors.Classify(err)
	}
	for bn := int64(0); bn < lastBlock; bn++ {
		if !present[bn] {
			if err := d.putBlock(ctx, id, bn, zero); err != nil {
				return err
			}
		}
	}

	return nil
}

// Rename updates parent_id, name and path of the moved inode, rewriting the
// path prefix of every descendant when the moved inode is a directory.
func (d *DAL) Rename(ctx context.Context, fromID, toParentID int64, newName, fromPath, toPath string) error {
	tag, err := d.tx.Exec(ctx,
		"UPDATE dir SET parent_id = $1, name = $2, path = $3 WHERE id = $4",
		toParentID, newName, toPath, fromID)
	if err != nil {
		if pgerrors.FromPgError(err) == pgerrors.AlreadyExists {
			return pgerrors.New(pgerrors.AlreadyExists)
		}
		return pgerrors.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return pgerrors.New(pgerrors.NotFound)
	}

	if fromPath == toPath {
		return nil
	}

	// Rewrite the denormalized path of every descendant (a no-op for files,
	// since they have none).
	_, err = d.tx.Exec(ctx,
		`UPDATE dir SET path = $1 || substr(path, char_length($2) + 1)
		 WHERE path LIKE $2 || '/%'`,
		toPath, fromPath)
	if err != nil {
		return pgerrors.Classify(err)
	}
	return nil
}

// TablespaceLocations introspects the catalog for the on-disk directories of
// the tablespaces hosting dir/data and their indices, substituting the
// default tablespace's data directory for OID 0.
func (d *DAL) TablespaceLocations(ctx context.Context) ([]string, error) {
	rows, err := d.tx.Query(ctx, `
		SELECT DISTINCT coalesce(
			nullif(pg_tablespace_location(ts.oid), ''),
			current_setting('data_directory')
		)
		FROM pg_class c
		JOIN pg_tablespace ts ON ts.oid = c.reltablespace OR (c.reltablespace = 0 AND ts.oid = (
			SELECT dattablespace FROM pg_database WHERE datname = current_database()
		))
		WHERE c.relname IN ('dir', 'data', 'dir_parent_id_idx', 'data_dir_id_idx', 'data_block_no_idx')
	`)
	if err != nil {
		return nil, pgerrors.Classify(err)
	}
	defer rows.Close()

	var locs []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, pgerrors.Classify(err)
		}
		locs = append(locs, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, pgerrors.Classify(err)
	}
	return locs, nil
}

// BlocksUsed returns the aggregate number of block_size-sized blocks
// PgFuse's tables occupy, for statfs's blocks_used figure.
func (d *DAL) BlocksUsed(ctx context.Context, blockSize int) (uint64, error) {
	var blocks uint64
	err := d.tx.QueryRow(ctx, "SELECT count(*) FROM data").Scan(&blocks)
	if err != nil {
		return 0, pgerrors.Classify(err)
	}
	return blocks, nil
}

// FilesUsed returns the number of inodes currently recorded, for statfs's
// files_used figure.
func (d *DAL) FilesUsed(ctx context.Context) (uint64, error) {
	var files uint64
	err := d.tx.QueryRow(ctx, "SELECT count(*) FROM dir WHERE id <> parent_id").Scan(&files)
	if err != nil {
		return 0, pgerrors.Classify(err)
	}
	return files, nil
}

// BlockSize returns the block size recorded at schema init time.
func (d *DAL) BlockSize(ctx context.Context) (int, error) {
	var bs int
	err := d.tx.QueryRow(ctx, "SELECT block_size FROM pgfuse_info").Scan(&bs)
	if err != nil {
		return 0, pgerrors.Classify(err)
	}
	return bs, nil
}
