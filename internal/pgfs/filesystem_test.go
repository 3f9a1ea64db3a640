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
	"os"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgfuse/pgfuse/internal/pgdal"
	"github.com/pgfuse/pgfuse/internal/pgerrors"
	"github.com/pgfuse/pgfuse/internal/pgpool"
)

// fakeDAL is an in-memory stand-in for *pgdal.DAL, covering exactly the
// dataLayer surface FileSystem's handlers call. It keeps no transaction
// semantics of its own (there is nothing to roll back in memory), so it
// exercises handler logic -- path building, mode-bit translation, error
// classification -- without a live database.
type fakeDAL struct {
	nextID  int64
	inodes  map[int64]pgdal.Meta
	names   map[int64]map[string]int64 // parentID -> name -> childID
	content map[int64][]byte
}

func newFakeDAL() *fakeDAL {
	root := pgdal.Meta{
		ID: pgdal.RootID, ParentID: pgdal.RootID,
		Name: "/", Path: "/",
		Mode: pgdal.ModeDir | 0o777,
	}
	return &fakeDAL{
		nextID:  1,
		inodes:  map[int64]pgdal.Meta{pgdal.RootID: root},
		names:   map[int64]map[string]int64{pgdal.RootID: {}},
		content: map[int64][]byte{},
	}
}

func (f *fakeDAL) LookupChild(ctx context.Context, parentID int64, name string) (pgdal.Meta, error) {
	children, ok := f.names[parentID]
	if !ok {
		return pgdal.Meta{}, pgerrors.New(pgerrors.NotFound)
	}
	id, ok := children[name]
	if !ok {
		return pgdal.Meta{}, pgerrors.New(pgerrors.NotFound)
	}
	return f.inodes[id], nil
}

func (f *fakeDAL) ReadMeta(ctx context.Context, id int64, path string) (pgdal.Meta, error) {
	m, ok := f.inodes[id]
	if !ok {
		return pgdal.Meta{}, pgerrors.New(pgerrors.NotFound)
	}
	return m, nil
}

func (f *fakeDAL) WriteMeta(ctx context.Context, m pgdal.Meta) error {
	if _, ok := f.inodes[m.ID]; !ok {
		return pgerrors.New(pgerrors.NotFound)
	}
	f.inodes[m.ID] = m
	return nil
}

func (f *fakeDAL) ReadDir(ctx context.Context, id int64) ([]pgdal.DirEntry, error) {
	var out []pgdal.DirEntry
	for name, childID := range f.names[id] {
		m := f.inodes[childID]
		out = append(out, pgdal.DirEntry{Name: name, Mode: m.Mode, ID: childID})
	}
	return out, nil
}

func (f *fakeDAL) create(parentID int64, name string, meta pgdal.Meta) (int64, error) {
	if _, exists := f.names[parentID][name]; exists {
		return 0, pgerrors.New(pgerrors.AlreadyExists)
	}
	id := f.nextID
	f.nextID++
	meta.ID = id
	meta.ParentID = parentID
	meta.Name = name
	f.inodes[id] = meta
	f.names[parentID][name] = id
	if meta.IsDir() {
		f.names[id] = map[string]int64{}
	}
	return id, nil
}

func (f *fakeDAL) CreateFile(ctx context.Context, parentID int64, path, name string, meta pgdal.Meta) (int64, error) {
	return f.create(parentID, name, meta)
}

func (f *fakeDAL) CreateDir(ctx context.Context, parentID int64, path, name string, meta pgdal.Meta) (int64, error) {
	return f.create(parentID, name, meta)
}

func (f *fakeDAL) DeleteFile(ctx context.Context, id int64) error {
	m, ok := f.inodes[id]
	if !ok {
		return pgerrors.New(pgerrors.NotFound)
	}
	delete(f.names[m.ParentID], m.Name)
	delete(f.inodes, id)
	delete(f.content, id)
	return nil
}

func (f *fakeDAL) DeleteDir(ctx context.Context, id int64) error {
	if len(f.names[id]) > 0 {
		return pgerrors.New(pgerrors.NotEmpty)
	}
	return f.DeleteFile(ctx, id)
}

func (f *fakeDAL) ReadBuf(ctx context.Context, blockSize int, id int64, offset int64, size int) ([]byte, error) {
	data := f.content[id]
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + int64(size)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

func (f *fakeDAL) WriteBuf(ctx context.Context, blockSize int, id int64, offset int64, data []byte) (int, error) {
	existing := f.content[id]
	need := int(offset) + len(data)
	if need > len(existing) {
		grown := make([]byte, need)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:], data)
	f.content[id] = existing
	return len(data), nil
}

func (f *fakeDAL) Truncate(ctx context.Context, blockSize int, id int64, newSize int64) error {
	data := f.content[id]
	if int64(len(data)) >= newSize {
		f.content[id] = data[:newSize]
		return nil
	}
	grown := make([]byte, newSize)
	copy(grown, data)
	f.content[id] = grown
	return nil
}

func (f *fakeDAL) Rename(ctx context.Context, fromID, toParentID int64, newName, fromPath, toPath string) error {
	m := f.inodes[fromID]
	delete(f.names[m.ParentID], m.Name)
	m.ParentID = toParentID
	m.Name = newName
	m.Path = toPath
	f.inodes[fromID] = m
	f.names[toParentID][newName] = fromID
	return nil
}

func (f *fakeDAL) TablespaceLocations(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeDAL) BlocksUsed(ctx context.Context, blockSize int) (uint64, error) {
	var n uint64
	for _, c := range f.content {
		n += uint64(len(c)+blockSize-1) / uint64(blockSize)
	}
	return n, nil
}
func (f *fakeDAL) FilesUsed(ctx context.Context) (uint64, error) {
	return uint64(len(f.inodes) - 1), nil
}

// fakePool bridges a single fakeDAL into withTxn without a real database:
// its Conn.Begin hands back a no-op transaction, since the fake has no undo
// log to roll back against.
type fakePool struct{ dal *fakeDAL }

func (p *fakePool) Acquire(ctx context.Context) (pgpool.Conn, error) { return fakeConn{p.dal}, nil }
func (p *fakePool) Close()                                          {}

type fakeConn struct{ dal *fakeDAL }

func (c fakeConn) Begin(ctx context.Context) (pgpool.Tx, error) { return fakeTx{}, nil }
func (c fakeConn) Release()                                     {}

// fakeTx only needs to satisfy pgpool.Tx's shape; newDataLayer is repointed
// below to hand withTxn the fakeDAL directly, so Exec/Query/QueryRow are
// never invoked. withTxn does call Commit and Rollback, which do nothing.
type fakeTx struct{}

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }
func (fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }

// newTestFileSystem wires withTxn straight to dal, bypassing the real
// pgdal.New(tx) construction the package uses in production.
func newTestFileSystem(dal *fakeDAL) *FileSystem {
	newDataLayer = func(tx pgpool.Tx) dataLayer { return dal }
	return &FileSystem{
		Pool:      &fakePool{dal: dal},
		BlockSize: 4096,
		Clock:     timeutil.RealClock(),
	}
}

func TestMkDirAndLookUpInode(t *testing.T) {
	dal := newFakeDAL()
	fs := newTestFileSystem(dal)
	ctx := t.Context()

	mkdirOp := &fuseops.MkDirOp{
		Parent: fuseops.InodeID(pgdal.RootID),
		Name:   "sub",
		Mode:   0o755,
	}
	require.NoError(t, fs.MkDir(ctx, mkdirOp))
	assert.NotZero(t, mkdirOp.Entry.Child)
	assert.True(t, mkdirOp.Entry.Attributes.Mode.IsDir())

	lookupOp := &fuseops.LookUpInodeOp{
		Parent: fuseops.InodeID(pgdal.RootID),
		Name:   "sub",
	}
	require.NoError(t, fs.LookUpInode(ctx, lookupOp))
	assert.Equal(t, mkdirOp.Entry.Child, lookupOp.Entry.Child)
}

func TestCreateFileThenWriteThenRead(t *testing.T) {
	dal := newFakeDAL()
	fs := newTestFileSystem(dal)
	ctx := t.Context()

	createOp := &fuseops.CreateFileOp{
		Parent: fuseops.InodeID(pgdal.RootID),
		Name:   "hello.txt",
		Mode:   0o644,
	}
	require.NoError(t, fs.CreateFile(ctx, createOp))
	inode := createOp.Entry.Child

	writeOp := &fuseops.WriteFileOp{
		Inode:  inode,
		Handle: createOp.Handle,
		Offset: 0,
		Data:   []byte("hello world"),
	}
	require.NoError(t, fs.WriteFile(ctx, writeOp))

	dst := make([]byte, 11)
	readOp := &fuseops.ReadFileOp{
		Inode:  inode,
		Handle: createOp.Handle,
		Offset: 0,
		Size:   len(dst),
		Dst:    dst,
	}
	require.NoError(t, fs.ReadFile(ctx, readOp))
	assert.Equal(t, "hello world", string(dst[:readOp.BytesRead]))
}

func TestCreateFileOverExistingDirectoryIsEISDIR(t *testing.T) {
	dal := newFakeDAL()
	fs := newTestFileSystem(dal)
	ctx := t.Context()

	require.NoError(t, fs.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.InodeID(pgdal.RootID), Name: "d"}))

	err := fs.CreateFile(ctx, &fuseops.CreateFileOp{Parent: fuseops.InodeID(pgdal.RootID), Name: "d"})
	assert.Equal(t, syscall.EISDIR, err)
}

func TestCreateFileOverExistingFileIsEEXIST(t *testing.T) {
	dal := newFakeDAL()
	fs := newTestFileSystem(dal)
	ctx := t.Context()

	require.NoError(t, fs.CreateFile(ctx, &fuseops.CreateFileOp{Parent: fuseops.InodeID(pgdal.RootID), Name: "f"}))

	err := fs.CreateFile(ctx, &fuseops.CreateFileOp{Parent: fuseops.InodeID(pgdal.RootID), Name: "f"})
	assert.Equal(t, syscall.EEXIST, err)
}

func TestWriteFileRejectsWithoutHandle(t *testing.T) {
	dal := newFakeDAL()
	fs := newTestFileSystem(dal)
	ctx := t.Context()

	err := fs.WriteFile(ctx, &fuseops.WriteFileOp{Inode: fuseops.InodeID(pgdal.RootID)})
	assert.Equal(t, syscall.EBADF, err)
}

func TestReadOnlyRejectsMkDir(t *testing.T) {
	dal := newFakeDAL()
	fs := newTestFileSystem(dal)
	fs.ReadOnly = true
	ctx := t.Context()

	err := fs.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.InodeID(pgdal.RootID), Name: "x"})
	assert.Equal(t, syscall.EROFS, err)
}

func TestRmDirRejectsNonEmpty(t *testing.T) {
	dal := newFakeDAL()
	fs := newTestFileSystem(dal)
	ctx := t.Context()

	require.NoError(t, fs.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.InodeID(pgdal.RootID), Name: "dir"}))
	require.NoError(t, fs.MkDir(ctx, &fuseops.MkDirOp{
		Parent: fuseops.InodeID(dal.names[pgdal.RootID]["dir"]),
		Name:   "nested",
	}))

	err := fs.RmDir(ctx, &fuseops.RmDirOp{Parent: fuseops.InodeID(pgdal.RootID), Name: "dir"})
	assert.Equal(t, pgerrors.Errno(pgerrors.New(pgerrors.NotEmpty)), err)
}

func TestUnlinkRejectsDirectory(t *testing.T) {
	dal := newFakeDAL()
	fs := newTestFileSystem(dal)
	ctx := t.Context()

	require.NoError(t, fs.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.InodeID(pgdal.RootID), Name: "dir"}))
	err := fs.Unlink(ctx, &fuseops.UnlinkOp{Parent: fuseops.InodeID(pgdal.RootID), Name: "dir"})
	assert.Equal(t, pgerrors.Errno(pgerrors.New(pgerrors.PermissionDenied)), err)
}

func TestCreateSymlinkAndReadSymlink(t *testing.T) {
	dal := newFakeDAL()
	fs := newTestFileSystem(dal)
	ctx := t.Context()

	symOp := &fuseops.CreateSymlinkOp{
		Parent: fuseops.InodeID(pgdal.RootID),
		Name:   "link",
		Target: "/etc/passwd",
	}
	require.NoError(t, fs.CreateSymlink(ctx, symOp))

	readOp := &fuseops.ReadSymlinkOp{Inode: symOp.Entry.Child}
	require.NoError(t, fs.ReadSymlink(ctx, readOp))
	assert.Equal(t, "/etc/passwd", readOp.Target)
}

func TestRenameSelfIsNoOp(t *testing.T) {
	dal := newFakeDAL()
	fs := newTestFileSystem(dal)
	ctx := t.Context()

	require.NoError(t, fs.CreateFile(ctx, &fuseops.CreateFileOp{
		Parent: fuseops.InodeID(pgdal.RootID), Name: "f",
	}))

	err := fs.Rename(ctx, &fuseops.RenameOp{
		OldParent: fuseops.InodeID(pgdal.RootID), OldName: "f",
		NewParent: fuseops.InodeID(pgdal.RootID), NewName: "f",
	})
	assert.NoError(t, err)
}

func TestRenameDirectoryOverwriteIsInvalid(t *testing.T) {
	dal := newFakeDAL()
	fs := newTestFileSystem(dal)
	ctx := t.Context()

	require.NoError(t, fs.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.InodeID(pgdal.RootID), Name: "a"}))
	require.NoError(t, fs.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.InodeID(pgdal.RootID), Name: "b"}))

	err := fs.Rename(ctx, &fuseops.RenameOp{
		OldParent: fuseops.InodeID(pgdal.RootID), OldName: "a",
		NewParent: fuseops.InodeID(pgdal.RootID), NewName: "b",
	})
	assert.Equal(t, pgerrors.Errno(pgerrors.New(pgerrors.BadArgument)), err)
}

func TestToFileModeRoundTrip(t *testing.T) {
	raw := fromFileMode(0o644, pgdal.ModeDir)
	assert.True(t, toFileMode(raw).IsDir())
	assert.Equal(t, os.FileMode(0o644), toFileMode(raw).Perm())
}

func TestChildPath(t *testing.T) {
	assert.Equal(t, "/foo", childPath("/", "foo"))
	assert.Equal(t, "/a/b", childPath("/a", "b"))
}
