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

// Package pgfs implements the FUSE filesystem operation handlers: one
// method per VFS callback, each following acquire -> begin -> DAL calls ->
// commit/rollback -> release via withTxn. There is no in-memory inode
// table like the teacher keeps (fs.fileSystem.inodes) -- the database is
// the only state, so every handler resolves what it needs fresh, inside
// its own transaction.
package pgfs

import (
	"context"
	"math"
	"os"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"

	"github.com/pgfuse/pgfuse/internal/logger"
	"github.com/pgfuse/pgfuse/internal/pgdal"
	"github.com/pgfuse/pgfuse/internal/pgerrors"
	"github.com/pgfuse/pgfuse/internal/pgpool"
	"github.com/pgfuse/pgfuse/internal/pgstatfs"
)

// FileSystem implements fuseutil.FileSystem over a PgFuse-schema database.
// The file/directory handle is always the inode id cast to a
// fuseops.HandleID; there is no separate handle table to track, unlike the
// teacher (which must track open GCS object leases): PgFuse has no
// transient per-open state, because the database already is the state.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	Pool      pgpool.Pool
	BlockSize int
	ReadOnly  bool
	Clock     timeutil.Clock

	// Uid and Gid stamp every inode this process creates. jacobsa/fuse's
	// op structs carry no per-request credentials -- only a PID and a FUSE
	// request id -- so ownership is mount-wide, the same way gcsfuse derives
	// it from its own config rather than from the op.
	Uid uint32
	Gid uint32
}

func (fs *FileSystem) attrs(m pgdal.Meta) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(m.Size),
		Nlink: 1,
		Mode:  toFileMode(m.Mode),
		Atime: m.Atime,
		Mtime: m.Mtime,
		Ctime: m.Ctime,
		Uid:   m.UID,
		Gid:   m.GID,
	}
}

func toFileMode(raw uint32) os.FileMode {
	perm := os.FileMode(raw & 0o7777)
	switch raw & pgdal.ModeTypeMask {
	case pgdal.ModeDir:
		return perm | os.ModeDir
	case pgdal.ModeSymlink:
		return perm | os.ModeSymlink
	default:
		return perm
	}
}

func fromFileMode(m os.FileMode, typeBits uint32) uint32 {
	return typeBits | uint32(m.Perm())
}

func childPath(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

func (fs *FileSystem) Init(ctx context.Context, op *fuseops.InitOp) error {
	return nil
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		m, err := d.LookupChild(ctx, int64(op.Parent), op.Name)
		if err != nil {
			return err
		}
		op.Entry.Child = fuseops.InodeID(m.ID)
		op.Entry.Attributes = fs.attrs(m)
		return nil
	})
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		m, err := d.ReadMeta(ctx, int64(op.Inode), "")
		if err != nil {
			return err
		}
		op.Attributes = fs.attrs(m)
		return nil
	})
}

// SetInodeAttributes covers chmod, utimens and truncate-via-ftruncate (the
// kernel sends size changes through this same op, per spec.md §4.4). It does
// not apply ownership changes: UID and GID are left as they were.
func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	if fs.ReadOnly && (op.Size != nil || op.Mode != nil || op.Atime != nil || op.Mtime != nil) {
		return syscall.EROFS
	}

	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		m, err := d.ReadMeta(ctx, int64(op.Inode), "")
		if err != nil {
			return err
		}

		if op.Mode != nil {
			typeBits := m.Mode & pgdal.ModeTypeMask
			m.Mode = fromFileMode(*op.Mode, typeBits)
		}
		if op.Size != nil {
			if err := d.Truncate(ctx, fs.BlockSize, m.ID, int64(*op.Size)); err != nil {
				return err
			}
			m.Size = int64(*op.Size)
		}
		if op.Atime != nil {
			m.Atime = *op.Atime
		}
		if op.Mtime != nil {
			m.Mtime = *op.Mtime
		}
		m.Ctime = fs.Clock.Now()

		if err := d.WriteMeta(ctx, m); err != nil {
			return err
		}
		op.Attributes = fs.attrs(m)
		return nil
	})
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	// No in-memory inode table to release a reference from; PgFuse never
	// holds state outside the database between requests.
	return nil
}

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	if fs.ReadOnly {
		return syscall.EROFS
	}
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		parent, err := d.ReadMeta(ctx, int64(op.Parent), "")
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return pgerrors.New(pgerrors.NotDirectory)
		}

		now := fs.Clock.Now()
		meta := pgdal.Meta{
			Mode:  fromFileMode(op.Mode, pgdal.ModeDir),
			UID:   fs.Uid,
			GID:   fs.Gid,
			Ctime: now, Mtime: now, Atime: now,
		}
		id, err := d.CreateDir(ctx, parent.ID, childPath(parent.Path, op.Name), op.Name, meta)
		if err != nil {
			return err
		}

		op.Entry.Child = fuseops.InodeID(id)
		meta.ID = id
		op.Entry.Attributes = fs.attrs(meta)
		return nil
	})
}

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	if fs.ReadOnly {
		return syscall.EROFS
	}
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		parent, err := d.ReadMeta(ctx, int64(op.Parent), "")
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return pgerrors.New(pgerrors.NotDirectory)
		}

		// The kernel usually does a LookUpInode first and never reaches
		// create for an existing name, but when it does (e.g. O_CREAT
		// racing another creator), spec.md §4.4 wants the distinction the
		// unique-violation path alone can't make: EISDIR for an existing
		// directory, EEXIST for an existing file.
		if existing, err := d.LookupChild(ctx, parent.ID, op.Name); err == nil {
			if existing.IsDir() {
				return pgerrors.New(pgerrors.IsDirectory)
			}
			return pgerrors.New(pgerrors.AlreadyExists)
		}

		now := fs.Clock.Now()
		meta := pgdal.Meta{
			Mode:  fromFileMode(op.Mode, 0),
			UID:   fs.Uid,
			GID:   fs.Gid,
			Ctime: now, Mtime: now, Atime: now,
		}
		id, err := d.CreateFile(ctx, parent.ID, childPath(parent.Path, op.Name), op.Name, meta)
		if err != nil {
			return err
		}

		op.Entry.Child = fuseops.InodeID(id)
		op.Handle = fuseops.HandleID(id)
		meta.ID = id
		op.Entry.Attributes = fs.attrs(meta)
		return nil
	})
}

func (fs *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	if fs.ReadOnly {
		return syscall.EROFS
	}
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		parent, err := d.ReadMeta(ctx, int64(op.Parent), "")
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return pgerrors.New(pgerrors.NotDirectory)
		}

		now := fs.Clock.Now()
		meta := pgdal.Meta{
			Mode:  pgdal.ModeSymlink | 0o777,
			Size:  int64(len(op.Target)),
			UID:   fs.Uid,
			GID:   fs.Gid,
			Ctime: now, Mtime: now, Atime: now,
		}
		id, err := d.CreateFile(ctx, parent.ID, childPath(parent.Path, op.Name), op.Name, meta)
		if err != nil {
			return err
		}
		if _, err := d.WriteBuf(ctx, fs.BlockSize, id, 0, []byte(op.Target)); err != nil {
			return err
		}

		op.Entry.Child = fuseops.InodeID(id)
		meta.ID = id
		op.Entry.Attributes = fs.attrs(meta)
		return nil
	})
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	if fs.ReadOnly {
		return syscall.EROFS
	}
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		child, err := d.LookupChild(ctx, int64(op.Parent), op.Name)
		if err != nil {
			return err
		}
		if !child.IsDir() {
			return pgerrors.New(pgerrors.NotDirectory)
		}
		return d.DeleteDir(ctx, child.ID)
	})
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	if fs.ReadOnly {
		return syscall.EROFS
	}
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		child, err := d.LookupChild(ctx, int64(op.Parent), op.Name)
		if err != nil {
			return err
		}
		if child.IsDir() {
			return pgerrors.New(pgerrors.PermissionDenied)
		}
		return d.DeleteFile(ctx, child.ID)
	})
}

func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	if fs.ReadOnly {
		return syscall.EROFS
	}
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		from, err := d.LookupChild(ctx, int64(op.OldParent), op.OldName)
		if err != nil {
			return err
		}

		to, err := d.LookupChild(ctx, int64(op.NewParent), op.NewName)
		if err != nil && pgerrors.KindOf(err) != pgerrors.NotFound {
			return err
		}
		exists := err == nil

		if exists {
			if to.ID == from.ID {
				return nil // Rename onto self: a no-op.
			}
			if to.IsDir() || from.IsDir() {
				return pgerrors.New(pgerrors.BadArgument)
			}
			// Overwrite is only allowed as the identity rename handled
			// above; any other non-directory overwrite is EEXIST.
			return pgerrors.New(pgerrors.AlreadyExists)
		}

		newParent, err := d.ReadMeta(ctx, int64(op.NewParent), "")
		if err != nil {
			return err
		}
		return d.Rename(ctx, from.ID, newParent.ID, op.NewName, from.Path, childPath(newParent.Path, op.NewName))
	})
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		m, err := d.ReadMeta(ctx, int64(op.Inode), "")
		if err != nil {
			return err
		}
		if !m.IsDir() {
			return pgerrors.New(pgerrors.NotDirectory)
		}
		op.Handle = fuseops.HandleID(op.Inode)
		return nil
	})
}

// ReadDir emits "." and ".." followed by every child returned by the DAL's
// readdir, per spec.md §4.4.
func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		self, err := d.ReadMeta(ctx, int64(op.Inode), "")
		if err != nil {
			return err
		}
		children, err := d.ReadDir(ctx, self.ID)
		if err != nil {
			return err
		}

		entries := make([]fuseutil.Dirent, 0, len(children)+2)
		entries = append(entries,
			fuseutil.Dirent{Offset: 1, Inode: fuseops.InodeID(self.ID), Name: ".", Type: fuseutil.DT_Directory},
			fuseutil.Dirent{Offset: 2, Inode: fuseops.InodeID(self.ParentID), Name: "..", Type: fuseutil.DT_Directory},
		)
		for i, c := range children {
			dt := fuseutil.DT_File
			switch c.Mode & pgdal.ModeTypeMask {
			case pgdal.ModeDir:
				dt = fuseutil.DT_Directory
			case pgdal.ModeSymlink:
				dt = fuseutil.DT_Link
			}
			entries = append(entries, fuseutil.Dirent{
				Offset: fuseops.DirOffset(i + 3),
				Inode:  fuseops.InodeID(c.ID),
				Name:   c.Name,
				Type:   dt,
			})
		}

		if int(op.Offset) > len(entries) {
			return pgerrors.New(pgerrors.BadArgument)
		}
		var n int
		for _, e := range entries[op.Offset:] {
			written := fuseutil.WriteDirent(op.Dst[n:], e)
			if written == 0 {
				break
			}
			n += written
		}
		op.BytesRead = n
		return nil
	})
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if fs.ReadOnly && wantsWrite(op.OpenFlags) {
		return syscall.EROFS
	}
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		m, err := d.ReadMeta(ctx, int64(op.Inode), "")
		if err != nil {
			return err
		}
		if m.IsDir() {
			return pgerrors.New(pgerrors.IsDirectory)
		}
		op.Handle = fuseops.HandleID(op.Inode)
		m.Atime = fs.Clock.Now()
		return d.WriteMeta(ctx, m)
	})
}

func wantsWrite(flags fuseops.OpenFlags) bool {
	accmode := flags & syscall.O_ACCMODE
	return accmode == syscall.O_WRONLY || accmode == syscall.O_RDWR
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	if op.Handle == 0 {
		return syscall.EBADF
	}
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		m, err := d.ReadMeta(ctx, int64(op.Inode), "")
		if err != nil {
			return err
		}

		size := op.Size
		if op.Offset >= m.Size {
			op.BytesRead = 0
			return nil
		}
		if op.Offset+int64(size) > m.Size {
			size = int(m.Size - op.Offset)
		}

		data, err := d.ReadBuf(ctx, fs.BlockSize, m.ID, op.Offset, size)
		if err != nil {
			return err
		}
		op.BytesRead = copy(op.Dst, data)
		return nil
	})
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	if fs.ReadOnly {
		return syscall.EROFS
	}
	if op.Handle == 0 {
		return syscall.EBADF
	}
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		m, err := d.ReadMeta(ctx, int64(op.Inode), "")
		if err != nil {
			return err
		}

		n, err := d.WriteBuf(ctx, fs.BlockSize, m.ID, op.Offset, op.Data)
		if err != nil {
			return err
		}
		if n != len(op.Data) {
			return pgerrors.New(pgerrors.IO)
		}

		if newSize := op.Offset + int64(len(op.Data)); newSize > m.Size {
			m.Size = newSize
		}
		m.Mtime = fs.Clock.Now()
		return d.WriteMeta(ctx, m)
	})
}

func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	return withTxn(ctx, fs.Pool, func(d dataLayer) error {
		m, err := d.ReadMeta(ctx, int64(op.Inode), "")
		if err != nil {
			return err
		}
		if !m.IsSymlink() {
			return pgerrors.New(pgerrors.BadArgument)
		}
		data, err := d.ReadBuf(ctx, fs.BlockSize, m.ID, 0, int(m.Size))
		if err != nil {
			return err
		}
		op.Target = string(data)
		return nil
	})
}

// SyncFile and FlushFile are no-ops: every write already committed its own
// transaction, per spec.md §4.4's "persistence is per-operation". Both
// still enforce EROFS/EBADF so callers see consistent errors under a
// read-only mount or after a handle was already released.
func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	if op.Handle == 0 {
		return syscall.EBADF
	}
	if fs.ReadOnly {
		return syscall.EROFS
	}
	return nil
}

func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	if op.Handle == 0 {
		return syscall.EBADF
	}
	if fs.ReadOnly {
		return syscall.EROFS
	}
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	var result pgstatfs.Result
	err := withTxn(ctx, fs.Pool, func(d dataLayer) error {
		r, err := pgstatfs.Compute(ctx, fs.BlockSize,
			func(ctx context.Context) ([]string, error) { return d.TablespaceLocations(ctx) },
			func(ctx context.Context) (uint64, uint64, error) {
				blocks, err := d.BlocksUsed(ctx, fs.BlockSize)
				if err != nil {
					return 0, 0, err
				}
				files, err := d.FilesUsed(ctx)
				if err != nil {
					return 0, 0, err
				}
				return blocks, files, nil
			})
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		logger.Warnf("statfs: %v", err)
		return err
	}

	op.BlockSize = result.BlockSize
	op.IoSize = result.BlockSize
	op.Blocks = result.BlocksTotal
	op.BlocksFree = result.BlocksFree
	op.BlocksAvailable = result.BlocksAvail
	op.Inodes = result.FilesTotal
	op.InodesFree = math.MaxUint64 / 2
	return nil
}
