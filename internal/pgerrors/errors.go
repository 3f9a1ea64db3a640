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

// Package pgerrors classifies database failures into the small error
// taxonomy that the rest of PgFuse speaks, and maps that taxonomy onto the
// errno values the FUSE kernel bridge expects.
package pgerrors

import (
	"context"
	"errors"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is one of a small number of failure categories. Handlers and the DAL
// never hand the bridge a bare error; everything is classified first.
type Kind int

const (
	// IO is the catch-all: connection loss, unclassified query failure, or
	// an integrity violation not otherwise mapped.
	IO Kind = iota
	NotFound
	AlreadyExists
	IsDirectory
	NotDirectory
	NotEmpty
	InvalidHandle
	ReadOnly
	OutOfMemory
	BadArgument
	// PermissionDenied covers unlink-on-directory and similar EPERM cases;
	// PgFuse performs no access-control checks of its own.
	PermissionDenied
)

// Errno returns the syscall errno the FUSE kernel bridge should be given for
// this Kind. fuseops.Op.Respond accepts any error, but the bridge only
// recognizes the process as returning a clean POSIX errno when it is (or
// wraps) a syscall.Errno, exactly as the kernel's FUSE driver expects.
func (k Kind) Errno() syscall.Errno {
	switch k {
	case NotFound:
		return syscall.ENOENT
	case AlreadyExists:
		return syscall.EEXIST
	case IsDirectory:
		return syscall.EISDIR
	case NotDirectory:
		return syscall.ENOTDIR
	case NotEmpty:
		return syscall.ENOTEMPTY
	case InvalidHandle:
		return syscall.EBADF
	case ReadOnly:
		return syscall.EROFS
	case OutOfMemory:
		return syscall.ENOMEM
	case BadArgument:
		return syscall.EINVAL
	case PermissionDenied:
		return syscall.EPERM
	default:
		return syscall.EIO
	}
}

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case IsDirectory:
		return "is a directory"
	case NotDirectory:
		return "not a directory"
	case NotEmpty:
		return "not empty"
	case InvalidHandle:
		return "invalid handle"
	case ReadOnly:
		return "read-only"
	case OutOfMemory:
		return "out of memory"
	case BadArgument:
		return "bad argument"
	case PermissionDenied:
		return "permission denied"
	default:
		return "I/O error"
	}
}

// Error wraps an underlying cause with the Kind it was classified as.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no underlying cause.
func New(k Kind) error {
	return &Error{Kind: k}
}

// Wrap classifies cause as k.
func Wrap(k Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: k, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to IO for anything that was
// never classified (including context cancellation, which the bridge has no
// cancellation model for per spec, but which must still fail safely).
func KindOf(err error) Kind {
	if err == nil {
		return -1
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return IO
}

// Errno converts any error into the errno the bridge should respond with.
// Unclassified errors are treated as IO, matching "unexpected database
// errors map to a generic I/O error".
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind.Errno()
	}
	return IO.Errno()
}

// FromPgError classifies a raw database error returned by pgx into a Kind.
// It is grounded on the code-switch pattern common to Postgres-backed
// metadata stores: inspect pgconn.PgError.Code for the constraint-violation
// classes that have an unambiguous filesystem meaning, and fall back to IO
// for everything else (lost connections, deadlocks, serialization failures,
// syntax errors -- none of which the caller can recover from mid-handler,
// since the envelope never retries).
func FromPgError(err error) Kind {
	if err == nil {
		return -1
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return IO
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return AlreadyExists
		case "23503": // foreign_key_violation
			return NotFound
		case "23502": // not_null_violation
			return BadArgument
		case "22003", "22001": // numeric/string data out of range
			return BadArgument
		}
	}
	return IO
}

// Classify wraps a raw pgx error with the Kind FromPgError assigns it.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	return Wrap(FromPgError(err), err)
}
