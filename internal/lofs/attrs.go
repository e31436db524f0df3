// Copyright 2015 Google Inc. All Rights Reserved.
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

package lofs

import (
	"context"
	"os"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// GetInodeAttributes fulfils fuseutil.FileSystem. It fills attributes from
// the lower inode verbatim, re-reading it fresh rather than trusting any
// cached copy (spec §3: attributes are mirrored on every observing
// operation; §4.1: "getattr fills from the L-INODE verbatim").
func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.inodes.mu.Lock()
	defer fs.inodes.mu.Unlock()

	in := fs.inodes.lookupByID(op.Inode)
	if in == nil {
		return fuse.ENOENT
	}

	attrs, _, err := attrsFromLstat(in.path)
	if err != nil {
		return toErrno(err)
	}

	op.Attributes = attrs
	// AttributesExpiration stays at the zero Time: see lookupChildLocked.
	return nil
}

// SetInodeAttributes fulfils fuseutil.FileSystem. It forwards mode, size and
// atime/mtime, each only when set in the op, to the lower path, then re-reads
// the resulting attributes. The changes are made by path; any file handle
// named in the op is not used.
func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.inodes.mu.Lock()
	in := fs.inodes.lookupByID(op.Inode)
	fs.inodes.mu.Unlock()

	if in == nil {
		return fuse.ENOENT
	}

	if op.Mode != nil {
		if err := os.Chmod(in.path, *op.Mode); err != nil {
			return toErrno(err)
		}
	}

	if op.Size != nil {
		if err := os.Truncate(in.path, int64(*op.Size)); err != nil {
			return toErrno(err)
		}
	}

	if op.Atime != nil || op.Mtime != nil {
		atime := timeOrNow(op.Atime)
		mtime := timeOrNow(op.Mtime)
		if err := os.Chtimes(in.path, atime, mtime); err != nil {
			return toErrno(err)
		}
	}

	attrs, _, err := attrsFromLstat(in.path)
	if err != nil {
		return toErrno(err)
	}

	op.Attributes = attrs
	return nil
}

func timeOrNow(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now()
}

// ReadSymlink fulfils fuseutil.FileSystem, passing through to the lower
// symlink target verbatim (spec §4.1: "readlink pass through").
func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	fs.inodes.mu.Lock()
	in := fs.inodes.lookupByID(op.Inode)
	fs.inodes.mu.Unlock()

	if in == nil {
		return fuse.ENOENT
	}

	target, err := os.Readlink(in.path)
	if err != nil {
		return toErrno(err)
	}

	op.Target = target
	return nil
}

// checkAccess delegates a permission check to the lower inode via
// unix.Access, per spec §4.1: "permission delegates to the lower inode's
// permission check."
func checkAccess(path string, mode uint32) error {
	return unix.Access(path, mode)
}
