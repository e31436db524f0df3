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
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
)

// MkDir fulfils fuseutil.FileSystem (spec §4.1: "create, mkdir, symlink,
// mknod, link: take the lower parent lock, call the analogous lower
// operation, then interpose and propagate parent attributes").
func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	entry, err := fs.createChild(op.Parent, op.Name, func(childPath string) error {
		return os.Mkdir(childPath, op.Mode.Perm())
	})
	if err != nil {
		return err
	}
	op.Entry = entry
	return nil
}

// CreateFile fulfils fuseutil.FileSystem.
func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	entry, err := fs.createChild(op.Parent, op.Name, func(childPath string) error {
		f, openErr := os.OpenFile(childPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, op.Mode.Perm())
		if openErr != nil {
			return openErr
		}
		return f.Close()
	})
	if err != nil {
		return err
	}
	op.Entry = entry
	return nil
}

// CreateSymlink fulfils fuseutil.FileSystem.
func (fs *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	entry, err := fs.createChild(op.Parent, op.Name, func(childPath string) error {
		return os.Symlink(op.Target, childPath)
	})
	if err != nil {
		return err
	}
	op.Entry = entry
	return nil
}

// Mknod is not dispatched by this vintage of the fuseops op set (there is no
// MkNodeOp); device and special files are instead created through the
// control channel (see control.go), which calls this method directly. It
// is kept here, alongside the other directory operations, because the
// lower-side work it does is identical to theirs.
// mode is the raw mode_t bits expected by mknod(2) (file-type bits such as
// syscall.S_IFCHR combined with permission bits), not an os.FileMode.
func (fs *FileSystem) Mknod(parent fuseops.InodeID, name string, mode uint32, dev uint64) (fuseops.ChildInodeEntry, error) {
	return fs.createChild(parent, name, func(childPath string) error {
		return syscall.Mknod(childPath, mode, int(dev))
	})
}

// Link is not dispatched by this vintage of the fuseops op set (there is no
// CreateLinkOp); hardlink creation is exposed the same way Mknod is, as a
// direct method reachable from the control channel.
func (fs *FileSystem) Link(parent fuseops.InodeID, name string, target fuseops.InodeID) (fuseops.ChildInodeEntry, error) {
	fs.inodes.mu.Lock()
	targetInode := fs.inodes.lookupByID(target)
	fs.inodes.mu.Unlock()

	if targetInode == nil {
		return fuseops.ChildInodeEntry{}, fuse.ENOENT
	}

	return fs.createChild(parent, name, func(childPath string) error {
		return os.Link(targetInode.path, childPath)
	})
}

// createChild is the common body of every creation-like operation: take the
// lower parent's implicit lock (the inode table mutex), run the supplied
// lower creation call, then interpose an O-INODE for the new child. The
// parent's mtime/ctime/size need no separate refresh here: the overlay keeps
// no cached attributes, and every getattr re-reads them from the lower path.
func (fs *FileSystem) createChild(parentID fuseops.InodeID, name string, create func(childPath string) error) (entry fuseops.ChildInodeEntry, err error) {
	fs.inodes.mu.Lock()
	defer fs.inodes.mu.Unlock()

	parent := fs.inodes.lookupByID(parentID)
	if parent == nil {
		err = fuse.ENOENT
		return
	}

	childPath := childPath(parent.path, name)

	if createErr := create(childPath); createErr != nil {
		err = toErrno(createErr)
		return
	}

	in, attrs, ierr := fs.inodes.getOrCreate(childPath, parent.id, name)
	if ierr != nil {
		err = toErrno(ierr)
		return
	}
	in.lookupCount++

	entry.Child = in.id
	entry.Attributes = attrs
	return
}

// RmDir fulfils fuseutil.FileSystem: under the inode table lock it invokes
// the lower removal. Parent nlink counts and ctimes are not refreshed here;
// they are re-read from the lower path on the next getattr.
func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return fs.removeChild(op.Parent, op.Name, os.Remove)
}

// Unlink fulfils fuseutil.FileSystem.
func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return fs.removeChild(op.Parent, op.Name, os.Remove)
}

func (fs *FileSystem) removeChild(parentID fuseops.InodeID, name string, remove func(string) error) error {
	fs.inodes.mu.Lock()
	defer fs.inodes.mu.Unlock()

	parent := fs.inodes.lookupByID(parentID)
	if parent == nil {
		return fuse.ENOENT
	}

	childPath := childPath(parent.path, name)
	if err := remove(childPath); err != nil {
		return toErrno(err)
	}

	return nil
}

// Rename fulfils fuseutil.FileSystem. If the two parents resolve to
// different lower devices the rename fails cross-device, per spec §3's
// invariant ("rename across distinct L-MNTs fails with a cross-device
// error") and Non-goals ("no cross-device rename"). Otherwise both parents
// are locked — trivially, since both are covered by the same inode table
// mutex, which already gives a single deterministic total order and so
// needs no separate two-parent ordering helper (spec §4.1, §5: "acquire
// both lower parents with a deterministic ordering to avoid deadlock").
func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fs.inodes.mu.Lock()
	defer fs.inodes.mu.Unlock()

	oldParent := fs.inodes.lookupByID(op.OldParent)
	newParent := fs.inodes.lookupByID(op.NewParent)
	if oldParent == nil || newParent == nil {
		return fuse.ENOENT
	}

	oldParentDev, _, err := statDevIno(oldParent.path)
	if err != nil {
		return toErrno(err)
	}
	newParentDev, _, err := statDevIno(newParent.path)
	if err != nil {
		return toErrno(err)
	}
	if crossesMount(oldParentDev, newParentDev) {
		return syscall.EXDEV
	}

	oldPath := childPath(oldParent.path, op.OldName)
	newPath := childPath(newParent.path, op.NewName)

	if renameErr := os.Rename(oldPath, newPath); renameErr != nil {
		if isCrossDevice(renameErr) {
			return syscall.EXDEV
		}
		return toErrno(renameErr)
	}

	fs.inodes.relocate(newPath, newParent.id, op.NewName)
	return nil
}
