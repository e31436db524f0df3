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
	"path/filepath"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
)

// LookUpInode fulfils fuseutil.FileSystem. It rejects "." and "..", then
// locates the child in the lower filesystem, routing through the automount
// worker if the child turns out to live on another lower mount (spec
// §4.1, §4.3).
func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	if op.Name == "." || op.Name == ".." {
		return fuse.ENOENT
	}

	fs.inodes.mu.Lock()
	defer fs.inodes.mu.Unlock()

	parent := fs.inodes.lookupByID(op.Parent)
	if parent == nil {
		return fuse.ENOENT
	}

	childPath := childPath(parent.path, op.Name)

	entry, err := fs.lookupChildLocked(parent, childPath)
	if err != nil {
		return err
	}

	op.Entry = entry
	return nil
}

// lookupChildLocked resolves childPath against the lower filesystem,
// interposing an overlay inode for it. If childPath crosses into another
// lower mount, resolution is delegated to the automount worker (spec
// §4.3); this is the only path through which the worker is invoked.
//
// LOCKS_REQUIRED(fs.inodes.mu)
func (fs *FileSystem) lookupChildLocked(parent *inode, path string) (entry fuseops.ChildInodeEntry, err error) {
	parentDev, _, statErr := statDevIno(parent.path)
	if statErr != nil {
		err = toErrno(statErr)
		return
	}

	childDev, _, statErr := statDevIno(path)
	if statErr != nil {
		err = fuse.ENOENT
		return
	}

	crossed := crossesMount(parentDev, childDev)
	if crossed {
		// Route through the automount worker rather than resolving inline;
		// the result itself is recomputed below via getOrCreate, but the
		// round trip here is what guarantees every mount-crossing lookup is
		// serialized through the single worker goroutine (spec §4.3).
		if _, _, _, werr := fs.worker.resolve(path); werr != nil {
			err = werr
			return
		}
	}

	if fs.isSelfMount(path) {
		err = syscall.EINVAL
		return
	}

	in, attrs, ierr := fs.inodes.getOrCreate(path, parent.id, lastComponent(path, parent.path))
	if ierr != nil {
		if crossed && isStale(ierr) {
			// The worker's resolve just confirmed this path existed; its
			// disappearance by the time getOrCreate re-stats it means the
			// lower inode was reclaimed in between.
			err = syscall.ESTALE
			return
		}
		err = toErrno(ierr)
		return
	}

	in.lookupCount++

	entry.Child = in.id
	entry.Attributes = attrs
	// AttributesExpiration and EntryExpiration are left at the zero Time:
	// the overlay does not know whether the lower has spontaneously
	// mutated, so every reference re-validates rather than trusting a
	// kernel-side cache (spec §4.2).
	return
}

// isSelfMount reports whether path resolves into this overlay's own mount
// point, which would create an unsupported recursive mount ("no support for
// being the lower layer of itself"; a lower lookup resolving into another
// overlay returns invalid argument). Detection is necessarily best-effort in
// user space: until SetMountPoint has been called (which happens only after
// fuse.Mount returns), the mount point is unknown and nothing can be rejected
// yet. Once
// known, this only catches the case where the mount point itself lies
// beneath lowerRoot in this same process; it cannot see another process's
// FUSE server, which would need a kernel-level helper to detect.
func (fs *FileSystem) isSelfMount(path string) bool {
	if fs.mountPoint == "" {
		return false
	}
	clean := filepath.Clean(path)
	if clean == fs.mountPoint {
		return true
	}
	rel, err := filepath.Rel(fs.mountPoint, clean)
	return err == nil && rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == "../"
}

func lastComponent(path, parentPath string) string {
	if len(path) <= len(parentPath)+1 {
		return path
	}
	return path[len(parentPath)+1:]
}

// ForgetInode fulfils fuseutil.FileSystem.
func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.inodes.mu.Lock()
	defer fs.inodes.mu.Unlock()

	fs.inodes.forget(op.Inode, op.N)
	return nil
}
