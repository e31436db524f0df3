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
	"sync"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/reqtrace"
	"golang.org/x/sys/unix"
)

// fileHandle is the overlay's O-FILE for a regular file. It does not own a
// lower file descriptor itself; it only remembers which inode it was opened
// against and whether the opener asked for write access (spec §3: "For
// regular files, the O-FILE does not own L-FILE; instead it stores a pointer
// to the inode's persistent lower file"). The write flag is recorded but not
// consulted: the access level passed to acquire comes from the operation,
// read-only for ReadFile and SyncFile, read-write for WriteFile, so opening
// for write does not by itself upgrade the persistent handle.
type fileHandle struct {
	inode fuseops.InodeID
	write bool
}

// dirHandle is the overlay's O-FILE for a directory. Unlike regular files,
// each open directory owns its own lower *os.File because directory
// position is per-open (spec §3: "For directories each open acquires its
// own L-FILE because directory position (f_pos) is per-open").
type dirHandle struct {
	mu      sync.Mutex
	file    *os.File
	entries []fuseutil.Dirent
	loaded  bool
}

func (fs *FileSystem) nextHandleLocked() fuseops.HandleID {
	fs.lastHandle++
	return fs.lastHandle
}

// OpenFile fulfils fuseutil.FileSystem. No lower handle is opened yet; that
// happens lazily on first read or write via the persistent handle manager
// (handle.go), since opening is a distinct event from actually touching the
// lower file.
func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.inodes.mu.Lock()
	in := fs.inodes.lookupByID(op.Inode)
	fs.inodes.mu.Unlock()
	if in == nil {
		return fuse.ENOENT
	}

	write := int(op.Flags)&(os.O_RDWR|os.O_WRONLY) != 0

	accessMode := uint32(unix.R_OK)
	if write {
		accessMode = unix.W_OK
	}
	if accessErr := checkAccess(in.path, accessMode); accessErr != nil {
		return toErrno(accessErr)
	}

	fs.handlesMu.Lock()
	h := fs.nextHandleLocked()
	fs.fileHandles[h] = &fileHandle{inode: op.Inode, write: write}
	fs.handlesMu.Unlock()

	op.Handle = h
	return nil
}

// ReadFile fulfils fuseutil.FileSystem, reading through the inode's
// persistent lower handle (spec §4.5: "issue a synchronous read against the
// persistent lower file").
func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) (err error) {
	in := fs.lookupForHandle(op.Handle, op.Inode)
	if in == nil {
		return fuse.ENOENT
	}

	_, span := reqtrace.StartSpan(ctx, "lofs.ReadFile")
	defer func() { span(err) }()

	f, release, acquireErr := in.handles.acquire(ctx, in.path, false)
	if acquireErr != nil {
		err = toErrno(acquireErr)
		return
	}
	defer release()

	n, readErr := f.ReadAt(op.Dst, op.Offset)
	if readErr != nil && n == 0 {
		err = toErrno(readErr)
		return
	}
	op.BytesRead = n
	return
}

// WriteFile fulfils fuseutil.FileSystem, writing through the inode's
// persistent lower handle, upgrading it to read-write first if necessary
// (spec §4.4, §4.5).
func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) (err error) {
	in := fs.lookupForHandle(op.Handle, op.Inode)
	if in == nil {
		return fuse.ENOENT
	}

	_, span := reqtrace.StartSpan(ctx, "lofs.WriteFile")
	defer func() { span(err) }()

	f, release, acquireErr := in.handles.acquire(ctx, in.path, true)
	if acquireErr != nil {
		err = toErrno(acquireErr)
		return
	}
	defer release()

	preallocate(f, op.Offset+int64(len(op.Data)))

	if _, writeErr := f.WriteAt(op.Data, op.Offset); writeErr != nil {
		err = toErrno(writeErr)
	}
	return
}

// SyncFile fulfils fuseutil.FileSystem (spec §4.5: "fsync: ... then the
// lower's fsync").
func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	in := fs.lookupForHandle(op.Handle, op.Inode)
	if in == nil {
		return fuse.ENOENT
	}

	f, release, acquireErr := in.handles.acquire(ctx, in.path, false)
	if acquireErr != nil {
		return toErrno(acquireErr)
	}
	defer release()

	if syncErr := f.Sync(); syncErr != nil {
		return toErrno(syncErr)
	}
	return nil
}

// FlushFile fulfils fuseutil.FileSystem. The persistent handle is left open
// regardless (spec §4.4's known limitation: a read-write handle may linger
// past the last overlay close), mirroring typical FUSE file systems that
// rely on the kernel to have already pushed dirty pages through WriteFile.
func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

// ReleaseFileHandle fulfils fuseutil.FileSystem.
func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.handlesMu.Lock()
	delete(fs.fileHandles, op.Handle)
	fs.handlesMu.Unlock()
	return nil
}

func (fs *FileSystem) lookupForHandle(h fuseops.HandleID, inodeID fuseops.InodeID) *inode {
	fs.handlesMu.Lock()
	_, ok := fs.fileHandles[h]
	fs.handlesMu.Unlock()
	if !ok {
		return nil
	}

	fs.inodes.mu.Lock()
	defer fs.inodes.mu.Unlock()
	return fs.inodes.lookupByID(inodeID)
}

// OpenDir fulfils fuseutil.FileSystem, minting a fresh per-open lower handle
// (spec §3).
func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.inodes.mu.Lock()
	in := fs.inodes.lookupByID(op.Inode)
	fs.inodes.mu.Unlock()
	if in == nil {
		return fuse.ENOENT
	}

	f, openErr := os.Open(in.path)
	if openErr != nil {
		return toErrno(openErr)
	}

	fs.handlesMu.Lock()
	h := fs.nextHandleLocked()
	fs.dirHandles[h] = &dirHandle{file: f}
	fs.handlesMu.Unlock()

	op.Handle = h
	return nil
}

// ReadDir fulfils fuseutil.FileSystem. The full listing is read and cached
// on first call for a given handle (directory offsets for this overlay are
// simply indices into that listing, per the freedom spec §3's "Automount
// lookup request" notes leave to file systems that snapshot a listing per
// ReadDir-with-zero-offset). Entries are written directly into op.Dst,
// stopping as soon as one fails to fit rather than handing the kernel a
// dirent truncated mid-record.
func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.handlesMu.Lock()
	dh, ok := fs.dirHandles[op.Handle]
	fs.handlesMu.Unlock()
	if !ok {
		return fuse.ENOENT
	}

	dh.mu.Lock()
	defer dh.mu.Unlock()

	if !dh.loaded {
		if loadErr := dh.load(); loadErr != nil {
			return toErrno(loadErr)
		}
	}

	if op.Offset > fuseops.DirOffset(len(dh.entries)) {
		return nil
	}

	for _, entry := range dh.entries[op.Offset:] {
		bytesWritten := fuseutil.WriteDirent(op.Dst[op.BytesRead:], entry)
		if bytesWritten == 0 {
			break
		}
		op.BytesRead += bytesWritten
	}
	return nil
}

func (dh *dirHandle) load() error {
	names, err := dh.file.Readdirnames(-1)
	if err != nil {
		return err
	}

	selfIno, _, _ := statDevIno(dh.file.Name())

	entries := make([]fuseutil.Dirent, 0, len(names)+2)
	entries = append(entries,
		fuseutil.Dirent{Offset: 1, Inode: fuseops.InodeID(selfIno), Name: ".", Type: fuseutil.DT_Directory},
		fuseutil.Dirent{Offset: 2, Inode: fuseops.InodeID(selfIno), Name: "..", Type: fuseutil.DT_Directory})

	dirPath := dh.file.Name()
	for i, name := range names {
		childPath := childPath(dirPath, name)
		attrs, _, statErr := attrsFromLstat(childPath)
		_, ino, _ := statDevIno(childPath)

		dtype := fuseutil.DT_File
		if statErr == nil {
			switch {
			case attrs.Mode.IsDir():
				dtype = fuseutil.DT_Directory
			case attrs.Mode&os.ModeSymlink != 0:
				dtype = fuseutil.DT_Link
			}
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 3),
			Inode:  fuseops.InodeID(ino),
			Name:   name,
			Type:   dtype,
		})
	}

	dh.entries = entries
	dh.loaded = true
	return nil
}

// ReleaseDirHandle fulfils fuseutil.FileSystem.
func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.handlesMu.Lock()
	dh, ok := fs.dirHandles[op.Handle]
	delete(fs.dirHandles, op.Handle)
	fs.handlesMu.Unlock()

	if ok {
		dh.file.Close()
	}
	return nil
}
