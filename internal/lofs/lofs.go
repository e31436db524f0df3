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

// Package lofs implements a stackable loopback filesystem: every operation
// performed under the mount point is re-issued against the corresponding
// path in a lower filesystem rooted at an arbitrary directory. The package
// owns no on-disk state; it is a pure interposition layer built on top of
// github.com/jacobsa/fuse.
package lofs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
)

// Magic is the overlay's superblock magic. FileSystem has no StatFS handler,
// so the value is exposed only through FileSystem.Magic, not via statfs(2).
const Magic uint32 = 0x10f5

// FileSystem is the overlay superblock (O-SB of the design). One is created
// per mount.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock     timeutil.Clock
	errorLog  *log.Logger
	debugLog  *log.Logger
	verbosity int

	/////////////////////////
	// Fixed at construction
	/////////////////////////

	lowerRoot string
	rootDev   uint64
	blockSize uint32

	// mountPoint is set once the overlay is actually mounted (see
	// SetMountPoint). It is used only to reject the degenerate recursive
	// mount spec §1 excludes: lowerRoot containing the overlay's own mount
	// point.
	mountPoint string

	/////////////////////////
	// Mutable state
	/////////////////////////

	inodes *inodeTable
	worker *mountWorker

	handlesMu   sync.Mutex
	lastHandle  fuseops.HandleID // GUARDED_BY(handlesMu)
	fileHandles map[fuseops.HandleID]*fileHandle // GUARDED_BY(handlesMu)
	dirHandles  map[fuseops.HandleID]*dirHandle  // GUARDED_BY(handlesMu)

	closeOnce sync.Once
}

var _ fuseutil.FileSystem = (*FileSystem)(nil)

// New creates a filesystem mirroring lowerRoot. verbosity controls debug
// logging: 0 is silent, >=1 enables the debug logger (mirroring the kernel
// module parameter of the same name).
func New(
	lowerRoot string,
	verbosity int,
	errorLog *log.Logger,
	debugLog *log.Logger,
	clock timeutil.Clock) (fs *FileSystem, err error) {
	fi, err := os.Stat(lowerRoot)
	if err != nil {
		err = fmt.Errorf("stat lower root: %w", err)
		return
	}
	if !fi.IsDir() {
		err = fmt.Errorf("lower root %q is not a directory", lowerRoot)
		return
	}

	dev, _, err := statDevIno(lowerRoot)
	if err != nil {
		err = fmt.Errorf("stat lower root: %w", err)
		return
	}

	bsize, err := statBlockSize(lowerRoot)
	if err != nil {
		err = fmt.Errorf("statfs lower root: %w", err)
		return
	}

	if errorLog == nil {
		errorLog = log.New(os.Stderr, "lofs: ", 0)
	}

	fs = &FileSystem{
		clock:     clock,
		errorLog:  errorLog,
		debugLog:  debugLog,
		verbosity: verbosity,
		lowerRoot: lowerRoot,
		rootDev:   dev,
		blockSize: bsize,
	}

	fs.inodes = newInodeTable(lowerRoot, dev)
	fs.worker = newMountWorker()
	fs.fileHandles = make(map[fuseops.HandleID]*fileHandle)
	fs.dirHandles = make(map[fuseops.HandleID]*dirHandle)

	return
}

// Magic returns the overlay's superblock magic (constant; not reported
// through statfs(2)).
func (fs *FileSystem) Magic() uint32 { return Magic }

// BlockSize returns the lower filesystem's block size, snapshotted at mount
// time (spec §4.6: "copy s_maxbytes, s_blocksize ... from the lower
// superblock").
func (fs *FileSystem) BlockSize() uint32 { return fs.blockSize }

// LowerRoot returns the absolute path this overlay mirrors.
func (fs *FileSystem) LowerRoot() string { return fs.lowerRoot }

// SetMountPoint records where this overlay has been mounted, enabling the
// recursion guard in lookupChildLocked (spec §1: "no support for being the
// lower layer of itself"). Call it once, after fuse.Mount succeeds.
func (fs *FileSystem) SetMountPoint(path string) {
	fs.mountPoint = filepath.Clean(path)
}

// Close stops the automount worker and closes every persistent lower
// handle. It is idempotent.
func (fs *FileSystem) Close() error {
	fs.closeOnce.Do(func() {
		fs.worker.stop()
		fs.inodes.closeAll()
	})
	return nil
}

func (fs *FileSystem) logf(format string, args ...interface{}) {
	if fs.verbosity >= 1 && fs.debugLog != nil {
		fs.debugLog.Printf(format, args...)
	}
}

// Init fulfils fuseutil.FileSystem.
func (fs *FileSystem) Init(ctx context.Context, op *fuseops.InitOp) error {
	return nil
}
