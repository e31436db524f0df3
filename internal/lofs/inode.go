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
	"fmt"
	"path/filepath"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
)

// inode is the overlay inode (O-INODE), paired 1:1 with a lower inode
// identified by its (device, inode-number) key. It never stores a cached
// copy of the lower's attributes across calls: attrsFromLstat re-reads the
// lower path every time attributes are observed, per spec §3.
type inode struct {
	id   fuseops.InodeID
	key  lowerKey
	path string // GUARDED_BY(table.mu); resolved lower path
	dir  bool   // GUARDED_BY(table.mu)

	parent fuseops.InodeID // GUARDED_BY(table.mu); 0 for the root
	name   string          // GUARDED_BY(table.mu); name within parent

	// The kernel's reference count for this inode ID (spec: ForgetInodeOp
	// "decrement the reference count ... previously issued").
	lookupCount uint64 // GUARDED_BY(table.mu)

	handles *lowerHandleManager // owns the persistent lower file, if any
}

func (in *inode) String() string {
	return fmt.Sprintf("inode{id=%v, path=%q}", in.id, in.path)
}

// inodeTable is the overlay's lookup cache: the collection of live O-INODEs,
// indexed both by kernel-visible ID and by lower identity, mirroring the
// bookkeeping in the teacher's samples/memfs (fs.inodes, fs.freeInodes) but
// keyed on lower (dev, ino) instead of array position, since this overlay's
// inodes are not pre-allocated slots but lazily created mirrors of whatever
// the lower filesystem contains.
type inodeTable struct {
	mu syncutil.InvariantMutex

	lowerRoot string
	rootDev   uint64

	byID   map[fuseops.InodeID]*inode // GUARDED_BY(mu)
	byKey  map[lowerKey]*inode        // GUARDED_BY(mu)
	nextID fuseops.InodeID            // GUARDED_BY(mu)
}

func newInodeTable(lowerRoot string, rootDev uint64) *inodeTable {
	t := &inodeTable{
		lowerRoot: lowerRoot,
		rootDev:   rootDev,
		byID:      make(map[fuseops.InodeID]*inode),
		byKey:     make(map[lowerKey]*inode),
		nextID:    fuseops.RootInodeID + 1,
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)

	root := &inode{
		id:      fuseops.RootInodeID,
		path:    lowerRoot,
		dir:     true,
		parent:  0,
		name:    "",
		handles: newLowerHandleManager(),
	}
	dev, ino, err := statDevIno(lowerRoot)
	if err == nil {
		root.key = lowerKey{dev: dev, ino: ino}
	}
	t.byID[root.id] = root
	t.byKey[root.key] = root

	return t
}

func (t *inodeTable) checkInvariants() {
	if len(t.byID) != len(t.byKey) {
		panic(fmt.Sprintf(
			"inode table out of sync: %d by id, %d by key",
			len(t.byID), len(t.byKey)))
	}
	if _, ok := t.byID[fuseops.RootInodeID]; !ok {
		panic("root inode missing from table")
	}
}

// lookupByID returns the inode for id, or nil if unknown.
//
// LOCKS_REQUIRED(t.mu)
func (t *inodeTable) lookupByID(id fuseops.InodeID) *inode {
	return t.byID[id]
}

// getOrCreate returns the inode for the lower path, creating and
// registering one if this is the first time it has been seen (spec §3:
// "created lazily on first reference, reused by hash key").
//
// LOCKS_REQUIRED(t.mu)
func (t *inodeTable) getOrCreate(path string, parent fuseops.InodeID, name string) (in *inode, attrs fuseops.InodeAttributes, err error) {
	attrs, dev, err := attrsFromLstat(path)
	if err != nil {
		return
	}

	var ino uint64
	_, ino, err = statDevIno(path)
	if err != nil {
		return
	}
	key := lowerKey{dev: dev, ino: ino}

	if existing, ok := t.byKey[key]; ok {
		existing.path = path
		existing.parent = parent
		existing.name = name
		in = existing
		return
	}

	in = &inode{
		id:      t.nextID,
		key:     key,
		path:    path,
		dir:     attrs.Mode.IsDir(),
		parent:  parent,
		name:    name,
		handles: newLowerHandleManager(),
	}
	t.nextID++

	t.byID[in.id] = in
	t.byKey[key] = in

	return
}

// forget drops n references from id's lookup count, removing and closing
// the inode once it reaches zero (spec §4.4: "On inode destruction the
// handle is closed").
//
// LOCKS_REQUIRED(t.mu)
func (t *inodeTable) forget(id fuseops.InodeID, n uint64) {
	in, ok := t.byID[id]
	if !ok {
		return
	}

	if n >= in.lookupCount {
		in.lookupCount = 0
	} else {
		in.lookupCount -= n
	}

	if in.lookupCount > 0 || id == fuseops.RootInodeID {
		return
	}

	delete(t.byID, id)
	delete(t.byKey, in.key)
	in.handles.closeAll()
}

// relocate updates the bookkeeping for an inode that has just been renamed
// to newPath, if the overlay had interposed one for it. The inode's (dev,
// ino) key is unchanged by a same-filesystem rename, so the lookup is by
// re-statting newPath rather than by the old path, which no longer exists.
//
// LOCKS_REQUIRED(t.mu)
func (t *inodeTable) relocate(newPath string, newParent fuseops.InodeID, newName string) {
	dev, ino, err := statDevIno(newPath)
	if err != nil {
		return
	}
	in, ok := t.byKey[lowerKey{dev: dev, ino: ino}]
	if !ok {
		return
	}
	in.path = newPath
	in.parent = newParent
	in.name = newName
}

// childPath joins a parent's resolved lower path with a child name.
func childPath(parentPath, name string) string {
	return filepath.Join(parentPath, name)
}

func (t *inodeTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, in := range t.byID {
		in.handles.closeAll()
	}
}
