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
	"os"
	"path/filepath"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
)

func newTestTable(t *testing.T) (*inodeTable, string) {
	t.Helper()
	root, err := os.MkdirTemp("", "lofs_inode_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })

	dev, _, err := statDevIno(root)
	if err != nil {
		t.Fatal(err)
	}
	return newInodeTable(root, dev), root
}

func TestGetOrCreateReusesInodeByLowerIdentity(t *testing.T) {
	table, root := newTestTable(t)

	childPath := filepath.Join(root, "a")
	if err := os.WriteFile(childPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	in1, _, err := table.getOrCreate(childPath, fuseops.RootInodeID, "a")
	if err != nil {
		t.Fatal(err)
	}
	in2, _, err := table.getOrCreate(childPath, fuseops.RootInodeID, "a")
	if err != nil {
		t.Fatal(err)
	}

	if in1.id != in2.id {
		t.Fatalf("expected the same inode id, got %v and %v", in1.id, in2.id)
	}
}

func TestForgetRemovesInodeAtZeroLookupCount(t *testing.T) {
	table, root := newTestTable(t)

	childPath := filepath.Join(root, "b")
	if err := os.WriteFile(childPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	in, _, err := table.getOrCreate(childPath, fuseops.RootInodeID, "b")
	if err != nil {
		t.Fatal(err)
	}
	in.lookupCount = 2

	table.forget(in.id, 1)
	if table.lookupByID(in.id) == nil {
		t.Fatal("inode removed too early")
	}

	table.forget(in.id, 1)
	if table.lookupByID(in.id) != nil {
		t.Fatal("inode should have been removed at zero lookup count")
	}
}

func TestForgetNeverRemovesRoot(t *testing.T) {
	table, _ := newTestTable(t)

	table.forget(fuseops.RootInodeID, 1<<20)
	if table.lookupByID(fuseops.RootInodeID) == nil {
		t.Fatal("root inode must never be forgotten")
	}
}

func TestRelocateUpdatesPathAfterRename(t *testing.T) {
	table, root := newTestTable(t)

	oldPath := filepath.Join(root, "old")
	newPath := filepath.Join(root, "new")
	if err := os.WriteFile(oldPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	in, _, err := table.getOrCreate(oldPath, fuseops.RootInodeID, "old")
	if err != nil {
		t.Fatal(err)
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatal(err)
	}
	table.relocate(newPath, fuseops.RootInodeID, "new")

	if in.path != newPath {
		t.Fatalf("expected path %q, got %q", newPath, in.path)
	}
	if in.name != "new" {
		t.Fatalf("expected name %q, got %q", "new", in.name)
	}
}
