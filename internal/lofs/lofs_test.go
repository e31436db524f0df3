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

package lofs_test

import (
	"context"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	. "github.com/jacobsa/ogletest"

	"github.com/go-lofs/lofs/internal/lofs"
)

func TestLofs(t *testing.T) { RunTests(t) }

// LofsTest mounts a fresh overlay over a fresh lower directory for every
// test method, in the style of the teacher's own sample file system test
// suites.
type LofsTest struct {
	lowerRoot string
	mountDir  string
	mfs       *fuse.MountedFileSystem
	fs        *lofs.FileSystem
}

func init() { RegisterTestSuite(&LofsTest{}) }

func (t *LofsTest) SetUp(ti *TestInfo) {
	var err error

	t.lowerRoot, err = ioutil.TempDir("", "lofs_lower")
	AssertEq(nil, err)

	t.mountDir, err = ioutil.TempDir("", "lofs_mount")
	AssertEq(nil, err)

	t.fs, err = lofs.New(
		t.lowerRoot,
		0,
		log.New(os.Stderr, "lofs: ", 0),
		nil,
		timeutil.RealClock())
	AssertEq(nil, err)

	t.mfs, err = fuse.Mount(t.mountDir, fuseutil.NewFileSystemServer(t.fs), &fuse.MountConfig{})
	AssertEq(nil, err)

	t.fs.SetMountPoint(t.mountDir)
}

func (t *LofsTest) TearDown() {
	if t.mfs != nil {
		t.mfs.Unmount()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.mfs.Join(ctx)
	}
	if t.fs != nil {
		t.fs.Close()
	}
	os.RemoveAll(t.mountDir)
	os.RemoveAll(t.lowerRoot)
}

func (t *LofsTest) StatMatchesLower() {
	err := ioutil.WriteFile(filepath.Join(t.lowerRoot, "hostname"), []byte("box"), 0644)
	AssertEq(nil, err)

	lowerInfo, err := os.Stat(filepath.Join(t.lowerRoot, "hostname"))
	AssertEq(nil, err)

	overlayInfo, err := os.Stat(filepath.Join(t.mountDir, "hostname"))
	AssertEq(nil, err)

	ExpectEq(lowerInfo.Size(), overlayInfo.Size())
	ExpectEq(lowerInfo.Mode(), overlayInfo.Mode())
}

func (t *LofsTest) WriteThroughOverlayReadThroughLower() {
	err := ioutil.WriteFile(filepath.Join(t.mountDir, "x"), []byte("hello"), 0644)
	AssertEq(nil, err)

	data, err := ioutil.ReadFile(filepath.Join(t.lowerRoot, "x"))
	AssertEq(nil, err)
	ExpectEq("hello", string(data))
}

func (t *LofsTest) WriteThroughLowerReadThroughOverlay() {
	err := ioutil.WriteFile(filepath.Join(t.lowerRoot, "y"), []byte("world"), 0644)
	AssertEq(nil, err)

	data, err := ioutil.ReadFile(filepath.Join(t.mountDir, "y"))
	AssertEq(nil, err)
	ExpectEq("world", string(data))
}

func (t *LofsTest) MkdirThenRmdir() {
	dirPath := filepath.Join(t.mountDir, "d")

	err := os.Mkdir(dirPath, 0755)
	AssertEq(nil, err)

	_, err = os.Stat(filepath.Join(t.lowerRoot, "d"))
	AssertEq(nil, err)

	err = os.Remove(dirPath)
	AssertEq(nil, err)

	_, err = os.Stat(filepath.Join(t.lowerRoot, "d"))
	ExpectTrue(os.IsNotExist(err))
}

func (t *LofsTest) RenameWithinLowerMount() {
	err := ioutil.WriteFile(filepath.Join(t.mountDir, "a"), []byte("1"), 0644)
	AssertEq(nil, err)

	err = os.Rename(filepath.Join(t.mountDir, "a"), filepath.Join(t.mountDir, "b"))
	AssertEq(nil, err)

	_, err = os.Stat(filepath.Join(t.lowerRoot, "a"))
	ExpectTrue(os.IsNotExist(err))

	data, err := ioutil.ReadFile(filepath.Join(t.lowerRoot, "b"))
	AssertEq(nil, err)
	ExpectEq("1", string(data))
}

func (t *LofsTest) OpenReadOnlyThenReadWriteAllowsWrite() {
	path := filepath.Join(t.mountDir, "rw")
	AssertEq(nil, ioutil.WriteFile(path, []byte("z"), 0644))

	ro, err := os.OpenFile(path, os.O_RDONLY, 0)
	AssertEq(nil, err)
	defer ro.Close()

	rw, err := os.OpenFile(path, os.O_RDWR, 0)
	AssertEq(nil, err)
	defer rw.Close()

	_, err = rw.WriteString("w")
	ExpectEq(nil, err)
}

func (t *LofsTest) PruneAfterStatReturnsCount() {
	AssertEq(nil, ioutil.WriteFile(filepath.Join(t.mountDir, "p"), []byte("1"), 0644))

	fi, err := os.Stat(filepath.Join(t.mountDir, "p"))
	AssertEq(nil, err)
	AssertNe(nil, fi)

	dropped := t.fs.Prune()
	ExpectTrue(dropped >= 0)
}
