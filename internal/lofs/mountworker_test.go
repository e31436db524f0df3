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
	"sync"
	"testing"
)

func TestMountWorkerResolvesPath(t *testing.T) {
	dir, err := os.MkdirTemp("", "lofs_worker_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	w := newMountWorker()
	defer w.stop()

	_, dev, ino, err := w.resolve(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDev, wantIno, err := statDevIno(path)
	if err != nil {
		t.Fatal(err)
	}
	if dev != wantDev || ino != wantIno {
		t.Fatalf("got (dev=%v, ino=%v), want (dev=%v, ino=%v)", dev, ino, wantDev, wantIno)
	}
}

func TestMountWorkerServesConcurrentCallers(t *testing.T) {
	dir, err := os.MkdirTemp("", "lofs_worker_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	const n = 20
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		paths[i] = filepath.Join(dir, string(rune('a'+i)))
		if err := os.WriteFile(paths[i], nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	w := newMountWorker()
	defer w.stop()

	var wg sync.WaitGroup
	wg.Add(n)
	for _, p := range paths {
		p := p
		go func() {
			defer wg.Done()
			if _, _, _, err := w.resolve(p); err != nil {
				t.Errorf("resolve(%q): %v", p, err)
			}
		}()
	}
	wg.Wait()
}

func TestMountWorkerDrainsOnStop(t *testing.T) {
	w := newMountWorker()
	w.stop()

	if _, _, _, err := w.resolve("/nonexistent"); err == nil {
		t.Fatal("expected an error after the worker has stopped")
	}
}
