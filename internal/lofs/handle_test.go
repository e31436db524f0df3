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
	"path/filepath"
	"testing"
)

func TestAcquireOpensReadOnlyThenUpgrades(t *testing.T) {
	dir, err := os.MkdirTemp("", "lofs_handle_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	m := newLowerHandleManager()
	defer m.closeAll()

	f1, release1, err := m.acquire(context.Background(), path, false)
	if err != nil {
		t.Fatal(err)
	}
	if m.writable {
		t.Fatal("expected read-only handle after first acquire")
	}
	release1()

	f2, release2, err := m.acquire(context.Background(), path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer release2()

	if !m.writable {
		t.Fatal("expected handle to be upgraded to writable")
	}
	if f1 == f2 {
		t.Fatal("expected the upgrade to open a new handle rather than reuse the old one")
	}
}

func TestAcquireNeverDowngrades(t *testing.T) {
	dir, err := os.MkdirTemp("", "lofs_handle_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	m := newLowerHandleManager()
	defer m.closeAll()

	_, release1, err := m.acquire(context.Background(), path, true)
	if err != nil {
		t.Fatal(err)
	}
	release1()

	_, release2, err := m.acquire(context.Background(), path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer release2()

	if !m.writable {
		t.Fatal("a read-only acquire must not downgrade an already-writable handle")
	}
}

func TestCloseAllClearsHandle(t *testing.T) {
	dir, err := os.MkdirTemp("", "lofs_handle_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	m := newLowerHandleManager()
	_, release, err := m.acquire(context.Background(), path, false)
	if err != nil {
		t.Fatal(err)
	}
	release()

	m.closeAll()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		t.Fatal("expected file to be nil after closeAll")
	}
}
