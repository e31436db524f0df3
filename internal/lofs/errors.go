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

import "syscall"

// This file names the error kinds observable at the overlay boundary and
// where each is actually produced. It is an index, not the only place the
// error value is constructed.
//
//   - Not supported:  syscall.EXDEV for cross-device rename (dirops.go,
//                      Rename).
//   - Pass-through:   toErrno (platform.go) unwraps the lower's own
//                      *os.PathError/*os.LinkError/*os.SyscallError and
//                      returns the underlying errno verbatim.
//   - Stale lower:     syscall.ESTALE, returned by lookupChildLocked
//                      (lookup.go) when the automount worker confirms a path
//                      exists but the immediately following getOrCreate stat
//                      finds it already gone — the lower inode was reclaimed
//                      between the two observations.
//   - Recursion:       syscall.EINVAL, returned by isSelfMount (lookup.go)
//                      when a lookup would resolve into the overlay's own
//                      mount point.
//   - Shutdown:        syscall.EIO, returned by the automount worker's drain
//                      (mountworker.go) for any request still queued when
//                      the worker is stopped.
//
// "Resource exhaustion" has no counterpart here: the spec's out-of-memory
// kind reflects a systems language's fallible allocation, which Go's
// allocator does not expose as a recoverable error. The automount worker's
// bounded queue (mountworker.go) instead applies backpressure by blocking
// the caller's send rather than rejecting it.
func isStale(err error) bool {
	return err == syscall.ENOENT
}
