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
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// lowerKey is the stable identity of a lower inode: the (device, inode
// number) pair that the kernel VFS would otherwise give us as a pointer to
// the lower inode (spec §3: "hash key = pointer identity of L-INODE"). User
// space has no such pointer, so the device/inode pair is the analogous
// stable key.
type lowerKey struct {
	dev uint64
	ino uint64
}

func statDevIno(path string) (dev, ino uint64, err error) {
	var st unix.Stat_t
	if err = unix.Lstat(path, &st); err != nil {
		return
	}
	dev = uint64(st.Dev)
	ino = st.Ino
	return
}

func statBlockSize(path string) (uint32, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint32(st.Bsize), nil
}

// attrsFromLstat fills a fuseops.InodeAttributes from a fresh Lstat of path,
// mirroring mode/owner/times/size/nlink/rdev from the lower inode as spec §3
// requires ("Attributes ... are mirrored from L-INODE on every operation
// that observes them").
func attrsFromLstat(path string) (attrs fuseops.InodeAttributes, dev uint64, err error) {
	var st unix.Stat_t
	if err = unix.Lstat(path, &st); err != nil {
		return
	}

	attrs = fuseops.InodeAttributes{
		Size:  uint64(st.Size),
		Nlink: uint64(st.Nlink),
		Mode:  os.FileMode(st.Mode & 0777),
		Atime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ctime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		Uid:   st.Uid,
		Gid:   st.Gid,
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		attrs.Mode |= os.ModeDir
	case unix.S_IFLNK:
		attrs.Mode |= os.ModeSymlink
	case unix.S_IFIFO:
		attrs.Mode |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		attrs.Mode |= os.ModeSocket
	case unix.S_IFBLK:
		attrs.Mode |= os.ModeDevice
	case unix.S_IFCHR:
		attrs.Mode |= os.ModeDevice | os.ModeCharDevice
	}

	dev = uint64(st.Dev)
	return
}

// crossesMount reports whether child's device id differs from the parent
// directory's, i.e. the lookup has walked onto another lower mount (spec
// §4.3: the trigger for routing through the automount worker).
func crossesMount(parentDev, childDev uint64) bool {
	return parentDev != childDev
}

// toErrno maps a lower-FS error to the overlay-visible error (spec §7:
// "Pass-through: almost every error arises in the lower and is returned
// verbatim").
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*os.PathError); ok {
		return pe.Err
	}
	if le, ok := err.(*os.LinkError); ok {
		return le.Err
	}
	if se, ok := err.(*os.SyscallError); ok {
		return se.Err
	}
	return err
}

// isCrossDevice reports whether err is the cross-device-rename error (spec
// §3 invariant: "rename across distinct L-MNTs fails with a cross-device
// error"). os.Rename wraps the raw errno in an *os.LinkError, so this
// unwraps rather than comparing directly.
func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
