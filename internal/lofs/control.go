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
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/jacobsa/fuse/fuseops"
)

// Prune shrinks the overlay's inode table down to entries still referenced
// by the kernel, dropping interposed inodes with a zero lookup count and
// closing any persistent handle they hold (spec §4.7: ioctl PRUNE "requests
// shrinking of the overlay's dentry cache rooted at the mount, so that any
// holds the overlay has on the lower filesystem are released").
//
// Unlike the original ioctl, this is exposed out of band: the grounded
// fuseops op set this package targets has no IoctlOp, so there is no VFS
// dispatch path to hang PRUNE off of. It is instead reachable through the
// control socket below, or by calling it directly (e.g. from a signal
// handler in cmd/mount_lofs).
func (fs *FileSystem) Prune() (dropped int) {
	fs.inodes.mu.Lock()
	defer fs.inodes.mu.Unlock()

	for id, in := range fs.inodes.byID {
		if id == fuseops.RootInodeID {
			continue
		}
		if in.lookupCount > 0 {
			continue
		}
		delete(fs.inodes.byID, id)
		delete(fs.inodes.byKey, in.key)
		in.handles.closeAll()
		dropped++
	}

	return
}

// controlServer listens on a unix domain socket for single-line commands,
// the user-space analogue of the overlay's ioctl interface (spec §4.7, §6:
// "Ioctl. PRUNE ..."). It also carries mknod and link, which the grounded
// fuseops op set has no VFS dispatch path for (there is no MkNodeOp or
// CreateLinkOp), so they are reachable only through this channel rather
// than through FileSystem's regular op methods.
type controlServer struct {
	fs       *FileSystem
	listener net.Listener
	sockPath string
}

// newControlServer binds a unix socket at sockPath and starts serving
// control commands in the background. Any previous socket file at that path
// is removed first, mirroring typical daemon restart behavior.
func newControlServer(fs *FileSystem, sockPath string) (*controlServer, error) {
	_ = os.Remove(sockPath)

	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}

	cs := &controlServer{fs: fs, listener: l, sockPath: sockPath}
	go cs.serve()
	return cs, nil
}

func (cs *controlServer) serve() {
	for {
		conn, err := cs.listener.Accept()
		if err != nil {
			return
		}
		go cs.handle(conn)
	}
}

func (cs *controlServer) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "prune":
			dropped := cs.fs.Prune()
			fmt.Fprintf(conn, "pruned %d\n", dropped)

		case "mknod":
			cs.handleMknod(conn, fields[1:])

		case "link":
			cs.handleLink(conn, fields[1:])

		default:
			fmt.Fprintf(conn, "unknown command\n")
		}
	}
}

// handleMknod parses "mknod <parent-inode> <name> <mode-octal> <dev>" and
// creates the requested special file, the control-channel stand-in for a
// dispatched MkNodeOp.
func (cs *controlServer) handleMknod(conn net.Conn, args []string) {
	if len(args) != 4 {
		fmt.Fprintf(conn, "usage: mknod <parent-inode> <name> <mode-octal> <dev>\n")
		return
	}

	parent, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(conn, "bad parent inode: %v\n", err)
		return
	}
	mode, err := strconv.ParseUint(args[2], 8, 32)
	if err != nil {
		fmt.Fprintf(conn, "bad mode: %v\n", err)
		return
	}
	dev, err := strconv.ParseUint(args[3], 10, 64)
	if err != nil {
		fmt.Fprintf(conn, "bad dev: %v\n", err)
		return
	}

	entry, mknodErr := cs.fs.Mknod(fuseops.InodeID(parent), args[1], uint32(mode), dev)
	if mknodErr != nil {
		fmt.Fprintf(conn, "error: %v\n", mknodErr)
		return
	}
	fmt.Fprintf(conn, "ok inode=%d\n", entry.Child)
}

// handleLink parses "link <parent-inode> <name> <target-inode>", the
// control-channel stand-in for a dispatched CreateLinkOp.
func (cs *controlServer) handleLink(conn net.Conn, args []string) {
	if len(args) != 3 {
		fmt.Fprintf(conn, "usage: link <parent-inode> <name> <target-inode>\n")
		return
	}

	parent, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(conn, "bad parent inode: %v\n", err)
		return
	}
	target, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		fmt.Fprintf(conn, "bad target inode: %v\n", err)
		return
	}

	entry, linkErr := cs.fs.Link(fuseops.InodeID(parent), args[1], fuseops.InodeID(target))
	if linkErr != nil {
		fmt.Fprintf(conn, "error: %v\n", linkErr)
		return
	}
	fmt.Fprintf(conn, "ok inode=%d\n", entry.Child)
}

func (cs *controlServer) Close() error {
	err := cs.listener.Close()
	os.Remove(cs.sockPath)
	return err
}

// ListenControl starts the control socket for fs at sockPath and returns a
// function that shuts it down. It is the package's only exported entry
// point for the control channel, kept thin so cmd/mount_lofs does not need
// to know about controlServer's internals.
func ListenControl(fs *FileSystem, sockPath string) (stop func() error, err error) {
	cs, err := newControlServer(fs, sockPath)
	if err != nil {
		return nil, err
	}
	return cs.Close, nil
}
