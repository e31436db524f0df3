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

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"

	"github.com/go-lofs/lofs/internal/lofs"
)

var fDir = flag.String("dir", "", "Lower root to shadow (comma-separated key dir=<path> in /proc/mounts).")
var fMountPoint = flag.String("mount_point", "", "Path to mount point.")
var fVerbosity = flag.Int("verbosity", 0, "Debug print level; >=1 enables debug logging.")
var fDebug = flag.Bool("debug", false, "Enable fuse protocol debug logging.")
var fControlSocket = flag.String("control_socket", "", "Optional unix socket path for the PRUNE control channel.")

func main() {
	flag.Parse()

	debugLogger := log.New(os.Stdout, "lofs: ", 0)
	errorLogger := log.New(os.Stderr, "lofs: ", 0)

	if *fDir == "" {
		log.Fatalf("You must set --dir.")
	}
	if *fMountPoint == "" {
		log.Fatalf("You must set --mount_point.")
	}

	if err := os.MkdirAll(*fMountPoint, 0777); err != nil {
		log.Fatalf("Failed to create mount point at %q: %v", *fMountPoint, err)
	}

	fs, err := lofs.New(*fDir, *fVerbosity, errorLogger, debugLogger, timeutil.RealClock())
	if err != nil {
		log.Fatalf("lofs.New: %v", err)
	}

	cfg := &fuse.MountConfig{
		FSName:      "lofs",
		ErrorLogger: errorLogger,
		Options: map[string]string{
			"dir":   *fDir,
			"debug": strconv.Itoa(*fVerbosity),
		},
	}
	if *fDebug {
		cfg.DebugLogger = debugLogger
	}

	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(*fMountPoint, server, cfg)
	if err != nil {
		log.Fatalf("Mount: %v", err)
	}

	abs, err := filepath.Abs(*fMountPoint)
	if err != nil {
		abs = *fMountPoint
	}
	fs.SetMountPoint(abs)

	stopPruneHook := installPruneSignalHandler(fs)
	defer stopPruneHook()

	if *fControlSocket != "" {
		closeCtl, ctlErr := lofs.ListenControl(fs, *fControlSocket)
		if ctlErr != nil {
			log.Fatalf("control socket: %v", ctlErr)
		}
		defer closeCtl()
	}

	if err = mfs.Join(context.Background()); err != nil {
		log.Fatalf("Join: %v", err)
	}

	if err = fs.Close(); err != nil {
		log.Fatalf("Close: %v", err)
	}
}

// installPruneSignalHandler wires SIGUSR1 to Prune, an out-of-band
// equivalent of sending the PRUNE ioctl to the mount root (spec §4.7).
func installPruneSignalHandler(fs *lofs.FileSystem) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
				fs.Prune()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
