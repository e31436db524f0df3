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

// Command lofsctl sends a single command to a running mount_lofs's control
// socket, the out-of-band stand-in for the overlay's PRUNE ioctl (spec
// §4.7).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
)

var fSocket = flag.String("socket", "", "Path to the mount_lofs control socket.")

func main() {
	flag.Parse()

	if *fSocket == "" {
		log.Fatalf("You must set --socket.")
	}
	if flag.NArg() != 1 {
		log.Fatalf("Usage: lofsctl --socket=<path> <command>")
	}

	conn, err := net.Dial("unix", *fSocket)
	if err != nil {
		log.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "%s\n", flag.Arg(0))

	scanner := bufio.NewScanner(conn)
	if scanner.Scan() {
		fmt.Println(scanner.Text())
	}
}
