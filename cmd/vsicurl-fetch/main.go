/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// vsicurl-fetch is a manual smoke-test tool, not a supported CLI: it
// opens a /vsicurl URL, prints its discovered size, and dumps a
// requested byte range to stdout. Registration of vsicurl as a real
// filesystem-handler CLI is explicitly out of scope (spec.md §1).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/vsicurl/vsicurl"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: vsicurl-fetch <url> [offset] [length]")
		os.Exit(2)
	}

	url := os.Args[1]
	offset := int64(0)
	length := int64(64)
	if len(os.Args) > 2 {
		if v, err := strconv.ParseInt(os.Args[2], 10, 64); err == nil {
			offset = v
		}
	}
	if len(os.Args) > 3 {
		if v, err := strconv.ParseInt(os.Args[3], 10, 64); err == nil {
			length = v
		}
	}

	fs := vsicurl.NewFilesystem()
	defer fs.Close()

	ctx := context.Background()
	size, err := fs.Size(ctx, "/"+url, nil)
	if err != nil {
		log.WithError(err).Fatal("size discovery failed")
	}
	fmt.Printf("size: %d bytes\n", size)

	f, err := fs.Open("/"+url, nil)
	if err != nil {
		log.WithError(err).Fatal("open failed")
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		log.WithError(err).Fatal("seek failed")
	}

	buf := make([]byte, length)
	n, err := f.Read(buf)
	if err != nil {
		log.WithError(err).Fatal("read failed")
	}
	os.Stdout.Write(buf[:n])
}
