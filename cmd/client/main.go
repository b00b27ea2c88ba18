// Copyright 2025 The fawa Authors
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

// Command client uploads a local file to the quarantine service, either in
// chunks or as one stream, and optionally promotes it.
package main

import (
	"context"
	"crypto/tls"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/net/http2"

	"github.com/fawa-io/quarantine/pkg/fwlog"
	"github.com/fawa-io/quarantine/service/upload"
)

func main() {
	server := pflag.String("server", "http://localhost:8080", "Base URL of the quarantine service.")
	filePath := pflag.String("file", "", "File to upload.")
	chunkSize := pflag.String("chunk-size", "1MiB", "Chunk size for chunked uploads.")
	stream := pflag.Bool("stream", false, "Send the file as one client stream instead of chunks.")
	owner := pflag.String("owner", "", "Owner reference recorded with the upload.")
	promoteDir := pflag.String("promote-dir", "", "Promote the accepted object into this directory.")
	disk := pflag.String("disk", "local", "Disk to promote to.")
	timeout := pflag.Duration("timeout", 5*time.Minute, "Overall timeout.")
	pflag.Parse()

	if *filePath == "" {
		fwlog.Fatal("--file is required")
	}
	size, err := humanize.ParseBytes(*chunkSize)
	if err != nil || size == 0 {
		fwlog.Fatalf("Invalid --chunk-size %q: %v", *chunkSize, err)
	}

	f, err := os.Open(*filePath)
	if err != nil {
		fwlog.Fatalf("Failed to open %s: %v", *filePath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		fwlog.Fatalf("Failed to stat %s: %v", *filePath, err)
	}

	name := filepath.Base(*filePath)
	declared := mime.TypeByExtension(filepath.Ext(name))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cli := upload.NewClient(httpClient(*server), *server)

	var obj *upload.TempObject
	if *stream {
		obj, err = cli.SendFile(ctx, upload.FileInfo{
			Name:             name,
			DeclaredMimeType: declared,
			OwnerRef:         *owner,
			Size:             info.Size(),
		}, f, int(size))
		if err != nil {
			fwlog.Fatalf("Upload failed: %v", err)
		}
	} else {
		sessionID := uuid.NewString()
		fwlog.Infof("Uploading %s (%s) in %s chunks, session %s",
			name, humanize.IBytes(uint64(info.Size())), humanize.IBytes(size), sessionID)
		last, err := cli.UploadFile(ctx, upload.ChunkedFile{
			SessionID:        sessionID,
			Name:             name,
			DeclaredMimeType: declared,
			OwnerRef:         *owner,
			Size:             info.Size(),
		}, f, int64(size))
		if err != nil {
			fwlog.Fatalf("Upload failed: %v", err)
		}
		obj = last.Object
		if obj == nil {
			fwlog.Fatalf("Session %s finished without a result (duplicate=%v)", sessionID, last.Duplicate)
		}
	}

	if !obj.Verdict.Accepted {
		fwlog.Fatalf("Rejected: %s by %s rule: %s", obj.Verdict.Reason, obj.Verdict.Rule, obj.Verdict.Detail)
	}
	fwlog.Infof("Accepted as %s, expires at %s", obj.Key, obj.ExpiresAt.Format(time.RFC3339))

	if *promoteDir != "" {
		finalPath, err := cli.Promote(ctx, obj.Key, *promoteDir, *disk)
		if err != nil {
			fwlog.Fatalf("Promotion failed: %v", err)
		}
		fwlog.Infof("Promoted to %s", finalPath)
	}
}

// httpClient speaks cleartext HTTP/2 to http:// servers so that client
// streams work without TLS.
func httpClient(baseURL string) *http.Client {
	if !strings.HasPrefix(baseURL, "http://") {
		return http.DefaultClient
	}
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}
