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

package intake

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fawa-io/quarantine/pkg/chunk"
	"github.com/fawa-io/quarantine/pkg/clock"
	"github.com/fawa-io/quarantine/pkg/lifecycle"
	"github.com/fawa-io/quarantine/pkg/storage"
	"github.com/fawa-io/quarantine/pkg/verify"
)

var testNow = time.Date(2025, 7, 29, 13, 0, 0, 0, time.UTC)

var validPDF = []byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

type fixture struct {
	store    *storage.DiskStore
	verifier *verify.Verifier
	service  *Service
	diskDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.NewFake(testNow)
	store, err := storage.NewDiskStore(t.TempDir(), storage.WithClock(fake))
	require.NoError(t, err)
	meta := storage.NewSidecarMetaStore(store)

	policy := verify.Policy{
		MaxSize:    1024,
		Extensions: []string{"pdf", "txt"},
		MimeTypes:  []string{"application/pdf", "text/plain"},
		Strict:     true,
	}
	verifier, err := verify.New(store, meta, policy)
	require.NoError(t, err)

	diskDir := t.TempDir()
	local, err := storage.NewLocalDisk(diskDir)
	require.NoError(t, err)

	svc := New(store, meta,
		chunk.New(store, chunk.WithClock(fake)),
		verifier,
		lifecycle.New(store, meta, time.Hour, lifecycle.WithClock(fake)),
		storage.NewPromoter(store, meta, map[string]storage.Disk{"local": local}),
	)
	return &fixture{store: store, verifier: verifier, service: svc, diskDir: diskDir}
}

func (f *fixture) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := f.store.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestUpload_Accepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Upload(ctx, File{Name: "report.pdf", DeclaredMimeType: "application/pdf", OwnerRef: "u1", Size: -1},
		bytes.NewReader(validPDF))
	require.NoError(t, err)
	assert.True(t, res.Verdict.Accepted)
	assert.True(t, strings.HasPrefix(res.Key, "objects/20250729/report-"))
	assert.EqualValues(t, len(validPDF), res.Metadata.Size)
	assert.True(t, res.Metadata.ExpiresAt.Equal(testNow.Add(time.Hour)))

	md, err := f.service.Metadata(ctx, res.Key)
	require.NoError(t, err)
	assert.Equal(t, "u1", md.OwnerRef)
	assert.Equal(t, "report.pdf", md.OriginalName)
}

func TestUpload_RejectedIsDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Upload(ctx, File{Name: "evil.pdf", DeclaredMimeType: "application/pdf", Size: -1},
		strings.NewReader("MZ\x90\x00 definitely a pdf"))
	require.NoError(t, err)
	assert.Equal(t, verify.ExecutableDisguised, res.Verdict.Reason)
	assert.False(t, f.exists(t, res.Key))
	assert.False(t, f.exists(t, storage.MetaKey(res.Key)))
}

func TestUpload_OversizedStopsWriting(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.Upload(context.Background(), File{Name: "big.txt", Size: -1},
		strings.NewReader(strings.Repeat("a", 1<<20)))
	require.NoError(t, err)
	assert.Equal(t, verify.FileTooLarge, res.Verdict.Reason)
	assert.EqualValues(t, 1025, res.Metadata.Size)
	assert.False(t, f.exists(t, res.Key))
}

func TestUploadChunk_CompletesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parts := [][]byte{validPDF[:20], validPDF[20:40], validPDF[40:]}
	var results []*ChunkResult
	for _, idx := range []int{2, 0, 1} {
		out, err := f.service.UploadChunk(ctx, chunk.Request{
			SessionID:        "doc-1",
			Index:            idx,
			Count:            len(parts),
			FileName:         "report.pdf",
			DeclaredMimeType: "application/pdf",
			OwnerRef:         "u2",
			Size:             int64(len(parts[idx])),
		}, bytes.NewReader(parts[idx]))
		require.NoError(t, err)
		results = append(results, out)
	}

	assert.Nil(t, results[0].Result)
	assert.Nil(t, results[1].Result)
	last := results[2]
	require.NotNil(t, last.Result)
	assert.True(t, last.Result.Verdict.Accepted)
	assert.Equal(t, "objects/sessions/doc-1/report.pdf", last.Result.Key)
	assert.Equal(t, "doc-1", last.Result.Metadata.SessionID)
	assert.Equal(t, "u2", last.Result.Metadata.OwnerRef)

	// A retried last chunk reports the merged object without re-verifying.
	again, err := f.service.UploadChunk(ctx, chunk.Request{
		SessionID: "doc-1", Index: 1, Count: 3, FileName: "report.pdf", Size: int64(len(parts[1])),
	}, bytes.NewReader(parts[1]))
	require.NoError(t, err)
	assert.True(t, again.Status.Duplicate)
	assert.Nil(t, again.Result)
}

func TestUploadChunk_ConcurrentLastChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parts := [][]byte{validPDF[:30], validPDF[30:]}

	var wg sync.WaitGroup
	outs := make([]*ChunkResult, len(parts))
	for i := range parts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.service.UploadChunk(ctx, chunk.Request{
				SessionID: "race", Index: i, Count: len(parts), FileName: "r.pdf", Size: int64(len(parts[i])),
			}, bytes.NewReader(parts[i]))
			assert.NoError(t, err)
			outs[i] = out
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, out := range outs {
		if out != nil && out.Result != nil {
			completed++
			assert.True(t, out.Result.Verdict.Accepted)
		}
	}
	assert.Equal(t, 1, completed)
}

func TestUploadChunk_ProtocolError(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.UploadChunk(context.Background(), chunk.Request{Index: 0, Count: 1}, strings.NewReader("x"))
	assert.ErrorIs(t, err, chunk.ErrMissingSession)
	assert.True(t, chunk.IsProtocolError(err))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Upload(ctx, File{Name: "notes.txt", Size: 5}, strings.NewReader("hello"))
	require.NoError(t, err)
	require.True(t, res.Verdict.Accepted)

	removed, err := f.service.Delete(ctx, res.Key)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, f.exists(t, storage.MetaKey(res.Key)))

	removed, err = f.service.Delete(ctx, res.Key)
	require.NoError(t, err)
	assert.False(t, removed)

	for _, bad := range []string{"chunks/s/manifest.json", "../etc/passwd", storage.MetaKey(res.Key)} {
		_, err = f.service.Delete(ctx, bad)
		assert.ErrorIs(t, err, storage.ErrInvalidKey, bad)
	}
}

func TestPromote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Upload(ctx, File{Name: "report.pdf", Size: -1}, bytes.NewReader(validPDF))
	require.NoError(t, err)

	finalPath, err := f.service.Promote(ctx, res.Key, "archive", "local")
	require.NoError(t, err)
	b, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, validPDF, b)
	assert.False(t, f.exists(t, res.Key))

	_, err = f.service.Promote(ctx, res.Key, "archive", "local")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPromote_NotAcceptedUnderNewPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Upload(ctx, File{Name: "notes.txt", Size: -1}, strings.NewReader("some text"))
	require.NoError(t, err)
	require.True(t, res.Verdict.Accepted)

	p := f.verifier.Policy()
	p.Extensions = []string{"pdf"}
	f.verifier.SetPolicy(p)

	_, err = f.service.Promote(ctx, res.Key, "", "local")
	assert.ErrorIs(t, err, ErrNotAccepted)
	assert.False(t, f.exists(t, res.Key), "objects rejected on promotion are discarded")
}

func TestProgressAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.UploadChunk(ctx, chunk.Request{SessionID: "s", Index: 0, Count: 4, FileName: "a.txt", Size: 2},
		strings.NewReader("ab"))
	require.NoError(t, err)

	st, err := f.service.Progress(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Received)

	require.NoError(t, f.service.CancelSession(ctx, "s"))
	_, err = f.service.Progress(ctx, "s")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
