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

package verify

import (
	"bytes"
	"compress/gzip"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fawa-io/quarantine/pkg/storage"
)

// countingStore counts how often object bytes are opened.
type countingStore struct {
	storage.Store
	opens atomic.Int64
}

func (c *countingStore) Open(ctx context.Context, key string) (storage.Object, error) {
	c.opens.Add(1)
	return c.Store.Open(ctx, key)
}

type fixture struct {
	disk     *storage.DiskStore
	store    *countingStore
	meta     *storage.SidecarMetaStore
	verifier *Verifier
}

func testPolicy() Policy {
	return Policy{
		MaxSize:        1 << 20,
		Extensions:     []string{"pdf", "png", "jpg", "txt", "docx", "PDF"},
		MimeTypes:      []string{"application/pdf", "image/png", "image/jpeg", "text/plain", "application/zip"},
		Strict:         true,
		MaxImagePixels: 10_000,
	}
}

func newFixture(t *testing.T, p Policy, opts ...Option) *fixture {
	t.Helper()
	disk, err := storage.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	f := &fixture{disk: disk, store: &countingStore{Store: disk}, meta: storage.NewSidecarMetaStore(disk)}
	f.verifier, err = New(f.store, f.meta, p, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) stage(t *testing.T, name, declared string, content []byte) string {
	t.Helper()
	ctx := context.Background()
	key, err := f.disk.Create(ctx, name)
	require.NoError(t, err)
	_, err = f.disk.AppendStream(ctx, key, bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	require.NoError(t, f.meta.SaveFileMeta(ctx, key, &storage.Metadata{
		OriginalName:     name,
		DeclaredMimeType: declared,
		Size:             int64(len(content)),
		CreatedAt:        time.Now(),
		ExpiresAt:        time.Now().Add(time.Hour),
	}))
	return key
}

func (f *fixture) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := f.disk.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func zipBytes(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("<xml/>"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func gzipBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(strings.Repeat("payload", 100)))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

var validPDF = []byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

func TestVerify_Pipeline(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		declared string
		content  func(t *testing.T) []byte
		accepted bool
		reason   Reason
		rule     string
	}{
		{
			name:     "valid pdf",
			file:     "report.pdf",
			declared: "application/pdf",
			content:  func(*testing.T) []byte { return validPDF },
			accepted: true,
		},
		{
			name:     "upper case extension",
			file:     "REPORT.PDF",
			content:  func(*testing.T) []byte { return validPDF },
			accepted: true,
		},
		{
			name:     "valid png",
			file:     "pixel.png",
			declared: "image/png",
			content:  func(t *testing.T) []byte { return pngBytes(t, 4, 4) },
			accepted: true,
		},
		{
			name:     "extension not allowed",
			file:     "setup.exe",
			content:  func(*testing.T) []byte { return []byte("hello") },
			reason:   ExtensionNotAllowed,
			rule:     "extension",
		},
		{
			name:     "no extension",
			file:     "README",
			content:  func(*testing.T) []byte { return []byte("hello") },
			reason:   ExtensionNotAllowed,
			rule:     "extension",
		},
		{
			name:     "declared mime not allowed",
			file:     "notes.txt",
			declared: "application/x-msdownload",
			content:  func(*testing.T) []byte { return []byte("hello") },
			reason:   DeclaredMimeNotAllowed,
			rule:     "declared-mime",
		},
		{
			name:     "declared mime with parameters",
			file:     "notes.txt",
			declared: "text/plain; charset=utf-8",
			content:  func(*testing.T) []byte { return []byte("hello") },
			accepted: true,
		},
		{
			name:     "pe disguised as pdf",
			file:     "evil.pdf",
			declared: "application/pdf",
			content:  func(*testing.T) []byte { return append([]byte("MZ\x90\x00"), make([]byte, 100)...) },
			reason:   ExecutableDisguised,
			rule:     "executable",
		},
		{
			name:     "elf disguised as png",
			file:     "cat.png",
			content:  func(*testing.T) []byte { return []byte("\x7fELF\x02\x01\x01\x00 rest") },
			reason:   ExecutableDisguised,
			rule:     "executable",
		},
		{
			name:     "script disguised as text",
			file:     "notes.txt",
			content:  func(*testing.T) []byte { return []byte("#!/bin/sh\nrm -rf /\n") },
			reason:   ExecutableDisguised,
			rule:     "executable",
		},
		{
			name:     "gzip content as png",
			file:     "photo.png",
			declared: "image/png",
			content:  gzipBytes,
			reason:   ContentMimeMismatch,
			rule:     "sniffed-mime",
		},
		{
			name:     "png content as jpg",
			file:     "photo.jpg",
			content:  func(t *testing.T) []byte { return pngBytes(t, 2, 2) },
			reason:   SignatureMismatch,
			rule:     "signature",
		},
		{
			name:     "truncated png",
			file:     "broken.png",
			content:  func(t *testing.T) []byte { return pngBytes(t, 4, 4)[:40] },
			reason:   DeepValidationFailed,
			rule:     "deep-content",
		},
		{
			name:     "png over pixel limit",
			file:     "huge.png",
			content:  func(t *testing.T) []byte { return pngBytes(t, 200, 200) },
			reason:   DeepValidationFailed,
			rule:     "deep-content",
		},
		{
			name:     "pdf without trailer",
			file:     "cut.pdf",
			content:  func(*testing.T) []byte { return []byte("%PDF-1.7\n1 0 obj\n<<>>\nendobj\n") },
			reason:   DeepValidationFailed,
			rule:     "deep-content",
		},
		{
			name:     "valid docx",
			file:     "letter.docx",
			content:  func(t *testing.T) []byte { return zipBytes(t, "[Content_Types].xml", "_rels/.rels", "word/document.xml") },
			accepted: true,
		},
		{
			name:     "docx without manifests",
			file:     "letter.docx",
			content:  func(t *testing.T) []byte { return zipBytes(t, "word/document.xml") },
			reason:   DeepValidationFailed,
			rule:     "deep-content",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testPolicy())
			key := f.stage(t, tt.file, tt.declared, tt.content(t))

			v, err := f.verifier.Verify(context.Background(), key)
			require.NoError(t, err)
			assert.Equal(t, tt.accepted, v.Accepted, "verdict %+v", v)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, tt.rule, v.Rule)
			if !tt.accepted {
				assert.NotEmpty(t, v.Detail)
			}

			assert.Equal(t, tt.accepted, f.exists(t, key), "rejected objects are deleted")
			assert.Equal(t, tt.accepted, f.exists(t, storage.MetaKey(key)), "metadata follows its object")
		})
	}
}

func TestVerify_NonStrictSkipsDeepChecks(t *testing.T) {
	p := testPolicy()
	p.Strict = false
	f := newFixture(t, p)

	key := f.stage(t, "cut.pdf", "", []byte("%PDF-1.7\nno trailer"))
	v, err := f.verifier.Verify(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, v.Accepted)

	// Executables are rejected in every mode.
	key = f.stage(t, "evil.pdf", "application/pdf", []byte("MZ this is not a pdf"))
	v, err = f.verifier.Verify(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, ExecutableDisguised, v.Reason)
}

func TestVerify_SizeBoundary(t *testing.T) {
	p := testPolicy()
	p.MaxSize = 64
	f := newFixture(t, p)

	exact := f.stage(t, "exact.txt", "text/plain", bytes.Repeat([]byte("a"), 64))
	v, err := f.verifier.Verify(context.Background(), exact)
	require.NoError(t, err)
	assert.True(t, v.Accepted)

	over := f.stage(t, "over.txt", "text/plain", bytes.Repeat([]byte("a"), 65))
	v, err = f.verifier.Verify(context.Background(), over)
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Equal(t, FileTooLarge, v.Reason)
	assert.Equal(t, "size", v.Rule)
}

func TestVerify_CacheHitSkipsReads(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	key := f.stage(t, "report.pdf", "application/pdf", validPDF)

	first, err := f.verifier.Verify(ctx, key)
	require.NoError(t, err)
	require.True(t, first.Accepted)
	opens := f.store.opens.Load()
	assert.EqualValues(t, 1, opens)

	second, err := f.verifier.Verify(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, opens, f.store.opens.Load(), "a cache hit must not read the object")
	assert.Equal(t, 1, f.verifier.CachedVerdicts())
}

func TestVerify_PolicyChangeReRunsPipeline(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	key := f.stage(t, "report.pdf", "application/pdf", validPDF)

	v, err := f.verifier.Verify(ctx, key)
	require.NoError(t, err)
	require.True(t, v.Accepted)

	p := testPolicy()
	p.MaxSize = 10
	f.verifier.SetPolicy(p)
	assert.Equal(t, int64(10), f.verifier.Policy().MaxSize)

	v, err = f.verifier.Verify(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, FileTooLarge, v.Reason)
	assert.Equal(t, 2, f.verifier.CachedVerdicts())
	assert.False(t, f.exists(t, key))
}

func TestVerify_SameContentDifferentNameNotShared(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	ok := f.stage(t, "a.txt", "", []byte("plain words"))
	bad := f.stage(t, "a.exe", "", []byte("plain words"))

	v, err := f.verifier.Verify(ctx, ok)
	require.NoError(t, err)
	assert.True(t, v.Accepted)

	v, err = f.verifier.Verify(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, ExtensionNotAllowed, v.Reason)
}

func TestVerify_EvictsOldestFirst(t *testing.T) {
	f := newFixture(t, testPolicy(), WithCacheSize(2))
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		key := f.stage(t, body+".txt", "", []byte(body))
		_, err := f.verifier.Verify(ctx, key)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.verifier.CachedVerdicts())
}

func TestVerify_MissingObjectIsError(t *testing.T) {
	f := newFixture(t, testPolicy())
	_, err := f.verifier.Verify(context.Background(), "objects/missing.pdf")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVerify_WithoutMetadataUsesKeyName(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	key, err := f.disk.Create(ctx, "orphan.pdf")
	require.NoError(t, err)
	_, err = f.disk.AppendStream(ctx, key, bytes.NewReader(validPDF), -1)
	require.NoError(t, err)

	v, err := f.verifier.Verify(ctx, key)
	require.NoError(t, err)
	assert.True(t, v.Accepted)
}

func TestVerify_Concurrent(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	keys := make([]string, 8)
	for i := range keys {
		keys[i] = f.stage(t, "same.pdf", "application/pdf", validPDF)
	}

	var wg sync.WaitGroup
	verdicts := make([]Verdict, len(keys))
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			v, err := f.verifier.Verify(ctx, key)
			assert.NoError(t, err)
			verdicts[i] = v
		}(i, key)
	}
	wg.Wait()

	for _, v := range verdicts {
		assert.True(t, v.Accepted)
	}
	assert.Equal(t, 1, f.verifier.CachedVerdicts())
}

func TestNewRejectsBadCacheSize(t *testing.T) {
	disk, err := storage.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	_, err = New(disk, storage.NewSidecarMetaStore(disk), testPolicy(), WithCacheSize(0))
	assert.Error(t, err)
}
