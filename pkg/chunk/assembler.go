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

// Package chunk reassembles chunked uploads. Chunks of one session are
// stored individually under the session's chunk group; once every index
// is present they are merged in index order into one temp object and the
// group is removed. Progress is always derived from listing storage, so a
// restarted process picks up where the previous one stopped.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/fawa-io/quarantine/pkg/clock"
	"github.com/fawa-io/quarantine/pkg/fwlog"
	"github.com/fawa-io/quarantine/pkg/metrics"
	"github.com/fawa-io/quarantine/pkg/storage"
	"github.com/fawa-io/quarantine/pkg/util"
)

const (
	chunkFilePrefix = "chunk_"
	mergePrefix     = "merging_"

	// SessionsPrefix holds the merged objects, one directory per session.
	SessionsPrefix = storage.ObjectsPrefix + "/sessions"

	DefaultMaxChunks    = 10000
	DefaultMaxChunkSize = 64 << 20
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Request describes one incoming chunk.
type Request struct {
	SessionID        string
	Index            int
	Count            int
	FileName         string
	DeclaredMimeType string
	OwnerRef         string
	// Size is the chunk length when known, -1 otherwise.
	Size int64
}

// Status reports a session's progress after a chunk write.
type Status struct {
	SessionID string
	Received  int
	Total     int
	Complete  bool
	// Key is the merged object, set once Complete.
	Key  string
	Size int64
	// Duplicate is set when another caller already produced Key.
	Duplicate bool
	Manifest  Manifest
}

// Assembler implements the per-session chunk state machine.
type Assembler struct {
	store        storage.Store
	clock        clock.Clock
	maxChunks    int
	maxChunkSize int64
	merges       singleflight.Group
	logger       fwlog.Logger
	metrics      *metrics.Collector
}

// Option configures an Assembler.
type Option func(*Assembler)

func WithMaxChunks(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxChunks = n
		}
	}
}

func WithMaxChunkSize(n int64) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxChunkSize = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(a *Assembler) { a.clock = c }
}

func WithLogger(l fwlog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(a *Assembler) { a.metrics = m }
}

func New(store storage.Store, opts ...Option) *Assembler {
	a := &Assembler{
		store:        store,
		clock:        clock.Real(),
		maxChunks:    DefaultMaxChunks,
		maxChunkSize: DefaultMaxChunkSize,
		logger:       fwlog.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ValidateSessionID checks that id can be used as a chunk group name.
func ValidateSessionID(id string) error {
	if id == "" {
		return &ProtocolError{Err: ErrMissingSession}
	}
	if !sessionIDPattern.MatchString(id) {
		return protocolErr(ErrInvalidSession, "%q", id)
	}
	return nil
}

func (a *Assembler) validate(req Request) error {
	if err := ValidateSessionID(req.SessionID); err != nil {
		return err
	}
	if req.Count < 1 || req.Count > a.maxChunks {
		return protocolErr(ErrInvalidChunkCount, "%d not in [1, %d]", req.Count, a.maxChunks)
	}
	if req.Index < 0 || req.Index >= req.Count {
		return protocolErr(ErrIndexOutOfRange, "index %d of %d", req.Index, req.Count)
	}
	if req.Size > a.maxChunkSize {
		return protocolErr(ErrChunkTooLarge, "%s > %s",
			humanize.IBytes(uint64(req.Size)), humanize.IBytes(uint64(a.maxChunkSize)))
	}
	return nil
}

// ChunkKey is the storage key of one chunk.
func ChunkKey(sessionID string, index int) string {
	return path.Join(storage.ChunkGroupPrefix(sessionID), chunkFilePrefix+strconv.Itoa(index))
}

// FinalKey is the merged object key of a session. It is deterministic so
// that concurrent merges of one session agree on the target.
func FinalKey(sessionID, originalName string) string {
	return path.Join(SessionsPrefix, sessionID, storage.ObjectName(originalName))
}

// WriteChunk stores one chunk, replacing an earlier copy of the same
// index, then runs the completion check. The merge runs at most once per
// session at a time; the returned Status carries the merged key once the
// session is complete.
func (a *Assembler) WriteChunk(ctx context.Context, req Request, r io.Reader) (Status, error) {
	if err := a.validate(req); err != nil {
		return Status{}, err
	}
	logger := a.logger.With("session", req.SessionID)

	// A retried chunk of a session that is already merged is a no-op,
	// whatever file name the retry carries.
	if _, err := a.readManifest(ctx, req.SessionID); errors.Is(err, storage.ErrNotFound) {
		st, ok, err := a.mergedStatus(ctx, req.SessionID)
		if err != nil {
			return Status{}, err
		}
		if ok {
			st.Received, st.Total = req.Count, req.Count
			return st, nil
		}
	}

	m, err := a.ensureManifest(ctx, req)
	if err != nil {
		return Status{}, err
	}
	if m.ChunkCount != req.Count {
		return Status{}, protocolErr(ErrCountMismatch, "session declared %d chunks, request says %d", m.ChunkCount, req.Count)
	}

	key := ChunkKey(req.SessionID, req.Index)
	n, err := a.store.Put(ctx, key, &limitedReader{r: r, remaining: a.maxChunkSize}, req.Size)
	if err != nil {
		if errors.Is(err, ErrChunkTooLarge) {
			return Status{}, protocolErr(ErrChunkTooLarge, "chunk %d over %s", req.Index, humanize.IBytes(uint64(a.maxChunkSize)))
		}
		return Status{}, err
	}
	a.metrics.ChunkWritten(n)
	logger.Debugf("Stored chunk %d/%d (%s)", req.Index+1, req.Count, humanize.IBytes(uint64(n)))

	return a.complete(ctx, req.SessionID, m)
}

// Complete re-runs the completion check of a session without writing.
func (a *Assembler) Complete(ctx context.Context, sessionID string) (Status, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return Status{}, err
	}
	m, err := a.readManifest(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		// The group is gone; the session may have been merged already.
		if st, ok, mergedErr := a.mergedStatus(ctx, sessionID); mergedErr != nil || ok {
			return st, mergedErr
		}
	}
	if err != nil {
		return Status{}, err
	}
	return a.complete(ctx, sessionID, m)
}

// mergedStatus looks for the merged object of a session whose manifest is
// no longer available.
func (a *Assembler) mergedStatus(ctx context.Context, sessionID string) (Status, bool, error) {
	for info, err := range a.store.List(ctx, path.Join(SessionsPrefix, sessionID)) {
		if err != nil {
			return Status{}, false, err
		}
		if storage.IsMetaKey(info.Key) {
			continue
		}
		return Status{
			SessionID: sessionID,
			Complete:  true,
			Key:       info.Key,
			Size:      info.Size,
			Duplicate: true,
		}, true, nil
	}
	return Status{}, false, nil
}

// Progress reports the chunks received so far without merging. A session
// that is already merged reports Complete with its key; the chunk counts
// are gone with the manifest and stay zero.
func (a *Assembler) Progress(ctx context.Context, sessionID string) (Status, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return Status{}, err
	}
	m, err := a.readManifest(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		if st, ok, mergedErr := a.mergedStatus(ctx, sessionID); mergedErr != nil || ok {
			return st, mergedErr
		}
	}
	if err != nil {
		return Status{}, err
	}
	present, err := a.presentIndices(ctx, sessionID, m.ChunkCount)
	if err != nil {
		return Status{}, err
	}
	return Status{SessionID: sessionID, Received: len(present), Total: m.ChunkCount, Manifest: m}, nil
}

// Abort drops the chunk group of a session.
func (a *Assembler) Abort(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	return a.store.DeletePrefix(ctx, storage.ChunkGroupPrefix(sessionID))
}

func (a *Assembler) complete(ctx context.Context, sessionID string, m Manifest) (Status, error) {
	present, err := a.presentIndices(ctx, sessionID, m.ChunkCount)
	if err != nil {
		return Status{}, err
	}
	st := Status{SessionID: sessionID, Received: len(present), Total: m.ChunkCount, Manifest: m}
	if !allPresent(present, m.ChunkCount) {
		// A concurrent merge may have just consumed the group.
		res, ok, err := a.alreadyMerged(ctx, FinalKey(sessionID, m.OriginalName))
		if err != nil || !ok {
			return st, err
		}
		st.Received, st.Complete, st.Key, st.Size, st.Duplicate = m.ChunkCount, true, res.key, res.size, true
		return st, nil
	}

	v, err, _ := a.merges.Do(sessionID, func() (any, error) {
		return a.merge(ctx, sessionID, m)
	})
	if err != nil {
		return st, err
	}
	res := v.(*mergeResult)
	st.Complete = true
	st.Key = res.key
	st.Size = res.size
	// Callers sharing one merge get the same key; only the first of them
	// owns the result.
	st.Duplicate = res.duplicate || !res.claimed.CompareAndSwap(false, true)
	return st, nil
}

// presentIndices lists the chunk group and returns the valid indices.
// Names that are not exactly chunk_<n> with n in range are ignored.
func (a *Assembler) presentIndices(ctx context.Context, sessionID string, count int) (map[int]struct{}, error) {
	group := storage.ChunkGroupPrefix(sessionID)
	present := make(map[int]struct{}, count)
	for info, err := range a.store.List(ctx, group) {
		if err != nil {
			return nil, err
		}
		if path.Dir(info.Key) != group {
			continue
		}
		if idx, ok := parseChunkIndex(path.Base(info.Key)); ok && idx < count {
			present[idx] = struct{}{}
		}
	}
	return present, nil
}

func allPresent(present map[int]struct{}, count int) bool {
	if len(present) != count {
		return false
	}
	for i := 0; i < count; i++ {
		if _, ok := present[i]; !ok {
			return false
		}
	}
	return true
}

func parseChunkIndex(name string) (int, bool) {
	suffix, ok := strings.CutPrefix(name, chunkFilePrefix)
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil || idx < 0 || strconv.Itoa(idx) != suffix {
		return 0, false
	}
	return idx, true
}

type mergeResult struct {
	key       string
	size      int64
	duplicate bool
	claimed   atomic.Bool
}

func (a *Assembler) merge(ctx context.Context, sessionID string, m Manifest) (*mergeResult, error) {
	logger := a.logger.With("session", sessionID)
	group := storage.ChunkGroupPrefix(sessionID)
	finalKey := FinalKey(sessionID, m.OriginalName)

	if res, ok, err := a.alreadyMerged(ctx, finalKey); err != nil || ok {
		if ok {
			a.metrics.Merge("duplicate")
			a.dropGroup(ctx, logger, group)
		}
		return res, err
	}

	partial := path.Join(group, mergePrefix+util.GenerateRandomString(12))
	if err := a.store.CreateAt(ctx, partial); err != nil {
		return nil, err
	}
	for i := 0; i < m.ChunkCount; i++ {
		if err := a.appendChunk(ctx, partial, ChunkKey(sessionID, i)); err != nil {
			_, _ = a.store.Delete(ctx, partial)
			// Another merger may have finished and removed the group.
			if res, ok, existsErr := a.alreadyMerged(ctx, finalKey); existsErr == nil && ok {
				a.metrics.Merge("duplicate")
				return res, nil
			}
			a.metrics.Merge("failed")
			logger.Warnf("Merge aborted at chunk %d, chunk group kept for retry: %v", i, err)
			return nil, fmt.Errorf("merge session %s: %w", sessionID, err)
		}
	}

	if err := a.store.Publish(ctx, partial, finalKey); err != nil {
		_, _ = a.store.Delete(ctx, partial)
		if errors.Is(err, storage.ErrExist) {
			a.metrics.Merge("duplicate")
			res, ok, existsErr := a.alreadyMerged(ctx, finalKey)
			if existsErr == nil && !ok {
				existsErr = fmt.Errorf("publish session %s: %s vanished", sessionID, finalKey)
			}
			return res, existsErr
		}
		a.metrics.Merge("failed")
		return nil, fmt.Errorf("publish session %s: %w", sessionID, err)
	}

	size, err := a.store.Size(ctx, finalKey)
	if err != nil {
		return nil, err
	}
	a.metrics.Merge("merged")
	a.dropGroup(ctx, logger, group)
	logger.Infof("Merged %d chunks into %s (%s)", m.ChunkCount, finalKey, humanize.IBytes(uint64(size)))
	return &mergeResult{key: finalKey, size: size}, nil
}

func (a *Assembler) alreadyMerged(ctx context.Context, finalKey string) (*mergeResult, bool, error) {
	info, err := a.store.Stat(ctx, finalKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &mergeResult{key: finalKey, size: info.Size, duplicate: true}, true, nil
}

func (a *Assembler) appendChunk(ctx context.Context, dst, chunkKey string) error {
	f, err := a.store.Open(ctx, chunkKey)
	if err != nil {
		return err
	}
	defer f.Close()
	size, err := a.store.Size(ctx, chunkKey)
	if err != nil {
		return err
	}
	_, err = a.store.AppendStream(ctx, dst, f, size)
	return err
}

// dropGroup removes a merged session's chunks. Failures are left to the
// sweeper.
func (a *Assembler) dropGroup(ctx context.Context, logger fwlog.Logger, group string) {
	if err := a.store.DeletePrefix(ctx, group); err != nil {
		logger.Warnf("Failed to remove chunk group %s: %v", group, err)
	}
}

// limitedReader fails once more than remaining bytes are read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrChunkTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return 0, ErrChunkTooLarge
	}
	return n, err
}
