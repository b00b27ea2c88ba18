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

// Package intake wires the upload flow together: store the bytes (or
// assemble them from chunks), tag the temp object with its expiry, then
// certify it. Accepted objects wait in the temp area until promoted.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/fawa-io/quarantine/pkg/chunk"
	"github.com/fawa-io/quarantine/pkg/fwlog"
	"github.com/fawa-io/quarantine/pkg/lifecycle"
	"github.com/fawa-io/quarantine/pkg/metrics"
	"github.com/fawa-io/quarantine/pkg/storage"
	"github.com/fawa-io/quarantine/pkg/verify"
)

var ErrNotAccepted = errors.New("object was not accepted")

// File describes a single-shot upload.
type File struct {
	Name             string
	DeclaredMimeType string
	OwnerRef         string
	// Size is the announced length, -1 when unknown.
	Size int64
}

// Result is a stored and verified temp object.
type Result struct {
	Key      string
	Metadata *storage.Metadata
	Verdict  verify.Verdict
}

// ChunkResult is the outcome of one chunk. Result is set for the single
// caller that completed the session.
type ChunkResult struct {
	Status chunk.Status
	Result *Result
}

// Service is the upload core used by the transport layer.
type Service struct {
	store     storage.Store
	meta      storage.MetaStore
	assembler *chunk.Assembler
	verifier  *verify.Verifier
	lifecycle *lifecycle.Manager
	promoter  *storage.Promoter
	logger    fwlog.Logger
	metrics   *metrics.Collector
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l fwlog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

func New(
	store storage.Store,
	meta storage.MetaStore,
	assembler *chunk.Assembler,
	verifier *verify.Verifier,
	lm *lifecycle.Manager,
	promoter *storage.Promoter,
	opts ...Option,
) *Service {
	s := &Service{
		store:     store,
		meta:      meta,
		assembler: assembler,
		verifier:  verifier,
		lifecycle: lm,
		promoter:  promoter,
		logger:    fwlog.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload stores a whole file, marks and verifies it. Writes stop one byte
// past the policy's size limit so that oversized files are rejected
// without filling the disk.
func (s *Service) Upload(ctx context.Context, f File, r io.Reader) (*Result, error) {
	key, err := s.store.Create(ctx, f.Name)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("key", key)

	if limit := s.verifier.Policy().MaxSize; limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	n, err := s.store.AppendStream(ctx, key, r, f.Size)
	if err != nil {
		s.drop(ctx, logger, key)
		return nil, err
	}
	s.metrics.BytesWritten(n)
	logger.Infof("Received %s (%s)", f.Name, humanize.IBytes(uint64(n)))

	res, err := s.certify(ctx, key, storage.Metadata{
		OriginalName:     f.Name,
		DeclaredMimeType: f.DeclaredMimeType,
		OwnerRef:         f.OwnerRef,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.UploadCompleted("single")
	return res, nil
}

// UploadChunk stores one chunk. When the chunk completes its session the
// merged object is marked and verified, once, by the completing caller.
func (s *Service) UploadChunk(ctx context.Context, req chunk.Request, r io.Reader) (*ChunkResult, error) {
	st, err := s.assembler.WriteChunk(ctx, req, r)
	if err != nil {
		return nil, err
	}
	out := &ChunkResult{Status: st}
	if !st.Complete || st.Duplicate {
		return out, nil
	}

	res, err := s.certify(ctx, st.Key, storage.Metadata{
		OriginalName:     st.Manifest.OriginalName,
		DeclaredMimeType: st.Manifest.DeclaredMimeType,
		OwnerRef:         st.Manifest.OwnerRef,
		SessionID:        st.SessionID,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.UploadCompleted("chunked")
	out.Result = res
	return out, nil
}

func (s *Service) certify(ctx context.Context, key string, md storage.Metadata) (*Result, error) {
	logger := s.logger.With("key", key)
	marked, err := s.lifecycle.Mark(ctx, key, md)
	if err != nil {
		s.drop(ctx, logger, key)
		return nil, err
	}
	verdict, err := s.verifier.Verify(ctx, key)
	if err != nil {
		s.drop(ctx, logger, key)
		return nil, err
	}
	return &Result{Key: key, Metadata: marked, Verdict: verdict}, nil
}

// drop removes a half-registered object after a failure.
func (s *Service) drop(ctx context.Context, logger fwlog.Logger, key string) {
	s.verifier.Forget(key)
	if _, err := s.lifecycle.Discard(context.WithoutCancel(ctx), key); err != nil {
		logger.Errorf("Failed to remove %s after a failed upload, leaving it to the sweeper: %v", key, err)
	}
}

func checkObjectKey(key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if !strings.HasPrefix(key, storage.ObjectsPrefix+"/") || storage.IsMetaKey(key) {
		return fmt.Errorf("%w: %q is not a temp object", storage.ErrInvalidKey, key)
	}
	return nil
}

// Delete removes a temp object on client request. It reports whether the
// object existed.
func (s *Service) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkObjectKey(key); err != nil {
		return false, err
	}
	s.verifier.Forget(key)
	return s.lifecycle.Discard(ctx, key)
}

// CancelSession drops the chunks of an unfinished session.
func (s *Service) CancelSession(ctx context.Context, sessionID string) error {
	return s.assembler.Abort(ctx, sessionID)
}

// Progress reports how many chunks of a session have arrived.
func (s *Service) Progress(ctx context.Context, sessionID string) (chunk.Status, error) {
	return s.assembler.Progress(ctx, sessionID)
}

// Metadata returns the metadata of a temp object so that callers can
// check ownership before deleting or promoting.
func (s *Service) Metadata(ctx context.Context, key string) (*storage.Metadata, error) {
	if err := checkObjectKey(key); err != nil {
		return nil, err
	}
	return s.meta.GetFileMeta(ctx, key)
}

// Promote re-checks the object (normally a verdict cache hit) and moves
// it to targetDir on the named disk.
func (s *Service) Promote(ctx context.Context, key, targetDir, disk string) (string, error) {
	if err := checkObjectKey(key); err != nil {
		return "", err
	}
	verdict, err := s.verifier.Verify(ctx, key)
	if err != nil {
		return "", err
	}
	if !verdict.Accepted {
		return "", fmt.Errorf("%w: %s (%s)", ErrNotAccepted, verdict.Reason, verdict.Detail)
	}
	finalPath, err := s.promoter.MoveToPermanent(ctx, key, targetDir, disk)
	if err != nil {
		return "", err
	}
	s.verifier.Forget(key)
	return finalPath, nil
}

// Sweep runs one lifecycle sweep.
func (s *Service) Sweep(ctx context.Context) (lifecycle.SweepReport, error) {
	return s.lifecycle.Sweep(ctx)
}
