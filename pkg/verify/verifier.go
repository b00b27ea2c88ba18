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

// Package verify certifies temp objects before promotion. Each object
// runs through an ordered rule pipeline that stops at the first
// rejection; verdicts are cached by content hash and policy fingerprint.
package verify

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/fawa-io/quarantine/pkg/fwlog"
	"github.com/fawa-io/quarantine/pkg/metrics"
	"github.com/fawa-io/quarantine/pkg/storage"
)

const (
	DefaultCacheSize     = 128
	DefaultHashCacheSize = 1024
)

type policyState struct {
	policy      Policy
	fingerprint string
}

type hashEntry struct {
	size    int64
	modTime time.Time
	sum     string
}

// Verifier runs the pipeline for temp objects. It is safe for concurrent
// use.
type Verifier struct {
	store storage.Store
	meta  storage.MetaStore
	rules []Rule

	policy atomic.Pointer[policyState]
	// Both caches are only read with Peek so eviction follows insertion
	// order.
	verdicts *lru.Cache[string, Verdict]
	hashes   *lru.Cache[string, hashEntry]
	flight   singleflight.Group

	cacheSize     int
	hashCacheSize int
	logger        fwlog.Logger
	metrics       *metrics.Collector
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithCacheSize(n int) Option {
	return func(v *Verifier) { v.cacheSize = n }
}

func WithHashCacheSize(n int) Option {
	return func(v *Verifier) { v.hashCacheSize = n }
}

func WithLogger(l fwlog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(v *Verifier) { v.metrics = m }
}

// New returns a Verifier owning its own bounded caches.
func New(store storage.Store, meta storage.MetaStore, policy Policy, opts ...Option) (*Verifier, error) {
	v := &Verifier{
		store:         store,
		meta:          meta,
		rules:         DefaultRules(),
		cacheSize:     DefaultCacheSize,
		hashCacheSize: DefaultHashCacheSize,
		logger:        fwlog.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}

	var err error
	if v.verdicts, err = lru.New[string, Verdict](v.cacheSize); err != nil {
		return nil, fmt.Errorf("verdict cache: %w", err)
	}
	if v.hashes, err = lru.New[string, hashEntry](v.hashCacheSize); err != nil {
		return nil, fmt.Errorf("hash cache: %w", err)
	}
	v.SetPolicy(policy)
	return v, nil
}

// SetPolicy swaps the policy for subsequent verifications. Cached
// verdicts of the old policy are never reused since the fingerprint is
// part of the cache key.
func (v *Verifier) SetPolicy(p Policy) {
	n := p.Normalized()
	v.policy.Store(&policyState{policy: n, fingerprint: n.Fingerprint()})
	v.logger.Infof("Verification policy set: %s", n)
}

// Policy returns the active policy.
func (v *Verifier) Policy() Policy {
	return v.policy.Load().policy
}

// CachedVerdicts reports the number of cached verdicts.
func (v *Verifier) CachedVerdicts() int {
	return v.verdicts.Len()
}

// Verify certifies the temp object at key. A rejected object is deleted
// together with its metadata. An object that cannot be read is an error,
// not a verdict.
func (v *Verifier) Verify(ctx context.Context, key string) (Verdict, error) {
	ps := v.policy.Load()
	logger := v.logger.With("key", key)

	info, err := v.store.Stat(ctx, key)
	if err != nil {
		return Verdict{}, err
	}
	md, err := v.meta.GetFileMeta(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warnf("No metadata for %s, verifying by key name", key)
		md = &storage.Metadata{OriginalName: path.Base(key)}
	} else if err != nil {
		return Verdict{}, err
	}

	s := &subject{
		key:          key,
		originalName: md.OriginalName,
		ext:          extensionOf(md.OriginalName),
		declaredMime: md.DeclaredMimeType,
		size:         info.Size,
		open: func(ctx context.Context) (storage.Object, error) {
			return v.store.Open(ctx, key)
		},
	}
	defer func() {
		if s.obj != nil {
			_ = s.obj.Close()
		}
	}()

	sum, err := v.contentHash(ctx, s, info)
	if err != nil {
		return Verdict{}, err
	}
	cacheKey := verdictKey(sum, ps.fingerprint, s)

	verdict, hit := v.verdicts.Peek(cacheKey)
	v.metrics.CacheLookup(hit)
	if !hit {
		res, err, _ := v.flight.Do(cacheKey, func() (any, error) {
			if cached, ok := v.verdicts.Peek(cacheKey); ok {
				return cached, nil
			}
			start := time.Now()
			verdict, err := runPipeline(ctx, v.rules, s, ps.policy)
			if err != nil {
				return Verdict{}, err
			}
			v.metrics.ObserveVerify(time.Since(start))
			v.verdicts.Add(cacheKey, verdict)
			return verdict, nil
		})
		if err != nil {
			return Verdict{}, err
		}
		verdict = res.(Verdict)
	}
	v.metrics.Verdict(verdict.Accepted, string(verdict.Reason))

	if !verdict.Accepted {
		logger.Infof("Rejected %s (%s by %s rule): %s", md.OriginalName, verdict.Reason, verdict.Rule, verdict.Detail)
		v.discard(ctx, logger, key)
		return verdict, nil
	}
	logger.Debugf("Accepted %s", md.OriginalName)
	return verdict, nil
}

// contentHash returns the blake3 digest of the object, reusing the digest
// of an unchanged object verified before.
func (v *Verifier) contentHash(ctx context.Context, s *subject, info storage.ObjectInfo) (string, error) {
	if e, ok := v.hashes.Peek(s.key); ok && e.size == info.Size && e.modTime.Equal(info.ModTime) {
		return e.sum, nil
	}
	obj, err := s.object(ctx)
	if err != nil {
		return "", err
	}
	if _, err := obj.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := blake3.New()
	if _, err := storage.CopyBuffer(ctx, h, obj, info.Size); err != nil {
		return "", fmt.Errorf("hash %s: %w", s.key, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	v.hashes.Add(s.key, hashEntry{size: info.Size, modTime: info.ModTime, sum: sum})
	return sum, nil
}

// verdictKey binds a verdict to the content, the policy and the
// name-derived inputs the rules look at.
func verdictKey(sum, fingerprint string, s *subject) string {
	return sum + "/" + fingerprint + "/" + s.ext + "/" + s.declaredMime
}

func (v *Verifier) discard(ctx context.Context, logger fwlog.Logger, key string) {
	v.hashes.Remove(key)
	if _, err := v.store.Delete(ctx, key); err != nil {
		logger.Errorf("Failed to delete rejected object %s: %v", key, err)
	}
	if err := v.meta.DeleteFileMeta(ctx, key); err != nil {
		logger.Errorf("Failed to delete metadata of rejected object %s: %v", key, err)
	}
}

// Forget drops the cached hash of key, e.g. after the object was removed.
func (v *Verifier) Forget(key string) {
	v.hashes.Remove(key)
}
