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

// Package lifecycle tags temp objects with their expiry and sweeps the
// temp area for expired objects and abandoned chunk groups.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/fawa-io/quarantine/pkg/clock"
	"github.com/fawa-io/quarantine/pkg/fwlog"
	"github.com/fawa-io/quarantine/pkg/metrics"
	"github.com/fawa-io/quarantine/pkg/storage"
)

const DefaultTTL = 24 * time.Hour

// Manager owns temp object expiry.
type Manager struct {
	store   storage.Store
	meta    storage.MetaStore
	ttl     time.Duration
	clock   clock.Clock
	logger  fwlog.Logger
	metrics *metrics.Collector
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l fwlog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// New returns a Manager. A non-positive ttl falls back to DefaultTTL.
func New(store storage.Store, meta storage.MetaStore, ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		store:  store,
		meta:   meta,
		ttl:    ttl,
		clock:  clock.Real(),
		logger: fwlog.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Mark writes the metadata of key. CreatedAt and ExpiresAt are taken from
// the manager's clock at call time and the size is read back from
// storage.
func (m *Manager) Mark(ctx context.Context, key string, md storage.Metadata) (*storage.Metadata, error) {
	size, err := m.store.Size(ctx, key)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now().UTC()
	md.Size = size
	md.CreatedAt = now
	md.ExpiresAt = now.Add(m.ttl)
	if err := m.meta.SaveFileMeta(ctx, key, &md); err != nil {
		return nil, fmt.Errorf("mark %s: %w", key, err)
	}
	return &md, nil
}

// Discard deletes a temp object and its metadata. It reports whether the
// object existed.
func (m *Manager) Discard(ctx context.Context, key string) (bool, error) {
	removed, err := m.store.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	if err := m.meta.DeleteFileMeta(ctx, key); err != nil {
		return removed, err
	}
	return removed, nil
}

// SweepReport is the outcome of one sweep. Per-entry failures never stop
// the sweep; they are collected in Errors.
type SweepReport struct {
	RemovedObjects     []string
	RemovedChunkGroups []string
	// RemovedPartials are in-flight files abandoned by a crashed write.
	RemovedPartials []string
	OrphanMetadata  int
	PrunedDirs      int
	Errors          []error
}

// Removed is the number of removed objects, chunk groups and abandoned
// in-flight files.
func (r SweepReport) Removed() int {
	return len(r.RemovedObjects) + len(r.RemovedChunkGroups) + len(r.RemovedPartials)
}

// Err combines the per-entry errors, or returns nil.
func (r SweepReport) Err() error {
	return multierr.Combine(r.Errors...)
}

// Sweep removes expired temp objects and chunk groups whose newest chunk
// is older than the TTL. Objects whose metadata has a future expiry are
// never touched; objects without metadata age by modification time.
// In-flight files older than the TTL are removed too, and so are the
// directories left empty. The returned error is only set when ctx ends
// the sweep early.
func (m *Manager) Sweep(ctx context.Context) (SweepReport, error) {
	now := m.clock.Now()
	var report SweepReport

	if err := m.sweepObjects(ctx, now, &report); err != nil {
		return report, err
	}
	if err := m.sweepChunkGroups(ctx, now, &report); err != nil {
		return report, err
	}
	for _, prefix := range []string{storage.ObjectsPrefix, storage.ChunksPrefix} {
		if err := m.sweepPartials(ctx, prefix, now, &report); err != nil {
			return report, err
		}
	}
	for _, prefix := range []string{storage.ObjectsPrefix, storage.ChunksPrefix} {
		pruned, err := m.store.PruneDirs(ctx, prefix, now)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		if err != nil {
			report.Errors = append(report.Errors, err)
		}
		report.PrunedDirs += pruned
	}

	files := len(report.RemovedObjects) + len(report.RemovedPartials)
	m.metrics.SweepFinished(files, len(report.RemovedChunkGroups), len(report.Errors), now)
	if len(report.Errors) > 0 {
		m.logger.Warnf("Sweep removed %d objects and %d chunk groups with %d errors: %v",
			files, len(report.RemovedChunkGroups), len(report.Errors), report.Err())
	} else {
		m.logger.Infof("Sweep removed %d objects and %d chunk groups", files, len(report.RemovedChunkGroups))
	}
	return report, nil
}

func (m *Manager) sweepObjects(ctx context.Context, now time.Time, report *SweepReport) error {
	for info, err := range m.store.List(ctx, storage.ObjectsPrefix) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		if storage.IsMetaKey(info.Key) {
			m.sweepSidecar(ctx, info.Key, report)
			continue
		}

		expired, err := m.expired(ctx, info, now)
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		if !expired {
			continue
		}
		removed, err := m.store.Delete(ctx, info.Key)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("delete %s: %w", info.Key, err))
			continue
		}
		if err := m.meta.DeleteFileMeta(ctx, info.Key); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("delete metadata of %s: %w", info.Key, err))
		}
		// Gone since listing: someone else already cleaned it up.
		if removed {
			report.RemovedObjects = append(report.RemovedObjects, info.Key)
		}
	}
	return nil
}

func (m *Manager) expired(ctx context.Context, info storage.ObjectInfo, now time.Time) (bool, error) {
	md, err := m.meta.GetFileMeta(ctx, info.Key)
	switch {
	case err == nil:
		return md.Expired(now), nil
	case errors.Is(err, storage.ErrNotFound):
		return !info.ModTime.Add(m.ttl).After(now), nil
	default:
		return false, fmt.Errorf("read metadata of %s: %w", info.Key, err)
	}
}

// sweepSidecar removes a metadata sidecar whose object no longer exists.
func (m *Manager) sweepSidecar(ctx context.Context, metaKey string, report *SweepReport) {
	exists, err := m.store.Exists(ctx, storage.ObjectKeyOf(metaKey))
	if err != nil {
		report.Errors = append(report.Errors, err)
		return
	}
	if exists {
		return
	}
	removed, err := m.store.Delete(ctx, metaKey)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("delete orphan %s: %w", metaKey, err))
		return
	}
	if removed {
		report.OrphanMetadata++
	}
}

func (m *Manager) sweepChunkGroups(ctx context.Context, now time.Time, report *SweepReport) error {
	newest := make(map[string]time.Time)
	for info, err := range m.store.List(ctx, storage.ChunksPrefix) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		group := chunkGroupOf(info.Key)
		if group == "" {
			continue
		}
		if t, ok := newest[group]; !ok || info.ModTime.After(t) {
			newest[group] = info.ModTime
		}
	}

	for group, last := range newest {
		if last.Add(m.ttl).After(now) {
			continue
		}
		if err := m.store.DeletePrefix(ctx, group); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("delete chunk group %s: %w", group, err))
			continue
		}
		report.RemovedChunkGroups = append(report.RemovedChunkGroups, group)
	}
	return nil
}

// sweepPartials removes in-flight files that stopped changing a TTL ago.
func (m *Manager) sweepPartials(ctx context.Context, prefix string, now time.Time, report *SweepReport) error {
	for info, err := range m.store.ListPartial(ctx, prefix) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		if info.ModTime.Add(m.ttl).After(now) {
			continue
		}
		removed, err := m.store.Delete(ctx, info.Key)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("delete %s: %w", info.Key, err))
			continue
		}
		if removed {
			report.RemovedPartials = append(report.RemovedPartials, info.Key)
		}
	}
	return nil
}

// chunkGroupOf maps chunks/<session>/<name> to chunks/<session>.
func chunkGroupOf(key string) string {
	rest, ok := strings.CutPrefix(key, storage.ChunksPrefix+"/")
	if !ok {
		return ""
	}
	session, _, found := strings.Cut(rest, "/")
	if !found || session == "" {
		return ""
	}
	return path.Join(storage.ChunksPrefix, session)
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Infof("Sweeper started, interval %s, ttl %s", interval, m.ttl)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Errorf("Sweep aborted: %v", err)
			}
		}
	}
}
