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

// Package app assembles the upload core from a configuration. It is
// shared by the server and the one-shot sweeper.
package app

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/multierr"

	"github.com/fawa-io/quarantine/pkg/chunk"
	"github.com/fawa-io/quarantine/pkg/clock"
	"github.com/fawa-io/quarantine/pkg/config"
	"github.com/fawa-io/quarantine/pkg/fwlog"
	"github.com/fawa-io/quarantine/pkg/intake"
	"github.com/fawa-io/quarantine/pkg/lifecycle"
	"github.com/fawa-io/quarantine/pkg/metrics"
	"github.com/fawa-io/quarantine/pkg/storage"
	"github.com/fawa-io/quarantine/pkg/verify"
)

const (
	DiskLocal = "local"
	DiskMinio = "minio"
	DiskS3    = "s3"
)

type App struct {
	Store     *storage.DiskStore
	Meta      storage.MetaStore
	Verifier  *verify.Verifier
	Lifecycle *lifecycle.Manager
	Intake    *intake.Service
	Metrics   *metrics.Collector

	closers []io.Closer
}

type Option func(*options)

type options struct {
	clock   clock.Clock
	metrics *metrics.Collector
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// Build opens the temp store, the metadata backend and the permanent
// disks named in cfg and wires the intake service on top of them.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	store, err := storage.NewDiskStore(cfg.Temp.Dir, storage.WithClock(o.clock))
	if err != nil {
		return nil, err
	}
	a := &App{Store: store, Metrics: o.metrics}

	switch cfg.Metadata.Backend {
	case config.BackendDragonfly:
		df, err := storage.NewDragonflyMetaStore(ctx, cfg.Metadata.DragonflyAddr, o.clock)
		if err != nil {
			return nil, err
		}
		a.Meta = df
		a.closers = append(a.closers, df)
	default:
		a.Meta = storage.NewSidecarMetaStore(store)
	}

	policy, err := cfg.Verify.Policy()
	if err != nil {
		return nil, a.closeAfter(err)
	}
	a.Verifier, err = verify.New(store, a.Meta, policy,
		verify.WithCacheSize(cfg.Verify.CacheSize),
		verify.WithHashCacheSize(cfg.Verify.HashCacheSize),
		verify.WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, a.closeAfter(err)
	}

	maxChunkSize, err := cfg.Upload.MaxChunkSizeBytes()
	if err != nil {
		return nil, a.closeAfter(err)
	}
	assembler := chunk.New(store,
		chunk.WithMaxChunks(cfg.Upload.MaxChunks),
		chunk.WithMaxChunkSize(maxChunkSize),
		chunk.WithClock(o.clock),
		chunk.WithMetrics(o.metrics),
	)

	a.Lifecycle = lifecycle.New(store, a.Meta, cfg.Temp.TTL,
		lifecycle.WithClock(o.clock),
		lifecycle.WithMetrics(o.metrics),
	)

	disks, err := openDisks(ctx, cfg.Disks)
	if err != nil {
		return nil, a.closeAfter(err)
	}

	a.Intake = intake.New(store, a.Meta, assembler, a.Verifier, a.Lifecycle,
		storage.NewPromoter(store, a.Meta, disks),
		intake.WithMetrics(o.metrics),
	)
	fwlog.Infof("Upload core ready: temp=%s ttl=%s metadata=%s policy=%s",
		store.Root(), cfg.Temp.TTL, cfg.Metadata.Backend, policy)
	return a, nil
}

func openDisks(ctx context.Context, cfg config.DisksConfig) (map[string]storage.Disk, error) {
	disks := make(map[string]storage.Disk)
	if cfg.Local.Dir != "" {
		local, err := storage.NewLocalDisk(cfg.Local.Dir)
		if err != nil {
			return nil, err
		}
		disks[DiskLocal] = local
	}
	if cfg.Minio.Endpoint != "" {
		m, err := storage.NewMinioDisk(ctx, storage.MinioConfig{
			Endpoint:        cfg.Minio.Endpoint,
			AccessKeyID:     cfg.Minio.AccessKeyID,
			SecretAccessKey: cfg.Minio.SecretAccessKey,
			Bucket:          cfg.Minio.Bucket,
			UseSSL:          cfg.Minio.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		disks[DiskMinio] = m
	}
	if cfg.S3.Bucket != "" {
		s, err := storage.NewS3Disk(ctx, storage.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		disks[DiskS3] = s
	}
	if len(disks) == 0 {
		fwlog.Warn("No permanent disk configured, promotion is disabled")
	}
	return disks, nil
}

// ApplyConfig re-applies the settings that can change without a restart:
// the log level and the verification policy.
func (a *App) ApplyConfig(cfg config.Config) {
	if lv, err := fwlog.ParseLevel(cfg.LogLevel); err == nil {
		fwlog.SetLevel(lv)
	}
	policy, err := cfg.Verify.Policy()
	if err != nil {
		fwlog.Errorf("Keeping the current verification policy: %v", err)
		return
	}
	if policy.Fingerprint() != a.Verifier.Policy().Fingerprint() {
		a.Verifier.SetPolicy(policy)
		fwlog.Infof("Verification policy changed to %s", policy)
	}
}

func (a *App) closeAfter(err error) error {
	return multierr.Append(err, a.Close())
}

func (a *App) Close() error {
	var err error
	for _, c := range a.closers {
		err = multierr.Append(err, c.Close())
	}
	a.closers = nil
	if err != nil {
		return fmt.Errorf("close upload core: %w", err)
	}
	return nil
}
