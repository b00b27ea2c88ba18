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

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fawa-io/quarantine/pkg/clock"
	"github.com/fawa-io/quarantine/pkg/fwlog"
)

const (
	dragonflyKeyPrefix = "quarantine:meta:"

	// metaGrace keeps a record around a little past ExpiresAt so the
	// sweeper sees it expire instead of falling back to mtime.
	metaGrace = time.Hour
)

// DragonflyMetaStore implements MetaStore using Dragonfly/Redis.
type DragonflyMetaStore struct {
	client redis.Cmdable
	clock  clock.Clock
}

// NewDragonflyMetaStore connects to addr and checks the connection.
func NewDragonflyMetaStore(ctx context.Context, addr string, clk clock.Clock) (*DragonflyMetaStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping dragonfly at %s: %w", addr, err)
	}
	return newDragonflyMetaStore(client, clk), nil
}

func newDragonflyMetaStore(client redis.Cmdable, clk clock.Clock) *DragonflyMetaStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &DragonflyMetaStore{client: client, clock: clk}
}

func (d *DragonflyMetaStore) ttlFor(metadata *Metadata) time.Duration {
	ttl := metadata.ExpiresAt.Sub(d.clock.Now())
	if ttl < 0 {
		ttl = 0
	}
	return ttl + metaGrace
}

// SaveFileMeta implements the MetaStore interface.
func (d *DragonflyMetaStore) SaveFileMeta(ctx context.Context, key string, metadata *Metadata) error {
	if metadata == nil {
		return errors.New("metadata cannot be nil")
	}
	jsonMetadata, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return d.client.Set(ctx, dragonflyKeyPrefix+key, jsonMetadata, d.ttlFor(metadata)).Err()
}

// GetFileMeta implements the MetaStore interface.
func (d *DragonflyMetaStore) GetFileMeta(ctx context.Context, key string) (*Metadata, error) {
	val, err := d.client.Get(ctx, dragonflyKeyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: metadata of %s", ErrNotFound, key)
		}
		return nil, err
	}

	var metadata Metadata
	if err := json.Unmarshal([]byte(val), &metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}

// DeleteFileMeta implements the MetaStore interface.
func (d *DragonflyMetaStore) DeleteFileMeta(ctx context.Context, key string) error {
	return d.client.Del(ctx, dragonflyKeyPrefix+key).Err()
}

// Close closes storage connections
func (d *DragonflyMetaStore) Close() error {
	if client, ok := d.client.(*redis.Client); ok {
		fwlog.Info("Closing Redis/Dragonfly connection...")
		return client.Close()
	}
	if client, ok := d.client.(*redis.ClusterClient); ok {
		fwlog.Info("Closing Redis/Dragonfly cluster connection...")
		return client.Close()
	}
	return nil
}
