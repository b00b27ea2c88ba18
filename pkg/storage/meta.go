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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Metadata is the sidecar record of one temp object. Everything the
// client supplied here is untrusted.
type Metadata struct {
	OriginalName     string    `json:"originalName"`
	DeclaredMimeType string    `json:"declaredMimeType,omitempty"`
	OwnerRef         string    `json:"ownerRef,omitempty"`
	SessionID        string    `json:"sessionId,omitempty"`
	Size             int64     `json:"size"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// Expired reports whether the TTL has elapsed at now. An object expiring
// exactly at now counts as expired.
func (m *Metadata) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// MetaStore persists Metadata independently of the object bytes.
type MetaStore interface {
	// SaveFileMeta saves the file metadata for an object key.
	SaveFileMeta(ctx context.Context, key string, metadata *Metadata) error

	// GetFileMeta retrieves the metadata, or ErrNotFound.
	GetFileMeta(ctx context.Context, key string) (*Metadata, error)

	// DeleteFileMeta removes the metadata; missing metadata is not an error.
	DeleteFileMeta(ctx context.Context, key string) error
}

// SidecarMetaStore keeps metadata as a JSON object next to the temp
// object, at MetaKey(key), inside the same Store.
type SidecarMetaStore struct {
	store Store
}

func NewSidecarMetaStore(store Store) *SidecarMetaStore {
	return &SidecarMetaStore{store: store}
}

func (s *SidecarMetaStore) SaveFileMeta(ctx context.Context, key string, metadata *Metadata) error {
	if metadata == nil {
		return errors.New("metadata cannot be nil")
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = s.store.Put(ctx, MetaKey(key), bytes.NewReader(raw), int64(len(raw)))
	return err
}

func (s *SidecarMetaStore) GetFileMeta(ctx context.Context, key string) (*Metadata, error) {
	f, err := s.store.Open(ctx, MetaKey(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var metadata Metadata
	if err := json.NewDecoder(f).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", key, err)
	}
	return &metadata, nil
}

func (s *SidecarMetaStore) DeleteFileMeta(ctx context.Context, key string) error {
	_, err := s.store.Delete(ctx, MetaKey(key))
	return err
}
