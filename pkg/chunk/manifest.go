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

package chunk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/fawa-io/quarantine/pkg/storage"
	"github.com/fawa-io/quarantine/pkg/util"
)

const manifestName = "manifest.json"

// Manifest is written by the first chunk of a session and pins the
// declared chunk count and file details for every later chunk.
type Manifest struct {
	ChunkCount       int       `json:"chunkCount"`
	OriginalName     string    `json:"originalName"`
	DeclaredMimeType string    `json:"declaredMimeType,omitempty"`
	OwnerRef         string    `json:"ownerRef,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

func manifestKey(sessionID string) string {
	return path.Join(storage.ChunkGroupPrefix(sessionID), manifestName)
}

// ensureManifest returns the session manifest, creating it from req when
// this is the first chunk. Creation is exclusive: concurrent first chunks
// agree on whichever manifest was published first.
func (a *Assembler) ensureManifest(ctx context.Context, req Request) (Manifest, error) {
	m, err := a.readManifest(ctx, req.SessionID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Manifest{}, err
	}

	m = Manifest{
		ChunkCount:       req.Count,
		OriginalName:     req.FileName,
		DeclaredMimeType: req.DeclaredMimeType,
		OwnerRef:         req.OwnerRef,
		CreatedAt:        a.clock.Now().UTC(),
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, err
	}
	key := manifestKey(req.SessionID)
	staging := key + "." + util.GenerateRandomString(8)
	if _, err := a.store.Put(ctx, staging, bytes.NewReader(raw), int64(len(raw))); err != nil {
		return Manifest{}, err
	}
	err = a.store.Publish(ctx, staging, key)
	if err == nil {
		return m, nil
	}
	_, _ = a.store.Delete(ctx, staging)
	if errors.Is(err, storage.ErrExist) {
		return a.readManifest(ctx, req.SessionID)
	}
	return Manifest{}, err
}

func (a *Assembler) readManifest(ctx context.Context, sessionID string) (Manifest, error) {
	f, err := a.store.Open(ctx, manifestKey(sessionID))
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()

	var m Manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest of session %s: %w", sessionID, err)
	}
	if m.ChunkCount < 1 {
		return Manifest{}, fmt.Errorf("manifest of session %s: %w", sessionID, ErrInvalidChunkCount)
	}
	return m, nil
}
