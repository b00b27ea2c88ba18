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

package upload

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fawa-io/quarantine/pkg/intake"
	"github.com/fawa-io/quarantine/pkg/verify"
)

// jsonCodec carries the plain message structs below as JSON.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("decode %T: %w", msg, err)
	}
	return nil
}

// FileInfo opens a SendFile stream.
type FileInfo struct {
	Name             string `json:"name"`
	DeclaredMimeType string `json:"declaredMimeType,omitempty"`
	OwnerRef         string `json:"ownerRef,omitempty"`
	Size             int64  `json:"size"`
}

// SendFileRequest carries Info in the first message and ChunkData in the
// following ones.
type SendFileRequest struct {
	Info      *FileInfo `json:"info,omitempty"`
	ChunkData []byte    `json:"chunkData,omitempty"`
}

type SendFileResponse struct {
	Object *TempObject `json:"object"`
}

type UploadChunkRequest struct {
	SessionID        string `json:"sessionId"`
	Index            int    `json:"index"`
	Count            int    `json:"count"`
	FileName         string `json:"fileName"`
	DeclaredMimeType string `json:"declaredMimeType,omitempty"`
	OwnerRef         string `json:"ownerRef,omitempty"`
	Data             []byte `json:"data"`
}

type UploadChunkResponse struct {
	SessionID string `json:"sessionId"`
	Received  int    `json:"received"`
	Total     int    `json:"total"`
	Complete  bool   `json:"complete"`
	Key       string `json:"key,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	// Object is set only for the request that completed the session.
	Object *TempObject `json:"object,omitempty"`
}

// TempObject is a stored temp object and its verdict.
type TempObject struct {
	Key       string         `json:"key"`
	Size      int64          `json:"size"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Verdict   verify.Verdict `json:"verdict"`
}

func toTempObject(res *intake.Result) *TempObject {
	if res == nil {
		return nil
	}
	obj := &TempObject{Key: res.Key, Verdict: res.Verdict}
	if res.Metadata != nil {
		obj.Size = res.Metadata.Size
		obj.ExpiresAt = res.Metadata.ExpiresAt
	}
	return obj
}

type GetProgressRequest struct {
	SessionID string `json:"sessionId"`
}

type GetProgressResponse struct {
	Received int  `json:"received"`
	Total    int  `json:"total"`
	Complete bool `json:"complete"`
	// Key is the merged object once Complete.
	Key string `json:"key,omitempty"`
}

type CancelSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type CancelSessionResponse struct{}

type DeleteTempRequest struct {
	Key string `json:"key"`
}

type DeleteTempResponse struct {
	Removed bool `json:"removed"`
}

type GetMetadataRequest struct {
	Key string `json:"key"`
}

type GetMetadataResponse struct {
	OriginalName     string    `json:"originalName"`
	DeclaredMimeType string    `json:"declaredMimeType,omitempty"`
	OwnerRef         string    `json:"ownerRef,omitempty"`
	Size             int64     `json:"size"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

type PromoteRequest struct {
	Key       string `json:"key"`
	TargetDir string `json:"targetDir"`
	Disk      string `json:"disk"`
}

type PromoteResponse struct {
	Path string `json:"path"`
}
