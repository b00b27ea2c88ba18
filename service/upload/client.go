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
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"connectrpc.com/connect"
)

// DefaultChunkSize is the chunk length used by UploadFile and SendFile.
const DefaultChunkSize = 1 << 20

// Client is a connect client for UploadServiceHandler.
type Client struct {
	sendFile      *connect.Client[SendFileRequest, SendFileResponse]
	uploadChunk   *connect.Client[UploadChunkRequest, UploadChunkResponse]
	getProgress   *connect.Client[GetProgressRequest, GetProgressResponse]
	cancelSession *connect.Client[CancelSessionRequest, CancelSessionResponse]
	deleteTemp    *connect.Client[DeleteTempRequest, DeleteTempResponse]
	getMetadata   *connect.Client[GetMetadataRequest, GetMetadataResponse]
	promote       *connect.Client[PromoteRequest, PromoteResponse]
}

func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &Client{
		sendFile: connect.NewClient[SendFileRequest, SendFileResponse](
			httpClient, baseURL+SendFileProcedure, opts...),
		uploadChunk: connect.NewClient[UploadChunkRequest, UploadChunkResponse](
			httpClient, baseURL+UploadChunkProcedure, opts...),
		getProgress: connect.NewClient[GetProgressRequest, GetProgressResponse](
			httpClient, baseURL+GetProgressProcedure, opts...),
		cancelSession: connect.NewClient[CancelSessionRequest, CancelSessionResponse](
			httpClient, baseURL+CancelSessionProcedure, opts...),
		deleteTemp: connect.NewClient[DeleteTempRequest, DeleteTempResponse](
			httpClient, baseURL+DeleteTempProcedure, opts...),
		getMetadata: connect.NewClient[GetMetadataRequest, GetMetadataResponse](
			httpClient, baseURL+GetMetadataProcedure, opts...),
		promote: connect.NewClient[PromoteRequest, PromoteResponse](
			httpClient, baseURL+PromoteProcedure, opts...),
	}
}

// SendFile streams r as one upload. chunkSize <= 0 uses DefaultChunkSize.
func (c *Client) SendFile(ctx context.Context, info FileInfo, r io.Reader, chunkSize int) (*TempObject, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	stream := c.sendFile.CallClientStream(ctx)
	send := func(msg *SendFileRequest) error {
		// io.EOF means the server has answered; the response carries the cause.
		if err := stream.Send(msg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}

	if err := send(&SendFileRequest{Info: &info}); err != nil {
		return nil, err
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := send(&SendFileRequest{ChunkData: buf[:n]}); sendErr != nil {
				return nil, sendErr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", info.Name, err)
		}
	}

	res, err := stream.CloseAndReceive()
	if err != nil {
		return nil, err
	}
	return res.Msg.Object, nil
}

// ChunkedFile describes a file sent through UploadFile.
type ChunkedFile struct {
	SessionID        string
	Name             string
	DeclaredMimeType string
	OwnerRef         string
	Size             int64
}

// UploadFile splits r into chunks of chunkSize bytes and uploads them in
// order. It returns the response to the last chunk.
func (c *Client) UploadFile(ctx context.Context, f ChunkedFile, r io.Reader, chunkSize int64) (*UploadChunkResponse, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if f.Size < 0 {
		return nil, errors.New("file size must be known for a chunked upload")
	}
	count := int((f.Size + chunkSize - 1) / chunkSize)
	if count == 0 {
		count = 1
	}

	var last *UploadChunkResponse
	buf := make([]byte, chunkSize)
	for i := 0; i < count; i++ {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !(errors.Is(err, io.EOF) && f.Size == 0) {
			return nil, fmt.Errorf("read chunk %d of %s: %w", i, f.Name, err)
		}
		last, err = c.UploadChunk(ctx, &UploadChunkRequest{
			SessionID:        f.SessionID,
			Index:            i,
			Count:            count,
			FileName:         f.Name,
			DeclaredMimeType: f.DeclaredMimeType,
			OwnerRef:         f.OwnerRef,
			Data:             buf[:n],
		})
		if err != nil {
			return nil, err
		}
	}
	return last, nil
}

func (c *Client) UploadChunk(ctx context.Context, req *UploadChunkRequest) (*UploadChunkResponse, error) {
	res, err := c.uploadChunk.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) GetProgress(ctx context.Context, sessionID string) (*GetProgressResponse, error) {
	res, err := c.getProgress.CallUnary(ctx, connect.NewRequest(&GetProgressRequest{SessionID: sessionID}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	_, err := c.cancelSession.CallUnary(ctx, connect.NewRequest(&CancelSessionRequest{SessionID: sessionID}))
	return err
}

func (c *Client) DeleteTemp(ctx context.Context, key string) (bool, error) {
	res, err := c.deleteTemp.CallUnary(ctx, connect.NewRequest(&DeleteTempRequest{Key: key}))
	if err != nil {
		return false, err
	}
	return res.Msg.Removed, nil
}

func (c *Client) GetMetadata(ctx context.Context, key string) (*GetMetadataResponse, error) {
	res, err := c.getMetadata.CallUnary(ctx, connect.NewRequest(&GetMetadataRequest{Key: key}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) Promote(ctx context.Context, key, targetDir, disk string) (string, error) {
	res, err := c.promote.CallUnary(ctx, connect.NewRequest(&PromoteRequest{
		Key:       key,
		TargetDir: targetDir,
		Disk:      disk,
	}))
	if err != nil {
		return "", err
	}
	return res.Msg.Path, nil
}
