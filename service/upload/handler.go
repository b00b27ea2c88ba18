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
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/fawa-io/quarantine/pkg/chunk"
	"github.com/fawa-io/quarantine/pkg/fwlog"
	"github.com/fawa-io/quarantine/pkg/intake"
	"github.com/fawa-io/quarantine/pkg/storage"
)

const ServiceName = "quarantine.upload.v1.UploadService"

const (
	SendFileProcedure      = "/" + ServiceName + "/SendFile"
	UploadChunkProcedure   = "/" + ServiceName + "/UploadChunk"
	GetProgressProcedure   = "/" + ServiceName + "/GetProgress"
	CancelSessionProcedure = "/" + ServiceName + "/CancelSession"
	DeleteTempProcedure    = "/" + ServiceName + "/DeleteTemp"
	GetMetadataProcedure   = "/" + ServiceName + "/GetMetadata"
	PromoteProcedure       = "/" + ServiceName + "/Promote"
)

// UploadServiceHandler exposes the intake service over connect.
type UploadServiceHandler struct {
	svc    *intake.Service
	logger fwlog.Logger
}

func NewUploadServiceHandler(svc *intake.Service, logger fwlog.Logger) *UploadServiceHandler {
	if logger == nil {
		logger = fwlog.DefaultLogger()
	}
	return &UploadServiceHandler{svc: svc, logger: logger}
}

// Handler returns the service path prefix and the handler to mount on it.
func (h *UploadServiceHandler) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(SendFileProcedure, connect.NewClientStreamHandler(SendFileProcedure, h.SendFile, opts...))
	mux.Handle(UploadChunkProcedure, connect.NewUnaryHandler(UploadChunkProcedure, h.UploadChunk, opts...))
	mux.Handle(GetProgressProcedure, connect.NewUnaryHandler(GetProgressProcedure, h.GetProgress, opts...))
	mux.Handle(CancelSessionProcedure, connect.NewUnaryHandler(CancelSessionProcedure, h.CancelSession, opts...))
	mux.Handle(DeleteTempProcedure, connect.NewUnaryHandler(DeleteTempProcedure, h.DeleteTemp, opts...))
	mux.Handle(GetMetadataProcedure, connect.NewUnaryHandler(GetMetadataProcedure, h.GetMetadata, opts...))
	mux.Handle(PromoteProcedure, connect.NewUnaryHandler(PromoteProcedure, h.Promote, opts...))
	return "/" + ServiceName + "/", mux
}

// SendFile handles the client-streaming RPC to upload a whole file. The
// first message must contain the file info, subsequent messages contain
// the file's data.
func (h *UploadServiceHandler) SendFile(
	ctx context.Context,
	stream *connect.ClientStream[SendFileRequest],
) (*connect.Response[SendFileResponse], error) {
	if !stream.Receive() {
		if err := stream.Err(); err != nil {
			return nil, connect.NewError(connect.CodeAborted, err)
		}
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("missing file info message"))
	}
	info := stream.Msg().Info
	if info == nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("first message must be file info"))
	}
	if strings.TrimSpace(info.Name) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("file name cannot be empty"))
	}
	size := info.Size
	if size <= 0 {
		size = -1
	}

	// Stream the data into the store without buffering the whole file.
	pr, pw := io.Pipe()
	type outcome struct {
		res *intake.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.svc.Upload(ctx, intake.File{
			Name:             info.Name,
			DeclaredMimeType: info.DeclaredMimeType,
			OwnerRef:         info.OwnerRef,
			Size:             size,
		}, pr)
		// The upload may stop reading early, e.g. past the size limit.
		_ = pr.CloseWithError(io.ErrClosedPipe)
		done <- outcome{res: res, err: err}
	}()

	for stream.Receive() {
		if _, err := pw.Write(stream.Msg().ChunkData); err != nil {
			break
		}
	}
	streamErr := stream.Err()
	if streamErr != nil {
		_ = pw.CloseWithError(streamErr)
	} else {
		_ = pw.Close()
	}

	out := <-done
	if streamErr != nil {
		h.logger.Errorf("SendFile stream for %s ended with an error: %v", info.Name, streamErr)
		return nil, connect.NewError(connect.CodeAborted, streamErr)
	}
	if out.err != nil {
		return nil, h.connectError("SendFile", out.err)
	}

	h.logger.Infof("File %s stored as %s, accepted=%v", info.Name, out.res.Key, out.res.Verdict.Accepted)
	return connect.NewResponse(&SendFileResponse{Object: toTempObject(out.res)}), nil
}

func (h *UploadServiceHandler) UploadChunk(
	ctx context.Context,
	req *connect.Request[UploadChunkRequest],
) (*connect.Response[UploadChunkResponse], error) {
	msg := req.Msg
	res, err := h.svc.UploadChunk(ctx, chunk.Request{
		SessionID:        msg.SessionID,
		Index:            msg.Index,
		Count:            msg.Count,
		FileName:         msg.FileName,
		DeclaredMimeType: msg.DeclaredMimeType,
		OwnerRef:         msg.OwnerRef,
		Size:             int64(len(msg.Data)),
	}, bytes.NewReader(msg.Data))
	if err != nil {
		return nil, h.connectError("UploadChunk", err)
	}

	st := res.Status
	return connect.NewResponse(&UploadChunkResponse{
		SessionID: st.SessionID,
		Received:  st.Received,
		Total:     st.Total,
		Complete:  st.Complete,
		Key:       st.Key,
		Duplicate: st.Duplicate,
		Object:    toTempObject(res.Result),
	}), nil
}

func (h *UploadServiceHandler) GetProgress(
	ctx context.Context,
	req *connect.Request[GetProgressRequest],
) (*connect.Response[GetProgressResponse], error) {
	st, err := h.svc.Progress(ctx, req.Msg.SessionID)
	if err != nil {
		return nil, h.connectError("GetProgress", err)
	}
	return connect.NewResponse(&GetProgressResponse{
		Received: st.Received,
		Total:    st.Total,
		Complete: st.Complete,
		Key:      st.Key,
	}), nil
}

func (h *UploadServiceHandler) CancelSession(
	ctx context.Context,
	req *connect.Request[CancelSessionRequest],
) (*connect.Response[CancelSessionResponse], error) {
	if err := h.svc.CancelSession(ctx, req.Msg.SessionID); err != nil {
		return nil, h.connectError("CancelSession", err)
	}
	return connect.NewResponse(&CancelSessionResponse{}), nil
}

func (h *UploadServiceHandler) DeleteTemp(
	ctx context.Context,
	req *connect.Request[DeleteTempRequest],
) (*connect.Response[DeleteTempResponse], error) {
	removed, err := h.svc.Delete(ctx, req.Msg.Key)
	if err != nil {
		return nil, h.connectError("DeleteTemp", err)
	}
	return connect.NewResponse(&DeleteTempResponse{Removed: removed}), nil
}

func (h *UploadServiceHandler) GetMetadata(
	ctx context.Context,
	req *connect.Request[GetMetadataRequest],
) (*connect.Response[GetMetadataResponse], error) {
	md, err := h.svc.Metadata(ctx, req.Msg.Key)
	if err != nil {
		return nil, h.connectError("GetMetadata", err)
	}
	return connect.NewResponse(&GetMetadataResponse{
		OriginalName:     md.OriginalName,
		DeclaredMimeType: md.DeclaredMimeType,
		OwnerRef:         md.OwnerRef,
		Size:             md.Size,
		CreatedAt:        md.CreatedAt,
		ExpiresAt:        md.ExpiresAt,
	}), nil
}

func (h *UploadServiceHandler) Promote(
	ctx context.Context,
	req *connect.Request[PromoteRequest],
) (*connect.Response[PromoteResponse], error) {
	finalPath, err := h.svc.Promote(ctx, req.Msg.Key, req.Msg.TargetDir, req.Msg.Disk)
	if err != nil {
		return nil, h.connectError("Promote", err)
	}
	h.logger.Infof("Promoted %s to %s", req.Msg.Key, finalPath)
	return connect.NewResponse(&PromoteResponse{Path: finalPath}), nil
}

// connectError maps core errors onto connect codes.
func (h *UploadServiceHandler) connectError(op string, err error) error {
	code := connect.CodeInternal
	switch {
	case chunk.IsProtocolError(err),
		errors.Is(err, storage.ErrInvalidKey),
		errors.Is(err, storage.ErrUnknownDisk):
		code = connect.CodeInvalidArgument
	case errors.Is(err, storage.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, intake.ErrNotAccepted):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	}
	if code == connect.CodeInternal {
		h.logger.Errorf("%s failed: %v", op, err)
	} else {
		h.logger.Debugf("%s rejected with %s: %v", op, code, err)
	}
	return connect.NewError(code, err)
}
