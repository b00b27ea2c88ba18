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
	"io"
	"sync"
)

const (
	smallBuffer  = 4 << 10
	mediumBuffer = 16 << 10
	largeBuffer  = 32 << 10

	smallObject  = 64 << 10
	mediumObject = 4 << 20
)

var bufferPools = map[int]*sync.Pool{
	smallBuffer:  newBufferPool(smallBuffer),
	mediumBuffer: newBufferPool(mediumBuffer),
	largeBuffer:  newBufferPool(largeBuffer),
}

func newBufferPool(size int) *sync.Pool {
	return &sync.Pool{New: func() any {
		b := make([]byte, size)
		return &b
	}}
}

// BufferSize picks the copy buffer for an anticipated object size.
// Small objects get small buffers so that many concurrent uploads stay
// cheap; large ones get larger buffers to cut syscalls.
func BufferSize(sizeHint int64) int {
	switch {
	case sizeHint < 0:
		return mediumBuffer
	case sizeHint < smallObject:
		return smallBuffer
	case sizeHint < mediumObject:
		return mediumBuffer
	default:
		return largeBuffer
	}
}

// CopyBuffer streams src into dst through one pooled buffer. At most one
// buffer worth of data is held in memory, whatever the source size.
func CopyBuffer(ctx context.Context, dst io.Writer, src io.Reader, sizeHint int64) (int64, error) {
	size := BufferSize(sizeHint)
	bp := bufferPools[size].Get().(*[]byte)
	defer bufferPools[size].Put(bp)
	buf := *bp

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
