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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferSize(t *testing.T) {
	tests := []struct {
		hint int64
		want int
	}{
		{-1, 16 << 10},
		{0, 4 << 10},
		{64<<10 - 1, 4 << 10},
		{64 << 10, 16 << 10},
		{4<<20 - 1, 16 << 10},
		{4 << 20, 32 << 10},
		{1 << 30, 32 << 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BufferSize(tt.hint), "hint %d", tt.hint)
	}
}

// chunkRecorder records the largest single write it sees.
type chunkRecorder struct {
	bytes.Buffer
	largest int
}

func (c *chunkRecorder) Write(p []byte) (int, error) {
	if len(p) > c.largest {
		c.largest = len(p)
	}
	return c.Buffer.Write(p)
}

func TestCopyBufferBoundsWrites(t *testing.T) {
	src := bytes.Repeat([]byte("abcdefgh"), 100<<10)
	dst := &chunkRecorder{}

	n, err := CopyBuffer(context.Background(), dst, bytes.NewReader(src), 1000)
	require.NoError(t, err)
	assert.EqualValues(t, len(src), n)
	assert.Equal(t, src, dst.Bytes())
	assert.LessOrEqual(t, dst.largest, 4<<10)
}
