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

package fwlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestOutput(t *testing.T) {
	tests := []struct {
		name        string
		loggerLevel Level
		log         func(l Logger)
		wantLevel   string
		wantMsg     string
	}{
		{"info at info", LevelInfo, func(l Logger) { l.Infof("%s %s", "LevelInfo", "test") }, "INFO", "LevelInfo test"},
		{"info below warn", LevelWarn, func(l Logger) { l.Info("LevelInfo test") }, "", ""},
		{"debug at debug", LevelDebug, func(l Logger) { l.Debugf("%s%s", "LevelDebug", "Test") }, "DEBUG", "LevelDebugTest"},
		{"error at info", LevelInfo, func(l Logger) { l.Error("LevelError test") }, "ERROR", "LevelError test"},
		{"warn at warn", LevelWarn, func(l Logger) { l.Warnf("%s", "LevelWarn test") }, "WARN", "LevelWarn test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			l := New(buf, tt.loggerLevel)
			tt.log(l)

			lines := decodeLines(t, buf)
			if tt.wantMsg == "" {
				assert.Empty(t, lines)
				return
			}
			require.Len(t, lines, 1)
			assert.Equal(t, tt.wantLevel, lines[0]["level"])
			assert.Equal(t, tt.wantMsg, lines[0]["msg"])
			assert.Contains(t, lines[0], "timestamp")
		})
	}
}

func TestSetLevelAndOutput(t *testing.T) {
	first, second := new(bytes.Buffer), new(bytes.Buffer)
	l := New(first, LevelError)

	l.Info("dropped")
	l.SetLevel(LevelDebug)
	l.Debug("kept")
	l.SetOutput(second)
	l.Info("redirected")

	assert.Len(t, decodeLines(t, first), 1)
	lines := decodeLines(t, second)
	require.Len(t, lines, 1)
	assert.Equal(t, "redirected", lines[0]["msg"])
}

func TestWithAddsFields(t *testing.T) {
	buf := new(bytes.Buffer)
	l := New(buf, LevelInfo).With("session", "abc", "chunk", 3)
	l.Info("chunk stored")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "abc", lines[0]["session"])
	assert.EqualValues(t, 3, lines[0]["chunk"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"fatal", LevelFatal, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wantErr, err != nil, tt.in)
	}
}
