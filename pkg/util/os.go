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

package util

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	// the owner can make/remove files inside the directory
	privateDirMode = 0700

	maxNameLen = 80
)

// Exist reports whether dirpath is an existing directory.
func Exist(dirpath string) bool {
	info, err := os.Stat(dirpath)
	return err == nil && info.IsDir()
}

// EnsureDir creates dirpath with private permissions if it is missing.
func EnsureDir(dirpath string) error {
	if Exist(dirpath) {
		return nil
	}
	if err := os.MkdirAll(dirpath, privateDirMode); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}

// SanitizeName reduces an untrusted client file name to a single safe
// path segment: directories are stripped, anything outside letters,
// digits, '.', '-' and '_' becomes '_', and the result is truncated while
// keeping the extension. An unusable name becomes "file".
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base("/" + name)

	var sb strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			sb.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.TrimLeft(sb.String(), ".")
	if len(out) > maxNameLen {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:maxNameLen-len(ext)] + ext
	}
	if out == "" || out == "_" {
		return "file"
	}
	return out
}
