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

package verify

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// Policy is the rule configuration a verdict is computed under.
type Policy struct {
	// MaxSize is the largest accepted object in bytes; 0 disables the check.
	MaxSize int64
	// Extensions is the allow-list of file extensions without the dot.
	// Empty allows any extension.
	Extensions []string
	// MimeTypes is the allow-list for declared and sniffed MIME types.
	// Empty allows any type.
	MimeTypes []string
	// Strict enables the deep content checks.
	Strict bool
	// MaxImagePixels bounds width*height for the image decoding probe.
	MaxImagePixels int64
}

// DefaultPolicy accepts common documents and images up to 25 MiB.
func DefaultPolicy() Policy {
	return Policy{
		MaxSize:    25 << 20,
		Extensions: []string{"pdf", "png", "jpg", "jpeg", "gif", "webp", "txt", "docx", "xlsx", "pptx"},
		MimeTypes: []string{
			"application/pdf",
			"image/png",
			"image/jpeg",
			"image/gif",
			"image/webp",
			"text/plain",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		},
		Strict:         true,
		MaxImagePixels: 50_000_000,
	}
}

func normalizeList(in []string, trim string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimLeft(strings.TrimSpace(s), trim))
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Normalized returns p with lower-cased, sorted and de-duplicated lists.
func (p Policy) Normalized() Policy {
	p.Extensions = normalizeList(p.Extensions, ".")
	p.MimeTypes = normalizeList(p.MimeTypes, "")
	return p
}

// Fingerprint identifies the policy. Two policies with the same
// fingerprint produce the same verdict for the same input.
func (p Policy) Fingerprint() string {
	n := p.Normalized()
	var sb strings.Builder
	sb.WriteString("v1")
	sb.WriteString("|max=" + strconv.FormatInt(n.MaxSize, 10))
	sb.WriteString("|ext=" + strings.Join(n.Extensions, ","))
	sb.WriteString("|mime=" + strings.Join(n.MimeTypes, ","))
	sb.WriteString("|strict=" + strconv.FormatBool(n.Strict))
	sb.WriteString("|pixels=" + strconv.FormatInt(n.MaxImagePixels, 10))
	sum := blake3.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:16])
}

func (p Policy) allowsExtension(ext string) bool {
	return len(p.Extensions) == 0 || slices.Contains(p.Extensions, ext)
}

func (p Policy) String() string {
	return fmt.Sprintf("maxSize=%d extensions=%v mimeTypes=%v strict=%v", p.MaxSize, p.Extensions, p.MimeTypes, p.Strict)
}
