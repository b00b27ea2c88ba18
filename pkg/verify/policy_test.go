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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyFingerprint(t *testing.T) {
	a := Policy{MaxSize: 10, Extensions: []string{"PDF", ".png", "pdf"}, MimeTypes: []string{"Image/PNG"}}
	b := Policy{MaxSize: 10, Extensions: []string{"png", "pdf"}, MimeTypes: []string{"image/png"}}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "normalization must not change identity")

	changes := []func(p *Policy){
		func(p *Policy) { p.MaxSize++ },
		func(p *Policy) { p.Extensions = append(p.Extensions, "txt") },
		func(p *Policy) { p.MimeTypes = nil },
		func(p *Policy) { p.Strict = true },
		func(p *Policy) { p.MaxImagePixels = 1 },
	}
	for i, change := range changes {
		c := b
		c.Extensions = append([]string(nil), b.Extensions...)
		change(&c)
		assert.NotEqual(t, b.Fingerprint(), c.Fingerprint(), "change %d", i)
	}
}

func TestPolicyNormalized(t *testing.T) {
	p := Policy{Extensions: []string{" .JPG", "jpg", "", "png"}}.Normalized()
	assert.Equal(t, []string{"jpg", "png"}, p.Extensions)
	assert.True(t, p.allowsExtension("jpg"))
	assert.False(t, p.allowsExtension("gif"))
	assert.True(t, Policy{}.allowsExtension("anything"))
}

func TestSignatureTable(t *testing.T) {
	tests := []struct {
		ext  string
		head string
		want bool
	}{
		{"pdf", "%PDF-1.4", true},
		{"pdf", "MZ", false},
		{"webp", "RIFF\x10\x00\x00\x00WEBPVP8 ", true},
		{"webp", "RIFF", false},
		{"docx", "PK\x03\x04", true},
		{"jpeg", "\xff\xd8\xff\xe0", true},
		{"mp4", "\x00\x00\x00\x18ftypmp42", true},
	}
	for _, tt := range tests {
		got := false
		for _, s := range signatures[tt.ext] {
			got = got || s.matches([]byte(tt.head))
		}
		assert.Equal(t, tt.want, got, "%s %q", tt.ext, tt.head)
	}
}
