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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/fawa-io/quarantine/pkg/storage"
)

const headerLen = 32

// subject is the object under verification. Content is read lazily and
// at most once per view.
type subject struct {
	key          string
	originalName string
	ext          string
	declaredMime string
	size         int64

	open    func(ctx context.Context) (storage.Object, error)
	obj     storage.Object
	head    []byte
	sniffed *mimetype.MIME
}

func extensionOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

func (s *subject) object(ctx context.Context) (storage.Object, error) {
	if s.obj == nil {
		obj, err := s.open(ctx)
		if err != nil {
			return nil, err
		}
		s.obj = obj
	}
	return s.obj, nil
}

func (s *subject) header(ctx context.Context) ([]byte, error) {
	if s.head != nil {
		return s.head, nil
	}
	obj, err := s.object(ctx)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerLen)
	n, err := obj.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	s.head = buf[:n]
	return s.head, nil
}

func (s *subject) sniff(ctx context.Context) (*mimetype.MIME, error) {
	if s.sniffed != nil {
		return s.sniffed, nil
	}
	obj, err := s.object(ctx)
	if err != nil {
		return nil, err
	}
	m, err := mimetype.DetectReader(io.NewSectionReader(obj, 0, s.size))
	if err != nil {
		return nil, err
	}
	s.sniffed = m
	return m, nil
}

// Rule is one stage of the verification pipeline. The set of rules is
// closed: every variant lives in this package.
type Rule interface {
	Name() string
	check(ctx context.Context, s *subject, p Policy) (Verdict, error)
}

// SizeRule rejects objects larger than Policy.MaxSize.
type SizeRule struct{}

// ExtensionRule checks the declared file name against the allow-list.
type ExtensionRule struct{}

// DeclaredMimeRule checks the client supplied MIME type. It is a cheap
// pre-filter only.
type DeclaredMimeRule struct{}

// ExecutableRule rejects executables whatever their name claims.
type ExecutableRule struct{}

// SniffedMimeRule checks the MIME type detected from the content.
type SniffedMimeRule struct{}

// SignatureRule compares the leading bytes with the known magic numbers
// of the claimed extension.
type SignatureRule struct{}

// DeepContentRule runs format specific probes in strict mode.
type DeepContentRule struct{}

// DefaultRules is the pipeline order, cheapest checks first.
func DefaultRules() []Rule {
	return []Rule{
		SizeRule{},
		ExtensionRule{},
		DeclaredMimeRule{},
		ExecutableRule{},
		SniffedMimeRule{},
		SignatureRule{},
		DeepContentRule{},
	}
}

func (SizeRule) Name() string { return "size" }

func (r SizeRule) check(_ context.Context, s *subject, p Policy) (Verdict, error) {
	if p.MaxSize > 0 && s.size > p.MaxSize {
		return reject(r.Name(), FileTooLarge, fmt.Sprintf("%s exceeds the %s limit",
			humanize.IBytes(uint64(s.size)), humanize.IBytes(uint64(p.MaxSize)))), nil
	}
	return accept(), nil
}

func (ExtensionRule) Name() string { return "extension" }

func (r ExtensionRule) check(_ context.Context, s *subject, p Policy) (Verdict, error) {
	if !p.allowsExtension(s.ext) {
		return reject(r.Name(), ExtensionNotAllowed, fmt.Sprintf("extension %q is not allowed", s.ext)), nil
	}
	return accept(), nil
}

func (DeclaredMimeRule) Name() string { return "declared-mime" }

func (r DeclaredMimeRule) check(_ context.Context, s *subject, p Policy) (Verdict, error) {
	if s.declaredMime == "" || len(p.MimeTypes) == 0 {
		return accept(), nil
	}
	mt, _, err := mime.ParseMediaType(s.declaredMime)
	if err != nil {
		return reject(r.Name(), DeclaredMimeNotAllowed, fmt.Sprintf("malformed MIME type %q", s.declaredMime)), nil
	}
	if !slices.Contains(p.MimeTypes, strings.ToLower(mt)) {
		return reject(r.Name(), DeclaredMimeNotAllowed, fmt.Sprintf("declared type %s is not allowed", mt)), nil
	}
	return accept(), nil
}

var executableMagic = []struct {
	format string
	magic  []byte
}{
	{"PE", []byte("MZ")},
	{"ELF", []byte("\x7fELF")},
	{"Mach-O", []byte{0xfe, 0xed, 0xfa, 0xce}},
	{"Mach-O", []byte{0xfe, 0xed, 0xfa, 0xcf}},
	{"Mach-O", []byte{0xce, 0xfa, 0xed, 0xfe}},
	{"Mach-O", []byte{0xcf, 0xfa, 0xed, 0xfe}},
	{"Mach-O universal", []byte{0xca, 0xfe, 0xba, 0xbe}},
	{"script", []byte("#!")},
}

func (ExecutableRule) Name() string { return "executable" }

func (r ExecutableRule) check(ctx context.Context, s *subject, _ Policy) (Verdict, error) {
	head, err := s.header(ctx)
	if err != nil {
		return Verdict{}, err
	}
	for _, e := range executableMagic {
		if bytes.HasPrefix(head, e.magic) {
			return reject(r.Name(), ExecutableDisguised, fmt.Sprintf("%s executable disguised as .%s", e.format, s.ext)), nil
		}
	}
	return accept(), nil
}

func (SniffedMimeRule) Name() string { return "sniffed-mime" }

func (r SniffedMimeRule) check(ctx context.Context, s *subject, p Policy) (Verdict, error) {
	if len(p.MimeTypes) == 0 {
		return accept(), nil
	}
	m, err := s.sniff(ctx)
	if err != nil {
		return Verdict{}, err
	}
	for t := m; t != nil; t = t.Parent() {
		for _, allowed := range p.MimeTypes {
			if t.Is(allowed) {
				return accept(), nil
			}
		}
	}
	return reject(r.Name(), ContentMimeMismatch, fmt.Sprintf("content is %s", m.String())), nil
}

func (SignatureRule) Name() string { return "signature" }

func (r SignatureRule) check(ctx context.Context, s *subject, _ Policy) (Verdict, error) {
	sigs, ok := signatures[s.ext]
	if !ok {
		return accept(), nil
	}
	head, err := s.header(ctx)
	if err != nil {
		return Verdict{}, err
	}
	for _, sig := range sigs {
		if sig.matches(head) {
			return accept(), nil
		}
	}
	return reject(r.Name(), SignatureMismatch, fmt.Sprintf("content does not start like a .%s file", s.ext)), nil
}

func (DeepContentRule) Name() string { return "deep-content" }

func (r DeepContentRule) check(ctx context.Context, s *subject, p Policy) (Verdict, error) {
	if !p.Strict {
		return accept(), nil
	}
	probe, ok := deepProbes[s.ext]
	if !ok {
		return accept(), nil
	}
	obj, err := s.object(ctx)
	if err != nil {
		return Verdict{}, err
	}
	if err := probe(obj, s.size, p); err != nil {
		return reject(r.Name(), DeepValidationFailed, err.Error()), nil
	}
	return accept(), nil
}

// runPipeline evaluates rules in order and stops at the first rejection.
func runPipeline(ctx context.Context, rules []Rule, s *subject, p Policy) (Verdict, error) {
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return Verdict{}, err
		}
		v, err := rule.check(ctx, s, p)
		if err != nil {
			return Verdict{}, fmt.Errorf("%s check of %s: %w", rule.Name(), s.key, err)
		}
		if !v.Accepted {
			return v, nil
		}
	}
	return accept(), nil
}
