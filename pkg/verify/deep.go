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
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/klauspost/compress/zip"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const pdfTrailerWindow = 256

type probe func(r io.ReaderAt, size int64, p Policy) error

var deepProbes = map[string]probe{
	"png":  probeImage,
	"jpg":  probeImage,
	"jpeg": probeImage,
	"gif":  probeImage,
	"bmp":  probeImage,
	"webp": probeImage,
	"tif":  probeImage,
	"tiff": probeImage,
	"pdf":  probePDF,
	"docx": probeOOXML,
	"xlsx": probeOOXML,
	"pptx": probeOOXML,
}

// probeImage decodes the whole image after bounding its dimensions.
func probeImage(r io.ReaderAt, size int64, p Policy) error {
	cfg, format, err := image.DecodeConfig(io.NewSectionReader(r, 0, size))
	if err != nil {
		return fmt.Errorf("not a decodable image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%s image has empty dimensions", format)
	}
	if p.MaxImagePixels > 0 && int64(cfg.Width)*int64(cfg.Height) > p.MaxImagePixels {
		return fmt.Errorf("%s image of %dx%d exceeds the pixel limit", format, cfg.Width, cfg.Height)
	}
	if _, _, err := image.Decode(io.NewSectionReader(r, 0, size)); err != nil {
		return fmt.Errorf("corrupt %s image: %w", format, err)
	}
	return nil
}

// probePDF requires the header and an end-of-file marker near the end.
func probePDF(r io.ReaderAt, size int64, _ Policy) error {
	head := make([]byte, 5)
	if _, err := r.ReadAt(head, 0); err != nil || !bytes.Equal(head, []byte("%PDF-")) {
		return errors.New("missing PDF header")
	}
	window := int64(pdfTrailerWindow)
	if size < window {
		window = size
	}
	tail := make([]byte, window)
	if _, err := r.ReadAt(tail, size-window); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read PDF trailer: %w", err)
	}
	if !bytes.Contains(tail, []byte("%%EOF")) {
		return errors.New("missing PDF end-of-file marker")
	}
	return nil
}

var ooxmlRequired = []string{"[Content_Types].xml", "_rels/.rels"}

// probeOOXML opens the ZIP container and looks for the OOXML manifests.
func probeOOXML(r io.ReaderAt, size int64, _ Policy) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("not a ZIP container: %w", err)
	}
	seen := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		seen[f.Name] = true
	}
	for _, name := range ooxmlRequired {
		if !seen[name] {
			return fmt.Errorf("office document lacks %s", name)
		}
	}
	return nil
}
