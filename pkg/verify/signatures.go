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

import "bytes"

type signature struct {
	offset int
	magic  []byte
}

func (s signature) matches(head []byte) bool {
	return len(head) >= s.offset+len(s.magic) && bytes.Equal(head[s.offset:s.offset+len(s.magic)], s.magic)
}

func sig(magic string) signature { return signature{magic: []byte(magic)} }

func sigAt(offset int, magic string) signature { return signature{offset: offset, magic: []byte(magic)} }

var zipSignatures = []signature{sig("PK\x03\x04"), sig("PK\x05\x06")}

// signatures maps an extension to the leading bytes its files may start
// with. Extensions missing here pass the signature check.
var signatures = map[string][]signature{
	"pdf":  {sig("%PDF-")},
	"png":  {sig("\x89PNG\r\n\x1a\n")},
	"jpg":  {sig("\xff\xd8\xff")},
	"jpeg": {sig("\xff\xd8\xff")},
	"gif":  {sig("GIF87a"), sig("GIF89a")},
	"bmp":  {sig("BM")},
	"webp": {sigAt(8, "WEBP")},
	"tif":  {sig("II*\x00"), sig("MM\x00*")},
	"tiff": {sig("II*\x00"), sig("MM\x00*")},
	"zip":  zipSignatures,
	"docx": zipSignatures,
	"xlsx": zipSignatures,
	"pptx": zipSignatures,
	"odt":  zipSignatures,
	"ods":  zipSignatures,
	"odp":  zipSignatures,
	"gz":   {sig("\x1f\x8b")},
	"7z":   {sig("7z\xbc\xaf\x27\x1c")},
	"rar":  {sig("Rar!\x1a\x07")},
	"mp4":  {sigAt(4, "ftyp")},
	"mov":  {sigAt(4, "ftyp"), sigAt(4, "moov")},
	"ogg":  {sig("OggS")},
	"flac": {sig("fLaC")},
	"wav":  {sigAt(8, "WAVE")},
	"mp3":  {sig("ID3"), sig("\xff\xfb"), sig("\xff\xf3"), sig("\xff\xf2")},
}
