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

// Package storage owns the quarantined temporary area: temp objects,
// chunk groups and metadata sidecars, plus the permanent disks that
// verified objects are promoted to.
//
// Key layout inside the temp namespace:
//
//	objects/<yyyymmdd>/<name>-<unixnano>-<random><ext>   single-shot uploads
//	objects/sessions/<session>/<name>                    assembled uploads
//	<object key>.meta.json                               metadata sidecar
//	chunks/<session>/chunk_<index>                       chunk groups
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"
	"time"

	"github.com/fawa-io/quarantine/pkg/util"
)

const (
	// ObjectsPrefix is the namespace of finished temp objects.
	ObjectsPrefix = "objects"
	// ChunksPrefix is the namespace of per-session chunk groups.
	ChunksPrefix = "chunks"
	// MetaSuffix is appended to an object key to form its sidecar key.
	MetaSuffix = ".meta.json"
	// PartMarker marks in-flight files written by Put. They are named
	// .<name>.part-<random> next to their target; List skips them and
	// ListPartial returns only them.
	PartMarker = ".part-"
)

var (
	ErrNotFound = errors.New("object not found")
	ErrExist    = errors.New("object already exists")
	// ErrKeyCollision means a freshly generated key was already taken.
	// With 122 random bits this indicates a broken random source or a
	// misconfigured store and is never retried.
	ErrKeyCollision = errors.New("generated object key collided")
	ErrInvalidKey   = errors.New("invalid object key")
)

// ObjectInfo describes one stored object at listing time.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Object is an open temp object. Deep content checks need random access.
type Object interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
}

// Store is the temp object store shared by every upload worker. All
// methods are safe for concurrent use.
type Store interface {
	// Create allocates a new empty object under ObjectsPrefix whose key is
	// derived from nameHint, the current time and a random suffix.
	Create(ctx context.Context, nameHint string) (string, error)
	// CreateAt creates an empty object at key, failing with ErrExist.
	CreateAt(ctx context.Context, key string) error
	// AppendStream appends r to an existing object through a bounded
	// buffer sized from sizeHint (-1 when unknown). On error the object
	// must be treated as unusable and deleted by the caller.
	AppendStream(ctx context.Context, key string, r io.Reader, sizeHint int64) (int64, error)
	// Put replaces the object at key with r. Readers observe either the
	// previous content or the complete new content.
	Put(ctx context.Context, key string, r io.Reader, sizeHint int64) (int64, error)
	// Publish moves from to to unless to already exists, in which case
	// it returns ErrExist and leaves both untouched.
	Publish(ctx context.Context, from, to string) error
	Exists(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// Delete removes the object. Deleting a missing object reports
	// false and no error.
	Delete(ctx context.Context, key string) (bool, error)
	// DeletePrefix removes every object below prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Open(ctx context.Context, key string) (Object, error)
	// List walks the objects below prefix as they exist on each
	// iteration; ranging over the sequence again re-reads storage.
	List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error]
	// ListPartial walks the in-flight files below prefix, such as those
	// left behind by a crash during Put.
	ListPartial(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error]
	// PruneDirs removes the empty directories below prefix that were last
	// modified before cutoff and reports how many were removed.
	PruneDirs(ctx context.Context, prefix string, cutoff time.Time) (int, error)
}

// MetaKey returns the sidecar key for an object key.
func MetaKey(key string) string { return key + MetaSuffix }

// IsMetaKey reports whether key names a metadata sidecar.
func IsMetaKey(key string) bool { return strings.HasSuffix(key, MetaSuffix) }

// ObjectKeyOf returns the object key a sidecar key belongs to.
func ObjectKeyOf(metaKey string) string { return strings.TrimSuffix(metaKey, MetaSuffix) }

// IsPartialName reports whether the last key segment name is an in-flight
// file written by Put.
func IsPartialName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, PartMarker)
}

// ObjectName turns an untrusted file name into a key segment. The result
// never starts with a dot and never ends in MetaSuffix, so it cannot be
// taken for an in-flight file or a sidecar.
func ObjectName(name string) string {
	safe := util.SanitizeName(name)
	if stem, ok := strings.CutSuffix(safe, MetaSuffix); ok {
		safe = stem + "_meta.json"
	}
	return safe
}

// ChunkGroupPrefix is the namespace holding one session's chunks.
func ChunkGroupPrefix(sessionID string) string {
	return path.Join(ChunksPrefix, sessionID)
}

// ValidateKey rejects keys that could escape the store root.
func ValidateKey(key string) error {
	switch {
	case key == "",
		strings.ContainsAny(key, "\x00\\"),
		strings.HasPrefix(key, "/"),
		path.Clean(key) != key,
		key == "..", strings.HasPrefix(key, "../"):
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
