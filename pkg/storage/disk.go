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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/fawa-io/quarantine/pkg/clock"
	"github.com/fawa-io/quarantine/pkg/util"
)

const (
	filePerm = 0o600
	dirPerm  = 0o700
)

// DiskStore implements Store on a local directory tree.
type DiskStore struct {
	root  string
	clock clock.Clock
}

// DiskOption customises a DiskStore.
type DiskOption func(*DiskStore)

// WithClock sets the clock used for key timestamps.
func WithClock(c clock.Clock) DiskOption {
	return func(s *DiskStore) { s.clock = c }
}

// NewDiskStore opens (and creates if needed) a store rooted at root.
func NewDiskStore(root string, opts ...DiskOption) (*DiskStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve temp dir %s: %w", root, err)
	}
	if err := util.EnsureDir(abs); err != nil {
		return nil, fmt.Errorf("create temp dir %s: %w", abs, err)
	}
	s := &DiskStore{root: abs, clock: clock.Real()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute directory backing the store.
func (s *DiskStore) Root() string { return s.root }

func (s *DiskStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func notFound(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}

func (s *DiskStore) Create(ctx context.Context, nameHint string) (string, error) {
	now := s.clock.Now().UTC()
	safe := ObjectName(nameHint)
	ext := path.Ext(safe)
	stem := strings.TrimSuffix(safe, ext)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")

	key := path.Join(ObjectsPrefix, now.Format("20060102"),
		fmt.Sprintf("%s-%d-%s%s", stem, now.UnixNano(), suffix, ext))
	if err := s.CreateAt(ctx, key); err != nil {
		if errors.Is(err, ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrKeyCollision, key)
		}
		return "", err
	}
	return key, nil
}

func (s *DiskStore) CreateAt(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	var f *os.File
	err = inDir(p, func() (err error) {
		f, err = os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		return err
	})
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExist, key)
		}
		return err
	}
	return f.Close()
}

// inDir runs create once the parent directory of p exists. PruneDirs may
// remove an empty parent between the two steps, so a missing parent is
// retried once.
func inDir(p string, create func() error) error {
	for attempt := 0; ; attempt++ {
		if err := os.MkdirAll(filepath.Dir(p), dirPerm); err != nil {
			return err
		}
		err := create()
		if attempt == 0 && errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return err
	}
}

func (s *DiskStore) AppendStream(ctx context.Context, key string, r io.Reader, sizeHint int64) (n int64, err error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return 0, notFound(key, err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()

	n, err = CopyBuffer(ctx, f, r, sizeHint)
	if err != nil {
		return n, fmt.Errorf("append to %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("sync %s: %w", key, err)
	}
	return n, nil
}

func (s *DiskStore) Put(ctx context.Context, key string, r io.Reader, sizeHint int64) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}

	tmp := filepath.Join(filepath.Dir(p), "."+filepath.Base(p)+PartMarker+util.GenerateRandomString(10))
	var f *os.File
	err = inDir(tmp, func() (err error) {
		f, err = os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		return err
	})
	if err != nil {
		return 0, err
	}
	n, err := CopyBuffer(ctx, f, r, sizeHint)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, p)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return n, fmt.Errorf("put %s: %w", key, err)
	}
	return n, nil
}

func (s *DiskStore) Publish(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.path(from)
	if err != nil {
		return err
	}
	dst, err := s.path(to)
	if err != nil {
		return err
	}
	// A hard link never replaces an existing name, unlike rename.
	if err := inDir(dst, func() error { return os.Link(src, dst) }); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExist, to)
		}
		return notFound(from, err)
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("drop %s after publish: %w", from, err)
	}
	return nil
}

func (s *DiskStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *DiskStore) Size(ctx context.Context, key string) (int64, error) {
	info, err := s.Stat(ctx, key)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (s *DiskStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return ObjectInfo{}, notFound(key, err)
	}
	if fi.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%w: %s is a prefix", ErrNotFound, key)
	}
	return ObjectInfo{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (s *DiskStore) Delete(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *DiskStore) DeletePrefix(ctx context.Context, prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}
	if p == s.root {
		return fmt.Errorf("%w: refusing to delete the store root", ErrInvalidKey)
	}
	return os.RemoveAll(p)
}

func (s *DiskStore) Open(ctx context.Context, key string) (Object, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, notFound(key, err)
	}
	return f, nil
}

func (s *DiskStore) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return s.walk(ctx, prefix, false)
}

func (s *DiskStore) ListPartial(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return s.walk(ctx, prefix, true)
}

// walk yields the files below prefix; partial selects in-flight files
// instead of objects.
func (s *DiskStore) walk(ctx context.Context, prefix string, partial bool) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		base, err := s.path(strings.TrimSuffix(prefix, "/"))
		if err != nil {
			yield(ObjectInfo{}, err)
			return
		}
		stopped := false
		walkErr := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				// Entries removed while walking are simply gone.
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				if !yield(ObjectInfo{}, err) {
					stopped = true
					return fs.SkipAll
				}
				return nil
			}
			if d.IsDir() || IsPartialName(d.Name()) != partial {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return err
			}
			if !yield(ObjectInfo{Key: filepath.ToSlash(rel), Size: fi.Size(), ModTime: fi.ModTime()}, nil) {
				stopped = true
				return fs.SkipAll
			}
			return nil
		})
		if walkErr != nil && !stopped {
			yield(ObjectInfo{}, walkErr)
		}
	}
}

func (s *DiskStore) PruneDirs(ctx context.Context, prefix string, cutoff time.Time) (int, error) {
	base, err := s.path(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return 0, err
	}
	var dirs []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() && p != base {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Walk order puts parents first, so children are tried before them.
	pruned := 0
	var errs error
	for i := len(dirs) - 1; i >= 0; i-- {
		fi, err := os.Stat(dirs[i])
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(dirs[i]); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			// Not empty, or refilled since the walk.
			if entries, readErr := os.ReadDir(dirs[i]); readErr == nil && len(entries) > 0 {
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("prune %s: %w", dirs[i], err))
			continue
		}
		pruned++
	}
	return pruned, errs
}
