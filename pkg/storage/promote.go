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
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/fawa-io/quarantine/pkg/fwlog"
	"github.com/fawa-io/quarantine/pkg/util"
)

var ErrUnknownDisk = errors.New("unknown disk")

// Disk is a permanent storage backend that verified objects are copied to.
type Disk interface {
	// Put stores size bytes from r at objectPath and returns the final
	// location as the backend names it.
	Put(ctx context.Context, objectPath string, r io.Reader, size int64, contentType string) (string, error)
}

// Promoter moves verified temp objects onto a named Disk.
type Promoter struct {
	store  Store
	meta   MetaStore
	disks  map[string]Disk
	logger fwlog.Logger
}

func NewPromoter(store Store, meta MetaStore, disks map[string]Disk) *Promoter {
	return &Promoter{
		store:  store,
		meta:   meta,
		disks:  disks,
		logger: fwlog.DefaultLogger(),
	}
}

// Disks lists the configured disk names.
func (p *Promoter) Disks() []string {
	names := make([]string, 0, len(p.disks))
	for name := range p.disks {
		names = append(names, name)
	}
	return names
}

// MoveToPermanent copies tempKey to targetDir on disk and then removes the
// temp object with its metadata. Callers must only pass accepted objects.
func (p *Promoter) MoveToPermanent(ctx context.Context, tempKey, targetDir, disk string) (string, error) {
	d, ok := p.disks[disk]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDisk, disk)
	}
	dir := strings.Trim(path.Clean("/"+strings.ReplaceAll(targetDir, "\\", "/")), "/")
	if dir != "" {
		if err := ValidateKey(dir); err != nil {
			return "", err
		}
	}

	name := path.Base(tempKey)
	if md, err := p.meta.GetFileMeta(ctx, tempKey); err == nil && md.OriginalName != "" {
		name = md.OriginalName
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	safe := util.SanitizeName(name)
	ext := path.Ext(safe)
	objectPath := path.Join(dir, strings.TrimSuffix(safe, ext)+"-"+util.GenerateRandomString(8)+ext)

	contentType := mime.TypeByExtension(strings.ToLower(ext))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := p.store.Stat(ctx, tempKey)
	if err != nil {
		return "", err
	}
	obj, err := p.store.Open(ctx, tempKey)
	if err != nil {
		return "", err
	}
	finalPath, err := d.Put(ctx, objectPath, obj, info.Size, contentType)
	_ = obj.Close()
	if err != nil {
		return "", fmt.Errorf("promote %s to %s: %w", tempKey, disk, err)
	}

	if _, err := p.store.Delete(ctx, tempKey); err != nil {
		p.logger.Warnf("Promoted %s but failed to delete temp object: %v", tempKey, err)
	}
	if err := p.meta.DeleteFileMeta(ctx, tempKey); err != nil {
		p.logger.Warnf("Promoted %s but failed to delete metadata: %v", tempKey, err)
	}
	p.logger.Infof("Promoted %s (%s) to %s:%s", tempKey, humanize.IBytes(uint64(info.Size)), disk, finalPath)
	return finalPath, nil
}

// LocalDisk is a Disk on a local directory.
type LocalDisk struct {
	root string
}

func NewLocalDisk(root string) (*LocalDisk, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := util.EnsureDir(abs); err != nil {
		return nil, fmt.Errorf("create disk dir %s: %w", abs, err)
	}
	return &LocalDisk{root: abs}, nil
}

func (l *LocalDisk) Put(ctx context.Context, objectPath string, r io.Reader, size int64, _ string) (string, error) {
	if err := ValidateKey(objectPath); err != nil {
		return "", err
	}
	dst := filepath.Join(l.root, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return "", err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return "", err
	}
	_, err = CopyBuffer(ctx, f, r, size)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	return dst, nil
}
