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

package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fawa-io/quarantine/pkg/clock"
	"github.com/fawa-io/quarantine/pkg/config"
	"github.com/fawa-io/quarantine/pkg/intake"
	"github.com/fawa-io/quarantine/pkg/metrics"
	"github.com/fawa-io/quarantine/pkg/storage"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	v := viper.New()
	v.Set("temp.dir", t.TempDir())
	v.Set("disks.local.dir", t.TempDir())
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func TestBuildSidecar(t *testing.T) {
	cfg := testConfig(t)
	a, err := Build(context.Background(), cfg, WithMetrics(metrics.New("")))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &storage.SidecarMetaStore{}, a.Meta)

	ctx := context.Background()
	res, err := a.Intake.Upload(ctx, intake.File{Name: "notes.txt", Size: -1}, strings.NewReader("plain text"))
	require.NoError(t, err)
	assert.True(t, res.Verdict.Accepted)

	path, err := a.Intake.Promote(ctx, res.Key, "inbox", DiskLocal)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, cfg.Disks.Local.Dir))
}

func TestBuildDragonfly(t *testing.T) {
	srv := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Metadata.Backend = config.BackendDragonfly
	cfg.Metadata.DragonflyAddr = srv.Addr()

	fake := clock.NewFake(time.Now())
	a, err := Build(context.Background(), cfg, WithClock(fake))
	require.NoError(t, err)

	ctx := context.Background()
	res, err := a.Intake.Upload(ctx, intake.File{Name: "notes.txt", OwnerRef: "u1", Size: -1}, strings.NewReader("hello"))
	require.NoError(t, err)
	require.True(t, res.Verdict.Accepted)
	assert.True(t, srv.Exists("quarantine:meta:"+res.Key))

	md, err := a.Intake.Metadata(ctx, res.Key)
	require.NoError(t, err)
	assert.Equal(t, "u1", md.OwnerRef)

	require.NoError(t, a.Close())
}

func TestBuildDragonflyUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	cfg := testConfig(t)
	cfg.Metadata.Backend = config.BackendDragonfly
	cfg.Metadata.DragonflyAddr = addr

	_, err := Build(context.Background(), cfg)
	assert.Error(t, err)
}

func TestApplyConfigSwapsPolicy(t *testing.T) {
	cfg := testConfig(t)
	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	before := a.Verifier.Policy().Fingerprint()
	a.ApplyConfig(cfg)
	assert.Equal(t, before, a.Verifier.Policy().Fingerprint())

	cfg.Verify.Extensions = []string{"pdf"}
	a.ApplyConfig(cfg)
	assert.NotEqual(t, before, a.Verifier.Policy().Fingerprint())
	assert.Equal(t, []string{"pdf"}, a.Verifier.Policy().Extensions)

	res, err := a.Intake.Upload(context.Background(), intake.File{Name: "notes.txt", Size: -1}, strings.NewReader("text"))
	require.NoError(t, err)
	assert.False(t, res.Verdict.Accepted)
}
