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

// Command sweep runs one expiry sweep over the temp area, for use from
// cron or a Kubernetes CronJob instead of the server's periodic sweeper.
package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/fawa-io/quarantine/pkg/app"
	"github.com/fawa-io/quarantine/pkg/config"
	"github.com/fawa-io/quarantine/pkg/fwlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	timeout := pflag.Duration("timeout", 10*time.Minute, "Abort the sweep after this long.")

	if err := config.InitConfig(); err != nil {
		fwlog.Fatalf("Failed to initialize configuration: %v", err)
	}
	cfg := config.Get()
	if lv, err := fwlog.ParseLevel(cfg.LogLevel); err == nil {
		fwlog.SetLevel(lv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	core, err := app.Build(ctx, cfg)
	if err != nil {
		fwlog.Fatalf("Failed to build the upload core: %v", err)
	}
	defer func() {
		if err := core.Close(); err != nil {
			fwlog.Errorf("Error closing the upload core: %v", err)
		}
	}()

	report, err := core.Lifecycle.Sweep(ctx)
	if err != nil {
		fwlog.Errorf("Sweep aborted: %v", err)
		return 1
	}
	fwlog.Infof("Sweep done: %d objects, %d chunk groups, %d orphan metadata removed",
		len(report.RemovedObjects), len(report.RemovedChunkGroups), report.OrphanMetadata)
	if err := report.Err(); err != nil {
		fwlog.Errorf("Sweep finished with errors: %v", err)
		return 1
	}
	return 0
}
