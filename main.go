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

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/fawa-io/quarantine/pkg/app"
	"github.com/fawa-io/quarantine/pkg/config"
	"github.com/fawa-io/quarantine/pkg/cors"
	"github.com/fawa-io/quarantine/pkg/fwlog"
	"github.com/fawa-io/quarantine/pkg/metrics"
	"github.com/fawa-io/quarantine/service/upload"
)

func main() {
	if err := config.InitConfig(); err != nil {
		fwlog.Fatalf("Failed to initialize configuration: %v", err)
	}

	cfg := config.Get()

	logLevel, err := fwlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fwlog.Warnf("Invalid initial log level '%s': %v. Using default.", cfg.LogLevel, err)
	}
	fwlog.SetLevel(logLevel)
	fwlog.Infof("Logger initialized with level: %s", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.New("")
	core, err := app.Build(ctx, cfg, app.WithMetrics(collector))
	if err != nil {
		fwlog.Fatalf("Failed to build the upload core: %v", err)
	}
	config.OnChange(core.ApplyConfig)

	go core.Lifecycle.Run(ctx, cfg.Temp.SweepInterval)

	uploadSvcHdr := upload.NewUploadServiceHandler(core.Intake, nil)
	uploadProcedure, uploadHandler := uploadSvcHdr.Handler()

	mux := http.NewServeMux()
	mux.Handle(uploadProcedure, uploadHandler)

	var metricsSrv *http.Server
	if cfg.MetricsAddr == "" {
		mux.Handle("/metrics", collector.Handler())
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", collector.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			fwlog.Infof("Metrics server starting on %v", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fwlog.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	uploadSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(cors.NewCORS().Handler(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fwlog.Info("Shutting down server...")

		// Stop the sweeper before the stores go away.
		cancel()

		// Set timeout for HTTP server shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := uploadSrv.Shutdown(shutdownCtx); err != nil {
			fwlog.Errorf("Server shutdown error: %v", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				fwlog.Errorf("Metrics server shutdown error: %v", err)
			}
		}
		if err := core.Close(); err != nil {
			fwlog.Errorf("Error closing the upload core: %v", err)
		}

		fwlog.Info("Server shutdown complete")
	}()

	fwlog.Infof("Server starting on %v", cfg.Addr)

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		if _, err := os.Stat(cfg.CertFile); err == nil {
			if _, err := os.Stat(cfg.KeyFile); err == nil {
				// Start the HTTPS server.
				fwlog.Infof("Starting HTTPS server with certificates: %s, %s", cfg.CertFile, cfg.KeyFile)
				if err := uploadSrv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fwlog.Fatalf("Failed to start HTTPS server: %v", err)
				}
				<-stopped
				return
			}
		}
		fwlog.Warnf("Certificate files not found, falling back to HTTP mode")
	}

	// Start the HTTP server with cleartext HTTP/2 for client streams.
	fwlog.Infof("Starting HTTP server")
	if err := uploadSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fwlog.Fatalf("Failed to start HTTP server: %v", err)
	}
	<-stopped
}
