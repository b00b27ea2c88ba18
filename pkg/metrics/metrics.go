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

// Package metrics exposes Prometheus collectors for the upload pipeline.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "quarantine"

// Collector holds the pipeline metrics on a private registry.
type Collector struct {
	uploads      *prometheus.CounterVec
	chunks       prometheus.Counter
	bytesWritten prometheus.Counter
	merges       *prometheus.CounterVec
	verdicts     *prometheus.CounterVec
	cache        *prometheus.CounterVec
	verifyTime   prometheus.Histogram
	sweepRemoved *prometheus.CounterVec
	sweepErrors  prometheus.Counter
	lastSweep    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Collector. An empty namespace defaults to "quarantine".
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of completed uploads by kind",
		},
		[]string{"kind"},
	)
	c.chunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_written_total",
			Help:      "Total number of chunks written",
		},
	)
	c.bytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Total number of upload bytes written to the temp area",
		},
	)
	c.merges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Total number of chunk merges by result",
		},
		[]string{"result"},
	)
	c.verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Total number of verification verdicts by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)
	c.cache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdict_cache_lookups_total",
			Help:      "Verdict cache lookups by result",
		},
		[]string{"result"},
	)
	c.verifyTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verify_duration_seconds",
			Help:      "Duration of full verification pipeline runs",
			Buckets:   prometheus.DefBuckets,
		},
	)
	c.sweepRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removed_total",
			Help:      "Total number of temp entries removed by sweeps",
		},
		[]string{"kind"},
	)
	c.sweepErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Total number of per-entry sweep errors",
		},
	)
	c.lastSweep = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time of the last finished sweep",
		},
	)

	c.registry.MustRegister(
		c.uploads, c.chunks, c.bytesWritten, c.merges, c.verdicts, c.cache,
		c.verifyTime, c.sweepRemoved, c.sweepErrors, c.lastSweep,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// UploadCompleted counts a finished upload; kind is "single" or "chunked".
func (c *Collector) UploadCompleted(kind string) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(kind).Inc()
}

func (c *Collector) ChunkWritten(n int64) {
	if c == nil {
		return
	}
	c.chunks.Inc()
	c.bytesWritten.Add(float64(n))
}

func (c *Collector) BytesWritten(n int64) {
	if c == nil {
		return
	}
	c.bytesWritten.Add(float64(n))
}

// Merge records a merge result: "merged", "duplicate" or "failed".
func (c *Collector) Merge(result string) {
	if c == nil {
		return
	}
	c.merges.WithLabelValues(result).Inc()
}

// Verdict records one verdict. reason is empty for accepted objects.
func (c *Collector) Verdict(accepted bool, reason string) {
	if c == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
		reason = "none"
	}
	c.verdicts.WithLabelValues(outcome, reason).Inc()
}

func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cache.WithLabelValues("hit").Inc()
		return
	}
	c.cache.WithLabelValues("miss").Inc()
}

func (c *Collector) ObserveVerify(d time.Duration) {
	if c == nil {
		return
	}
	c.verifyTime.Observe(d.Seconds())
}

// SweepFinished records one sweep pass.
func (c *Collector) SweepFinished(objects, chunkGroups, errs int, at time.Time) {
	if c == nil {
		return
	}
	c.sweepRemoved.WithLabelValues("object").Add(float64(objects))
	c.sweepRemoved.WithLabelValues("chunk_group").Add(float64(chunkGroups))
	c.sweepErrors.Add(float64(errs))
	c.lastSweep.Set(float64(at.Unix()))
}
