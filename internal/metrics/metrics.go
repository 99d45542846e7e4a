// Copyright 2025 Google LLC
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

// Package metrics wires the commit engine, rollback and fsck packages to
// an OpenTelemetry meter backed by a Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// defaultLatencyDistribution buckets commit latencies (recorded in
// microseconds) and fsck latencies (recorded in milliseconds).
var defaultLatencyDistribution = metric.WithExplicitBucketBoundaries(
	1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100,
	130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000)

// Handle is the set of counters and histograms emitted by the commit,
// rollback, fsck and autosync packages.
type Handle struct {
	commitCount    metric.Int64Counter
	commitBytes    metric.Int64Counter
	commitLatency  metric.Float64Histogram
	commitFailures metric.Int64Counter

	rollbackCount metric.Int64Counter

	fsckRecordCount metric.Int64Counter
	fsckLatency     metric.Float64Histogram

	autosyncFlushCount metric.Int64Counter
}

const (
	// CommitOutcomeKey annotates a commit counter with its terminal state.
	CommitOutcomeKey = "outcome"
	// RecordClassKey annotates an fsck counter with the record's recovery class.
	RecordClassKey = "record_class"
)

// CommitStarted records that a transaction entered the commit path.
func (h *Handle) CommitStarted(ctx context.Context) {
	h.commitCount.Add(ctx, 1)
}

// CommitFinished records a commit's outcome, applied-byte count and
// wall-clock duration. outcome is one of "done", "lingering",
// "atomic_preserved" or "atomic_broken".
func (h *Handle) CommitFinished(ctx context.Context, outcome string, bytes int64, d time.Duration) {
	attr := metric.WithAttributes(attribute.String(CommitOutcomeKey, outcome))
	h.commitBytes.Add(ctx, bytes, attr)
	h.commitLatency.Record(ctx, float64(d.Microseconds()), attr)
	if outcome == "atomic_preserved" || outcome == "atomic_broken" {
		h.commitFailures.Add(ctx, 1, attr)
	}
}

// RollbackFinished records a completed rollback's new-byte count.
func (h *Handle) RollbackFinished(ctx context.Context, bytes int64) {
	h.rollbackCount.Add(ctx, bytes)
}

// FsckRecord records one record's recovery classification.
func (h *Handle) FsckRecord(ctx context.Context, class string) {
	h.fsckRecordCount.Add(ctx, 1, metric.WithAttributes(attribute.String(RecordClassKey, class)))
}

// FsckFinished records a full recovery pass's duration.
func (h *Handle) FsckFinished(ctx context.Context, d time.Duration) {
	h.fsckLatency.Record(ctx, float64(d.Milliseconds()))
}

// AutosyncFlushed records a background drain triggered by either the
// time or byte threshold.
func (h *Handle) AutosyncFlushed(ctx context.Context, trigger string) {
	h.autosyncFlushCount.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// New builds a Handle backed by a dedicated Prometheus registry and
// returns an http.Handler serving it, so a caller can mount it at
// /metrics without colliding with the default global registry.
func New() (*Handle, http.Handler, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("jio")

	commitCount, err1 := meter.Int64Counter("jio/commit_count", metric.WithDescription("The cumulative number of transactions that entered the commit path."))
	commitBytes, err2 := meter.Int64Counter("jio/commit_bytes", metric.WithDescription("The cumulative number of new bytes committed."), metric.WithUnit("By"))
	commitLatency, err3 := meter.Float64Histogram("jio/commit_latency", metric.WithDescription("The distribution of commit call latencies."), metric.WithUnit("us"), defaultLatencyDistribution)
	commitFailures, err4 := meter.Int64Counter("jio/commit_failures", metric.WithDescription("The cumulative number of commits that returned ErrAtomicPreserved or ErrAtomicBroken."))

	rollbackCount, err5 := meter.Int64Counter("jio/rollback_bytes", metric.WithDescription("The cumulative number of bytes restored by Rollback."), metric.WithUnit("By"))

	fsckRecordCount, err6 := meter.Int64Counter("jio/fsck_record_count", metric.WithDescription("The cumulative number of journal records classified by fsck, by class."))
	fsckLatency, err7 := meter.Float64Histogram("jio/fsck_latency", metric.WithDescription("The distribution of full fsck pass latencies."), metric.WithUnit("ms"), defaultLatencyDistribution)

	autosyncFlushCount, err8 := meter.Int64Counter("jio/autosync_flush_count", metric.WithDescription("The cumulative number of background drains, by trigger."))

	if err := errors.Join(err1, err2, err3, err4, err5, err6, err7, err8); err != nil {
		return nil, nil, err
	}

	handle := &Handle{
		commitCount:        commitCount,
		commitBytes:        commitBytes,
		commitLatency:      commitLatency,
		commitFailures:     commitFailures,
		rollbackCount:      rollbackCount,
		fsckRecordCount:    fsckRecordCount,
		fsckLatency:        fsckLatency,
		autosyncFlushCount: autosyncFlushCount,
	}
	return handle, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
