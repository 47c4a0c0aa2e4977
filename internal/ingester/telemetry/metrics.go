// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: March 2026
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

// Package telemetry holds the process-wide Prometheus collectors for the
// ingestion pipeline. Collectors are global with bounded label cardinality
// (consumer name only); components record into them directly so the hot
// path stays allocation-free.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RecordsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_records_accepted_total",
		Help: "Records that passed validation and were appended to the stream",
	})
	RecordsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_records_rejected_total",
		Help: "Records rejected by validation",
	})
	CoalescerFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_coalescer_flushes_total",
		Help: "Coalescer flushes by trigger (size, timer, force)",
	}, []string{"trigger"})
	CoalescedBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logpipe_coalesced_batch_size",
		Help:    "Distribution of caller calls per coalesced batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})
	StreamAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_stream_appends_total",
		Help: "Records appended to the replayable stream",
	})
	StreamAppendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_stream_append_errors_total",
		Help: "Failed stream append operations (batch-wide failures)",
	})
	CommitRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_commit_rows_total",
		Help: "Rows committed to the columnar store",
	})
	CommitErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_commit_errors_total",
		Help: "Failed columnar commits (batches handed to the dead-letter queue)",
	})
	CommitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logpipe_commit_latency_seconds",
		Help:    "Latency of columnar store inserts",
		Buckets: prometheus.DefBuckets,
	})
	RowsPerCommit = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logpipe_rows_per_commit",
		Help:    "Distribution of rows per columnar commit batch",
		Buckets: []float64{1, 10, 100, 1000, 10000, 50000, 100000},
	})
	AckErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_stream_ack_errors_total",
		Help: "Failed stream acknowledgements after a successful commit",
	})
	PoisonEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_poison_entries_total",
		Help: "Malformed stream entries acked and dropped without commit",
	})
	RecoveredEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_recovered_entries_total",
		Help: "Stream entries recovered at startup or via auto-claim, by phase (self, claim)",
	}, []string{"phase"})
	DeadLetterItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_dead_letter_items_total",
		Help: "Batches appended to the dead-letter queue",
	})
	DeadLetterLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logpipe_dead_letter_length",
		Help: "Current length of the dead-letter queue",
	})
	IdempotencyHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_idempotency_hits_total",
		Help: "Ingest calls short-circuited by a cached response",
	})
	IdempotencyMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_idempotency_misses_total",
		Help: "Ingest calls with an idempotency key and no cached response",
	})
	IdempotencyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_idempotency_errors_total",
		Help: "Idempotency backend failures (degraded open)",
	})
	WorkerPoolWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logpipe_worker_pool_workers",
		Help: "Current number of live validation workers",
	})
	WorkerPoolQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logpipe_worker_pool_queue_depth",
		Help: "Tasks waiting in the worker pool queue",
	})
	ConsumerBufferFill = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logpipe_consumer_buffer_fill",
		Help: "Entries staged in a stream processor buffer, by consumer",
	}, []string{"consumer"})
)

func init() {
	prometheus.MustRegister(
		RecordsAccepted, RecordsRejected,
		CoalescerFlushes, CoalescedBatchSize,
		StreamAppends, StreamAppendErrors,
		CommitRows, CommitErrors, CommitLatency, RowsPerCommit,
		AckErrors, PoisonEntries, RecoveredEntries,
		DeadLetterItems, DeadLetterLength,
		IdempotencyHits, IdempotencyMisses, IdempotencyErrors,
		WorkerPoolWorkers, WorkerPoolQueueDepth, ConsumerBufferFill,
	)
}
