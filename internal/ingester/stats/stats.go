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

// Package stats composes the per-component snapshots into the single
// report served on the stats endpoint. It performs no I/O of its own;
// every number comes from a snapshot the caller already holds.
package stats

import (
	"time"

	"logpipe/internal/ingester/coalescer"
	"logpipe/internal/ingester/deadletter"
	"logpipe/internal/ingester/processor"
	"logpipe/internal/ingester/service"
	"logpipe/internal/ingester/workerpool"
)

// Idempotency is the supervisor-side view of the response cache.
type Idempotency struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// Report is the composite stats document.
type Report struct {
	UptimeSeconds float64 `json:"uptime_seconds"`

	Coalescer   coalescer.Snapshot   `json:"coalescer"`
	Service     service.Snapshot     `json:"service"`
	WorkerPool  workerpool.Snapshot  `json:"worker_pool"`
	Processors  []processor.Snapshot `json:"processors"`
	DeadLetter  deadletter.Stats     `json:"dead_letter"`
	Idempotency Idempotency          `json:"idempotency"`

	// Derived fields.
	CoalescingRate        float64 `json:"coalescing_rate"`
	AvgCoalescedBatchSize float64 `json:"avg_coalesced_batch_size"`
	WorkerUtilization     float64 `json:"worker_utilization"`
	TotalBufferFill       int     `json:"total_buffer_fill"`
}

// Compose derives the composite report from component snapshots.
func Compose(
	startedAt time.Time,
	co coalescer.Snapshot,
	svc service.Snapshot,
	wp workerpool.Snapshot,
	workers []processor.Snapshot,
	dl deadletter.Stats,
	idem Idempotency,
) Report {
	r := Report{
		UptimeSeconds: time.Since(startedAt).Seconds(),
		Coalescer:     co,
		Service:       svc,
		WorkerPool:    wp,
		Processors:    workers,
		DeadLetter:    dl,
		Idempotency:   idem,
	}

	staged := co.Calls - co.Bypassed
	if staged > 0 {
		// Fraction of staged calls that shared a batch with another call.
		r.CoalescingRate = 1 - float64(co.Flushes)/float64(staged)
		if r.CoalescingRate < 0 {
			r.CoalescingRate = 0
		}
	}
	if co.Flushes > 0 {
		r.AvgCoalescedBatchSize = float64(co.RecordsFlushed) / float64(co.Flushes)
	}
	if wp.Submitted > 0 {
		r.WorkerUtilization = float64(wp.Completed) / float64(wp.Submitted)
	}
	for _, p := range workers {
		r.TotalBufferFill += p.BufferFill
	}
	return r
}
