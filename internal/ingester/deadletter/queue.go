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

// Package deadletter preserves batches whose columnar commit failed so an
// out-of-band retry worker can re-attempt them without blocking the live
// path. The core only appends; item removal belongs to the external worker.
// Items carry everything that worker needs (attempt count, first-seen,
// last error, source component) precisely so retry scheduling never
// depends on in-process timers.
package deadletter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"logpipe/internal/ingester/core"
	"logpipe/internal/ingester/telemetry"
)

// Meta is the operator-facing metadata attached to each item.
type Meta struct {
	Attempt         int       `json:"attempt"`
	FirstSeen       time.Time `json:"first_seen"`
	LastError       string    `json:"last_error"`
	SourceComponent string    `json:"source_component"`
}

// Item is one failed batch, append-only from the core's side.
type Item struct {
	Records  []core.LogRecord `json:"records"`
	Error    string           `json:"error"`
	Metadata Meta             `json:"metadata"`
}

// Stats is the pure snapshot exposed to the stats surface.
type Stats struct {
	QueueLength int64 `json:"queue_length"`
	Enqueued    int64 `json:"enqueued"`
}

// Queue is the dead-letter surface used by the stream processors.
type Queue interface {
	QueueForRetry(ctx context.Context, records []core.LogRecord, cause error, meta Meta) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Memory is a process-local Queue for tests and degraded deployments.
type Memory struct {
	mu       sync.Mutex
	items    []Item
	enqueued atomic.Int64
}

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) QueueForRetry(_ context.Context, records []core.LogRecord, cause error, meta Meta) error {
	item := buildItem(records, cause, meta)
	m.mu.Lock()
	m.items = append(m.items, item)
	length := len(m.items)
	m.mu.Unlock()
	m.enqueued.Add(1)
	telemetry.DeadLetterItems.Inc()
	telemetry.DeadLetterLength.Set(float64(length))
	return nil
}

func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{QueueLength: int64(len(m.items)), Enqueued: m.enqueued.Load()}, nil
}

// Items copies the queued items; test helper.
func (m *Memory) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, len(m.items))
	copy(out, m.items)
	return out
}

func (m *Memory) Close() error { return nil }

// buildItem normalizes the item shape shared by all implementations.
func buildItem(records []core.LogRecord, cause error, meta Meta) Item {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if meta.LastError == "" {
		meta.LastError = msg
	}
	if meta.FirstSeen.IsZero() {
		meta.FirstSeen = time.Now().UTC()
	}
	return Item{Records: records, Error: msg, Metadata: meta}
}
