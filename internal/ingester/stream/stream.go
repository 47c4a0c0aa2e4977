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

// Package stream wraps the replayable stream the pipeline hands accepted
// records to. The binding is Redis Streams with consumer groups: producers
// XADD, consumers XREADGROUP, unacked entries stay pending and are
// recoverable via XAUTOCLAIM after an idle timeout.
package stream

import (
	"context"
	"time"
)

// DataField is the single stream field carrying the serialized record.
const DataField = "data"

// Entry is one stream entry as seen by a consumer. ID is the
// stream-assigned id (monotonic per stream); Data is the raw serialized
// record, nil when the entry is malformed (missing the data field).
type Entry struct {
	ID   string
	Data []byte
}

// PendingSummary describes the group's delivered-but-unacked entries.
type PendingSummary struct {
	Count     int64
	Consumers map[string]int64
}

// Client is the consumer-group surface the core requires. Implementations
// must be safe for concurrent use; stream processor workers nevertheless
// hold a dedicated connection each so blocking reads cannot starve other
// work.
type Client interface {
	// Append appends every payload as one logical operation: either all
	// payloads enter the stream or none do.
	Append(ctx context.Context, payloads [][]byte) error

	// CreateGroup creates the consumer group starting at id 0, creating
	// the stream if absent. A pre-existing group is not an error.
	CreateGroup(ctx context.Context) error

	// ReadNew performs a blocking group read of entries never delivered
	// to any consumer (the ">" cursor). A nil slice means no new entries
	// arrived within block.
	ReadNew(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error)

	// ReadPending pages through entries already delivered to this
	// consumer but not acked, starting after startID ("0" for the
	// beginning). It returns the entries and the id to resume from.
	ReadPending(ctx context.Context, consumer string, count int64, startID string) ([]Entry, string, error)

	// AutoClaim atomically reassigns pending entries idle longer than
	// minIdle from any consumer to this one, resuming from cursor
	// ("0-0" for the beginning). It returns the claimed entries and the
	// next cursor ("0-0" when the scan wrapped).
	AutoClaim(ctx context.Context, consumer string, minIdle time.Duration, cursor string, count int64) ([]Entry, string, error)

	// Ack removes the given ids from the pending set.
	Ack(ctx context.Context, ids []string) error

	// PendingInfo summarizes the group's pending entries.
	PendingInfo(ctx context.Context) (PendingSummary, error)

	Close() error
}
