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

// Package core defines the shared data model of the ingestion pipeline:
// raw records as they arrive from callers, normalized records as they flow
// through the stream, per-call results, and the error taxonomy. It also
// hosts the validator, which is the only component allowed to turn a raw
// record into a normalized one.
package core

import "time"

// Record is the raw, untyped input shape as decoded from a caller's JSON
// payload. Validation turns it into a LogRecord or a PositionalError.
type Record map[string]any

// Log levels accepted by the pipeline. Incoming levels are matched
// case-insensitively and normalized to these exact values.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelFatal = "FATAL"
)

// validLevels is the closed set of normalized level values.
var validLevels = map[string]struct{}{
	LevelDebug: {},
	LevelInfo:  {},
	LevelWarn:  {},
	LevelError: {},
	LevelFatal: {},
}

// DefaultEnvironment is assigned when a record carries no environment field.
const DefaultEnvironment = "development"

// LogRecord is a record that has passed validation. Invariants: all required
// fields are present, Level is one of the Level* constants, Timestamp is a
// concrete instant, ID is a UUID unique within its batch, and Metadata is a
// (possibly empty) string-to-string mapping, never nil and never a scalar.
//
// The JSON encoding of a LogRecord is the wire format used both for stream
// entries (single "data" field) and for columnar inserts (JSONEachRow).
type LogRecord struct {
	ID          string            `json:"id"`
	AppID       string            `json:"app_id"`
	Message     string            `json:"message"`
	Level       string            `json:"level"`
	Source      string            `json:"source"`
	Environment string            `json:"environment"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata"`
	TraceID     string            `json:"trace_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
}

// CoalescedBatch is the unit handed from the coalescer to the ingestion
// service: one entry per caller, each preserving that caller's record order.
// The concatenation of Calls is the logical batch; sub-range offsets are
// derived by the service in a single counting pass.
type CoalescedBatch struct {
	Calls [][]Record
}

// TotalRecords returns the number of records across all calls.
func (b CoalescedBatch) TotalRecords() int {
	n := 0
	for _, c := range b.Calls {
		n += len(c)
	}
	return n
}

// IngestError is the caller-facing shape of a positional error.
type IngestError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// MaxReportedErrors bounds the Errors slice in an IngestResult. Rejected
// counts are exact even when the error list is truncated.
const MaxReportedErrors = 100

// IngestResult is the per-call outcome of an ingest operation.
// Accepted + Rejected always equals the number of records in the call.
type IngestResult struct {
	Accepted         int           `json:"accepted"`
	Rejected         int           `json:"rejected"`
	Errors           []IngestError `json:"errors"`
	ProcessingTimeMs int64         `json:"processing_time_ms"`
	Throughput       float64       `json:"throughput"`
}

// FinalizeTiming stamps the timing-derived fields from the given start time.
func (r *IngestResult) FinalizeTiming(start time.Time) {
	elapsed := time.Since(start)
	r.ProcessingTimeMs = elapsed.Milliseconds()
	if secs := elapsed.Seconds(); secs > 0 {
		r.Throughput = float64(r.Accepted) / secs
	}
}
