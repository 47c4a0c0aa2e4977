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

package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the pipeline can produce. Positional
// errors never escape their batch; batch-wide kinds are returned to all
// callers of the coalesced batch with a single identity; infrastructure
// kinds inside the stream processors never reach a caller.
type ErrorKind string

const (
	KindValidation              ErrorKind = "validation_error"
	KindOverloaded              ErrorKind = "overloaded"
	KindWorkerLost              ErrorKind = "worker_lost"
	KindStorageUnavailable      ErrorKind = "storage_unavailable"
	KindCommitFailed            ErrorKind = "commit_failed"
	KindPoisonEntry             ErrorKind = "poison_entry"
	KindIdempotencyUnavailable  ErrorKind = "idempotency_unavailable"
	KindStaleClaim              ErrorKind = "stale_claim"
	KindShutdown                ErrorKind = "shutdown"
)

// Batch-wide sentinel errors. Callers match these with errors.Is.
var (
	// ErrOverloaded is returned when a submission exceeds a queue depth
	// bound; the caller receives it fast, before any work is attempted.
	ErrOverloaded = errors.New("overloaded")

	// ErrWorkerLost reports that a pool worker died while owning a task.
	ErrWorkerLost = errors.New("worker lost")

	// ErrStorageUnavailable reports a failed stream append; nothing from
	// the coalesced batch was accepted.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrEmptyBatch reports an ingest call with zero records.
	ErrEmptyBatch = errors.New("batch contains no records")

	// ErrShutdown reports that the pipeline is draining and no longer
	// accepts new calls.
	ErrShutdown = errors.New("pipeline shutting down")
)

// PositionalError reports a single rejected record by its offset in the
// caller's input array. It is a value, not an error return: validation
// never aborts a batch.
type PositionalError struct {
	Index   int
	Kind    ErrorKind
	Message string
}

// Error implements the error interface for logging convenience.
func (e PositionalError) Error() string {
	return fmt.Sprintf("record %d: %s", e.Index, e.Message)
}

// ToIngestError converts to the caller-facing shape.
func (e PositionalError) ToIngestError() IngestError {
	return IngestError{Index: e.Index, Error: e.Message}
}
