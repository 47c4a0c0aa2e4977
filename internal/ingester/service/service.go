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

// Package service implements the ingestion service: it accepts a coalesced
// batch, validates it (inline for small batches, on the worker pool for
// large ones), appends accepted records to the replayable stream as one
// logical operation, and maps positional errors back to each caller's
// sub-range.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"logpipe/internal/ingester/core"
	"logpipe/internal/ingester/stream"
	"logpipe/internal/ingester/telemetry"
	"logpipe/internal/ingester/workerpool"
)

// Config tunes the validation strategy.
type Config struct {
	// SmallBatchThreshold and below validates inline on the caller's
	// goroutine; above it validation is offloaded to the worker pool.
	SmallBatchThreshold int
	// WorkerValidation disables the offload entirely when false.
	WorkerValidation bool
}

// ValidationRequest is the worker pool payload for batch validation.
type ValidationRequest struct {
	Records []core.Record
	Now     time.Time
}

// ValidationResponse mirrors core.ValidateBatch's return values.
type ValidationResponse struct {
	Valid  []core.LogRecord
	Errors []core.PositionalError
}

// ValidationHandler is the worker pool handler wired at startup.
func ValidationHandler(kind workerpool.TaskKind, payload any) (any, error) {
	switch kind {
	case workerpool.KindHealthCheck:
		return "ok", nil
	case workerpool.KindValidation:
		req, ok := payload.(ValidationRequest)
		if !ok {
			return nil, fmt.Errorf("unexpected validation payload %T", payload)
		}
		valid, errs := core.ValidateBatch(req.Records, req.Now)
		return ValidationResponse{Valid: valid, Errors: errs}, nil
	default:
		return nil, fmt.Errorf("unknown task kind %d", kind)
	}
}

// Snapshot is the pure stats view of the service.
type Snapshot struct {
	Batches          int64 `json:"batches"`
	RecordsAccepted  int64 `json:"records_accepted"`
	RecordsRejected  int64 `json:"records_rejected"`
	StorageFailures  int64 `json:"storage_failures"`
	WorkerFallbacks  int64 `json:"worker_fallbacks"`
	OffloadedBatches int64 `json:"offloaded_batches"`
}

// Service is the ingestion service. Construct with New.
type Service struct {
	cfg    Config
	pool   *workerpool.Pool
	stream stream.Client
	log    zerolog.Logger
	now    func() time.Time

	batches   atomic.Int64
	accepted  atomic.Int64
	rejected  atomic.Int64
	storage   atomic.Int64
	fallbacks atomic.Int64
	offloaded atomic.Int64
}

// New creates the service. pool may be nil, which forces inline validation.
func New(cfg Config, pool *workerpool.Pool, sc stream.Client, log zerolog.Logger) *Service {
	if cfg.SmallBatchThreshold <= 0 {
		cfg.SmallBatchThreshold = 50
	}
	return &Service{
		cfg:    cfg,
		pool:   pool,
		stream: sc,
		log:    log.With().Str("component", "ingest-service").Logger(),
		now:    time.Now,
	}
}

// ProcessBatch runs the full producer-side pipeline for one coalesced
// batch. On success it returns one IngestResult per caller sub-range, in
// order. A non-nil error is batch-wide: no records were accepted and every
// caller must be failed with it.
func (s *Service) ProcessBatch(ctx context.Context, batch core.CoalescedBatch) ([]core.IngestResult, error) {
	start := time.Now()
	total := batch.TotalRecords()
	if total == 0 {
		return nil, core.ErrEmptyBatch
	}
	s.batches.Add(1)

	// One counting pass sizes everything exactly: the flattened input and
	// the per-call offset table used for O(1) error mapping.
	flat := make([]core.Record, 0, total)
	starts := make([]int, len(batch.Calls)+1)
	for i, call := range batch.Calls {
		starts[i] = len(flat)
		flat = append(flat, call...)
	}
	starts[len(batch.Calls)] = len(flat)

	valid, perrs, err := s.validate(ctx, flat)
	if err != nil {
		return nil, err
	}

	if len(valid) > 0 {
		if err := s.append(ctx, valid); err != nil {
			s.storage.Add(1)
			telemetry.StreamAppendErrors.Inc()
			return nil, fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
		}
		telemetry.StreamAppends.Add(float64(len(valid)))
	}

	// Count errors per call via the offset table; perrs carry flattened
	// indices and arrive in input order.
	results := make([]core.IngestResult, len(batch.Calls))
	errCursor := 0
	for i := range batch.Calls {
		callLen := starts[i+1] - starts[i]
		r := core.IngestResult{Errors: []core.IngestError{}}
		for errCursor < len(perrs) && perrs[errCursor].Index < starts[i+1] {
			pe := perrs[errCursor]
			if len(r.Errors) < core.MaxReportedErrors {
				r.Errors = append(r.Errors, core.IngestError{Index: pe.Index - starts[i], Error: pe.Message})
			}
			r.Rejected++
			errCursor++
		}
		r.Accepted = callLen - r.Rejected
		r.FinalizeTiming(start)
		results[i] = r

		s.accepted.Add(int64(r.Accepted))
		s.rejected.Add(int64(r.Rejected))
		telemetry.RecordsAccepted.Add(float64(r.Accepted))
		telemetry.RecordsRejected.Add(float64(r.Rejected))
	}
	return results, nil
}

// validate picks the strategy: inline for small batches or when the pool is
// absent, otherwise offload. A lost worker is retried exactly once by
// falling back to inline validation.
func (s *Service) validate(ctx context.Context, flat []core.Record) ([]core.LogRecord, []core.PositionalError, error) {
	now := s.now()
	if s.pool == nil || !s.cfg.WorkerValidation || len(flat) <= s.cfg.SmallBatchThreshold {
		valid, perrs := core.ValidateBatch(flat, now)
		return valid, perrs, nil
	}

	s.offloaded.Add(1)
	res, err := s.pool.Execute(ctx, workerpool.KindValidation, ValidationRequest{Records: flat, Now: now})
	if err != nil {
		if errors.Is(err, core.ErrWorkerLost) {
			s.fallbacks.Add(1)
			s.log.Warn().Err(err).Int("records", len(flat)).Msg("validation worker lost, retrying inline")
			valid, perrs := core.ValidateBatch(flat, now)
			return valid, perrs, nil
		}
		return nil, nil, err
	}
	resp, ok := res.(ValidationResponse)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected validation response %T", res)
	}
	return resp.Valid, resp.Errors, nil
}

// append serializes the accepted records and appends them to the stream as
// one all-or-nothing operation.
func (s *Service) append(ctx context.Context, records []core.LogRecord) error {
	payloads := make([][]byte, len(records))
	for i := range records {
		raw, err := json.Marshal(&records[i])
		if err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
		payloads[i] = raw
	}
	return s.stream.Append(ctx, payloads)
}

// Stats returns a point-in-time snapshot of the service counters.
func (s *Service) Stats() Snapshot {
	return Snapshot{
		Batches:          s.batches.Load(),
		RecordsAccepted:  s.accepted.Load(),
		RecordsRejected:  s.rejected.Load(),
		StorageFailures:  s.storage.Load(),
		WorkerFallbacks:  s.fallbacks.Load(),
		OffloadedBatches: s.offloaded.Load(),
	}
}
