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

// Package coalescer merges small concurrent ingest calls into larger
// batches before they reach the ingestion service. Calls stage into one of
// two pre-allocated buffers; a flush swaps buffers under the lock and runs
// the dispatch outside it, so staging never waits on a dispatch in flight.
// A call is never split across batches, and every caller receives the
// result for exactly its own records.
package coalescer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"logpipe/internal/ingester/core"
	"logpipe/internal/ingester/telemetry"
)

// Flush triggers, recorded per flush in telemetry and stats.
const (
	TriggerSize     = "size"
	TriggerTimer    = "timer"
	TriggerForce    = "force"
	TriggerShutdown = "shutdown"
)

// DispatchFunc processes one coalesced batch and returns one result per
// call sub-range, in order. A non-nil error is batch-wide.
type DispatchFunc func(ctx context.Context, batch core.CoalescedBatch) ([]core.IngestResult, error)

// Config tunes the staging window.
type Config struct {
	// Enabled turns coalescing off entirely when false; every call then
	// dispatches as its own batch.
	Enabled bool
	// MaxWaitTime bounds how long the first staged call waits before a
	// flush. Defaults to 10ms.
	MaxWaitTime time.Duration
	// MaxBatchSize is the record count that triggers an immediate flush.
	// Calls of this size or larger bypass staging. Defaults to 100.
	MaxBatchSize int
}

func (c *Config) applyDefaults() {
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = 10 * time.Millisecond
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
}

type callResult struct {
	res core.IngestResult
	err error
}

// pendingCall is one staged caller: its records and the one-shot channel
// its result is delivered on.
type pendingCall struct {
	records []core.Record
	result  chan callResult
}

// buffer is one staging buffer. Only the coalescer lock guards it while
// staged; during a flush it is owned exclusively by the flushing goroutine.
type buffer struct {
	calls []pendingCall
	total int
}

func (b *buffer) reset() {
	for i := range b.calls {
		b.calls[i] = pendingCall{}
	}
	b.calls = b.calls[:0]
	b.total = 0
}

func (b *buffer) coalesced() core.CoalescedBatch {
	calls := make([][]core.Record, len(b.calls))
	for i := range b.calls {
		calls[i] = b.calls[i].records
	}
	return core.CoalescedBatch{Calls: calls}
}

// Snapshot is the pure stats view of the coalescer.
type Snapshot struct {
	Calls          int64 `json:"calls"`
	Bypassed       int64 `json:"bypassed"`
	Flushes        int64 `json:"flushes"`
	SizeFlushes    int64 `json:"size_flushes"`
	TimerFlushes   int64 `json:"timer_flushes"`
	RecordsFlushed int64 `json:"records_flushed"`
}

// Coalescer stages ingest calls and flushes them as coalesced batches.
// Construct with New, then Start.
type Coalescer struct {
	cfg      Config
	dispatch DispatchFunc
	log      zerolog.Logger

	mu     sync.Mutex
	active *buffer
	spare  *buffer

	// gate serializes flushes; at most one batch is in dispatch at a time,
	// which is what keeps two buffers sufficient.
	gate    chan struct{}
	firstCh chan struct{}
	kickCh  chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	stopped uint32

	calls          atomic.Int64
	bypassed       atomic.Int64
	flushes        atomic.Int64
	sizeFlushes    atomic.Int64
	timerFlushes   atomic.Int64
	recordsFlushed atomic.Int64
}

// New creates a coalescer; no goroutines run until Start.
func New(cfg Config, dispatch DispatchFunc, log zerolog.Logger) *Coalescer {
	cfg.applyDefaults()
	return &Coalescer{
		cfg:      cfg,
		dispatch: dispatch,
		log:      log.With().Str("component", "coalescer").Logger(),
		active:   &buffer{calls: make([]pendingCall, 0, cfg.MaxBatchSize)},
		spare:    &buffer{calls: make([]pendingCall, 0, cfg.MaxBatchSize)},
		gate:     make(chan struct{}, 1),
		firstCh:  make(chan struct{}, 1),
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the flusher goroutine.
func (c *Coalescer) Start() {
	go c.run()
	c.log.Info().
		Bool("enabled", c.cfg.Enabled).
		Dur("max_wait", c.cfg.MaxWaitTime).
		Int("max_batch", c.cfg.MaxBatchSize).
		Msg("coalescer started")
}

// Stop rejects new calls, flushes whatever is staged, and waits for the
// flusher to exit. Safe to call more than once.
func (c *Coalescer) Stop() {
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}
	close(c.stopCh)
	<-c.done
	c.log.Info().Msg("coalescer stopped")
}

// Add stages the call and blocks until its batch is dispatched, returning
// the result for exactly this call's records. Calls at or above
// MaxBatchSize, and every call while coalescing is disabled, bypass staging
// and dispatch immediately as a single-call batch.
func (c *Coalescer) Add(ctx context.Context, records []core.Record) (core.IngestResult, error) {
	if len(records) == 0 {
		return core.IngestResult{}, core.ErrEmptyBatch
	}
	if atomic.LoadUint32(&c.stopped) == 1 {
		return core.IngestResult{}, core.ErrShutdown
	}
	c.calls.Add(1)

	if !c.cfg.Enabled || len(records) >= c.cfg.MaxBatchSize {
		c.bypassed.Add(1)
		return c.dispatchSingle(ctx, records)
	}

	pc := pendingCall{records: records, result: make(chan callResult, 1)}
	c.mu.Lock()
	wasEmpty := c.active.total == 0
	c.active.calls = append(c.active.calls, pc)
	c.active.total += len(records)
	full := c.active.total >= c.cfg.MaxBatchSize
	c.mu.Unlock()

	if wasEmpty {
		signal(c.firstCh)
	}
	if full {
		signal(c.kickCh)
	}

	// Stop may have run the shutdown flush between the entry check and the
	// staging above; a call that staged after that flush has no flusher
	// left to deliver its result. Withdraw it instead of waiting forever.
	if atomic.LoadUint32(&c.stopped) == 1 && c.withdraw(pc) {
		return core.IngestResult{}, core.ErrShutdown
	}

	select {
	case r := <-pc.result:
		return r.res, r.err
	case <-ctx.Done():
		// The records are already staged and will be ingested; only the
		// caller stopped waiting for the outcome.
		return core.IngestResult{}, ctx.Err()
	}
}

// withdraw removes a staged call from the active buffer. It returns false
// when the call is no longer staged, meaning a flush already owns it and
// its result is on the way.
func (c *Coalescer) withdraw(pc pendingCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.active.calls {
		if c.active.calls[i].result == pc.result {
			c.active.calls = append(c.active.calls[:i], c.active.calls[i+1:]...)
			c.active.total -= len(pc.records)
			return true
		}
	}
	return false
}

// ForceFlush dispatches whatever is staged right now. It is a no-op when
// the buffer is empty.
func (c *Coalescer) ForceFlush(ctx context.Context) {
	c.flushOnce(ctx, TriggerForce)
}

// Stats returns a point-in-time snapshot of the coalescer counters.
func (c *Coalescer) Stats() Snapshot {
	return Snapshot{
		Calls:          c.calls.Load(),
		Bypassed:       c.bypassed.Load(),
		Flushes:        c.flushes.Load(),
		SizeFlushes:    c.sizeFlushes.Load(),
		TimerFlushes:   c.timerFlushes.Load(),
		RecordsFlushed: c.recordsFlushed.Load(),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// run is the flusher loop. The wait window opens when the first call of a
// batch stages and closes on the timer, on a size kick, or at shutdown.
func (c *Coalescer) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stopCh:
			c.flushOnce(context.Background(), TriggerShutdown)
			return
		case <-c.kickCh:
			c.flushOnce(context.Background(), TriggerSize)
		case <-c.firstCh:
			timer := time.NewTimer(c.cfg.MaxWaitTime)
			select {
			case <-timer.C:
				c.flushOnce(context.Background(), TriggerTimer)
			case <-c.kickCh:
				timer.Stop()
				c.flushOnce(context.Background(), TriggerSize)
			case <-c.stopCh:
				timer.Stop()
				c.flushOnce(context.Background(), TriggerShutdown)
				return
			}
		}
	}
}

// flushOnce swaps the active buffer out under the lock and dispatches it
// with the lock released. The gate keeps a single dispatch in flight, so
// the spare buffer is always available at swap time.
func (c *Coalescer) flushOnce(ctx context.Context, trigger string) {
	c.gate <- struct{}{}
	defer func() { <-c.gate }()

	c.mu.Lock()
	if c.active.total == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.active
	c.active = c.spare
	c.spare = nil
	c.mu.Unlock()

	c.flushes.Add(1)
	c.recordsFlushed.Add(int64(batch.total))
	switch trigger {
	case TriggerSize:
		c.sizeFlushes.Add(1)
	case TriggerTimer:
		c.timerFlushes.Add(1)
	}
	telemetry.CoalescerFlushes.WithLabelValues(trigger).Inc()
	telemetry.CoalescedBatchSize.Observe(float64(batch.total))

	results, err := c.dispatch(ctx, batch.coalesced())
	c.fanOut(batch, results, err)

	batch.reset()
	c.mu.Lock()
	c.spare = batch
	c.mu.Unlock()
}

// fanOut delivers per-call results, or the batch-wide error to every
// caller when dispatch failed.
func (c *Coalescer) fanOut(b *buffer, results []core.IngestResult, err error) {
	if err == nil && len(results) != len(b.calls) {
		err = fmt.Errorf("dispatch returned %d results for %d calls", len(results), len(b.calls))
	}
	if err != nil {
		c.log.Error().Err(err).Int("calls", len(b.calls)).Int("records", b.total).Msg("coalesced batch failed")
		for i := range b.calls {
			b.calls[i].result <- callResult{err: err}
		}
		return
	}
	for i := range b.calls {
		b.calls[i].result <- callResult{res: results[i]}
	}
}

func (c *Coalescer) dispatchSingle(ctx context.Context, records []core.Record) (core.IngestResult, error) {
	telemetry.CoalescerFlushes.WithLabelValues("bypass").Inc()
	telemetry.CoalescedBatchSize.Observe(float64(len(records)))
	results, err := c.dispatch(ctx, core.CoalescedBatch{Calls: [][]core.Record{records}})
	if err != nil {
		return core.IngestResult{}, err
	}
	if len(results) != 1 {
		return core.IngestResult{}, fmt.Errorf("dispatch returned %d results for 1 call", len(results))
	}
	return results[0], nil
}
