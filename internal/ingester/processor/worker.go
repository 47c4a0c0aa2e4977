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

// Package processor consumes the replayable stream and commits records to
// the columnar store. Each worker owns a dedicated stream connection and a
// private staging buffer; the commit order is binding for crash safety:
// insert to the store first, ack the stream only after the insert
// succeeded. An entry is therefore never lost — until its ack lands it
// stays pending in the consumer group and is re-claimed by the next worker
// or the next process lifetime.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"logpipe/internal/ingester/core"
	"logpipe/internal/ingester/deadletter"
	"logpipe/internal/ingester/stream"
	"logpipe/internal/ingester/telemetry"
)

// State is the worker lifecycle state.
type State int32

const (
	StateInit State = iota
	StateRecoveringSelf
	StateRecoveringClaims
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRecoveringSelf:
		return "recovering-self"
	case StateRecoveringClaims:
		return "recovering-claims"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Recovery phases, used as the metric label.
const (
	phaseSelf  = "self"
	phaseClaim = "claim"
)

// Config tunes one stream processor worker.
type Config struct {
	// Consumer is this worker's consumer-group name; it must be unique
	// within the group and stable across restarts so self-owned pending
	// entries are found again.
	Consumer string
	// ReadBatch caps entries per stream read. Defaults to 2000.
	ReadBatch int64
	// ReadBlock is how long a group read blocks waiting for new entries.
	// Defaults to 100ms; it bounds shutdown latency.
	ReadBlock time.Duration
	// BufferMaxBatch is the size flush trigger. Defaults to 100000.
	BufferMaxBatch int
	// BufferMaxWait is the time flush trigger, measured from the first
	// entry staged into the current buffer. Defaults to 1s.
	BufferMaxWait time.Duration
	// PollInterval is the idle sleep when a read returns nothing.
	// Defaults to 5ms.
	PollInterval time.Duration
	// ClaimMinIdle is how long an entry must sit pending on another
	// consumer before this worker may claim it. Defaults to 30s.
	ClaimMinIdle time.Duration
	// ClaimInterval schedules the periodic auto-claim pass while running.
	// Defaults to ClaimMinIdle.
	ClaimInterval time.Duration
	// DrainTimeout is the hard stop deadline; exceeding it abandons the
	// in-flight commit to the next process lifetime. Defaults to 10s.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadBatch <= 0 {
		c.ReadBatch = 2000
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = 100 * time.Millisecond
	}
	if c.BufferMaxBatch <= 0 {
		c.BufferMaxBatch = 100000
	}
	if c.BufferMaxWait <= 0 {
		c.BufferMaxWait = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Millisecond
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 30 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = c.ClaimMinIdle
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// Snapshot is the pure stats view of one worker.
type Snapshot struct {
	Consumer       string `json:"consumer"`
	State          string `json:"state"`
	BufferFill     int    `json:"buffer_fill"`
	EntriesRead    int64  `json:"entries_read"`
	Recovered      int64  `json:"recovered"`
	Committed      int64  `json:"committed"`
	CommitFailures int64  `json:"commit_failures"`
	Acked          int64  `json:"acked"`
	AckFailures    int64  `json:"ack_failures"`
	Poisoned       int64  `json:"poisoned"`
}

// Inserter is the columnar surface the worker commits to. The worker never
// owns the connection's lifecycle, so Close is deliberately absent.
type Inserter interface {
	Insert(ctx context.Context, rows []core.LogRecord) error
}

// Worker is one stream processor instance. Construct with New, then Start.
type Worker struct {
	cfg    Config
	stream stream.Client
	store  Inserter
	dlq    deadletter.Queue
	log    zerolog.Logger

	// buf* are owned by the run goroutine (and by Start during recovery,
	// which happens-before the run goroutine launches).
	bufIDs  []string
	bufRows []core.LogRecord
	firstAt time.Time

	// gate keeps a single commit in flight; reads keep staging into the
	// successor buffer while a commit runs.
	gate   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	state      atomic.Int32
	bufferFill atomic.Int64

	entriesRead    atomic.Int64
	recovered      atomic.Int64
	committed      atomic.Int64
	commitFailures atomic.Int64
	acked          atomic.Int64
	ackFailures    atomic.Int64
	poisoned       atomic.Int64
}

// New creates a worker; no goroutines run and no reads happen until Start.
func New(cfg Config, sc stream.Client, store Inserter, dlq deadletter.Queue, log zerolog.Logger) *Worker {
	cfg.applyDefaults()
	return &Worker{
		cfg:     cfg,
		stream:  sc,
		store:   store,
		dlq:     dlq,
		log:     log.With().Str("component", "processor").Str("consumer", cfg.Consumer).Logger(),
		bufIDs:  make([]string, 0, 1024),
		bufRows: make([]core.LogRecord, 0, 1024),
		gate:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State returns the worker's lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Stats returns a point-in-time snapshot of the worker counters.
func (w *Worker) Stats() Snapshot {
	return Snapshot{
		Consumer:       w.cfg.Consumer,
		State:          w.State().String(),
		BufferFill:     int(w.bufferFill.Load()),
		EntriesRead:    w.entriesRead.Load(),
		Recovered:      w.recovered.Load(),
		Committed:      w.committed.Load(),
		CommitFailures: w.commitFailures.Load(),
		Acked:          w.acked.Load(),
		AckFailures:    w.ackFailures.Load(),
		Poisoned:       w.poisoned.Load(),
	}
}

// Start runs recovery synchronously, then launches the steady-state loop.
// The worker does not serve new entries until both recovery phases finish,
// so everything this consumer owed from a previous life is staged first.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.stream.CreateGroup(ctx); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	w.state.Store(int32(StateRecoveringSelf))
	if err := w.recoverSelf(ctx); err != nil {
		return fmt.Errorf("recover self-pending: %w", err)
	}

	w.state.Store(int32(StateRecoveringClaims))
	if err := w.recoverClaims(ctx); err != nil {
		return fmt.Errorf("recover abandoned pending: %w", err)
	}

	w.state.Store(int32(StateRunning))
	w.log.Info().Int64("recovered", w.recovered.Load()).Msg("worker running")
	go w.run()
	return nil
}

// Stop transitions the worker to Draining: reads stop, the buffer is
// flushed once, and the in-flight commit is awaited up to DrainTimeout.
// On timeout the remaining entries stay pending in the stream, which is
// safe; the stream is authoritative.
func (w *Worker) Stop() {
	if !w.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return
	}
	close(w.stopCh)
	select {
	case <-w.done:
	case <-time.After(w.cfg.DrainTimeout):
		w.log.Warn().Dur("timeout", w.cfg.DrainTimeout).Msg("drain deadline exceeded, abandoning in-flight entries to the stream")
	}
	w.state.Store(int32(StateStopped))
}

// recoverSelf pages through this consumer's own pending entries from the
// beginning of the pending list.
func (w *Worker) recoverSelf(ctx context.Context) error {
	cursor := "0"
	for {
		entries, next, err := w.stream.ReadPending(ctx, w.cfg.Consumer, w.cfg.ReadBatch, cursor)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		w.stage(ctx, entries, phaseSelf)
		if int64(len(entries)) < w.cfg.ReadBatch {
			return nil
		}
		cursor = next
	}
}

// recoverClaims sweeps the whole group for entries idle past ClaimMinIdle
// and takes ownership of them.
func (w *Worker) recoverClaims(ctx context.Context) error {
	cursor := "0-0"
	for {
		entries, next, err := w.stream.AutoClaim(ctx, w.cfg.Consumer, w.cfg.ClaimMinIdle, cursor, w.cfg.ReadBatch)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			w.stage(ctx, entries, phaseClaim)
		}
		if next == "0-0" || next == "" {
			return nil
		}
		cursor = next
	}
}

// run is the steady-state loop: read new entries, stage them, flush on the
// size or time trigger, and periodically re-claim abandoned entries.
func (w *Worker) run() {
	defer close(w.done)
	ctx := context.Background()
	lastClaim := time.Now()

	for {
		select {
		case <-w.stopCh:
			w.drain(ctx)
			return
		default:
		}

		if !w.firstAt.IsZero() && time.Since(w.firstAt) >= w.cfg.BufferMaxWait {
			w.tryFlush(ctx, false)
		}
		if time.Since(lastClaim) >= w.cfg.ClaimInterval {
			lastClaim = time.Now()
			if err := w.recoverClaims(ctx); err != nil {
				w.log.Error().Err(err).Msg("periodic auto-claim failed")
			}
		}

		entries, err := w.stream.ReadNew(ctx, w.cfg.Consumer, w.cfg.ReadBatch, w.cfg.ReadBlock)
		if err != nil {
			w.log.Error().Err(err).Msg("stream read failed")
			w.sleep(w.cfg.PollInterval)
			continue
		}
		if len(entries) == 0 {
			w.sleep(w.cfg.PollInterval)
			continue
		}
		w.entriesRead.Add(int64(len(entries)))
		w.stage(ctx, entries, "")
	}
}

// sleep waits for d or for shutdown, whichever comes first.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-w.stopCh:
	}
}

// stage parses entries into the buffer. Malformed entries are acked and
// dropped immediately so they can never poison-pill the group. A non-empty
// phase marks the entries as recovered rather than fresh.
func (w *Worker) stage(ctx context.Context, entries []stream.Entry, phase string) {
	var poison []string
	for _, e := range entries {
		if e.Data == nil {
			poison = append(poison, e.ID)
			continue
		}
		var row core.LogRecord
		if err := json.Unmarshal(e.Data, &row); err != nil {
			w.log.Warn().Str("entry", e.ID).Err(err).Msg("dropping malformed stream entry")
			poison = append(poison, e.ID)
			continue
		}
		if len(w.bufIDs) == 0 {
			w.firstAt = time.Now()
		}
		w.bufIDs = append(w.bufIDs, e.ID)
		w.bufRows = append(w.bufRows, row)
	}

	if phase != "" {
		n := len(entries) - len(poison)
		w.recovered.Add(int64(n))
		telemetry.RecoveredEntries.WithLabelValues(phase).Add(float64(n))
	}

	if len(poison) > 0 {
		w.poisoned.Add(int64(len(poison)))
		telemetry.PoisonEntries.Add(float64(len(poison)))
		if err := w.stream.Ack(ctx, poison); err != nil {
			w.log.Error().Err(err).Int("entries", len(poison)).Msg("failed to ack poison entries")
		}
	}

	w.syncFill()
	if len(w.bufIDs) >= w.cfg.BufferMaxBatch {
		w.tryFlush(ctx, false)
	}
}

func (w *Worker) syncFill() {
	w.bufferFill.Store(int64(len(w.bufIDs)))
	telemetry.ConsumerBufferFill.WithLabelValues(w.cfg.Consumer).Set(float64(len(w.bufIDs)))
}

// tryFlush hands the current buffer to a commit. With a commit already in
// flight the trigger is absorbed; the buffer keeps accumulating and the
// next trigger retries. When wait is true the commit runs inline after the
// in-flight one finishes (the drain path).
func (w *Worker) tryFlush(ctx context.Context, wait bool) {
	if len(w.bufIDs) == 0 {
		return
	}
	if wait {
		w.gate <- struct{}{}
	} else {
		select {
		case w.gate <- struct{}{}:
		default:
			return
		}
	}

	ids, rows := w.bufIDs, w.bufRows
	w.bufIDs = make([]string, 0, cap(ids))
	w.bufRows = make([]core.LogRecord, 0, cap(rows))
	w.firstAt = time.Time{}
	w.syncFill()

	if wait {
		w.commit(ctx, ids, rows)
		<-w.gate
		return
	}
	go func() {
		w.commit(ctx, ids, rows)
		<-w.gate
	}()
}

// commit is the crash-safety critical sequence: store insert first, stream
// ack only after the insert succeeded.
func (w *Worker) commit(ctx context.Context, ids []string, rows []core.LogRecord) {
	if err := w.store.Insert(ctx, rows); err != nil {
		w.commitFailures.Add(1)
		telemetry.CommitErrors.Inc()
		w.log.Error().Err(err).Int("rows", len(rows)).Msg("columnar commit failed, handing batch to dead-letter")
		if dlErr := w.dlq.QueueForRetry(ctx, rows, err, deadletter.Meta{SourceComponent: "processor/" + w.cfg.Consumer}); dlErr != nil {
			w.log.Error().Err(dlErr).Msg("dead-letter enqueue failed; entries remain pending in the stream")
		}
		// No ack: the ids stay pending and will be re-claimed.
		return
	}
	w.committed.Add(int64(len(rows)))

	if err := w.stream.Ack(ctx, ids); err != nil {
		// The rows are committed; a re-claimed repeat commit is tolerable.
		w.ackFailures.Add(1)
		telemetry.AckErrors.Inc()
		w.log.Error().Err(err).Int("entries", len(ids)).Msg("ack failed after successful commit")
		return
	}
	w.acked.Add(int64(len(ids)))
}

// drain flushes the buffer once and waits for the in-flight commit.
func (w *Worker) drain(ctx context.Context) {
	w.tryFlush(ctx, true)
	// Wait out a commit launched before drain started.
	w.gate <- struct{}{}
	<-w.gate
	w.log.Info().Msg("worker drained")
}

// ErrNotRunning is returned by Ping when the worker is not in Running state.
var ErrNotRunning = errors.New("worker not running")

// Ping reports whether the worker is serving.
func (w *Worker) Ping() error {
	if w.State() != StateRunning {
		return ErrNotRunning
	}
	return nil
}
