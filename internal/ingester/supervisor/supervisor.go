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

// Package supervisor owns the pipeline's component lifecycle and the
// public Ingest entry point. Startup wires components in dependency order;
// shutdown unwinds them in reverse, each step bounded by a time budget so
// a stuck dependency degrades to a logged warning instead of a hung
// process.
package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"logpipe/internal/ingester/coalescer"
	"logpipe/internal/ingester/columnar"
	"logpipe/internal/ingester/config"
	"logpipe/internal/ingester/core"
	"logpipe/internal/ingester/deadletter"
	"logpipe/internal/ingester/idempotency"
	"logpipe/internal/ingester/processor"
	"logpipe/internal/ingester/service"
	"logpipe/internal/ingester/stats"
	"logpipe/internal/ingester/stream"
	"logpipe/internal/ingester/telemetry"
	"logpipe/internal/ingester/workerpool"
)

// idemPollInterval is how often a losing concurrent call re-checks a
// pending reservation for the winner's response.
const idemPollInterval = 25 * time.Millisecond

// Pipeline is the assembled ingestion pipeline. Construct with New, then
// Start; Ingest is safe for concurrent use between Start and Stop.
type Pipeline struct {
	cfg config.Config
	log zerolog.Logger

	redisClient redis.UniversalClient
	producer    stream.Client
	workerConns []redis.UniversalClient
	idem        idempotency.Store
	store       columnar.Store
	dlq         deadletter.Queue
	pool        *workerpool.Pool
	svc         *service.Service
	coal        *coalescer.Coalescer
	workers     []*processor.Worker

	startedAt time.Time
	stopped   uint32

	idemHits   atomic.Int64
	idemMisses atomic.Int64
	idemErrors atomic.Int64
}

// New creates an unstarted pipeline.
func New(cfg config.Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, log: log.With().Str("component", "supervisor").Logger()}
}

// Start brings the pipeline up in dependency order: external connections,
// idempotency store, columnar store, worker pool, stream processors (each
// recovers its pending entries before serving), ingestion service, and the
// coalescer last. Any failure tears down what already started.
func (p *Pipeline) Start(ctx context.Context) error {
	p.startedAt = time.Now()

	p.redisClient = redis.NewClient(&redis.Options{Addr: p.cfg.RedisAddr})
	if err := p.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %q: %w", p.cfg.RedisAddr, err)
	}

	p.idem = idempotency.NewRedis(p.redisClient, p.cfg.IdempotencyKeyPrefix)
	p.dlq = deadletter.NewRedis(p.redisClient, p.cfg.DeadLetterKey)

	store, err := columnar.Open(ctx, columnar.Options{
		Addr:     p.cfg.ClickHouseAddr,
		Database: p.cfg.ClickHouseDatabase,
		Table:    p.cfg.ClickHouseTable,
		Username: p.cfg.ClickHouseUser,
		Password: p.cfg.ClickHousePassword,
	}, p.log)
	if err != nil {
		p.teardown()
		return err
	}
	p.store = store

	p.producer = stream.NewRedisClient(p.redisClient, p.cfg.StreamKey, p.cfg.ConsumerGroup)
	if err := p.producer.CreateGroup(ctx); err != nil {
		p.teardown()
		return err
	}

	p.pool = workerpool.New(workerpool.Config{
		MinWorkers:  p.cfg.MinWorkers,
		MaxWorkers:  p.cfg.MaxWorkers,
		TaskTimeout: p.cfg.WorkerTaskTimeout,
	}, service.ValidationHandler, p.log)
	p.pool.Start()

	for i := 0; i < p.cfg.ProcessorCount; i++ {
		// Dedicated connection per worker so blocking group reads never
		// starve the producer or the other workers.
		conn := redis.NewClient(&redis.Options{Addr: p.cfg.RedisAddr})
		p.workerConns = append(p.workerConns, conn)
		w := processor.New(processor.Config{
			Consumer:       fmt.Sprintf("worker-%d", i),
			ReadBatch:      p.cfg.StreamReadBatch,
			BufferMaxBatch: p.cfg.BufferMaxBatchSize,
			BufferMaxWait:  p.cfg.BufferMaxWait,
			PollInterval:   p.cfg.PollInterval,
			ClaimMinIdle:   p.cfg.ClaimMinIdle,
		}, stream.NewRedisClient(conn, p.cfg.StreamKey, p.cfg.ConsumerGroup), p.store, p.dlq, p.log)
		if err := w.Start(ctx); err != nil {
			p.teardown()
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}

	p.svc = service.New(service.Config{
		SmallBatchThreshold: p.cfg.SmallBatchThreshold,
		WorkerValidation:    p.cfg.WorkerValidation,
	}, p.pool, p.producer, p.log)

	p.coal = coalescer.New(coalescer.Config{
		Enabled:      p.cfg.CoalescerEnabled,
		MaxWaitTime:  p.cfg.CoalescerMaxWait,
		MaxBatchSize: p.cfg.CoalescerMaxBatchSize,
	}, p.svc.ProcessBatch, p.log)
	p.coal.Start()

	p.log.Info().Int("processors", len(p.workers)).Msg("pipeline started")
	return nil
}

// Stop unwinds the pipeline in reverse startup order. Every step runs
// under a budget derived from the configured grace period; a step that
// exceeds its budget is logged and abandoned rather than allowed to hang
// the shutdown.
func (p *Pipeline) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	budget := p.cfg.ShutdownGrace / 4
	if budget <= 0 {
		budget = 5 * time.Second
	}

	if p.coal != nil {
		p.step("coalescer", budget, func() {
			p.coal.ForceFlush(context.Background())
			p.coal.Stop()
		})
	}
	if len(p.workers) > 0 {
		p.step("processors", budget, func() {
			var g errgroup.Group
			for _, w := range p.workers {
				w := w
				g.Go(func() error {
					w.Stop()
					return nil
				})
			}
			_ = g.Wait()
		})
	}
	if p.pool != nil {
		p.step("worker-pool", budget, p.pool.Stop)
	}
	p.step("connections", budget, p.teardown)
	p.log.Info().Msg("pipeline stopped")
}

// teardown closes external connections; safe on a partially built pipeline.
func (p *Pipeline) teardown() {
	for _, c := range p.workerConns {
		_ = c.Close()
	}
	p.workerConns = nil
	if p.store != nil {
		_ = p.store.Close()
		p.store = nil
	}
	if p.redisClient != nil {
		_ = p.redisClient.Close()
		p.redisClient = nil
	}
}

// step runs fn, bounded by budget.
func (p *Pipeline) step(name string, budget time.Duration, fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(budget):
		p.log.Warn().Str("step", name).Dur("budget", budget).Msg("shutdown step exceeded its budget, continuing")
	}
}

// Ingest is the public entry point. With an empty idempotency key the call
// goes straight to the coalescer. With a key, concurrent calls race for a
// pending reservation: exactly one performs the ingest, the rest replay
// its response. A backend failure on the idempotency store degrades open
// so ingestion never stalls on the cache.
func (p *Pipeline) Ingest(ctx context.Context, records []core.Record, idemKey string) (core.IngestResult, error) {
	if atomic.LoadUint32(&p.stopped) == 1 {
		return core.IngestResult{}, core.ErrShutdown
	}
	if idemKey == "" {
		return p.coal.Add(ctx, records)
	}

	snap, err := p.idem.Get(ctx, idemKey)
	if err != nil {
		p.idemDegrade(err)
		return p.coal.Add(ctx, records)
	}
	if snap != nil {
		return p.awaitSnapshot(ctx, idemKey, snap)
	}

	won, err := p.idem.SetNX(ctx, idemKey, idempotency.Snapshot{State: idempotency.StatePending}, p.cfg.IdempotencyTTL)
	if err != nil {
		p.idemDegrade(err)
		return p.coal.Add(ctx, records)
	}
	if !won {
		// Lost the race; the winner inserted its reservation between the
		// Get above and this SetNX. Fetch it and wait for the response.
		snap, err = p.idem.Get(ctx, idemKey)
		if err != nil {
			p.idemDegrade(err)
			return p.coal.Add(ctx, records)
		}
		return p.awaitSnapshot(ctx, idemKey, snap)
	}

	p.idemMisses.Add(1)
	telemetry.IdempotencyMisses.Inc()

	// Once staged the records outlive the caller, so the ingest itself must
	// not be cancelable: a hung-up caller would otherwise delete the
	// reservation while its records still land, and a retry with the same
	// key would append them a second time.
	result, err := p.coal.Add(context.WithoutCancel(ctx), records)
	if err != nil {
		// Release the reservation so a retry with the same key can run.
		if delErr := p.idem.Delete(context.WithoutCancel(ctx), idemKey); delErr != nil {
			p.log.Error().Err(delErr).Str("key", idemKey).Msg("failed to release idempotency reservation")
		}
		return result, err
	}
	if setErr := p.idem.Set(context.WithoutCancel(ctx), idemKey, idempotency.Snapshot{
		State:  idempotency.StateComplete,
		Result: result,
	}, p.cfg.IdempotencyTTL); setErr != nil {
		p.idemDegrade(setErr)
	}
	return result, nil
}

// awaitSnapshot replays a cached response, polling while the winner's
// reservation is still pending. If the reservation vanishes the winner's
// ingest failed and released it; this caller cannot take over mid-flight,
// so it gets a retryable error instead.
func (p *Pipeline) awaitSnapshot(ctx context.Context, key string, snap *idempotency.Snapshot) (core.IngestResult, error) {
	for {
		if snap != nil && snap.State == idempotency.StateComplete {
			p.idemHits.Add(1)
			telemetry.IdempotencyHits.Inc()
			return snap.Result, nil
		}
		if snap == nil {
			// The winner's reservation vanished: its ingest failed and the
			// reservation was released. Surface a retryable error.
			return core.IngestResult{}, core.ErrStorageUnavailable
		}

		select {
		case <-time.After(idemPollInterval):
		case <-ctx.Done():
			return core.IngestResult{}, ctx.Err()
		}

		var err error
		snap, err = p.idem.Get(ctx, key)
		if err != nil {
			p.idemDegrade(err)
			return core.IngestResult{}, err
		}
	}
}

func (p *Pipeline) idemDegrade(err error) {
	p.idemErrors.Add(1)
	telemetry.IdempotencyErrors.Inc()
	p.log.Warn().Err(err).Msg("idempotency store unavailable, degrading open")
}

// Stats composes the per-component snapshots into one report.
func (p *Pipeline) Stats(ctx context.Context) stats.Report {
	dl, err := p.dlq.Stats(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("dead-letter stats unavailable")
	}
	procs := make([]processor.Snapshot, len(p.workers))
	for i, w := range p.workers {
		procs[i] = w.Stats()
	}
	return stats.Compose(p.startedAt, p.coal.Stats(), p.svc.Stats(), p.pool.Stats(), procs, dl, stats.Idempotency{
		Hits:   p.idemHits.Load(),
		Misses: p.idemMisses.Load(),
		Errors: p.idemErrors.Load(),
	})
}

// Healthy reports whether the pipeline can serve: the stream backend
// answers and every processor is running.
func (p *Pipeline) Healthy(ctx context.Context) error {
	if atomic.LoadUint32(&p.stopped) == 1 {
		return core.ErrShutdown
	}
	if err := p.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("stream backend: %w", err)
	}
	for _, w := range p.workers {
		if err := w.Ping(); err != nil {
			return fmt.Errorf("%s: %w", w.Stats().Consumer, err)
		}
	}
	return nil
}
