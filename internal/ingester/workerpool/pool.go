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

// Package workerpool offloads CPU-bound validation for large batches to a
// bounded set of background workers. The queue and all worker bookkeeping
// are owned by a single manager goroutine; submitters and workers talk to
// it exclusively through channels.
package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"logpipe/internal/ingester/core"
	"logpipe/internal/ingester/telemetry"
)

// TaskKind selects the handler and the queue priority of a task.
type TaskKind int

const (
	// KindValidation is the base-priority task kind.
	KindValidation TaskKind = iota
	// KindHealthCheck jumps the queue; it is used to probe worker liveness.
	KindHealthCheck
)

// ErrTaskTimeout is returned when a task exceeds the per-task timeout. The
// owning worker is marked unhealthy pending the next health probe.
var ErrTaskTimeout = errors.New("task timed out")

// ErrWorkerUnhealthy is returned by HealthCheck while at least one worker
// flagged by a task timeout has not completed a task since.
var ErrWorkerUnhealthy = errors.New("worker unhealthy after task timeout")

// Handler executes one task. It must be safe for concurrent use; a panic is
// treated as a fatal worker error and fails the in-flight task with
// core.ErrWorkerLost.
type Handler func(kind TaskKind, payload any) (any, error)

// Config bounds the pool. Zero values take the documented defaults.
type Config struct {
	// MinWorkers are created eagerly and live for the process lifetime.
	MinWorkers int
	// MaxWorkers caps scale-up; defaults to min(GOMAXPROCS, 8).
	MaxWorkers int
	// MaxQueueDepth bounds waiting tasks; submissions above it fail fast
	// with core.ErrOverloaded. Defaults to 1024.
	MaxQueueDepth int
	// TaskTimeout bounds a single Execute end to end. Defaults to 30s.
	TaskTimeout time.Duration
	// ReplaceBackoff delays spawning a replacement after a worker dies.
	// Defaults to 100ms.
	ReplaceBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 2
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = runtime.GOMAXPROCS(0)
		if c.MaxWorkers > 8 {
			c.MaxWorkers = 8
		}
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 1024
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.ReplaceBackoff <= 0 {
		c.ReplaceBackoff = 100 * time.Millisecond
	}
}

type taskResult struct {
	value any
	err   error
}

type task struct {
	kind    TaskKind
	payload any
	result  chan taskResult
	seq     uint64 // FIFO tiebreak within a priority class

	// worker holds 1 + the id of the worker that claimed the task, 0 while
	// queued. Lets a timed-out submitter flag the owning worker.
	worker atomic.Int64
}

// priority returns the heap ordering key; lower runs first.
func (t *task) priority() int {
	if t.kind == KindHealthCheck {
		return 0
	}
	return 1
}

// Snapshot is the pure stats view exposed to the stats surface.
type Snapshot struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Rejected   int64 `json:"rejected"`
	Timeouts   int64 `json:"timeouts"`
	Lost       int64 `json:"workers_lost"`
	Unhealthy  int64 `json:"unhealthy_workers"`
}

// Pool is the worker pool. Construct with New, then Start.
type Pool struct {
	cfg     Config
	handler Handler
	log     zerolog.Logger

	submitCh chan *task
	workCh   chan *task
	deaths   chan int // worker id that died
	spawnCh  chan struct{}
	stopCh   chan struct{}
	stopped  uint32
	wg       sync.WaitGroup
	mgrDone  chan struct{}

	seq atomic.Uint64

	// suspects tracks workers flagged by a task timeout, keyed by worker id.
	// A flag clears when the worker completes a task or dies.
	suspects  sync.Map
	unhealthy atomic.Int64

	// counters read by Snapshot
	workers    atomic.Int64
	queueDepth atomic.Int64
	submitted  atomic.Int64
	completed  atomic.Int64
	rejected   atomic.Int64
	timeouts   atomic.Int64
	lost       atomic.Int64
}

// New creates a pool; no goroutines run until Start.
func New(cfg Config, handler Handler, log zerolog.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:      cfg,
		handler:  handler,
		log:      log.With().Str("component", "workerpool").Logger(),
		submitCh: make(chan *task),
		workCh:   make(chan *task),
		deaths:   make(chan int, cfg.MaxWorkers),
		spawnCh:  make(chan struct{}, cfg.MaxWorkers),
		stopCh:   make(chan struct{}),
		mgrDone:  make(chan struct{}),
	}
}

// Start launches the minimum worker set and the manager goroutine.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.startWorker(i)
	}
	go p.manage()
	p.log.Info().Int("min_workers", p.cfg.MinWorkers).Int("max_workers", p.cfg.MaxWorkers).Msg("worker pool started")
}

// Stop rejects queued tasks and waits for workers to finish their current
// task. Safe to call more than once.
func (p *Pool) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	close(p.stopCh)
	<-p.mgrDone
	p.wg.Wait()
	p.log.Info().Msg("worker pool stopped")
}

// Execute submits a task and waits for its result, the per-task timeout,
// or ctx cancellation, whichever happens first. Submissions beyond the
// queue depth fail fast with core.ErrOverloaded.
func (p *Pool) Execute(ctx context.Context, kind TaskKind, payload any) (any, error) {
	t := &task{
		kind:    kind,
		payload: payload,
		result:  make(chan taskResult, 1),
		seq:     p.seq.Add(1),
	}
	p.submitted.Add(1)

	select {
	case p.submitCh <- t:
	case <-p.stopCh:
		p.rejected.Add(1)
		return nil, core.ErrShutdown
	case <-ctx.Done():
		p.rejected.Add(1)
		return nil, ctx.Err()
	}

	timer := time.NewTimer(p.cfg.TaskTimeout)
	defer timer.Stop()

	select {
	case res := <-t.result:
		if res.err != nil {
			return nil, res.err
		}
		p.completed.Add(1)
		return res.value, nil
	case <-timer.C:
		p.timeouts.Add(1)
		if wid := t.worker.Load(); wid > 0 {
			p.markSuspect(int(wid - 1))
		}
		return nil, ErrTaskTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HealthCheck probes the pool by running a highest-priority no-op task.
// Workers flagged by a task timeout fail the probe until they complete a
// task again; the probe also requests replacement capacity for them.
func (p *Pool) HealthCheck(ctx context.Context) error {
	if _, err := p.Execute(ctx, KindHealthCheck, nil); err != nil {
		return err
	}
	if n := p.unhealthy.Load(); n > 0 {
		select {
		case p.spawnCh <- struct{}{}:
		default:
		}
		return fmt.Errorf("%w: %d flagged", ErrWorkerUnhealthy, n)
	}
	return nil
}

// markSuspect flags a worker as unhealthy after a task timeout.
func (p *Pool) markSuspect(id int) {
	if _, loaded := p.suspects.LoadOrStore(id, struct{}{}); !loaded {
		p.unhealthy.Add(1)
	}
}

// clearSuspect drops the unhealthy flag once the worker proves it can
// still complete tasks, or when it dies and is replaced.
func (p *Pool) clearSuspect(id int) {
	if _, loaded := p.suspects.LoadAndDelete(id); loaded {
		p.unhealthy.Add(-1)
	}
}

// Stats returns a point-in-time snapshot of the pool counters.
func (p *Pool) Stats() Snapshot {
	return Snapshot{
		Workers:    int(p.workers.Load()),
		QueueDepth: int(p.queueDepth.Load()),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Rejected:   p.rejected.Load(),
		Timeouts:   p.timeouts.Load(),
		Lost:       p.lost.Load(),
		Unhealthy:  p.unhealthy.Load(),
	}
}

// manage owns the priority queue and the worker headcount. It is the only
// goroutine that touches the heap.
func (p *Pool) manage() {
	defer close(p.mgrDone)

	var q taskHeap
	heap.Init(&q)
	nextWorkerID := p.cfg.MinWorkers

	syncDepth := func() {
		p.queueDepth.Store(int64(q.Len()))
		telemetry.WorkerPoolQueueDepth.Set(float64(q.Len()))
	}

	for {
		// Enable the dispatch case only when work is queued.
		var dispatch chan *task
		var next *task
		if q.Len() > 0 {
			next = q.peek()
			dispatch = p.workCh
		}

		select {
		case t := <-p.submitCh:
			if q.Len() >= p.cfg.MaxQueueDepth {
				p.rejected.Add(1)
				t.result <- taskResult{err: core.ErrOverloaded}
				continue
			}
			heap.Push(&q, t)
			syncDepth()
			// Scale up while there is a backlog and headroom.
			if q.Len() > 1 && int(p.workers.Load()) < p.cfg.MaxWorkers {
				p.startWorker(nextWorkerID)
				nextWorkerID++
			}

		case dispatch <- next:
			heap.Pop(&q)
			syncDepth()

		case id := <-p.deaths:
			p.lost.Add(1)
			p.log.Warn().Int("worker", id).Msg("worker lost, scheduling replacement")
			// Replace asynchronously after a short backoff; the manager
			// keeps serving while the timer runs.
			time.AfterFunc(p.cfg.ReplaceBackoff, func() {
				select {
				case p.spawnCh <- struct{}{}:
				case <-p.stopCh:
				}
			})

		case <-p.spawnCh:
			if int(p.workers.Load()) < p.cfg.MaxWorkers {
				p.startWorker(nextWorkerID)
				nextWorkerID++
			}

		case <-p.stopCh:
			for q.Len() > 0 {
				t := heap.Pop(&q).(*task)
				t.result <- taskResult{err: core.ErrShutdown}
			}
			syncDepth()
			return
		}
	}
}

// startWorker launches one worker goroutine. A panic inside the handler
// fails the in-flight task with core.ErrWorkerLost and reports the death to
// the manager, which schedules a replacement.
func (p *Pool) startWorker(id int) {
	p.workers.Add(1)
	telemetry.WorkerPoolWorkers.Set(float64(p.workers.Load()))
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer func() {
			p.workers.Add(-1)
			telemetry.WorkerPoolWorkers.Set(float64(p.workers.Load()))
		}()
		for {
			select {
			case t := <-p.workCh:
				if !p.runTask(id, t) {
					return
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

// runTask executes one task, converting a handler panic into a worker
// death. It returns false when the worker must exit.
func (p *Pool) runTask(id int, t *task) (alive bool) {
	alive = true
	t.worker.Store(int64(id) + 1)
	defer func() {
		if r := recover(); r != nil {
			alive = false
			p.clearSuspect(id)
			t.result <- taskResult{err: fmt.Errorf("%w: %v", core.ErrWorkerLost, r)}
			select {
			case p.deaths <- id:
			case <-p.stopCh:
			}
		}
	}()

	value, err := p.handler(t.kind, t.payload)
	t.result <- taskResult{value: value, err: err}
	p.clearSuspect(id)
	return
}

// taskHeap orders tasks by priority class, then submission order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority() != h[j].priority() {
		return h[i].priority() < h[j].priority()
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

func (h taskHeap) peek() *task { return h[0] }
