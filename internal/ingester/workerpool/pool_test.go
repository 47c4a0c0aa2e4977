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

package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"logpipe/internal/ingester/core"
)

func echoHandler(kind TaskKind, payload any) (any, error) {
	if kind == KindHealthCheck {
		return "ok", nil
	}
	return payload, nil
}

func newTestPool(t *testing.T, cfg Config, h Handler) *Pool {
	t.Helper()
	p := New(cfg, h, zerolog.Nop())
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestPool_ExecuteRoundTrip(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 2}, echoHandler)

	got, err := p.Execute(context.Background(), KindValidation, "payload")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "payload" {
		t.Fatalf("expected payload echo, got %v", got)
	}
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 2, MaxWorkers: 4}, echoHandler)

	const n = 200
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			got, err := p.Execute(context.Background(), KindValidation, v)
			if err != nil {
				errs <- err
				return
			}
			if got != v {
				errs <- errors.New("payload mismatch")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("submission failed: %v", err)
	}

	s := p.Stats()
	if s.Completed != n {
		t.Fatalf("expected %d completed, got %d", n, s.Completed)
	}
}

func TestPool_OverloadFailsFast(t *testing.T) {
	block := make(chan struct{})
	h := func(kind TaskKind, payload any) (any, error) {
		<-block
		return nil, nil
	}
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1, MaxQueueDepth: 1}, h)
	defer close(block)

	// Occupy the single worker, fill the queue of one, then overflow.
	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := p.Execute(context.Background(), KindValidation, nil)
			results <- err
		}()
		time.Sleep(20 * time.Millisecond)
	}

	err := <-results
	if !errors.Is(err, core.ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
}

func TestPool_TaskTimeout(t *testing.T) {
	h := func(kind TaskKind, payload any) (any, error) {
		time.Sleep(time.Second)
		return nil, nil
	}
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1, TaskTimeout: 30 * time.Millisecond}, h)

	_, err := p.Execute(context.Background(), KindValidation, nil)
	if !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("expected ErrTaskTimeout, got %v", err)
	}
	if p.Stats().Timeouts != 1 {
		t.Fatalf("expected 1 timeout, got %d", p.Stats().Timeouts)
	}
}

// TestPool_TimeoutFlagsWorkerUnhealthy verifies that a task timeout flags
// the owning worker, that health probes report the flag, and that the flag
// clears once the worker completes a task again.
func TestPool_TimeoutFlagsWorkerUnhealthy(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }

	h := func(kind TaskKind, payload any) (any, error) {
		if payload == "hang" {
			<-release
		}
		return payload, nil
	}
	p := New(Config{MinWorkers: 2, MaxWorkers: 4, TaskTimeout: 30 * time.Millisecond}, h, zerolog.Nop())
	p.Start()
	defer p.Stop()
	defer unblock()

	_, err := p.Execute(context.Background(), KindValidation, "hang")
	if !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("expected ErrTaskTimeout, got %v", err)
	}
	if got := p.Stats().Unhealthy; got != 1 {
		t.Fatalf("expected 1 unhealthy worker, got %d", got)
	}

	// The probe runs on the remaining worker and reports the flag.
	if err := p.HealthCheck(context.Background()); !errors.Is(err, ErrWorkerUnhealthy) {
		t.Fatalf("expected ErrWorkerUnhealthy, got %v", err)
	}

	// Once the stuck worker finishes a task the flag clears.
	unblock()
	deadline := time.After(2 * time.Second)
	for p.Stats().Unhealthy != 0 {
		select {
		case <-deadline:
			t.Fatal("unhealthy flag never cleared after the worker recovered")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed after recovery: %v", err)
	}
}

// TestPool_WorkerLostAndReplaced panics a worker and verifies that the
// in-flight task fails with ErrWorkerLost and that a replacement is spawned
// so the pool keeps serving.
func TestPool_WorkerLostAndReplaced(t *testing.T) {
	h := func(kind TaskKind, payload any) (any, error) {
		if payload == "boom" {
			panic("fatal worker error")
		}
		return payload, nil
	}
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 2, ReplaceBackoff: 10 * time.Millisecond}, h)

	_, err := p.Execute(context.Background(), KindValidation, "boom")
	if !errors.Is(err, core.ErrWorkerLost) {
		t.Fatalf("expected ErrWorkerLost, got %v", err)
	}

	// The replacement arrives after the backoff; subsequent work succeeds.
	deadline := time.After(2 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		got, err := p.Execute(ctx, KindValidation, "after")
		cancel()
		if err == nil {
			if got != "after" {
				t.Fatalf("payload mismatch after replacement: %v", got)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pool never recovered after worker loss: %v", err)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	if p.Stats().Lost != 1 {
		t.Fatalf("expected 1 lost worker, got %d", p.Stats().Lost)
	}
}

func TestPool_StopRejectsQueued(t *testing.T) {
	block := make(chan struct{})
	h := func(kind TaskKind, payload any) (any, error) {
		<-block
		return nil, nil
	}
	p := New(Config{MinWorkers: 1, MaxWorkers: 1, MaxQueueDepth: 8}, h, zerolog.Nop())
	p.Start()

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.Execute(context.Background(), KindValidation, nil)
			errCh <- err
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(block)
	p.Stop()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, core.ErrShutdown) {
			t.Fatalf("expected nil or ErrShutdown, got %v", err)
		}
	}
}
