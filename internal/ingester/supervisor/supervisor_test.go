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

package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"logpipe/internal/ingester/coalescer"
	"logpipe/internal/ingester/config"
	"logpipe/internal/ingester/core"
	"logpipe/internal/ingester/idempotency"
)

// countingDispatch stands in for the ingestion service.
type countingDispatch struct {
	mu       sync.Mutex
	batches  int
	failNext error
}

func (d *countingDispatch) dispatch(_ context.Context, batch core.CoalescedBatch) ([]core.IngestResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return nil, err
	}
	d.batches++
	results := make([]core.IngestResult, len(batch.Calls))
	for i, call := range batch.Calls {
		results[i] = core.IngestResult{Accepted: len(call), Errors: []core.IngestError{}}
	}
	return results, nil
}

func (d *countingDispatch) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batches
}

// flakyStore fails every operation; exercises the degrade-open path.
type flakyStore struct{}

func (flakyStore) Get(context.Context, string) (*idempotency.Snapshot, error) {
	return nil, errors.New("store down")
}
func (flakyStore) SetNX(context.Context, string, idempotency.Snapshot, time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (flakyStore) Set(context.Context, string, idempotency.Snapshot, time.Duration) error {
	return errors.New("store down")
}
func (flakyStore) Delete(context.Context, string) error { return errors.New("store down") }
func (flakyStore) Close() error                         { return nil }

func testPipeline(t *testing.T, d *countingDispatch, store idempotency.Store) *Pipeline {
	t.Helper()
	p := New(config.Config{IdempotencyTTL: time.Minute}, zerolog.Nop())
	p.idem = store
	p.coal = coalescer.New(coalescer.Config{Enabled: false}, d.dispatch, zerolog.Nop())
	p.coal.Start()
	t.Cleanup(p.coal.Stop)
	return p
}

func recs(n int) []core.Record {
	out := make([]core.Record, n)
	for i := range out {
		out[i] = core.Record{"app_id": "a", "message": "m", "source": "s"}
	}
	return out
}

func TestIngest_ReplaysCachedResponse(t *testing.T) {
	d := &countingDispatch{}
	p := testPipeline(t, d, idempotency.NewMemory())
	ctx := context.Background()

	first, err := p.Ingest(ctx, recs(3), "key-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Ingest(ctx, recs(3), "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.count() != 1 {
		t.Fatalf("duplicate key must not re-ingest, got %d dispatches", d.count())
	}
	if second.Accepted != first.Accepted {
		t.Fatalf("replay must match the original: %+v vs %+v", second, first)
	}
	if p.idemHits.Load() != 1 || p.idemMisses.Load() != 1 {
		t.Fatalf("expected 1 hit / 1 miss, got %d / %d", p.idemHits.Load(), p.idemMisses.Load())
	}
}

func TestIngest_ConcurrentSameKeyIngestsOnce(t *testing.T) {
	d := &countingDispatch{}
	p := testPipeline(t, d, idempotency.NewMemory())

	const callers = 16
	var wg sync.WaitGroup
	var accepted atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Ingest(context.Background(), recs(2), "shared-key")
			if err != nil {
				t.Errorf("ingest failed: %v", err)
				return
			}
			accepted.Add(int64(res.Accepted))
		}()
	}
	wg.Wait()

	if d.count() != 1 {
		t.Fatalf("exactly one caller may ingest, got %d dispatches", d.count())
	}
	if accepted.Load() != callers*2 {
		t.Fatalf("every caller must see the winner's response, accepted sum %d", accepted.Load())
	}
}

// raceLosingStore simulates losing the reservation race: the first Get
// misses, SetNX reports the key already taken, and subsequent Gets watch
// the winner's reservation move from pending to complete.
type raceLosingStore struct {
	gets atomic.Int64
}

func (s *raceLosingStore) Get(context.Context, string) (*idempotency.Snapshot, error) {
	switch s.gets.Add(1) {
	case 1:
		return nil, nil
	case 2:
		return &idempotency.Snapshot{State: idempotency.StatePending}, nil
	default:
		return &idempotency.Snapshot{
			State:  idempotency.StateComplete,
			Result: core.IngestResult{Accepted: 2},
		}, nil
	}
}
func (s *raceLosingStore) SetNX(context.Context, string, idempotency.Snapshot, time.Duration) (bool, error) {
	return false, nil
}
func (s *raceLosingStore) Set(context.Context, string, idempotency.Snapshot, time.Duration) error {
	return nil
}
func (s *raceLosingStore) Delete(context.Context, string) error { return nil }
func (s *raceLosingStore) Close() error                         { return nil }

func TestIngest_LostReservationRaceReplaysWinner(t *testing.T) {
	d := &countingDispatch{}
	p := testPipeline(t, d, &raceLosingStore{})

	res, err := p.Ingest(context.Background(), recs(2), "shared-key")
	if err != nil {
		t.Fatalf("losing the reservation race must wait for the winner, got %v", err)
	}
	if res.Accepted != 2 {
		t.Fatalf("expected the winner's response replayed, got %+v", res)
	}
	if d.count() != 0 {
		t.Fatalf("the losing caller must not ingest, got %d dispatches", d.count())
	}
	if p.idemHits.Load() != 1 {
		t.Fatalf("expected the replay counted as a hit, got %d", p.idemHits.Load())
	}
}

// TestIngest_ExpiredCallerStillFinalizesReservation covers a caller whose
// context dies while its records sit in the staging buffer. The records
// land regardless, so the reservation must finalize with the real result
// and a retry with the same key must replay it, not append again.
func TestIngest_ExpiredCallerStillFinalizesReservation(t *testing.T) {
	d := &countingDispatch{}
	p := New(config.Config{IdempotencyTTL: time.Minute}, zerolog.Nop())
	p.idem = idempotency.NewMemory()
	p.coal = coalescer.New(coalescer.Config{
		Enabled:      true,
		MaxWaitTime:  30 * time.Millisecond,
		MaxBatchSize: 1000,
	}, d.dispatch, zerolog.Nop())
	p.coal.Start()
	t.Cleanup(p.coal.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	res, err := p.Ingest(ctx, recs(1), "hangup-key")
	if err != nil {
		t.Fatalf("staged records land regardless of the caller, got %v", err)
	}
	if res.Accepted != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = p.Ingest(context.Background(), recs(1), "hangup-key")
	if err != nil {
		t.Fatal(err)
	}
	if d.count() != 1 {
		t.Fatalf("retry after a caller hang-up must not re-ingest, got %d dispatches", d.count())
	}
	if res.Accepted != 1 {
		t.Fatalf("expected the original response replayed, got %+v", res)
	}
}

func TestIngest_FailureReleasesReservation(t *testing.T) {
	d := &countingDispatch{failNext: errors.New("stream down")}
	p := testPipeline(t, d, idempotency.NewMemory())
	ctx := context.Background()

	if _, err := p.Ingest(ctx, recs(1), "retry-key"); err == nil {
		t.Fatal("expected first ingest to fail")
	}
	res, err := p.Ingest(ctx, recs(1), "retry-key")
	if err != nil {
		t.Fatalf("retry with the same key must run again, got %v", err)
	}
	if res.Accepted != 1 || d.count() != 1 {
		t.Fatalf("retry must perform a fresh ingest: %+v, %d dispatches", res, d.count())
	}
}

func TestIngest_DegradesOpenWhenStoreDown(t *testing.T) {
	d := &countingDispatch{}
	p := testPipeline(t, d, flakyStore{})

	res, err := p.Ingest(context.Background(), recs(2), "any-key")
	if err != nil {
		t.Fatalf("a dead idempotency store must not block ingestion: %v", err)
	}
	if res.Accepted != 2 || d.count() != 1 {
		t.Fatalf("ingest must proceed without the cache: %+v", res)
	}
	if p.idemErrors.Load() == 0 {
		t.Fatal("store failure must be counted")
	}
}

func TestIngest_EmptyKeyBypassesStore(t *testing.T) {
	d := &countingDispatch{}
	p := testPipeline(t, d, flakyStore{})

	if _, err := p.Ingest(context.Background(), recs(1), ""); err != nil {
		t.Fatal(err)
	}
	if p.idemErrors.Load() != 0 {
		t.Fatal("no key means the store must never be touched")
	}
}

func TestIngest_AfterStop(t *testing.T) {
	d := &countingDispatch{}
	p := testPipeline(t, d, idempotency.NewMemory())
	atomic.StoreUint32(&p.stopped, 1)

	if _, err := p.Ingest(context.Background(), recs(1), ""); !errors.Is(err, core.ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}
