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

// Package idempotency provides the at-most-once response cache keyed by a
// caller-supplied identifier. The write path is an atomic check-and-insert:
// for two concurrent calls with the same key, exactly one wins the
// reservation and performs the ingest; the other replays the winner's
// response. Backend outages degrade open — a failed Get behaves as a miss
// so a transient store outage never blocks ingestion.
package idempotency

import (
	"context"
	"sync"
	"time"

	"logpipe/internal/ingester/core"
)

// Snapshot states. A key is first reserved with StatePending by the call
// that wins the check-and-insert, then finalized with StateComplete once
// the response exists.
const (
	StatePending  = "pending"
	StateComplete = "complete"
)

// Snapshot is the stored response for one idempotency key.
type Snapshot struct {
	State  string            `json:"state"`
	Result core.IngestResult `json:"result"`
}

// Store is the minimal backend surface. Get returns (nil, nil) on a miss.
// SetNX is the atomic check-and-insert; it reports whether this caller won
// the reservation. Set overwrites unconditionally (used to finalize a
// pending reservation). TTL is enforced by the backing store.
type Store interface {
	Get(ctx context.Context, key string) (*Snapshot, error)
	SetNX(ctx context.Context, key string, snap Snapshot, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, snap Snapshot, ttl time.Duration) error
	// Delete releases a reservation whose ingest failed, so a retry with
	// the same key can run again.
	Delete(ctx context.Context, key string) error
	Close() error
}

// memoryEntry pairs a snapshot with its expiry instant.
type memoryEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

// Memory is a process-local Store. It is intended for tests and for
// single-node deployments where a lost cache on restart is acceptable.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(_ context.Context, key string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, nil
	}
	snap := e.snap
	return &snap, nil
}

func (m *Memory) SetNX(_ context.Context, key string, snap Snapshot, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	m.entries[key] = memoryEntry{snap: snap, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, snap Snapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{snap: snap, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Close() error { return nil }
