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

package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StreamKey != "logs:stream" || cfg.ConsumerGroup != "log-processors" {
		t.Fatalf("unexpected stream defaults: %+v", cfg)
	}
	if cfg.CoalescerMaxWait != 10*time.Millisecond || cfg.CoalescerMaxBatchSize != 100 {
		t.Fatalf("unexpected coalescer defaults: %+v", cfg)
	}
	if cfg.SmallBatchThreshold != 50 {
		t.Fatalf("unexpected validation threshold: %d", cfg.SmallBatchThreshold)
	}
	if cfg.BufferMaxBatchSize != 100000 || cfg.BufferMaxWait != time.Second {
		t.Fatalf("unexpected buffer defaults: %+v", cfg)
	}
	if cfg.PollInterval != 5*time.Millisecond || cfg.ClaimMinIdle != 30*time.Second {
		t.Fatalf("unexpected poll/claim defaults: %+v", cfg)
	}
	if cfg.ProcessorCount != 3 || cfg.IdempotencyTTL != 24*time.Hour {
		t.Fatalf("unexpected processor/idempotency defaults: %+v", cfg)
	}
	if cfg.DeadLetterMaxRetry != 3 {
		t.Fatalf("unexpected dead-letter retries: %d", cfg.DeadLetterMaxRetry)
	}
	if cfg.MinWorkers != 2 || cfg.MaxWorkers != 8 || cfg.WorkerTaskTimeout != 30*time.Second {
		t.Fatalf("unexpected worker pool defaults: %+v", cfg)
	}
	if cfg.IdempotencyKeyPrefix != "" {
		t.Fatalf("unexpected idempotency prefix default: %q", cfg.IdempotencyKeyPrefix)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("COALESCER_MAX_WAIT_TIME_MS", "25")
	t.Setenv("STREAM_PROCESSOR_COUNT", "5")
	t.Setenv("COALESCER_ENABLED", "false")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("WORKER_POOL_MIN", "4")
	t.Setenv("WORKER_POOL_MAX", "16")
	t.Setenv("WORKER_TASK_TIMEOUT_MS", "5000")
	t.Setenv("IDEMPOTENCY_KEY_PREFIX", "tenant-a:idem:")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CoalescerMaxWait != 25*time.Millisecond {
		t.Fatalf("override not applied: %v", cfg.CoalescerMaxWait)
	}
	if cfg.ProcessorCount != 5 || cfg.CoalescerEnabled || cfg.RedisAddr != "redis.internal:6380" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.MinWorkers != 4 || cfg.MaxWorkers != 16 || cfg.WorkerTaskTimeout != 5*time.Second {
		t.Fatalf("worker pool overrides not applied: %+v", cfg)
	}
	if cfg.IdempotencyKeyPrefix != "tenant-a:idem:" {
		t.Fatalf("idempotency prefix override not applied: %q", cfg.IdempotencyKeyPrefix)
	}
}

func TestFromEnv_RejectsInvalid(t *testing.T) {
	t.Setenv("STREAM_PROCESSOR_COUNT", "0")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected validation error for zero processors")
	}
}

func TestFromEnv_MalformedNumberFallsBack(t *testing.T) {
	t.Setenv("COALESCER_MAX_BATCH_SIZE", "lots")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CoalescerMaxBatchSize != 100 {
		t.Fatalf("expected default on malformed value, got %d", cfg.CoalescerMaxBatchSize)
	}
}
