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

package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"

	"logpipe/internal/ingester/core"
	"logpipe/internal/ingester/telemetry"
)

// DefaultListKey is the Redis list the dead-letter items live in.
const DefaultListKey = "logpipe:dead-letter"

// Redis implements Queue as an append-only Redis list (RPUSH). The list
// survives process restarts, which is the point: the external retry worker
// reads from here with no in-process state to lose.
type Redis struct {
	client   redis.UniversalClient
	key      string
	enqueued atomic.Int64
}

// NewRedis wraps an existing client. key defaults to DefaultListKey.
func NewRedis(client redis.UniversalClient, key string) *Redis {
	if key == "" {
		key = DefaultListKey
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) QueueForRetry(ctx context.Context, records []core.LogRecord, cause error, meta Meta) error {
	item := buildItem(records, cause, meta)
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("dead-letter encode: %w", err)
	}
	length, err := r.client.RPush(ctx, r.key, raw).Result()
	if err != nil {
		return fmt.Errorf("dead-letter push: %w", err)
	}
	r.enqueued.Add(1)
	telemetry.DeadLetterItems.Inc()
	telemetry.DeadLetterLength.Set(float64(length))
	return nil
}

func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	length, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("dead-letter llen: %w", err)
	}
	return Stats{QueueLength: length, Enqueued: r.enqueued.Load()}, nil
}

func (r *Redis) Close() error { return nil }
