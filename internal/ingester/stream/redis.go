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

package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisClient implements Client on Redis Streams.
type RedisClient struct {
	client redis.UniversalClient
	key    string
	group  string
}

// NewRedisClient wraps an existing go-redis client for one stream key and
// consumer group.
func NewRedisClient(client redis.UniversalClient, key, group string) *RedisClient {
	return &RedisClient{client: client, key: key, group: group}
}

// Append uses a MULTI/EXEC pipeline so the batch of XADDs applies as one
// logical operation from the producer's viewpoint.
func (c *RedisClient) Append(ctx context.Context, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range payloads {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: c.key,
				Values: map[string]any{DataField: p},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("stream append of %d entries: %w", len(payloads), err)
	}
	return nil
}

// CreateGroup tolerates BUSYGROUP so creation stays idempotent.
func (c *RedisClient) CreateGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.key, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %q on %q: %w", c.group, c.key, err)
	}
	return nil
}

func (c *RedisClient) ReadNew(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	return c.readGroup(ctx, consumer, count, block, ">")
}

func (c *RedisClient) ReadPending(ctx context.Context, consumer string, count int64, startID string) ([]Entry, string, error) {
	if startID == "" {
		startID = "0"
	}
	entries, err := c.readGroup(ctx, consumer, count, 0, startID)
	if err != nil {
		return nil, startID, err
	}
	next := startID
	if len(entries) > 0 {
		next = entries[len(entries)-1].ID
	}
	return entries, next, nil
}

func (c *RedisClient) readGroup(ctx context.Context, consumer string, count int64, block time.Duration, cursor string) ([]Entry, error) {
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: consumer,
		Streams:  []string{c.key, cursor},
		Count:    count,
	}
	if block > 0 {
		args.Block = block
	} else {
		args.Block = -1 // non-blocking; go-redis only sends BLOCK when >= 0
	}
	res, err := c.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		// No entries available; normal condition.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %q as %q: %w", c.group, consumer, err)
	}
	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			entries = append(entries, toEntry(msg))
		}
	}
	return entries, nil
}

func (c *RedisClient) AutoClaim(ctx context.Context, consumer string, minIdle time.Duration, cursor string, count int64) ([]Entry, string, error) {
	if cursor == "" {
		cursor = "0-0"
	}
	msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.key,
		Group:    c.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    cursor,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, cursor, fmt.Errorf("auto-claim as %q: %w", consumer, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	return entries, next, nil
}

func (c *RedisClient) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.key, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d entries: %w", len(ids), err)
	}
	return nil
}

func (c *RedisClient) PendingInfo(ctx context.Context) (PendingSummary, error) {
	p, err := c.client.XPending(ctx, c.key, c.group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PendingSummary{Consumers: map[string]int64{}}, nil
		}
		return PendingSummary{}, fmt.Errorf("pending info: %w", err)
	}
	return PendingSummary{Count: p.Count, Consumers: p.Consumers}, nil
}

func (c *RedisClient) Close() error { return c.client.Close() }

// toEntry extracts the data field; a missing or non-string field yields a
// nil Data, which consumers treat as a poison entry.
func toEntry(msg redis.XMessage) Entry {
	e := Entry{ID: msg.ID}
	if raw, ok := msg.Values[DataField]; ok {
		if s, isStr := raw.(string); isStr {
			e.Data = []byte(s)
		}
	}
	return e
}
