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
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"logpipe/internal/ingester/core"
)

func sampleRecords(n int) []core.LogRecord {
	out := make([]core.LogRecord, n)
	for i := range out {
		out[i] = core.LogRecord{ID: "id", AppID: "a", Message: "m", Level: core.LevelInfo, Source: "s", Metadata: map[string]string{}}
	}
	return out
}

func TestMemory_QueueForRetry(t *testing.T) {
	q := NewMemory()
	err := q.QueueForRetry(context.Background(), sampleRecords(100), errors.New("insert refused"), Meta{Attempt: 0, SourceComponent: "processor"})
	if err != nil {
		t.Fatal(err)
	}

	items := q.Items()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	item := items[0]
	if len(item.Records) != 100 {
		t.Fatalf("expected 100 records preserved, got %d", len(item.Records))
	}
	if item.Error != "insert refused" || item.Metadata.LastError != "insert refused" {
		t.Fatalf("expected error snapshot populated, got %+v", item)
	}
	if item.Metadata.Attempt != 0 || item.Metadata.FirstSeen.IsZero() {
		t.Fatalf("expected attempt=0 and first_seen set, got %+v", item.Metadata)
	}

	s, _ := q.Stats(context.Background())
	if s.QueueLength != 1 || s.Enqueued != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestRedis_QueueForRetry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := NewRedis(client, "")
	ctx := context.Background()

	if err := q.QueueForRetry(ctx, sampleRecords(3), errors.New("boom"), Meta{SourceComponent: "processor"}); err != nil {
		t.Fatal(err)
	}
	if err := q.QueueForRetry(ctx, sampleRecords(2), errors.New("boom again"), Meta{Attempt: 1, SourceComponent: "processor"}); err != nil {
		t.Fatal(err)
	}

	s, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.QueueLength != 2 {
		t.Fatalf("expected 2 queued items, got %d", s.QueueLength)
	}

	// Items are plain JSON, readable by the out-of-band retry worker.
	raw, err := client.LIndex(ctx, DefaultListKey, 1).Result()
	if err != nil {
		t.Fatal(err)
	}
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		t.Fatalf("item is not valid JSON: %v", err)
	}
	if item.Metadata.Attempt != 1 || len(item.Records) != 2 {
		t.Fatalf("unexpected item %+v", item)
	}
}
