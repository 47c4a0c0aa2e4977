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

package columnar

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"logpipe/internal/ingester/core"
)

func TestBuildInsert_JSONEachRow(t *testing.T) {
	c := &ClickHouse{table: "logs"}
	rows := []core.LogRecord{
		{
			ID:          "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
			AppID:       "app-1",
			Message:     "hello",
			Level:       core.LevelInfo,
			Source:      "api",
			Environment: "production",
			Timestamp:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			Metadata:    map[string]string{"region": "us-east-1"},
		},
		{
			ID:        "6ba7b811-9dad-11d1-80b4-00c04fd430c8",
			AppID:     "app-2",
			Message:   "with \"quotes\" and\nnewline",
			Level:     core.LevelError,
			Source:    "worker",
			Timestamp: time.Date(2026, 3, 10, 12, 0, 1, 0, time.UTC),
			Metadata:  map[string]string{},
		},
	}

	query, err := c.buildInsert(rows)
	if err != nil {
		t.Fatalf("build insert: %v", err)
	}
	if !strings.HasPrefix(query, "INSERT INTO logs FORMAT JSONEachRow\n") {
		t.Fatalf("unexpected query prefix: %q", query)
	}

	body := strings.TrimPrefix(query, "INSERT INTO logs FORMAT JSONEachRow\n")
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one JSON object per row, got %d lines", len(lines))
	}

	var decoded core.LogRecord
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("line 0 is not valid JSON: %v", err)
	}
	if decoded.AppID != "app-1" || decoded.Metadata["region"] != "us-east-1" {
		t.Fatalf("row 0 did not round-trip: %+v", decoded)
	}

	// The escaped message must stay on a single line.
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if decoded.Message != "with \"quotes\" and\nnewline" {
		t.Fatalf("message did not round-trip: %q", decoded.Message)
	}
}

func TestBuildInsert_MetadataIsObject(t *testing.T) {
	c := &ClickHouse{table: "logs"}
	query, err := c.buildInsert([]core.LogRecord{{
		ID: "x", AppID: "a", Message: "m", Level: core.LevelInfo, Source: "s",
		Timestamp: time.Now(), Metadata: map[string]string{},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(query, `"metadata":{}`) {
		t.Fatalf("expected metadata serialized as a JSON object, got %q", query)
	}
}
