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

// Package columnar binds the pipeline's analytical sink to ClickHouse.
// Inserts use the server's async-insert path (async_insert=1,
// wait_for_async_insert=0) so small commit batches coalesce server-side,
// with LZ4 transport compression. A circuit breaker keeps a flapping
// ClickHouse from burning every stream processor's commit budget.
package columnar

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"logpipe/internal/ingester/core"
	"logpipe/internal/ingester/telemetry"
)

// Store is the black-box insert surface the stream processors commit to.
type Store interface {
	Insert(ctx context.Context, rows []core.LogRecord) error
	Close() error
}

// Options configure the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Table    string
	Username string
	Password string
	// RequestTimeout bounds a single insert end to end. Defaults to 60s.
	RequestTimeout time.Duration
}

// ClickHouse implements Store over the native protocol.
type ClickHouse struct {
	conn    driver.Conn
	table   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// Open dials ClickHouse and verifies the connection with a ping.
func Open(ctx context.Context, opts Options, log zerolog.Logger) (*ClickHouse, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		Settings: clickhouse.Settings{
			"async_insert":           1,
			"wait_for_async_insert":  0,
			"max_execution_time":     30,
			"date_time_input_format": "best_effort",
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open %q: %w", opts.Addr, err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping %q: %w", opts.Addr, err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "clickhouse-insert",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &ClickHouse{
		conn:    conn,
		table:   opts.Table,
		timeout: opts.RequestTimeout,
		breaker: cb,
		log:     log.With().Str("component", "columnar").Logger(),
	}, nil
}

// Insert writes rows as one async insert, serialized one JSON object per
// line. The call returns once the server accepted the insert; it does not
// wait for the server-side async commit.
func (c *ClickHouse) Insert(ctx context.Context, rows []core.LogRecord) error {
	if len(rows) == 0 {
		return nil
	}
	query, err := c.buildInsert(rows)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.conn.AsyncInsert(ctx, query, false)
	})
	telemetry.CommitLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("insert %d rows into %s: %w", len(rows), c.table, err)
	}
	telemetry.CommitRows.Add(float64(len(rows)))
	telemetry.RowsPerCommit.Observe(float64(len(rows)))
	return nil
}

// buildInsert renders an INSERT ... FORMAT JSONEachRow statement with the
// rows inline, the shape the async-insert path coalesces server-side.
func (c *ClickHouse) buildInsert(rows []core.LogRecord) (string, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(c.table)
	b.WriteString(" FORMAT JSONEachRow\n")
	enc := json.NewEncoder(&b)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			return "", fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	return b.String(), nil
}

func (c *ClickHouse) Close() error { return c.conn.Close() }
