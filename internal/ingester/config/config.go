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

// Package config loads the pipeline configuration from the environment.
// Every knob has a default tuned for a single-node deployment; validation
// happens once at startup so a bad value fails the process before any
// connection is dialed.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full process configuration.
type Config struct {
	HTTPAddr string `validate:"required"`
	LogLevel string `validate:"oneof=trace debug info warn error"`

	RedisAddr string `validate:"required,hostname_port"`

	ClickHouseAddr     string `validate:"required,hostname_port"`
	ClickHouseDatabase string `validate:"required"`
	ClickHouseTable    string `validate:"required"`
	ClickHouseUser     string
	ClickHousePassword string

	StreamKey     string `validate:"required"`
	ConsumerGroup string `validate:"required"`

	CoalescerEnabled      bool
	CoalescerMaxWait      time.Duration `validate:"gt=0"`
	CoalescerMaxBatchSize int           `validate:"gt=0"`

	SmallBatchThreshold int `validate:"gt=0"`
	WorkerValidation    bool
	MinWorkers          int           `validate:"gt=0"`
	MaxWorkers          int           `validate:"gtefield=MinWorkers"`
	WorkerTaskTimeout   time.Duration `validate:"gt=0"`

	StreamReadBatch    int64         `validate:"gt=0"`
	BufferMaxBatchSize int           `validate:"gt=0"`
	BufferMaxWait      time.Duration `validate:"gt=0"`
	PollInterval       time.Duration `validate:"gt=0"`
	ClaimMinIdle       time.Duration `validate:"gt=0"`
	ProcessorCount     int           `validate:"gt=0,lte=64"`

	IdempotencyTTL       time.Duration `validate:"gt=0"`
	IdempotencyKeyPrefix string
	DeadLetterKey        string `validate:"required"`
	DeadLetterMaxRetry int           `validate:"gte=0"`

	ShutdownGrace time.Duration `validate:"gt=0"`
}

// FromEnv builds the configuration from environment variables, applying
// defaults for everything unset, and validates it.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr: envStr("HTTP_ADDR", ":8080"),
		LogLevel: envStr("LOG_LEVEL", "info"),

		RedisAddr: envStr("REDIS_ADDR", "127.0.0.1:6379"),

		ClickHouseAddr:     envStr("CLICKHOUSE_ADDR", "127.0.0.1:9000"),
		ClickHouseDatabase: envStr("CLICKHOUSE_DATABASE", "logs"),
		ClickHouseTable:    envStr("CLICKHOUSE_TABLE", "log_entries"),
		ClickHouseUser:     envStr("CLICKHOUSE_USER", "default"),
		ClickHousePassword: envStr("CLICKHOUSE_PASSWORD", ""),

		StreamKey:     envStr("STREAM_KEY", "logs:stream"),
		ConsumerGroup: envStr("CONSUMER_GROUP", "log-processors"),

		CoalescerEnabled:      envBool("COALESCER_ENABLED", true),
		CoalescerMaxWait:      envMillis("COALESCER_MAX_WAIT_TIME_MS", 10),
		CoalescerMaxBatchSize: envInt("COALESCER_MAX_BATCH_SIZE", 100),

		SmallBatchThreshold: envInt("VALIDATION_SMALL_BATCH_THRESHOLD", 50),
		WorkerValidation:    envBool("WORKER_VALIDATION", true),
		MinWorkers:          envInt("WORKER_POOL_MIN", 2),
		MaxWorkers:          envInt("WORKER_POOL_MAX", 8),
		WorkerTaskTimeout:   envMillis("WORKER_TASK_TIMEOUT_MS", 30000),

		StreamReadBatch:    int64(envInt("STREAM_READ_BATCH", 2000)),
		BufferMaxBatchSize: envInt("BUFFER_MAX_BATCH_SIZE", 100000),
		BufferMaxWait:      envMillis("BUFFER_MAX_WAIT_TIME_MS", 1000),
		PollInterval:       envMillis("POLL_INTERVAL_MS", 5),
		ClaimMinIdle:       envMillis("CLAIM_MIN_IDLE_MS", 30000),
		ProcessorCount:     envInt("STREAM_PROCESSOR_COUNT", 3),

		IdempotencyTTL:       time.Duration(envInt("IDEMPOTENCY_TTL_SECONDS", 86400)) * time.Second,
		IdempotencyKeyPrefix: envStr("IDEMPOTENCY_KEY_PREFIX", ""),
		DeadLetterKey:        envStr("DEAD_LETTER_KEY", "logpipe:dead-letter"),
		DeadLetterMaxRetry:   envInt("DEAD_LETTER_MAX_RETRIES", 3),

		ShutdownGrace: time.Duration(envInt("SHUTDOWN_GRACE_SECONDS", 30)) * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envMillis(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}
