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

// Package main is the entry point of the log ingestion pipeline.
//
// The process assembles the full write path: an HTTP intake that coalesces
// small concurrent calls, validates records (offloading large batches to a
// worker pool), and appends them to a Redis Stream; plus a set of consumer
// group workers that aggregate stream entries and commit them to ClickHouse
// with async inserts, acking only after a successful commit. Failed commits
// land in a Redis-backed dead-letter list for an out-of-band retry worker.
//
// Configuration comes from the environment; see internal/ingester/config
// for every knob and its default.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"logpipe/internal/ingester/api"
	"logpipe/internal/ingester/config"
	"logpipe/internal/ingester/supervisor"
)

func main() {
	// 1. Load and validate configuration from the environment.
	cfg, err := config.FromEnv()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("configuration invalid")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	// 2. Bring the pipeline up: connections, idempotency store, columnar
	// store, worker pool, stream processors (each recovers its pending
	// entries before serving), ingestion service, coalescer.
	pipeline := supervisor.New(cfg, log)
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := pipeline.Start(startCtx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("pipeline startup failed")
	}
	cancel()

	// 3. Expose the public endpoints last, once the pipeline can serve.
	server := api.New(cfg.HTTPAddr, pipeline, log)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Str("addr", cfg.HTTPAddr).Msg("http server failed")
		}
	}()

	// 4. Wait for a termination signal.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	// 5. Stop intake first so no new calls enter the pipeline.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown did not finish cleanly")
	}

	// 6. Unwind the pipeline: flush the coalescer, drain the processors,
	// stop the pool, close the connections.
	pipeline.Stop()
	log.Info().Msg("shutdown complete")
}
