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

// Package api is the HTTP surface of the pipeline: ingest, stats, health,
// and Prometheus metrics. Status mapping for ingest: 202 when at least one
// record was accepted, 400 when validation rejected everything, 500 for
// infrastructure failures (the records may be retried with the same
// idempotency key).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"logpipe/internal/ingester/core"
	"logpipe/internal/ingester/stats"
)

// IdempotencyKeyHeader carries the caller's deduplication key.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxBodyBytes bounds one ingest request body (16 MiB).
const maxBodyBytes = 16 << 20

// Pipeline is the surface the handlers need from the supervisor.
type Pipeline interface {
	Ingest(ctx context.Context, records []core.Record, idemKey string) (core.IngestResult, error)
	Stats(ctx context.Context) stats.Report
	Healthy(ctx context.Context) error
}

// Server wraps the HTTP listener. Construct with New.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

// New builds the router and the server; nothing listens until Start.
func New(addr string, p Pipeline, log zerolog.Logger) *Server {
	log = log.With().Str("component", "api").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/v1/logs", handleIngest(p, log))
	r.Get("/v1/stats", handleStats(p))
	r.Get("/healthz", handleHealth(p))
	r.Handle("/metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start serves until Shutdown; it returns http.ErrServerClosed on a clean
// shutdown like the underlying server does.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ingestBody accepts either a bare JSON array of records or an object
// wrapping it under "records".
type ingestBody struct {
	Records []core.Record `json:"records"`
}

func decodeRecords(r *http.Request) ([]core.Record, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.New("unreadable request body")
	}
	var records []core.Record
	if err := json.Unmarshal(raw, &records); err == nil {
		return records, nil
	}
	var body ingestBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Records != nil {
		return body.Records, nil
	}
	return nil, errors.New("body must be a JSON array of log records")
}

func handleIngest(p Pipeline, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := decodeRecords(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := p.Ingest(r.Context(), records, r.Header.Get(IdempotencyKeyHeader))
		switch {
		case errors.Is(err, core.ErrEmptyBatch):
			writeError(w, http.StatusBadRequest, "empty batch")
		case err != nil:
			log.Error().Err(err).Int("records", len(records)).Msg("ingest failed")
			writeError(w, http.StatusInternalServerError, err.Error())
		case result.Accepted == 0 && result.Rejected > 0:
			writeJSON(w, http.StatusBadRequest, result)
		default:
			writeJSON(w, http.StatusAccepted, result)
		}
	}
}

func handleStats(p Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Stats(r.Context()))
	}
}

func handleHealth(p Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.Healthy(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
