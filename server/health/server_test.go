// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/journal/broker"
	"github.com/absmach/journal/storage/memory"
)

type fakeJournal struct {
	closed   bool
	persists bool
	pending  int
	stats    *broker.Stats
}

func (f *fakeJournal) Closed() bool         { return f.closed }
func (f *fakeJournal) Persists() bool       { return f.persists }
func (f *fakeJournal) Pending() int         { return f.pending }
func (f *fakeJournal) Stats() *broker.Stats { return f.stats }

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, &fakeJournal{stats: broker.NewStats()}, slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, &fakeJournal{stats: broker.NewStats()}, slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
		expectedBody   HealthResponse
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedBody:   HealthResponse{Status: "healthy"},
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "PUT request not allowed",
			method:         http.MethodPut,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if response.Status != tt.expectedBody.Status {
					t.Errorf("expected status %q, got %q", tt.expectedBody.Status, response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		journal        Journal
		cfg            Config
		method         string
		expectedStatus int
		expectedReady  string
		expectedDetail string
	}{
		{
			name:           "running journal is ready",
			journal:        &fakeJournal{persists: true, stats: broker.NewStats()},
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  "ready",
		},
		{
			name:           "nil journal not ready",
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  "not_ready",
			expectedDetail: "journal not initialized",
		},
		{
			name:           "closed journal not ready",
			journal:        &fakeJournal{closed: true, stats: broker.NewStats()},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  "not_ready",
			expectedDetail: "journal shutting down",
		},
		{
			name:           "missing storage not ready when required",
			journal:        &fakeJournal{stats: broker.NewStats()},
			cfg:            Config{RequirePersistence: true},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  "not_ready",
			expectedDetail: "storage unavailable",
		},
		{
			name:           "missing storage ready when optional",
			journal:        &fakeJournal{stats: broker.NewStats()},
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  "ready",
		},
		{
			name:           "POST request not allowed",
			journal:        &fakeJournal{stats: broker.NewStats()},
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(tt.cfg, tt.journal, slog.Default())
			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedReady == "" {
				return
			}

			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != tt.expectedReady {
				t.Errorf("expected status %q, got %q", tt.expectedReady, response.Status)
			}
			if response.Details != tt.expectedDetail {
				t.Errorf("expected details %q, got %q", tt.expectedDetail, response.Details)
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	b := broker.New(store, logger)

	for _, topic := range []string{"log.core", "log.irc"} {
		if _, err := b.Publish(topic, map[string]any{"n": 1}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	b.Shutdown()

	server := New(Config{}, b, logger)
	req := httptest.NewRequest(http.MethodGet, "http://test/stats", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var response StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Published != 2 {
		t.Errorf("expected 2 published, got %d", response.Published)
	}
	if response.Persisted != 2 {
		t.Errorf("expected 2 persisted, got %d", response.Persisted)
	}
	if response.Failures != 0 {
		t.Errorf("expected no failures, got %d", response.Failures)
	}
	if !response.Persistent {
		t.Error("expected persistent journal")
	}

	nilServer := New(Config{}, nil, logger)
	rec = httptest.NewRecorder()
	nilServer.handleStats(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
}

func TestContentTypeHeaders(t *testing.T) {
	server := New(Config{}, &fakeJournal{stats: broker.NewStats()}, slog.Default())

	for _, path := range []string{"/health", "/ready", "/stats"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test"+path, nil)
			rec := httptest.NewRecorder()

			server.Handler().ServeHTTP(rec, req)

			if got := rec.Header().Get("Content-Type"); got != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", got)
			}
		})
	}
}

func TestListen(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, &fakeJournal{stats: broker.NewStats()}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("unexpected listen error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
