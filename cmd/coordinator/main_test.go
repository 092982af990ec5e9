package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bardlex/minelab/internal/arbiter"
	"github.com/bardlex/minelab/internal/config"
	"github.com/bardlex/minelab/internal/messaging"
	"github.com/bardlex/minelab/internal/pow"
	"github.com/bardlex/minelab/internal/protocol"
	"github.com/bardlex/minelab/internal/registry"
	"github.com/bardlex/minelab/internal/template"
	"github.com/bardlex/minelab/pkg/log"
)

func newTestCoordinator(t *testing.T, difficultyBits int) *Coordinator {
	t.Helper()

	cfg := &config.Config{
		ServiceName:        "test-coordinator",
		Version:            "test",
		DifficultyBits:     difficultyBits,
		GenerationLogLimit: 10,
		LogLevel:           "error",
		LogFormat:          "json",
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	templates, err := template.NewManager(difficultyBits)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	miners := registry.New(cfg.GenerationLogLimit)
	arb := arbiter.New(templates, miners, logger, 16)
	kafkaClient := messaging.NewKafkaClient([]string{"localhost:9092"}, logger)

	return NewCoordinator(cfg, logger, templates, miners, arb, kafkaClient, nil, nil)
}

func fetchTemplate(t *testing.T, handler http.Handler, query string) protocol.TemplateResponse {
	t.Helper()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/template"+query, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /template status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp protocol.TemplateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode template response: %v", err)
	}
	return resp
}

func submit(t *testing.T, handler http.Handler, req protocol.SubmitRequest) protocol.SubmitResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal submit request: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /submit status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp protocol.SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	return resp
}

// findNonces scans the template for nonces whose digests qualify.
func findNonces(t *testing.T, tpl protocol.TemplateResponse, count int) []uint64 {
	t.Helper()

	prefix, err := tpl.HeaderPrefix()
	if err != nil {
		t.Fatalf("HeaderPrefix() error = %v", err)
	}

	var out []uint64
	for n := uint64(0); n < 1<<22 && len(out) < count; n++ {
		if pow.CheckDigest(pow.SolutionDigest(prefix, n), tpl.DifficultyBits) {
			out = append(out, n)
		}
	}
	if len(out) < count {
		t.Fatalf("found only %d of %d qualifying nonces", len(out), count)
	}
	return out
}

func findInvalidNonce(t *testing.T, tpl protocol.TemplateResponse) uint64 {
	t.Helper()

	prefix, err := tpl.HeaderPrefix()
	if err != nil {
		t.Fatalf("HeaderPrefix() error = %v", err)
	}
	for n := uint64(0); n < 1<<20; n++ {
		if !pow.CheckDigest(pow.SolutionDigest(prefix, n), tpl.DifficultyBits) {
			return n
		}
	}
	t.Fatal("no failing nonce found")
	return 0
}

// recordingArchive captures fan-out persistence calls
type recordingArchive struct {
	mu          sync.Mutex
	generations []registry.GenerationLogEntry
	totals      [][]registry.MinerRecord
	mirrors     int
}

func (a *recordingArchive) ArchiveGeneration(_ context.Context, entry registry.GenerationLogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generations = append(a.generations, entry)
	return nil
}

func (a *recordingArchive) ArchiveMinerTotals(_ context.Context, records []registry.MinerRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals = append(a.totals, records)
	return nil
}

func (a *recordingArchive) MirrorTemplate(_ context.Context, _ any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mirrors++
}

func TestGenerationCloseFlushesArchive(t *testing.T) {
	c := newTestCoordinator(t, 8)
	archive := &recordingArchive{}
	c.archive = archive
	handler := c.Routes()

	tpl := fetchTemplate(t, handler, "?miner_id=cpu-1&role=sequential")
	nonce := findNonces(t, tpl, 1)[0]
	resp := submit(t, handler, protocol.SubmitRequest{
		Generation: tpl.Generation, MinerID: "cpu-1", Nonce: nonce, Attempts: 64,
	})
	if resp.Status != protocol.StatusAccepted {
		t.Fatalf("status = %q, want ACCEPTED", resp.Status)
	}

	ev := <-c.arbiter.Events()
	c.publishEvent(context.Background(), ev)

	archive.mu.Lock()
	defer archive.mu.Unlock()

	if len(archive.generations) != 1 {
		t.Fatalf("archived generations = %d, want 1", len(archive.generations))
	}
	if got := archive.generations[0]; got.Generation != tpl.Generation || got.WinnerID != "cpu-1" {
		t.Errorf("archived entry = %+v, want generation %d won by cpu-1", got, tpl.Generation)
	}
	if archive.mirrors != 1 {
		t.Errorf("template mirrors = %d, want 1", archive.mirrors)
	}

	if len(archive.totals) != 1 {
		t.Fatalf("miner total flushes = %d, want 1", len(archive.totals))
	}
	records := archive.totals[0]
	if len(records) != 1 {
		t.Fatalf("flushed records = %d, want 1", len(records))
	}
	if records[0].MinerID != "cpu-1" || records[0].AcceptedSolutions != 1 {
		t.Errorf("flushed record = %+v, want cpu-1 with 1 accepted solution", records[0])
	}
	if records[0].TotalAttempts != 64 {
		t.Errorf("flushed attempts = %d, want 64", records[0].TotalAttempts)
	}
}

func TestHandleTemplateRegistersMiner(t *testing.T) {
	c := newTestCoordinator(t, 8)
	handler := c.Routes()

	tpl := fetchTemplate(t, handler, "?miner_id=cpu-1&role=sequential")
	if tpl.Generation != 1 {
		t.Errorf("Generation = %d, want 1", tpl.Generation)
	}
	if tpl.DifficultyBits != 8 {
		t.Errorf("DifficultyBits = %d, want 8", tpl.DifficultyBits)
	}
	if _, err := tpl.HeaderPrefix(); err != nil {
		t.Errorf("header does not decode: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /stats status = %d", rec.Code)
	}

	var stats protocol.StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if len(stats.Miners) != 1 || stats.Miners[0].MinerID != "cpu-1" {
		t.Errorf("stats miners = %+v, want single record for cpu-1", stats.Miners)
	}
	if stats.Miners[0].Role != "sequential" {
		t.Errorf("role = %q, want sequential", stats.Miners[0].Role)
	}
}

func TestHandleTemplateRejectsUnknownRole(t *testing.T) {
	c := newTestCoordinator(t, 8)
	handler := c.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/template?miner_id=x&role=quantum", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var apiErr protocol.APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if apiErr.Code != protocol.CodeBadRequest {
		t.Errorf("error code = %q, want %q", apiErr.Code, protocol.CodeBadRequest)
	}
}

func TestAcceptedThenStaleForSameGeneration(t *testing.T) {
	c := newTestCoordinator(t, 8)
	handler := c.Routes()

	tpl := fetchTemplate(t, handler, "?miner_id=cpu-1&role=sequential")
	nonces := findNonces(t, tpl, 2)

	first := submit(t, handler, protocol.SubmitRequest{
		Generation: tpl.Generation, MinerID: "cpu-1", Nonce: nonces[0], Attempts: 100,
	})
	if first.Status != protocol.StatusAccepted {
		t.Fatalf("first submission status = %q, want ACCEPTED", first.Status)
	}
	if first.BlockHash == "" {
		t.Error("accepted response has no block hash")
	}
	if first.NextGeneration != tpl.Generation+1 {
		t.Errorf("next generation = %d, want %d", first.NextGeneration, tpl.Generation+1)
	}

	// Any later fetch sees a strictly greater generation and a new header.
	next := fetchTemplate(t, handler, "")
	if next.Generation <= tpl.Generation {
		t.Errorf("generation after accept = %d, want > %d", next.Generation, tpl.Generation)
	}
	if next.Header == tpl.Header {
		t.Error("header unchanged after accept")
	}

	second := submit(t, handler, protocol.SubmitRequest{
		Generation: tpl.Generation, MinerID: "cpu-2", Nonce: nonces[1],
	})
	if second.Status != protocol.StatusRejectedStale {
		t.Errorf("second submission status = %q, want REJECTED_STALE", second.Status)
	}
}

func TestSubmitInvalidDigest(t *testing.T) {
	c := newTestCoordinator(t, 8)
	handler := c.Routes()

	tpl := fetchTemplate(t, handler, "")
	bad := findInvalidNonce(t, tpl)

	resp := submit(t, handler, protocol.SubmitRequest{
		Generation: tpl.Generation, MinerID: "cpu-1", Nonce: bad,
	})
	if resp.Status != protocol.StatusRejectedInvalid {
		t.Errorf("status = %q, want REJECTED_INVALID", resp.Status)
	}

	after := fetchTemplate(t, handler, "")
	if after.Generation != tpl.Generation {
		t.Error("invalid submission must not advance the generation")
	}
}

func TestSubmitMalformedRequests(t *testing.T) {
	c := newTestCoordinator(t, 8)
	handler := c.Routes()

	tests := []struct {
		name string
		body string
	}{
		{"not json", "not json at all"},
		{"unknown field", `{"generation":1,"miner_id":"x","nonce":2,"extra":true}`},
		{"wrong type", `{"generation":"one","miner_id":"x","nonce":2}`},
		{"missing miner id", `{"generation":1,"nonce":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit", bytes.NewBufferString(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}

			var apiErr protocol.APIError
			if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if apiErr.Code != protocol.CodeBadRequest {
				t.Errorf("error code = %q, want %q", apiErr.Code, protocol.CodeBadRequest)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	c := newTestCoordinator(t, 8)
	handler := c.Routes()

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/template"},
		{http.MethodGet, "/submit"},
		{http.MethodDelete, "/stats"},
		{http.MethodPost, "/chain"},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d, want 405", tt.method, tt.path, rec.Code)
		}
	}
}

func TestConcurrentSubmissionsSingleWinner(t *testing.T) {
	c := newTestCoordinator(t, 6)
	handler := c.Routes()

	tpl := fetchTemplate(t, handler, "")
	nonces := findNonces(t, tpl, 8)

	results := make([]protocol.SubmitResponse, len(nonces))
	var wg sync.WaitGroup
	for i, n := range nonces {
		wg.Add(1)
		go func(i int, n uint64) {
			defer wg.Done()
			results[i] = submit(t, handler, protocol.SubmitRequest{
				Generation: tpl.Generation,
				MinerID:    fmt.Sprintf("racer-%d", i),
				Nonce:      n,
			})
		}(i, n)
	}
	wg.Wait()

	accepted := 0
	for _, resp := range results {
		switch resp.Status {
		case protocol.StatusAccepted:
			accepted++
		case protocol.StatusRejectedStale:
		default:
			t.Errorf("unexpected status %q for a locally valid digest", resp.Status)
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted = %d concurrent winners, want exactly 1", accepted)
	}
}

func TestHandleChain(t *testing.T) {
	c := newTestCoordinator(t, 6)
	handler := c.Routes()

	// Close three generations.
	for i := 0; i < 3; i++ {
		tpl := fetchTemplate(t, handler, "")
		nonce := findNonces(t, tpl, 1)[0]
		resp := submit(t, handler, protocol.SubmitRequest{
			Generation: tpl.Generation, MinerID: "cpu-1", Nonce: nonce,
		})
		if resp.Status != protocol.StatusAccepted {
			t.Fatalf("submission %d status = %q, want ACCEPTED", i, resp.Status)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chain?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /chain status = %d", rec.Code)
	}

	var chain protocol.ChainResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &chain); err != nil {
		t.Fatalf("decode chain: %v", err)
	}
	if len(chain.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(chain.Entries))
	}
	if chain.Entries[0].Generation >= chain.Entries[1].Generation {
		t.Error("chain entries are not in ascending generation order")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chain?limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid limit status = %d, want 400", rec.Code)
	}
}

func TestStatsCountersTrackVerdicts(t *testing.T) {
	c := newTestCoordinator(t, 8)
	handler := c.Routes()

	tpl := fetchTemplate(t, handler, "")
	nonce := findNonces(t, tpl, 1)[0]
	bad := findInvalidNonce(t, tpl)

	submit(t, handler, protocol.SubmitRequest{Generation: tpl.Generation, MinerID: "m", Nonce: bad})
	submit(t, handler, protocol.SubmitRequest{Generation: tpl.Generation, MinerID: "m", Nonce: nonce})
	submit(t, handler, protocol.SubmitRequest{Generation: tpl.Generation, MinerID: "m", Nonce: nonce})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats protocol.StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}

	if stats.AcceptedTotal != 1 {
		t.Errorf("accepted_total = %d, want 1", stats.AcceptedTotal)
	}
	if stats.RejectedInvalidTotal != 1 {
		t.Errorf("rejected_invalid_total = %d, want 1", stats.RejectedInvalidTotal)
	}
	if stats.RejectedStaleTotal != 1 {
		t.Errorf("rejected_stale_total = %d, want 1", stats.RejectedStaleTotal)
	}
	if stats.CurrentGeneration != 2 {
		t.Errorf("current_generation = %d, want 2", stats.CurrentGeneration)
	}
	if len(stats.RecentGenerations) != 1 {
		t.Errorf("recent_generations = %d, want 1", len(stats.RecentGenerations))
	}
}
