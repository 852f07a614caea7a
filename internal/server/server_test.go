package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"skysolve/internal/config"
	"skysolve/internal/imgdata"
	"skysolve/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Solver: config.Solver{
			Backend: "internal",
			Profile: "ParallelSolving",
			TempDir: t.TempDir(),
		},
		Server: config.Server{Listen: ":0"},
	}
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func okSolve(delay time.Duration) SolveFunc {
	return func(ctx context.Context, job Job, logLine func(string)) Result {
		logLine("starting solve")
		time.Sleep(delay)
		logLine("field solved")
		return Result{
			Job:      job,
			Solution: imgdata.Solution{RA: 10.68, Dec: 41.27, PixScale: 3.5},
			Stars:    42,
		}
	}
}

func TestManagerRunsJobAndRecordsResult(t *testing.T) {
	store := testStore(t)
	mgr := NewManager(context.Background(), 1, slog.Default(), store, okSolve(0))
	defer mgr.Stop()

	results, unsub := mgr.Subscribe()
	defer unsub()

	if err := mgr.Submit(Job{ID: "j1", InputPath: "/tmp/x.fits", Backend: "internal", Profile: "FastSolving"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case res := <-results:
		if res.Error != nil || res.Solution.RA != 10.68 {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}

	rec, err := store.Solve("j1")
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if rec.Status != "completed" || rec.StarsFound != 42 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestManagerRecordsFailure(t *testing.T) {
	store := testStore(t)
	failing := func(ctx context.Context, job Job, logLine func(string)) Result {
		return Result{Job: job, Error: errors.New("no solution"), Kind: "no solution"}
	}
	mgr := NewManager(context.Background(), 1, slog.Default(), store, failing)
	defer mgr.Stop()

	results, unsub := mgr.Subscribe()
	defer unsub()
	mgr.Submit(Job{ID: "j2"})

	select {
	case res := <-results:
		if res.Error == nil {
			t.Fatal("expected an error result")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}

	rec, err := store.Solve("j2")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "failed" || rec.Error == "" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestLogHubBacklogAndLive(t *testing.T) {
	hub := newLogHub()
	hub.publish("one")
	hub.publish("two")

	backlog, live, unsub := hub.subscribe()
	defer unsub()
	if len(backlog) != 2 || backlog[0] != "one" {
		t.Fatalf("backlog = %v", backlog)
	}

	hub.publish("three")
	select {
	case line := <-live:
		if line != "three" {
			t.Fatalf("live line = %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("live line not delivered")
	}

	hub.close()
	if _, ok := <-live; ok {
		t.Fatal("live channel not closed with the hub")
	}
}

func solveUpload(t *testing.T, srv *Server, filename string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("not really an image"))
	mw.WriteField("profile", "FastSolving")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/solve", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestSolveEndpointQueuesJob(t *testing.T) {
	store := testStore(t)
	mgr := NewManager(context.Background(), 1, slog.Default(), store, okSolve(10*time.Millisecond))
	defer mgr.Stop()
	srv := New(slog.Default(), store, mgr, testConfig(t))

	rec := solveUpload(t, srv, "field.fits")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatalf("no job id in response: %v", resp)
	}

	// The upload must have landed on disk for the solver to read.
	matches, _ := filepath.Glob(filepath.Join(srv.uploads, id+"*"))
	if len(matches) != 1 {
		t.Fatalf("uploaded file not stored: %v", matches)
	}
	data, _ := os.ReadFile(matches[0])
	if string(data) != "not really an image" {
		t.Fatal("upload content mangled")
	}

	// Poll the job endpoint until the record completes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil)
		r2 := httptest.NewRecorder()
		srv.Router().ServeHTTP(r2, req)
		if r2.Code == http.StatusOK {
			var job storage.SolveRecord
			json.Unmarshal(r2.Body.Bytes(), &job)
			if job.Status == "completed" {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("job never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSolveEndpointRejectsMissingFile(t *testing.T) {
	store := testStore(t)
	mgr := NewManager(context.Background(), 1, slog.Default(), store, okSolve(0))
	defer mgr.Stop()
	srv := New(slog.Default(), store, mgr, testConfig(t))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("profile", "FastSolving")
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/solve", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestProfilesEndpoint(t *testing.T) {
	store := testStore(t)
	mgr := NewManager(context.Background(), 1, slog.Default(), store, okSolve(0))
	defer mgr.Stop()
	srv := New(slog.Default(), store, mgr, testConfig(t))

	req := httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var names []string
	if err := json.Unmarshal(rec.Body.Bytes(), &names); err != nil {
		t.Fatal(err)
	}
	if len(names) < 8 {
		t.Fatalf("profiles = %v, want at least the 8 built-ins", names)
	}
}
