package solver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"skysolve/internal/params"
)

func TestAbortBeforeStartMarksWillAbort(t *testing.T) {
	par := params.Defaults()
	w := NewInternalWorker(IntSolve, testImage(t, 64, 64), par, WorkerConfig{
		BasePath:  t.TempDir(),
		Extractor: &fakeExtractor{stars: testStars(10)},
		Engine:    &fakeEngine{matchAny: true},
	})
	w.Abort()
	if code := w.ExecuteBlocking(context.Background()); code == 0 {
		t.Fatal("pre-aborted worker reported success")
	}
	if w.State() != StateAborted {
		t.Fatalf("state = %v, want aborted", w.State())
	}
	if w.FailureKind() != KindAborted {
		t.Fatalf("kind = %v, want aborted", w.FailureKind())
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	par := params.Defaults()
	w := NewInternalWorker(IntExtract, testImage(t, 64, 64), par, WorkerConfig{
		BasePath:  t.TempDir(),
		Extractor: &fakeExtractor{stars: testStars(10)},
	})
	w.ExecuteBlocking(context.Background())
	w.Abort()
	w.Abort()
	w.Abort()
	// The worker already finished successfully; aborting afterwards must
	// not disturb the terminal state or re-emit completion.
	if w.State() != StateSucceededExtract {
		t.Fatalf("state = %v, want succeeded extract", w.State())
	}
	if w.Code() != 0 {
		t.Fatalf("code = %d, want 0", w.Code())
	}
}

func TestWorkerEmitsFinishedExactlyOnce(t *testing.T) {
	par := params.Defaults()
	w := NewInternalWorker(IntExtract, testImage(t, 64, 64), par, WorkerConfig{
		BasePath:  t.TempDir(),
		Extractor: &fakeExtractor{stars: testStars(10)},
	})
	w.ExecuteAsync(context.Background())
	first := w.Wait()
	second := w.Wait()
	if first != second {
		t.Fatalf("codes differ across waits: %d vs %d", first, second)
	}
	// Done must be closed, not re-armed.
	select {
	case <-w.Done():
	default:
		t.Fatal("done channel not closed after completion")
	}
}

func TestExtractOnlyStateAndResults(t *testing.T) {
	par := params.Defaults()
	par.KeepNum = 5
	w := NewInternalWorker(IntExtract, testImage(t, 64, 64), par, WorkerConfig{
		BasePath:  t.TempDir(),
		Extractor: &fakeExtractor{stars: testStars(30)},
	})
	if code := w.ExecuteBlocking(context.Background()); code != 0 {
		t.Fatalf("extraction failed with code %d", code)
	}
	if !w.HasExtracted() || w.HasSolved() {
		t.Fatal("extraction flags wrong")
	}
	if got := len(w.Stars()); got != 5 {
		t.Fatalf("star list has %d entries, want keepNum=5", got)
	}
	if w.Background().Global != 100 {
		t.Fatalf("background = %+v", w.Background())
	}
}

func TestSpawnChildRequiresExtraction(t *testing.T) {
	w := NewInternalWorker(IntSolve, testImage(t, 64, 64), params.Defaults(), WorkerConfig{
		BasePath:  t.TempDir(),
		Extractor: &fakeExtractor{stars: testStars(10)},
		Engine:    &fakeEngine{matchAny: true},
	})
	if _, err := w.SpawnChild(1); err == nil {
		t.Fatal("expected error spawning a child before extraction")
	}
	if err := w.Extract(context.Background()); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	child, err := w.SpawnChild(1)
	if err != nil {
		t.Fatalf("SpawnChild: %v", err)
	}
	if !child.HasExtracted() {
		t.Fatal("child does not share extraction state")
	}
	if child.ProcessType() != IntSolve {
		t.Fatalf("child process type = %v, want solve-only", child.ProcessType())
	}
	if len(child.Stars()) != len(w.Stars()) {
		t.Fatal("child star list differs from parent")
	}
}

func TestChildSharesSentinelPaths(t *testing.T) {
	w := NewInternalWorker(IntSolve, testImage(t, 64, 64), params.Defaults(), WorkerConfig{
		BasePath:  t.TempDir(),
		Extractor: &fakeExtractor{stars: testStars(10)},
		Engine:    &fakeEngine{matchAny: true},
	})
	if err := w.Extract(context.Background()); err != nil {
		t.Fatal(err)
	}
	child, err := w.SpawnChild(2)
	if err != nil {
		t.Fatal(err)
	}
	cw := child.(*InternalWorker)
	if cw.cancelPath != w.cancelPath || cw.solvedPath != w.solvedPath {
		t.Fatal("child does not share the parent's sentinel files")
	}
}

func TestSolverTimeLimitMapsToTimeout(t *testing.T) {
	par := params.Defaults()
	par.SolverTimeLimit = 1
	// The engine's window never matches, so it blocks until the deadline.
	w := NewInternalWorker(IntSolve, testImage(t, 64, 64), par, WorkerConfig{
		BasePath:  t.TempDir(),
		Extractor: &fakeExtractor{stars: testStars(10)},
		Engine:    &fakeEngine{targetDepth: 9999},
	})
	start := time.Now()
	if code := w.ExecuteBlocking(context.Background()); code == 0 {
		t.Fatal("expected a timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout took %v, want about 1s", elapsed)
	}
	if w.FailureKind() != KindTimeout {
		t.Fatalf("kind = %v, want timeout", w.FailureKind())
	}
}

func TestInsufficientStars(t *testing.T) {
	w := NewInternalWorker(IntSolve, testImage(t, 64, 64), params.Defaults(), WorkerConfig{
		BasePath:  t.TempDir(),
		Extractor: &fakeExtractor{stars: testStars(2)},
		Engine:    &fakeEngine{matchAny: true},
	})
	if code := w.ExecuteBlocking(context.Background()); code == 0 {
		t.Fatal("expected failure with too few stars")
	}
	if w.FailureKind() != KindInsufficientStars {
		t.Fatalf("kind = %v, want insufficient stars", w.FailureKind())
	}
}

func TestCancelSentinelFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.cancel")
	requestCancelFile(path)
	if !fileExists(path) {
		t.Fatal("cancel sentinel not created")
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "Cancel" {
		t.Fatalf("sentinel content = %q, %v", data, err)
	}
	// A missing parent directory is tolerated silently.
	requestCancelFile(filepath.Join(dir, "gone", "worker.cancel"))
}

func TestWatchFileSeesCreation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "field.solved")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hit, err := watchFile(ctx, path)
	if err != nil {
		t.Fatalf("watchFile: %v", err)
	}
	markSolvedFile(path)
	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reported the solved file")
	}
}

func TestWatchFileExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "field.solved")
	markSolvedFile(path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hit, err := watchFile(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-hit:
	case <-time.After(time.Second):
		t.Fatal("watcher missed a pre-existing file")
	}
}

func TestProcessTypeCapabilities(t *testing.T) {
	parallel := []ProcessType{IntSolve, ExtSolve, IntExtractExtSolve}
	for _, p := range parallel {
		if !p.CanParallelize() {
			t.Fatalf("%v should parallelize", p)
		}
	}
	never := []ProcessType{IntExtract, IntExtractHFR, ExtExtract, ExtExtractHFR, OnlineSolve, IntExtractOnlineSolve}
	for _, p := range never {
		if p.CanParallelize() {
			t.Fatalf("%v should not parallelize", p)
		}
	}
}

func TestSearchPositionRaHours(t *testing.T) {
	w := NewInternalWorker(IntSolve, testImage(t, 64, 64), params.Defaults(), WorkerConfig{})
	w.SetSearchPositionRaDec(2.0, 45.0) // two hours of RA
	if w.searchRA != 30.0 || w.searchDec != 45.0 {
		t.Fatalf("position = (%v,%v), want (30,45)", w.searchRA, w.searchDec)
	}
}
