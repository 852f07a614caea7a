package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"skysolve/internal/imgdata"
	"skysolve/internal/logging"
	"skysolve/internal/storage"
)

// Job is a single queued solve request.
type Job struct {
	ID        string
	InputPath string
	Backend   string
	Profile   string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job
	Error    error
	Kind     string
	Solution imgdata.Solution
	Stars    int
	Duration time.Duration
}

// SolveFunc runs one solve job; the manager supplies a per-job log sink.
type SolveFunc func(ctx context.Context, job Job, logLine func(string)) Result

// Manager dispatches solve jobs across a small worker pool and fans results
// and log lines out to subscribers.
type Manager struct {
	solve  SolveFunc
	log    *slog.Logger
	store  *storage.Store
	jobs   chan Job
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	hubs      map[string]*logHub
	stopOnce  sync.Once
}

// NewManager starts `concurrency` workers feeding on the queue.
func NewManager(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, solve SolveFunc) *Manager {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		solve:  solve,
		log:    logger,
		store:  store,
		jobs:   make(chan Job, concurrency*2),
		cancel: cancel,
		subs:   make(map[int]chan Result),
		hubs:   make(map[string]*logHub),
	}
	for i := 0; i < concurrency; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	return m
}

// Submit adds a job to the queue.
func (m *Manager) Submit(job Job) error {
	if m.store != nil {
		_ = m.store.RecordSolveQueued(storage.SolveRecord{
			ID: job.ID, Status: "queued", InputPath: job.InputPath,
			Backend: job.Backend, Profile: job.Profile,
		})
	}
	m.mu.Lock()
	m.hubs[job.ID] = newLogHub()
	m.mu.Unlock()

	select {
	case m.jobs <- job:
		return nil
	default:
		return errQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		close(m.jobs)
		m.wg.Wait()
		m.mu.Lock()
		for id, ch := range m.subs {
			close(ch)
			delete(m.subs, id)
		}
		m.mu.Unlock()
	})
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-m.jobs:
			if !ok {
				return
			}
			start := time.Now()
			logging.LogSolveStart(m.log, job.ID, job.InputPath, job.Profile, job.Backend)
			if m.store != nil {
				_ = m.store.RecordSolveStart(job.ID)
			}

			hub := m.hub(job.ID)
			res := m.solve(ctx, job, hub.publish)
			res.Duration = time.Since(start)

			if res.Error != nil {
				logging.LogSolveError(m.log, job.ID, res.Duration, res.Kind, res.Error)
				if m.store != nil {
					_ = m.store.RecordSolveResult(storage.SolveRecord{
						ID: job.ID, Status: "failed",
						DurationMs: res.Duration.Milliseconds(),
						Error:      res.Error.Error(),
					})
				}
			} else {
				sol := res.Solution
				logging.LogSolveComplete(m.log, job.ID, res.Duration, sol.RA, sol.Dec, sol.PixScale, res.Stars)
				if m.store != nil {
					_ = m.store.RecordSolveResult(storage.SolveRecord{
						ID: job.ID, Status: "completed",
						RA: sol.RA, Dec: sol.Dec, PixScale: sol.PixScale,
						Orientation: sol.Orientation,
						FieldWidth:  sol.FieldWidth, FieldHeight: sol.FieldHeight,
						StarsFound: res.Stars, DurationMs: res.Duration.Milliseconds(),
					})
				}
			}
			hub.close()
			m.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe
// function.
func (m *Manager) Subscribe() (<-chan Result, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan Result, 8)
	m.subs[id] = ch
	unsub := func() {
		m.mu.Lock()
		if c, ok := m.subs[id]; ok {
			close(c)
			delete(m.subs, id)
		}
		m.mu.Unlock()
	}
	return ch, unsub
}

func (m *Manager) broadcast(res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- res:
		default:
			m.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

func (m *Manager) hub(jobID string) *logHub {
	m.mu.Lock()
	defer m.mu.Unlock()
	hub, ok := m.hubs[jobID]
	if !ok {
		hub = newLogHub()
		m.hubs[jobID] = hub
	}
	return hub
}

// JobLog returns the buffered log lines so far plus a live feed, or nil when
// the job is unknown.
func (m *Manager) JobLog(jobID string) ([]string, <-chan string, func()) {
	m.mu.Lock()
	hub, ok := m.hubs[jobID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, func() {}
	}
	return hub.subscribe()
}

// logHub buffers a job's solver output and feeds live subscribers, so a
// websocket attached halfway through still sees the whole log.
type logHub struct {
	mu     sync.Mutex
	lines  []string
	subs   map[int]chan string
	nextID int
	closed bool
}

const logHubCap = 2000

func newLogHub() *logHub {
	return &logHub{subs: make(map[int]chan string)}
}

func (h *logHub) publish(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if len(h.lines) < logHubCap {
		h.lines = append(h.lines, line)
	}
	for _, ch := range h.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

func (h *logHub) subscribe() ([]string, <-chan string, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	backlog := append([]string(nil), h.lines...)
	if h.closed {
		done := make(chan string)
		close(done)
		return backlog, done, func() {}
	}
	id := h.nextID
	h.nextID++
	ch := make(chan string, 64)
	h.subs[id] = ch
	unsub := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
	return backlog, ch, unsub
}

func (h *logHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
