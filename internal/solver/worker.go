package solver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"skysolve/internal/imgdata"
	"skysolve/internal/params"
	"skysolve/internal/wcs"
)

// ProcessType says what a worker does when started.
type ProcessType int

const (
	IntExtract ProcessType = iota
	IntExtractHFR
	IntSolve
	ExtExtract
	ExtExtractHFR
	ExtSolve
	IntExtractExtSolve
	OnlineSolve
	IntExtractOnlineSolve
)

func (t ProcessType) String() string {
	switch t {
	case IntExtract:
		return "internal extraction"
	case IntExtractHFR:
		return "internal extraction with HFR"
	case IntSolve:
		return "internal extraction and solve"
	case ExtExtract:
		return "external extraction"
	case ExtExtractHFR:
		return "external extraction with HFR"
	case ExtSolve:
		return "external extraction and solve"
	case IntExtractExtSolve:
		return "internal extraction, external solve"
	case OnlineSolve:
		return "online solve"
	case IntExtractOnlineSolve:
		return "internal extraction, online solve"
	default:
		return "unknown"
	}
}

// SolvesField reports whether the process produces a plate solution.
func (t ProcessType) SolvesField() bool {
	switch t {
	case IntSolve, ExtSolve, IntExtractExtSolve, OnlineSolve, IntExtractOnlineSolve:
		return true
	}
	return false
}

// WantsHFR reports whether extraction should measure half flux radii.
func (t ProcessType) WantsHFR() bool {
	return t == IntExtractHFR || t == ExtExtractHFR
}

// CanParallelize reports whether the back-end supports racing child workers
// over slices of the search space. The online service schedules internally,
// so it never participates.
func (t ProcessType) CanParallelize() bool {
	switch t {
	case IntSolve, ExtSolve, IntExtractExtSolve:
		return true
	}
	return false
}

// State tracks a worker through its lifecycle. Transitions are monotonic and
// terminal states are sticky.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSucceededExtract
	StateSucceededSolve
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceededExtract:
		return "succeeded extract"
	case StateSucceededSolve:
		return "succeeded solve"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// LogLevel controls worker verbosity. Child workers run one step quieter
// than their parent so a race does not drown the log.
type LogLevel int

const (
	LogNone LogLevel = iota
	LogError
	LogMsg
	LogVerbose
	LogAll
)

func (l LogLevel) quieter() LogLevel {
	if l <= LogError {
		return LogNone
	}
	return l - 1
}

// Worker is one unit of plate-solving work: it can extract, solve, or both,
// and reports completion exactly once.
type Worker interface {
	ProcessType() ProcessType

	// ExecuteBlocking runs the worker's job on the calling goroutine and
	// returns the completion code (0 on success). ExecuteAsync runs it on
	// its own goroutine; Wait joins and returns the code.
	ExecuteBlocking(ctx context.Context) int
	ExecuteAsync(ctx context.Context)
	Wait() int

	// Abort is idempotent cancellation, safe from any goroutine. Called
	// before the worker runs, it marks the worker to fail immediately.
	Abort()

	// Extract runs just the detection step synchronously, leaving the
	// worker ready to solve or to spawn children sharing the star list.
	Extract(ctx context.Context) error

	// SpawnChild produces a solve-only sibling reusing the extracted star
	// list. n tags the child's temp files and log lines.
	SpawnChild(n int) (Worker, error)

	SetSearchScale(lo, hi float64, unit params.ScaleUnits)
	SetSearchPositionDeg(ra, dec float64)
	SetSearchPositionRaDec(raHours, dec float64)
	SetDepthWindow(lo, hi int)

	// Done is closed when the worker reaches a terminal state; Code then
	// holds the completion code.
	Done() <-chan struct{}
	Code() int
	State() State
	FailureKind() ErrorKind

	Stars() []imgdata.Star
	Background() imgdata.Background
	Solution() imgdata.Solution
	HasExtracted() bool
	HasSolved() bool
	HasWCS() bool
	Projector() wcs.Projector
}

// minSolveStars is the least stars a field needs before a solve attempt:
// the matcher builds four-star quads.
const minSolveStars = 4

// workerBase carries the state shared by the three worker variants.
type workerBase struct {
	procType ProcessType
	img      *imgdata.ImageDescriptor
	par      params.Parameters

	mu    sync.Mutex
	state State
	kind  ErrorKind
	err   error

	useScale    bool
	scaleLo     float64
	scaleHi     float64
	scaleUnit   params.ScaleUnits
	usePosition bool
	searchRA    float64
	searchDec   float64
	depthLo     int
	depthHi     int

	stars        []imgdata.Star
	background   imgdata.Background
	solution     imgdata.Solution
	projector    wcs.Projector
	hasExtracted bool
	hasSolved    bool
	hasWCS       bool
	calculateHFR bool

	baseName      string
	basePath      string
	cancelPath    string
	solvedPath    string
	indexFolders  []string
	fileToProcess string
	isChild       bool
	childTag      int

	logLevel LogLevel
	logSink  func(string)

	done       chan struct{}
	finishOnce sync.Once
	finalCode  int
	cancel     context.CancelFunc
	aborted    atomic.Bool
	running    atomic.Bool
}

func newWorkerBase(proc ProcessType, img *imgdata.ImageDescriptor, par params.Parameters, prefix string, cfg WorkerConfig) workerBase {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = os.TempDir()
	}
	level := cfg.LogLevel
	if level == 0 && cfg.LogSink != nil {
		level = LogMsg
	}
	return workerBase{
		procType:      proc,
		img:           img,
		par:           par,
		depthLo:       -1,
		depthHi:       -1,
		baseName:      fmt.Sprintf("%s_%s", prefix, uuid.NewString()[:8]),
		basePath:      basePath,
		indexFolders:  cfg.IndexFolders,
		fileToProcess: cfg.FileToProcess,
		logLevel:      level,
		logSink:       cfg.LogSink,
		done:          make(chan struct{}),
	}
}

// WorkerConfig carries construction options common to all worker variants;
// variant-specific fields are ignored by the others.
type WorkerConfig struct {
	BasePath     string
	IndexFolders []string
	LogSink      func(string)
	LogLevel     LogLevel

	// Internal back-end collaborators.
	Extractor Extractor
	Engine    Engine

	// External back-end.
	SextractorPath     string
	SolverPath         string
	AstapPath          string
	ConfPath           string
	UseASTAP           bool
	CleanupTempFiles   *bool // nil means true
	AutoGenerateConfig *bool // nil means true
	WCSReader          WCSReader

	// Online back-end.
	APIURL        string
	APIKey        string
	HTTPClient    *http.Client
	FileToProcess string
}

func (b *workerBase) ProcessType() ProcessType { return b.procType }

func (b *workerBase) SetSearchScale(lo, hi float64, unit params.ScaleUnits) {
	b.useScale = true
	b.scaleLo = lo
	b.scaleHi = hi
	b.scaleUnit = unit
}

func (b *workerBase) SetSearchPositionDeg(ra, dec float64) {
	b.usePosition = true
	b.searchRA = ra
	b.searchDec = dec
}

// SetSearchPositionRaDec takes the right ascension in hours.
func (b *workerBase) SetSearchPositionRaDec(raHours, dec float64) {
	b.SetSearchPositionDeg(raHours*15, dec)
}

func (b *workerBase) SetDepthWindow(lo, hi int) {
	b.depthLo = lo
	b.depthHi = hi
}

func (b *workerBase) Done() <-chan struct{} { return b.done }

func (b *workerBase) Code() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalCode
}

func (b *workerBase) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *workerBase) FailureKind() ErrorKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kind
}

func (b *workerBase) Stars() []imgdata.Star {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stars
}

func (b *workerBase) Background() imgdata.Background {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.background
}

func (b *workerBase) Solution() imgdata.Solution {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.solution
}

func (b *workerBase) HasExtracted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasExtracted
}

func (b *workerBase) HasSolved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasSolved
}

func (b *workerBase) HasWCS() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasWCS
}

func (b *workerBase) Projector() wcs.Projector {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.projector
}

// Abort requests cancellation: the sentinel file is created for the engine
// to notice, and the worker's context is cancelled. Idempotent; before the
// worker runs it marks the worker to abort on start.
func (b *workerBase) Abort() {
	if b.aborted.Swap(true) {
		return
	}
	if b.cancelPath != "" {
		requestCancelFile(b.cancelPath)
	}
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !b.isChild {
		b.log("aborting")
	}
}

func (b *workerBase) log(format string, args ...any) {
	if b.logSink == nil || b.logLevel == LogNone {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if b.isChild {
		msg = fmt.Sprintf("[child %d] %s", b.childTag, msg)
	}
	b.logSink(msg)
}

// ensureSentinelPaths fills in the default cancel/solved paths. Children
// inherit their parent's paths so one cancel file stops the whole fleet.
func (b *workerBase) ensureSentinelPaths() {
	if b.cancelPath == "" {
		b.cancelPath = filepath.Join(b.basePath, b.baseName+".cancel")
	}
	if b.solvedPath == "" {
		b.solvedPath = filepath.Join(b.basePath, b.baseName+".solved")
	}
}

func (b *workerBase) removeSentinels() {
	if b.isChild {
		return
	}
	if b.cancelPath != "" {
		os.Remove(b.cancelPath)
	}
	if b.solvedPath != "" {
		os.Remove(b.solvedPath)
	}
}

// beginRun installs the run context and moves Idle -> Running. It returns
// false when the worker was already started or aborted beforehand.
func (b *workerBase) beginRun(ctx context.Context) (context.Context, bool) {
	if !b.running.CompareAndSwap(false, true) {
		return nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.state = StateRunning
	b.cancel = cancel
	b.mu.Unlock()
	if b.aborted.Load() {
		cancel()
		b.failWith(KindAborted, fmt.Errorf("aborted before start"))
		return nil, false
	}
	return runCtx, true
}

// finish resolves the terminal state and emits the completion code exactly
// once.
func (b *workerBase) finish(code int) {
	b.finishOnce.Do(func() {
		b.mu.Lock()
		b.finalCode = code
		switch {
		case code == 0 && b.hasSolved:
			b.state = StateSucceededSolve
		case code == 0:
			b.state = StateSucceededExtract
		case b.aborted.Load() || b.kind == KindAborted:
			b.state = StateAborted
			if b.kind == KindNone {
				b.kind = KindAborted
			}
		default:
			b.state = StateFailed
		}
		b.mu.Unlock()
		close(b.done)
	})
}

// failWith records the failure classification and finishes with code -1.
func (b *workerBase) failWith(kind ErrorKind, err error) {
	b.mu.Lock()
	if b.kind == KindNone {
		b.kind = kind
		b.err = err
	}
	b.mu.Unlock()
	if err != nil {
		b.log("%v", &SolveError{Kind: kind, Err: err})
	}
	b.finish(-1)
}

// copyForChild duplicates the shareable state into a child base. The star
// list is shared by reference; it is immutable once extraction finished.
func (b *workerBase) copyForChild(n int, proc ProcessType) workerBase {
	child := workerBase{
		procType:      proc,
		img:           b.img,
		par:           b.par,
		useScale:      b.useScale,
		scaleLo:       b.scaleLo,
		scaleHi:       b.scaleHi,
		scaleUnit:     b.scaleUnit,
		usePosition:   b.usePosition,
		searchRA:      b.searchRA,
		searchDec:     b.searchDec,
		depthLo:       -1,
		depthHi:       -1,
		stars:         b.stars,
		background:    b.background,
		hasExtracted:  b.hasExtracted,
		calculateHFR:  b.calculateHFR,
		baseName:      fmt.Sprintf("%s_%d", b.baseName, n),
		basePath:      b.basePath,
		cancelPath:    b.cancelPath,
		solvedPath:    b.solvedPath,
		indexFolders:  b.indexFolders,
		fileToProcess: b.fileToProcess,
		isChild:       true,
		childTag:      n,
		logLevel:      b.logLevel.quieter(),
		logSink:       b.logSink,
		done:          make(chan struct{}),
	}
	return child
}
