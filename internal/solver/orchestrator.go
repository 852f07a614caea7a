package solver

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"skysolve/internal/imgdata"
	"skysolve/internal/params"
	"skysolve/internal/sysres"
	"skysolve/internal/wcs"
)

// ScaleSlice is one child's share of the field-width search range.
type ScaleSlice struct {
	Lo, Hi float64
	Unit   params.ScaleUnits
}

// DepthSlice is one child's share of the source-depth search range.
type DepthSlice struct {
	Lo, Hi int
}

// WorkerFactory builds the primary worker for a run. Injectable so tests
// race fake workers.
type WorkerFactory func(proc ProcessType, img *imgdata.ImageDescriptor, par params.Parameters, cfg WorkerConfig) (Worker, error)

// DefaultWorkerFactory dispatches on process type to the three concrete
// worker variants.
func DefaultWorkerFactory(proc ProcessType, img *imgdata.ImageDescriptor, par params.Parameters, cfg WorkerConfig) (Worker, error) {
	switch proc {
	case IntExtract, IntExtractHFR, IntSolve:
		return NewInternalWorker(proc, img, par, cfg), nil
	case ExtExtract, ExtExtractHFR, ExtSolve, IntExtractExtSolve:
		return NewExternalWorker(proc, img, par, cfg), nil
	case OnlineSolve, IntExtractOnlineSolve:
		return NewOnlineWorker(proc, img, par, cfg), nil
	default:
		return nil, fmt.Errorf("no worker for process type %d", proc)
	}
}

// Orchestrator drives one plate solve: it runs the primary worker's
// extraction, fans solve-only children out over disjoint slices of the
// search space, lets the first success win and aborts the rest, then
// applies the winning WCS to the star list.
type Orchestrator struct {
	img  *imgdata.ImageDescriptor
	par  params.Parameters
	proc ProcessType
	cfg  WorkerConfig

	useScale    bool
	scaleLo     float64
	scaleHi     float64
	scaleUnit   params.ScaleUnits
	usePosition bool
	searchRA    float64
	searchDec   float64

	loadWCS bool
	threads int
	probe   sysres.Probe
	factory WorkerFactory
	logSink func(string)

	// OnWCSReady fires after a winning WCS annotated the star list.
	OnWCSReady func(stars []imgdata.Star, post *wcs.PostProcessor)

	mu              sync.Mutex
	state           State
	kind            ErrorKind
	primary         Worker
	children        []Worker
	winner          Worker
	solution        imgdata.Solution
	stars           []imgdata.Star
	background      imgdata.Background
	finalCode       int
	aborted         bool
	parallelRefused bool

	done       chan struct{}
	finishOnce sync.Once
	running    bool
}

// NewOrchestrator configures a run. cfg carries the back-end collaborators
// and paths; par is copied, so later admission downgrades stay local.
func NewOrchestrator(proc ProcessType, img *imgdata.ImageDescriptor, par params.Parameters, cfg WorkerConfig) *Orchestrator {
	return &Orchestrator{
		img:     img,
		par:     par,
		proc:    proc,
		cfg:     cfg,
		loadWCS: true,
		probe:   sysres.System{},
		factory: DefaultWorkerFactory,
		logSink: cfg.LogSink,
		done:    make(chan struct{}),
	}
}

// SetSearchScale installs a field-scale hint shared by every worker.
func (o *Orchestrator) SetSearchScale(lo, hi float64, unit params.ScaleUnits) {
	o.useScale = true
	o.scaleLo = lo
	o.scaleHi = hi
	o.scaleUnit = unit
}

// SetSearchPositionDeg installs a sky-position hint in degrees.
func (o *Orchestrator) SetSearchPositionDeg(ra, dec float64) {
	o.usePosition = true
	o.searchRA = ra
	o.searchDec = dec
}

// SetLoadWCS controls whether a winning solve also loads WCS data and
// annotates the star list.
func (o *Orchestrator) SetLoadWCS(load bool) { o.loadWCS = load }

// SetThreads overrides the racing fleet size, which defaults to the CPU
// count.
func (o *Orchestrator) SetThreads(n int) { o.threads = n }

// SetResourceProbe swaps the RAM probe, for tests.
func (o *Orchestrator) SetResourceProbe(p sysres.Probe) { o.probe = p }

// SetWorkerFactory swaps the worker constructor, for tests.
func (o *Orchestrator) SetWorkerFactory(f WorkerFactory) { o.factory = f }

func (o *Orchestrator) Done() <-chan struct{} { return o.done }

func (o *Orchestrator) Code() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finalCode
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) FailureKind() ErrorKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.kind
}

func (o *Orchestrator) Solution() imgdata.Solution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.solution
}

func (o *Orchestrator) Stars() []imgdata.Star {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stars
}

func (o *Orchestrator) Background() imgdata.Background {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.background
}

// HasWCS reports whether a winner produced WCS data.
func (o *Orchestrator) HasWCS() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.winner != nil && o.winner.HasWCS()
}

// Abort cancels the primary worker and the whole child fleet.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	o.aborted = true
	if o.kind == KindNone {
		o.kind = KindAborted
	}
	primary := o.primary
	children := append([]Worker(nil), o.children...)
	o.mu.Unlock()

	for _, c := range children {
		c.Abort()
	}
	if primary != nil {
		primary.Abort()
	}
}

// RunAsync starts the orchestration on its own goroutine.
func (o *Orchestrator) RunAsync(ctx context.Context) {
	go o.Run(ctx)
}

// Wait blocks until the run finished and returns its code.
func (o *Orchestrator) Wait() int {
	<-o.done
	return o.Code()
}

// Run executes the whole orchestration and returns 0 on success. Calling
// Run on a finished orchestrator returns the recorded code; a fresh run
// needs a fresh Orchestrator.
func (o *Orchestrator) Run(ctx context.Context) int {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		<-o.done
		return o.Code()
	}
	o.running = true
	o.state = StateRunning
	o.mu.Unlock()

	o.resolveMultiAlgorithm()
	o.admitParallel()

	primary, err := o.factory(o.proc, o.img, o.par, o.cfg)
	if err != nil {
		o.finishWith(KindInvalidInput, -1)
		return o.Code()
	}
	if o.useScale {
		primary.SetSearchScale(o.scaleLo, o.scaleHi, o.scaleUnit)
	}
	if o.usePosition {
		primary.SetSearchPositionDeg(o.searchRA, o.searchDec)
	}
	o.mu.Lock()
	o.primary = primary
	aborted := o.aborted
	o.mu.Unlock()
	if aborted {
		primary.Abort()
		o.finishWith(KindAborted, -1)
		return o.Code()
	}

	if o.par.MultiAlgorithm != params.NotMulti && o.par.InParallel && o.proc.CanParallelize() {
		o.runParallel(ctx, primary)
	} else {
		o.runSingle(ctx, primary)
	}
	return o.Code()
}

// resolveMultiAlgorithm turns MultiAuto into a concrete strategy from the
// available hints. With neither hint the answer is MultiScales, not
// MultiDepths; the scale range is the better-bounded search.
func (o *Orchestrator) resolveMultiAlgorithm() {
	if o.par.MultiAlgorithm != params.MultiAuto {
		return
	}
	switch {
	case o.useScale && o.usePosition:
		o.par.MultiAlgorithm = params.NotMulti
	case o.useScale:
		o.par.MultiAlgorithm = params.MultiDepths
	case o.usePosition:
		o.par.MultiAlgorithm = params.MultiScales
	default:
		o.par.MultiAlgorithm = params.MultiScales
	}
	o.log("multi-algorithm resolved to %s", o.par.MultiAlgorithm)
}

// admitParallel downgrades inParallel when the index files cannot all sit
// in memory at once. Back-ends that load indexes per worker would otherwise
// page the machine to death.
func (o *Orchestrator) admitParallel() {
	if !o.par.InParallel || !o.proc.CanParallelize() {
		return
	}
	installed := o.probe.InstalledRAMBytes()
	footprint := o.probe.IndexFootprintBytes(o.cfg.IndexFolders)
	const gb = float64(1 << 30)
	if installed == 0 {
		o.log("installed RAM unknown, disabling the inParallel option")
		o.refuseParallel()
		return
	}
	if footprint > installed {
		o.log("index files need %.2f GB but only %.2f GB RAM is installed, disabling the inParallel option",
			float64(footprint)/gb, float64(installed)/gb)
		o.refuseParallel()
		return
	}
	o.log("index files fit in RAM (%.2f of %.2f GB), keeping inParallel",
		float64(footprint)/gb, float64(installed)/gb)
}

// refuseParallel downgrades the run to a single worker. The run itself
// still proceeds and no error is raised; ParallelRefused is how a caller
// learns that parallel solving did not happen.
func (o *Orchestrator) refuseParallel() {
	o.par.InParallel = false
	o.mu.Lock()
	o.parallelRefused = true
	o.mu.Unlock()
}

// ParallelRefused reports whether the RAM admission check downgraded the
// run to a single worker.
func (o *Orchestrator) ParallelRefused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.parallelRefused
}

// runSingle executes the primary worker alone and adopts its outcome.
func (o *Orchestrator) runSingle(ctx context.Context, primary Worker) {
	code := primary.ExecuteBlocking(ctx)

	o.mu.Lock()
	o.stars = primary.Stars()
	o.background = primary.Background()
	if code == 0 && primary.HasSolved() {
		o.solution = primary.Solution()
		o.winner = primary
	}
	kind := primary.FailureKind()
	o.mu.Unlock()

	if code != 0 {
		o.finishWith(kind, code)
		return
	}
	if primary.HasSolved() {
		o.applyWCS()
	}
	o.finishWith(KindNone, 0)
}

// runParallel is the racing path: one extraction, then a fleet of
// solve-only children over disjoint search slices.
func (o *Orchestrator) runParallel(ctx context.Context, primary Worker) {
	if err := o.extractWithPrimary(ctx, primary); err != nil {
		o.finishWith(KindOf(err), -1)
		return
	}

	children, err := o.buildChildren(primary)
	if err != nil {
		o.finishWith(KindInvalidInput, -1)
		return
	}
	o.mu.Lock()
	if o.aborted {
		o.mu.Unlock()
		o.finishWith(KindAborted, -1)
		return
	}
	o.children = children
	o.mu.Unlock()

	type result struct {
		worker Worker
		code   int
	}
	results := make(chan result, len(children))
	for _, child := range children {
		child.ExecuteAsync(ctx)
		go func(c Worker) {
			<-c.Done()
			results <- result{worker: c, code: c.Code()}
		}(child)
	}

	var winner Worker
	fails := 0
	failKind := KindNone
	for range children {
		res := <-results
		if res.code == 0 && winner == nil {
			winner = res.worker
			o.log("child solver won the race, shutting down the others")
			for _, c := range children {
				if c != winner {
					c.Abort()
				}
			}
			continue
		}
		fails++
		failKind = worseKind(failKind, res.worker.FailureKind())
	}
	// Every child has reached a terminal state here: the loop consumed one
	// result per child, so winner selection happens after all of them.

	o.mu.Lock()
	aborted := o.aborted
	o.mu.Unlock()

	if winner == nil {
		if aborted {
			o.finishWith(KindAborted, -1)
			return
		}
		o.log("all %d child solvers failed", fails)
		o.finishWith(failKind, -1)
		return
	}

	o.mu.Lock()
	o.winner = winner
	o.solution = winner.Solution()
	o.mu.Unlock()
	o.applyWCS()
	o.finishWith(KindNone, 0)
}

// extractWithPrimary runs the extraction step synchronously; children are
// only built once the star list exists.
func (o *Orchestrator) extractWithPrimary(ctx context.Context, primary Worker) error {
	if err := primary.Extract(ctx); err != nil {
		return err
	}
	o.adoptExtraction(primary)
	return nil
}

func (o *Orchestrator) adoptExtraction(primary Worker) {
	o.mu.Lock()
	o.stars = primary.Stars()
	o.background = primary.Background()
	o.mu.Unlock()
}

// buildChildren slices the search space per the resolved strategy.
func (o *Orchestrator) buildChildren(primary Worker) ([]Worker, error) {
	threads := o.threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	var children []Worker
	switch o.par.MultiAlgorithm {
	case params.MultiScales:
		minScale, maxScale := o.par.MinWidth, o.par.MaxWidth
		unit := params.DegWidth
		if o.useScale {
			minScale, maxScale, unit = o.scaleLo, o.scaleHi, o.scaleUnit
		}
		slices := ComputeScaleSlices(minScale, maxScale, unit, threads)
		o.log("starting %d child solvers over scale slices", len(slices))
		for i, s := range slices {
			child, err := primary.SpawnChild(i + 1)
			if err != nil {
				return nil, err
			}
			child.SetSearchScale(s.Lo, s.Hi, s.Unit)
			o.log("child %d: scale %.4g to %.4g %s", i+1, s.Lo, s.Hi, s.Unit)
			children = append(children, child)
		}

	case params.MultiDepths:
		sourceNum := 200
		if o.par.KeepNum > 0 {
			sourceNum = o.par.KeepNum
		}
		slices := ComputeDepthSlices(sourceNum, threads)
		o.log("starting %d child solvers over depth slices", len(slices))
		for i, s := range slices {
			child, err := primary.SpawnChild(i + 1)
			if err != nil {
				return nil, err
			}
			child.SetDepthWindow(s.Lo, s.Hi)
			o.log("child %d: depth %d to %d", i+1, s.Lo, s.Hi)
			children = append(children, child)
		}

	default:
		return nil, fmt.Errorf("cannot build children for strategy %s", o.par.MultiAlgorithm)
	}
	return children, nil
}

// applyWCS annotates the extracted stars with the winner's projection and
// fires OnWCSReady.
func (o *Orchestrator) applyWCS() {
	o.mu.Lock()
	winner := o.winner
	stars := o.stars
	o.mu.Unlock()

	if !o.loadWCS || winner == nil || !winner.HasWCS() {
		return
	}
	proj := winner.Projector()
	if proj == nil {
		return
	}
	// Only an in-process solve on a downsampled buffer yields a projection
	// in the reduced frame; external and online solutions are full-frame.
	downsample := 1
	if iw, ok := winner.(*InternalWorker); ok && iw.downsampled {
		downsample = o.par.Downsample
	}
	post := wcs.NewPostProcessor(proj, o.img.Width, o.img.Height, downsample)
	annotated := post.AnnotateStars(stars)

	o.mu.Lock()
	o.stars = annotated
	o.mu.Unlock()

	if o.OnWCSReady != nil {
		o.OnWCSReady(annotated, post)
	}
}

func (o *Orchestrator) finishWith(kind ErrorKind, code int) {
	o.finishOnce.Do(func() {
		o.mu.Lock()
		o.finalCode = code
		if o.kind == KindNone || kind == KindAborted {
			if kind != KindNone {
				o.kind = kind
			}
		}
		switch {
		case code == 0 && o.winner != nil:
			o.state = StateSucceededSolve
		case code == 0:
			o.state = StateSucceededExtract
		case o.aborted || kind == KindAborted:
			o.state = StateAborted
		default:
			o.state = StateFailed
		}
		o.mu.Unlock()
		close(o.done)
	})
}

func (o *Orchestrator) log(format string, args ...any) {
	if o.logSink == nil {
		return
	}
	o.logSink(fmt.Sprintf(format, args...))
}

// worseKind keeps the most informative failure across children:
// a timeout beats a miss beats an abort.
func worseKind(a, b ErrorKind) ErrorKind {
	rank := func(k ErrorKind) int {
		switch k {
		case KindTimeout:
			return 3
		case KindNoSolution:
			return 2
		case KindAborted:
			return 1
		case KindNone:
			return 0
		default:
			return 2
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// ComputeScaleSlices partitions [minScale, maxScale] quadratically across
// threads: larger-scale slices are wider because big fields solve faster
// per unit of scale range. Slices are contiguous and their union covers the
// whole range.
func ComputeScaleSlices(minScale, maxScale float64, unit params.ScaleUnits, threads int) []ScaleSlice {
	if threads < 1 {
		threads = 1
	}
	k := (maxScale - minScale) / float64(threads*threads)
	slices := make([]ScaleSlice, 0, threads)
	for i := 0; i < threads; i++ {
		lo := minScale + k*float64(i*i)
		hi := minScale + k*float64((i+1)*(i+1))
		slices = append(slices, ScaleSlice{Lo: lo, Hi: hi, Unit: unit})
	}
	return slices
}

// ComputeDepthSlices covers [1, sourceNum] in steps of at least 10 sources
// per child; fewer than `threads` children come out when the step clamps.
func ComputeDepthSlices(sourceNum, threads int) []DepthSlice {
	if threads < 1 {
		threads = 1
	}
	inc := sourceNum / threads
	if inc < 10 {
		inc = 10
	}
	var slices []DepthSlice
	for i := 1; i < sourceNum; i += inc {
		slices = append(slices, DepthSlice{Lo: i, Hi: i + inc})
	}
	return slices
}
