package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"skysolve/internal/imgdata"
	"skysolve/internal/params"
	"skysolve/internal/wcs"
)

// InternalWorker runs extraction and solving in-process through the
// Extractor and Engine collaborators.
type InternalWorker struct {
	workerBase
	extractor Extractor
	engine    Engine

	workImg     *imgdata.ImageDescriptor // downsampled view when solving
	downsampled bool
}

// NewInternalWorker builds an in-process worker. The extractor is required
// for any process that extracts; the engine for any that solves.
func NewInternalWorker(proc ProcessType, img *imgdata.ImageDescriptor, par params.Parameters, cfg WorkerConfig) *InternalWorker {
	w := &InternalWorker{
		workerBase: newWorkerBase(proc, img, par, "internalSolver", cfg),
		extractor:  cfg.Extractor,
		engine:     cfg.Engine,
	}
	w.workImg = img
	w.calculateHFR = proc.WantsHFR()
	return w
}

func (w *InternalWorker) ExecuteBlocking(ctx context.Context) int {
	runCtx, ok := w.beginRun(ctx)
	if !ok {
		<-w.done
		return w.Code()
	}
	w.run(runCtx)
	return w.Code()
}

func (w *InternalWorker) ExecuteAsync(ctx context.Context) {
	runCtx, ok := w.beginRun(ctx)
	if !ok {
		return
	}
	go w.run(runCtx)
}

func (w *InternalWorker) Wait() int {
	<-w.done
	return w.Code()
}

// Extract runs the detection step synchronously so the orchestrator can
// spawn children that share the star list before any solve starts.
func (w *InternalWorker) Extract(ctx context.Context) error {
	w.ensureSentinelPaths()
	return w.extract(ctx)
}

func (w *InternalWorker) run(ctx context.Context) {
	w.ensureSentinelPaths()
	defer w.removeSentinels()

	switch w.procType {
	case IntExtract, IntExtractHFR:
		if err := w.extract(ctx); err != nil {
			w.failWith(KindOf(err), err)
			return
		}
		w.finish(0)

	case IntSolve:
		if !w.HasExtracted() {
			if err := w.extract(ctx); err != nil {
				w.failWith(KindOf(err), err)
				return
			}
		}
		if err := w.solve(ctx); err != nil {
			w.failWith(w.classifySolveErr(err), err)
			return
		}
		w.finish(0)

	default:
		w.failWith(KindInvalidInput, fmt.Errorf("internal worker cannot run %s", w.procType))
	}
}

func (w *InternalWorker) extract(ctx context.Context) error {
	if w.extractor == nil {
		return &SolveError{Kind: KindInvalidInput, Err: errors.New("no extractor registered")}
	}
	if len(w.par.ConvFilter) == 0 {
		return &SolveError{Kind: KindInvalidInput, Err: errors.New("parameters carry no convolution filter")}
	}

	img := w.img
	// Downsampling only pays when the extraction feeds a solve; plain
	// extraction keeps full resolution.
	if w.procType.SolvesField() && w.par.Downsample > 1 {
		w.log("downsampling by %d before extraction", w.par.Downsample)
		img = w.img.Downsample(w.par.Downsample)
		w.downsampled = true
		if w.useScale && w.scaleUnit == params.ArcsecPerPix {
			w.scaleLo *= float64(w.par.Downsample)
			w.scaleHi *= float64(w.par.Downsample)
		}
	}
	w.workImg = img

	w.log("starting internal source extraction")
	res, err := w.extractor.Extract(ctx, ExtractionRequest{
		Image:      img,
		Region:     img.Region(),
		Params:     w.par,
		ComputeHFR: w.calculateHFR,
	})
	if err != nil {
		return &SolveError{Kind: KindExtractionFailed, Err: err}
	}
	if len(res.Stars) == 0 {
		return &SolveError{Kind: KindExtractionFailed, Err: errors.New("extractor found no stars")}
	}

	stars := ApplyStarFilters(res.Stars, w.par, img.Format, w.log)

	// Star positions are reported in full-frame pixels even when the
	// detection ran downsampled; the solve path converts back.
	if w.downsampled {
		d := float64(w.par.Downsample)
		for i := range stars {
			stars[i].X *= d
			stars[i].Y *= d
		}
	}

	w.mu.Lock()
	w.stars = stars
	w.background = res.Background
	w.hasExtracted = true
	w.mu.Unlock()
	return nil
}

func (w *InternalWorker) solve(ctx context.Context) error {
	if w.engine == nil {
		return &SolveError{Kind: KindInvalidInput, Err: errors.New("no astrometric engine registered")}
	}
	stars := w.Stars()
	if len(stars) < minSolveStars {
		return &SolveError{Kind: KindInsufficientStars,
			Err: fmt.Errorf("%d stars after filtering, need at least %d", len(stars), minSolveStars)}
	}

	// The engine matches against the working (possibly downsampled) frame.
	fieldStars := stars
	if w.downsampled {
		d := float64(w.par.Downsample)
		fieldStars = make([]imgdata.Star, len(stars))
		copy(fieldStars, stars)
		for i := range fieldStars {
			fieldStars[i].X /= d
			fieldStars[i].Y /= d
		}
	}

	req := SolveRequest{
		Stars:           fieldStars,
		Width:           w.workImg.Width,
		Height:          w.workImg.Height,
		UsePosition:     w.usePosition,
		RA:              w.searchRA,
		Dec:             w.searchDec,
		SearchRadius:    w.par.SearchRadius,
		DepthLo:         w.depthLo,
		DepthHi:         w.depthHi,
		IndexFolders:    w.indexFolders,
		InParallel:      w.par.InParallel,
		MinWidth:        w.par.MinWidth,
		MaxWidth:        w.par.MaxWidth,
		Parity:          w.par.SearchParity,
		TimeLimit:       time.Duration(w.par.SolverTimeLimit) * time.Second,
		LogratioToSolve: w.par.LogratioToSolve,
		LogratioToKeep:  w.par.LogratioToKeep,
		LogratioToTune:  w.par.LogratioToTune,
		CancelFile:      w.cancelPath,
		SolvedFile:      w.solvedPath,
		LogSink:         w.logSink,
	}
	if w.useScale {
		req.UseScale = true
		req.ScaleLoArcsecPerPix, req.ScaleHiArcsecPerPix =
			scaleWindowArcsecPerPix(w.scaleLo, w.scaleHi, w.scaleUnit, w.workImg.Width)
		w.log("scale range %.4g to %.4g arcsec/pixel", req.ScaleLoArcsecPerPix, req.ScaleHiArcsecPerPix)
	}

	solveCtx := ctx
	if w.par.SolverTimeLimit > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx, req.TimeLimit)
		defer cancel()
	}

	w.log("starting astrometric engine")
	res, err := w.engine.Solve(solveCtx, req)
	if err != nil {
		return err
	}

	sol := res.Solution
	if w.downsampled {
		sol.PixScale /= float64(w.par.Downsample)
	}
	if w.usePosition {
		sol.RAError = (w.searchRA - sol.RA) * 3600
		sol.DecError = (w.searchDec - sol.Dec) * 3600
	}
	if sol.RAStr == "" {
		sol.RAStr = wcs.RAToHMS(sol.RA)
		sol.DecStr = wcs.DecToDMS(sol.Dec)
	}

	w.mu.Lock()
	w.solution = sol
	w.hasSolved = true
	if res.Projector != nil {
		w.projector = res.Projector
		w.hasWCS = true
	}
	w.mu.Unlock()

	w.log("field center (RA,Dec) = (%.6f, %.6f) deg, scale %.4g arcsec/pixel",
		sol.RA, sol.Dec, sol.PixScale)
	return nil
}

// classifySolveErr maps an engine failure to its kind. Timeouts and aborts
// both surface as context errors, told apart by the abort flag.
func (w *InternalWorker) classifySolveErr(err error) ErrorKind {
	if w.aborted.Load() {
		return KindAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	return KindOf(err)
}

// SpawnChild returns a solve-only sibling sharing the extracted star list,
// background and sentinel files.
func (w *InternalWorker) SpawnChild(n int) (Worker, error) {
	if !w.HasExtracted() {
		return nil, errors.New("cannot spawn a child before extraction finished")
	}
	w.ensureSentinelPaths()
	child := &InternalWorker{
		workerBase: w.copyForChild(n, IntSolve),
		extractor:  w.extractor,
		engine:     w.engine,
	}
	child.workImg = w.workImg
	child.downsampled = w.downsampled
	return child, nil
}
