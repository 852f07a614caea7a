package solver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"skysolve/internal/fitstbl"
	"skysolve/internal/imgdata"
	"skysolve/internal/params"
	"skysolve/internal/wcs"
)

// externalKillGrace is how long an aborted child process gets to notice the
// cancel sentinel before it is killed outright.
const externalKillGrace = 500 * time.Millisecond

// ExternalWorker drives the external tools: SExtractor for extraction and
// solve-field or ASTAP for solving, talking to them through temp files under
// a per-worker base name.
type ExternalWorker struct {
	workerBase
	extractor Extractor // used by IntExtractExtSolve
	wcsReader WCSReader

	sextractorPath string
	solverPath     string
	astapPath      string
	confPath       string
	useASTAP       bool
	cleanupTemp    bool
	autoConfig     bool

	xylsPath     string
	xylsIsTemp   bool
	solutionPath string

	procMu  sync.Mutex
	current *exec.Cmd
}

// NewExternalWorker builds a worker around the configured binaries. Paths
// left empty fall back to the usual install locations for the host OS.
func NewExternalWorker(proc ProcessType, img *imgdata.ImageDescriptor, par params.Parameters, cfg WorkerConfig) *ExternalWorker {
	w := &ExternalWorker{
		workerBase:     newWorkerBase(proc, img, par, "externalSolver", cfg),
		extractor:      cfg.Extractor,
		wcsReader:      cfg.WCSReader,
		sextractorPath: cfg.SextractorPath,
		solverPath:     cfg.SolverPath,
		astapPath:      cfg.AstapPath,
		confPath:       cfg.ConfPath,
		useASTAP:       cfg.UseASTAP,
		cleanupTemp:    cfg.CleanupTempFiles == nil || *cfg.CleanupTempFiles,
		autoConfig:     cfg.AutoGenerateConfig == nil || *cfg.AutoGenerateConfig,
	}
	if w.sextractorPath == "" {
		w.sextractorPath = DefaultSextractorPath()
	}
	if w.solverPath == "" {
		w.solverPath = DefaultSolverPath()
	}
	if w.astapPath == "" {
		w.astapPath = DefaultAstapPath()
	}
	if w.wcsReader == nil {
		w.wcsReader = FileWCSReader{}
	}
	w.calculateHFR = proc.WantsHFR()
	return w
}

func (w *ExternalWorker) ExecuteBlocking(ctx context.Context) int {
	runCtx, ok := w.beginRun(ctx)
	if !ok {
		<-w.done
		return w.Code()
	}
	w.run(runCtx)
	return w.Code()
}

func (w *ExternalWorker) ExecuteAsync(ctx context.Context) {
	runCtx, ok := w.beginRun(ctx)
	if !ok {
		return
	}
	go w.run(runCtx)
}

func (w *ExternalWorker) Wait() int {
	<-w.done
	return w.Code()
}

// Abort creates the cancel sentinel, then kills any live child process
// after a short grace period.
func (w *ExternalWorker) Abort() {
	alreadyAborted := w.aborted.Load()
	w.workerBase.Abort()
	if alreadyAborted {
		return
	}
	time.AfterFunc(externalKillGrace, func() {
		w.procMu.Lock()
		cmd := w.current
		w.procMu.Unlock()
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
	})
}

// ensureTempPaths fills the xy-list and solution file defaults under the
// worker's base name.
func (w *ExternalWorker) ensureTempPaths() {
	w.ensureSentinelPaths()
	if w.solutionPath == "" {
		w.solutionPath = filepath.Join(w.basePath, w.baseName+".wcs")
	}
	if w.xylsPath == "" {
		w.xylsPath = filepath.Join(w.basePath, w.baseName+".xyls")
		w.xylsIsTemp = true
	}
}

// Extract runs the detection step synchronously and, for solving process
// types, persists the filtered star list for the solver binary, so children
// spawned afterwards can share the file.
func (w *ExternalWorker) Extract(ctx context.Context) error {
	w.ensureTempPaths()
	var err error
	if w.procType == IntExtractExtSolve {
		err = w.extractInternally(ctx)
	} else {
		err = w.extractExternally(ctx)
	}
	if err != nil {
		return err
	}
	if w.procType.SolvesField() {
		return w.writeXYList()
	}
	return nil
}

func (w *ExternalWorker) run(ctx context.Context) {
	w.ensureTempPaths()
	defer w.cleanupTempFiles()
	defer w.removeSentinels()

	switch w.procType {
	case ExtExtract, ExtExtractHFR:
		if err := w.extractExternally(ctx); err != nil {
			w.failWith(w.classifyExternalErr(err), err)
			return
		}
		w.finish(0)

	case ExtSolve, IntExtractExtSolve:
		if !w.HasExtracted() {
			if err := w.Extract(ctx); err != nil {
				w.failWith(w.classifyExternalErr(err), err)
				return
			}
		}
		if err := w.solveExternally(ctx); err != nil {
			w.failWith(w.classifyExternalErr(err), err)
			return
		}
		w.finish(0)

	default:
		w.failWith(KindInvalidInput, fmt.Errorf("external worker cannot run %s", w.procType))
	}
}

// extractInternally reuses the in-process extractor to build the star list
// that gets handed to the external solver.
func (w *ExternalWorker) extractInternally(ctx context.Context) error {
	if w.extractor == nil {
		return &SolveError{Kind: KindInvalidInput, Err: errors.New("no extractor registered")}
	}
	res, err := w.extractor.Extract(ctx, ExtractionRequest{
		Image:      w.img,
		Region:     w.img.Region(),
		Params:     w.par,
		ComputeHFR: w.calculateHFR,
	})
	if err != nil {
		return &SolveError{Kind: KindExtractionFailed, Err: err}
	}
	if len(res.Stars) == 0 {
		return &SolveError{Kind: KindExtractionFailed, Err: errors.New("extractor found no stars")}
	}
	stars := ApplyStarFilters(res.Stars, w.par, w.img.Format, w.log)
	w.mu.Lock()
	w.stars = stars
	w.background = res.Background
	w.hasExtracted = true
	w.mu.Unlock()
	return nil
}

// extractExternally runs the SExtractor binary against the image file and
// reads its catalog back.
func (w *ExternalWorker) extractExternally(ctx context.Context) error {
	if !fileExists(w.sextractorPath) {
		return &SolveError{Kind: KindExternalToolFailure,
			Err: fmt.Errorf("no sextractor binary at %s", w.sextractorPath)}
	}
	imagePath := w.imageFile()
	if imagePath == "" {
		return &SolveError{Kind: KindInvalidInput,
			Err: errors.New("external extraction needs an image file on disk")}
	}

	paramPath := filepath.Join(w.basePath, w.baseName+".param")
	convPath := filepath.Join(w.basePath, w.baseName+".conv")
	if err := w.writeSextractorKeyFiles(paramPath, convPath); err != nil {
		return &SolveError{Kind: KindExternalToolFailure, Err: err}
	}

	args := []string{
		imagePath,
		"-CATALOG_NAME", w.xylsPath,
		"-CATALOG_TYPE", "FITS_1.0",
		"-PARAMETERS_NAME", paramPath,
		"-FILTER_NAME", convPath,
		"-MAG_ZEROPOINT", strconv.FormatFloat(w.par.MagZero, 'f', -1, 64),
		"-DETECT_MINAREA", strconv.FormatFloat(w.par.MinArea, 'f', -1, 64),
		"-DEBLEND_NTHRESH", strconv.Itoa(w.par.DeblendThresh),
		"-DEBLEND_MINCONT", strconv.FormatFloat(w.par.DeblendContrast, 'f', -1, 64),
		"-CLEAN", cleanFlag(w.par.Clean),
		"-CLEAN_PARAM", strconv.FormatFloat(w.par.CleanParam, 'f', -1, 64),
	}
	if err := w.runTool(ctx, w.sextractorPath, args); err != nil {
		return err
	}

	list, err := fitstbl.ReadXYList(w.xylsPath)
	if err != nil {
		return &SolveError{Kind: KindExternalToolFailure, Err: err}
	}
	if len(list.Stars) == 0 {
		return &SolveError{Kind: KindExtractionFailed, Err: errors.New("sextractor found no stars")}
	}
	stars := ApplyStarFilters(list.Stars, w.par, w.img.Format, w.log)
	w.mu.Lock()
	w.stars = stars
	w.hasExtracted = true
	w.mu.Unlock()
	return nil
}

// writeXYList persists the filtered star list for the solver binary.
func (w *ExternalWorker) writeXYList() error {
	stars := w.Stars()
	if len(stars) < minSolveStars {
		return &SolveError{Kind: KindInsufficientStars,
			Err: fmt.Errorf("%d stars after filtering, need at least %d", len(stars), minSolveStars)}
	}
	return fitstbl.WriteXYList(w.xylsPath, stars, w.img.Width, w.img.Height, fitstbl.Options{})
}

func (w *ExternalWorker) solveExternally(ctx context.Context) error {
	if w.useASTAP {
		return w.solveWithASTAP(ctx)
	}
	if !fileExists(w.solverPath) {
		return &SolveError{Kind: KindExternalToolFailure,
			Err: fmt.Errorf("no astrometry solver at %s", w.solverPath)}
	}

	// Children get their own copy of the xy list so the shared file is not
	// contended across processes.
	if w.isChild {
		ownCopy := filepath.Join(w.basePath, w.baseName+".xyls")
		if ownCopy != w.xylsPath {
			if err := copyFile(w.xylsPath, ownCopy); err != nil {
				return &SolveError{Kind: KindExternalToolFailure, Err: err}
			}
			w.xylsPath = ownCopy
			w.xylsIsTemp = true
		}
	}

	args, err := w.solverArgs()
	if err != nil {
		return err
	}
	args = append(args, w.xylsPath)

	solveCtx := ctx
	if w.par.SolverTimeLimit > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx,
			time.Duration(float64(w.par.SolverTimeLimit)*1.2)*time.Second)
		defer cancel()
	}

	// A sibling process that solves first creates the solved sentinel;
	// seeing it appear means this worker should stand down.
	watchCtx, stopWatch := context.WithCancel(solveCtx)
	defer stopWatch()
	if solved, err := watchFile(watchCtx, w.solvedPath); err == nil {
		go func() {
			select {
			case <-solved:
				w.Abort()
			case <-watchCtx.Done():
			}
		}()
	}

	if err := w.runTool(solveCtx, w.solverPath, args); err != nil {
		return err
	}
	// Stop watching before announcing our own success, or we would trip on
	// our own sentinel.
	stopWatch()
	if w.aborted.Load() {
		return &SolveError{Kind: KindAborted, Err: errors.New("aborted during solve")}
	}

	sol, proj, err := w.wcsReader.Read(w.solutionPath, w.img.Width, w.img.Height)
	if err != nil {
		return &SolveError{Kind: KindNoSolution,
			Err: fmt.Errorf("solver exited cleanly but left no solution: %w", err)}
	}
	w.adoptSolution(sol, proj)
	markSolvedFile(w.solvedPath)
	return nil
}

func (w *ExternalWorker) solveWithASTAP(ctx context.Context) error {
	if !fileExists(w.astapPath) {
		return &SolveError{Kind: KindExternalToolFailure,
			Err: fmt.Errorf("no ASTAP binary at %s", w.astapPath)}
	}
	imagePath := w.imageFile()
	if imagePath == "" {
		return &SolveError{Kind: KindInvalidInput,
			Err: errors.New("ASTAP solving needs an image file on disk")}
	}

	iniPath := filepath.Join(w.basePath, w.baseName+".ini")
	args := []string{"-f", imagePath, "-o", strings.TrimSuffix(iniPath, ".ini")}
	if w.usePosition {
		args = append(args,
			"-ra", strconv.FormatFloat(w.searchRA/15, 'f', -1, 64),
			"-spd", strconv.FormatFloat(w.searchDec+90, 'f', -1, 64),
			"-r", strconv.FormatFloat(w.par.SearchRadius, 'f', -1, 64))
	}
	if w.useScale {
		args = append(args, "-fov",
			strconv.FormatFloat(ConvertToDegreeHeight(w.scaleHi, w.scaleUnit, w.img.Height), 'f', -1, 64))
	}
	if w.par.Downsample > 1 {
		args = append(args, "-z", strconv.Itoa(w.par.Downsample))
	}

	solveCtx := ctx
	if w.par.SolverTimeLimit > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx,
			time.Duration(float64(w.par.SolverTimeLimit)*1.2)*time.Second)
		defer cancel()
	}
	if err := w.runTool(solveCtx, w.astapPath, args); err != nil {
		return err
	}

	sol, proj, err := readAstapSolution(iniPath, w.img.Width, w.img.Height)
	if err != nil {
		return &SolveError{Kind: KindNoSolution, Err: err}
	}
	w.adoptSolution(sol, proj)
	markSolvedFile(w.solvedPath)
	return nil
}

// solverArgs assembles the solve-field command line.
func (w *ExternalWorker) solverArgs() ([]string, error) {
	args := []string{"-O", "--no-plots", "--no-verify", "--crpix-center"}
	args = append(args,
		"--match", "none",
		"--corr", "none",
		"--new-fits", "none",
		"--rdls", "none")

	if w.par.Resort {
		args = append(args, "--resort")
	}
	if w.depthLo != -1 && w.depthHi != -1 {
		args = append(args, "--depth", fmt.Sprintf("%d-%d", w.depthLo, w.depthHi))
	}
	if w.par.KeepNum != 0 {
		args = append(args, "--objs", strconv.Itoa(w.par.KeepNum))
	}
	args = append(args,
		"--odds-to-solve", strconv.FormatFloat(math.Exp(w.par.LogratioToSolve), 'g', -1, 64),
		"--odds-to-tune-up", strconv.FormatFloat(math.Exp(w.par.LogratioToTune), 'g', -1, 64))

	if w.useScale {
		args = append(args,
			"-L", strconv.FormatFloat(w.scaleLo, 'f', -1, 64),
			"-H", strconv.FormatFloat(w.scaleHi, 'f', -1, 64),
			"-u", w.scaleUnit.String())
	}
	if w.usePosition {
		args = append(args,
			"-3", strconv.FormatFloat(w.searchRA, 'f', -1, 64),
			"-4", strconv.FormatFloat(w.searchDec, 'f', -1, 64),
			"-5", strconv.FormatFloat(w.par.SearchRadius, 'f', -1, 64))
	}

	// The xy-list options: the solver needs the field size and column names,
	// and the sort column when resorting.
	args = append(args,
		"--width", strconv.Itoa(w.img.Width),
		"--height", strconv.Itoa(w.img.Height),
		"--x-column", "X_IMAGE",
		"--y-column", "Y_IMAGE")
	if w.par.Resort {
		args = append(args, "--sort-column", "MAG_AUTO", "--sort-ascending")
	}
	args = append(args, "--no-remove-lines", "--uniformize", "0")

	if w.logLevel >= LogVerbose {
		args = append(args, "-v")
	}
	if w.logLevel >= LogAll {
		args = append(args, "-v")
	}

	if w.autoConfig && (w.confPath == "" || !fileExists(w.confPath)) {
		if err := w.generateAstrometryConfig(); err != nil {
			return nil, &SolveError{Kind: KindExternalToolFailure, Err: err}
		}
	}
	args = append(args, "--backend-config", w.confPath)
	args = append(args, "--cancel", w.cancelPath)
	args = append(args, "-W", w.solutionPath)
	return args, nil
}

// generateAstrometryConfig writes the engine configuration listing the
// index folders, one directive per line.
func (w *ExternalWorker) generateAstrometryConfig() error {
	if w.confPath == "" {
		w.confPath = filepath.Join(w.basePath, w.baseName+".cfg")
	}
	var b strings.Builder
	if w.par.InParallel {
		b.WriteString("inparallel\n")
	}
	fmt.Fprintf(&b, "minwidth %g\n", w.par.MinWidth)
	fmt.Fprintf(&b, "maxwidth %g\n", w.par.MaxWidth)
	fmt.Fprintf(&b, "cpulimit %d\n", w.par.SolverTimeLimit)
	b.WriteString("autoindex\n")
	for _, folder := range w.indexFolders {
		fmt.Fprintf(&b, "add_path %s\n", folder)
	}
	if err := os.WriteFile(w.confPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write solver config: %w", err)
	}
	return nil
}

func (w *ExternalWorker) writeSextractorKeyFiles(paramPath, convPath string) error {
	columns := []string{"X_IMAGE", "Y_IMAGE", "MAG_AUTO", "FLUX_AUTO", "FLUX_MAX", "CXX_IMAGE", "CYY_IMAGE", "CXY_IMAGE"}
	if err := os.WriteFile(paramPath, []byte(strings.Join(columns, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write param file: %w", err)
	}

	var b strings.Builder
	b.WriteString("CONV Filter Generated by SkySolve\n")
	side := int(math.Sqrt(float64(len(w.par.ConvFilter))))
	for i, v := range w.par.ConvFilter {
		fmt.Fprintf(&b, "%g", v)
		if (i+1)%side == 0 {
			b.WriteString("\n")
		} else {
			b.WriteString(" ")
		}
	}
	if err := os.WriteFile(convPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write conv file: %w", err)
	}
	return nil
}

// runTool starts a child process with merged output streamed into the log.
func (w *ExternalWorker) runTool(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SolveError{Kind: KindExternalToolFailure, Err: err}
	}
	cmd.Stderr = cmd.Stdout

	w.log("command: %s %s", bin, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return &SolveError{Kind: KindExternalToolFailure, Err: fmt.Errorf("start %s: %w", bin, err)}
	}
	w.procMu.Lock()
	w.current = cmd
	w.procMu.Unlock()

	w.streamLines(stdout)
	err = cmd.Wait()

	w.procMu.Lock()
	w.current = nil
	w.procMu.Unlock()

	if err != nil {
		if w.aborted.Load() {
			return &SolveError{Kind: KindAborted, Err: errors.New("aborted")}
		}
		if ctx.Err() == context.DeadlineExceeded {
			return &SolveError{Kind: KindTimeout, Err: fmt.Errorf("%s exceeded the time limit", filepath.Base(bin))}
		}
		return &SolveError{Kind: KindExternalToolFailure,
			Err: fmt.Errorf("%s: %w", filepath.Base(bin), err)}
	}
	return nil
}

func (w *ExternalWorker) streamLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		w.log("%s", scanner.Text())
	}
}

func (w *ExternalWorker) adoptSolution(sol imgdata.Solution, proj wcs.Projector) {
	if w.usePosition {
		sol.RAError = (w.searchRA - sol.RA) * 3600
		sol.DecError = (w.searchDec - sol.Dec) * 3600
	}
	w.mu.Lock()
	w.solution = sol
	w.hasSolved = true
	if proj != nil {
		w.projector = proj
		w.hasWCS = true
	}
	w.mu.Unlock()
}

func (w *ExternalWorker) classifyExternalErr(err error) ErrorKind {
	if w.aborted.Load() {
		return KindAborted
	}
	return KindOf(err)
}

func (w *ExternalWorker) cleanupTempFiles() {
	if !w.cleanupTemp {
		return
	}
	for _, suffix := range []string{".param", ".conv", ".cfg", ".ini", ".corr", ".rdls", ".axy", ".new", ".match", "-indx.xyls"} {
		os.Remove(filepath.Join(w.basePath, w.baseName+suffix))
	}
	if !w.isChild {
		os.Remove(w.solutionPath)
	}
	if w.xylsIsTemp {
		os.Remove(w.xylsPath)
	}
}

// imageFile returns the on-disk image path configured for this worker, if
// any. Buffer-only workers have none.
func (w *ExternalWorker) imageFile() string { return w.fileToProcess }

// SpawnChild returns a solve-only sibling sharing the star list, the xy
// list file and the sentinel files.
func (w *ExternalWorker) SpawnChild(n int) (Worker, error) {
	if !w.HasExtracted() {
		return nil, errors.New("cannot spawn a child before extraction finished")
	}
	w.ensureSentinelPaths()
	child := &ExternalWorker{
		workerBase:     w.copyForChild(n, ExtSolve),
		extractor:      w.extractor,
		wcsReader:      w.wcsReader,
		sextractorPath: w.sextractorPath,
		solverPath:     w.solverPath,
		astapPath:      w.astapPath,
		confPath:       w.confPath,
		useASTAP:       w.useASTAP,
		cleanupTemp:    w.cleanupTemp,
		autoConfig:     w.autoConfig,
		xylsPath:       w.xylsPath,
		solutionPath:   filepath.Join(w.basePath, w.baseName+fmt.Sprintf("_%d.wcs", n)),
	}
	return child, nil
}
