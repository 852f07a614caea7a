// Package cli wires the solver into the command line and the HTTP server:
// it owns the mapping from config and flags to orchestrator runs.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"skysolve/internal/config"
	"skysolve/internal/extract"
	"skysolve/internal/imgdata"
	"skysolve/internal/logging"
	"skysolve/internal/params"
	"skysolve/internal/server"
	"skysolve/internal/solver"
	"skysolve/internal/storage"
)

// Root carries the shared dependencies of every command.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store

	// engine is the in-process astrometric engine when the embedding
	// application registered one; nil means internal solving is
	// unavailable and the hybrid/external back-ends do the solving.
	engine solver.Engine
}

// NewRoot bundles the dependencies for command construction.
func NewRoot(cfg *config.Config, log *slog.Logger, store *storage.Store) *Root {
	return &Root{cfg: cfg, log: log, store: store}
}

// SetEngine registers an in-process astrometric engine.
func (r *Root) SetEngine(e solver.Engine) { r.engine = e }

// workerConfig builds the collaborator wiring for a run.
func (r *Root) workerConfig(logSink func(string)) solver.WorkerConfig {
	cleanup := r.cfg.Solver.CleanupTempFiles
	autoConf := r.cfg.Solver.AutoGenerateConfig
	return solver.WorkerConfig{
		BasePath:           r.cfg.Solver.TempDir,
		IndexFolders:       r.cfg.Solver.IndexFolders,
		LogSink:            logSink,
		Extractor:          extract.ThresholdExtractor{},
		Engine:             r.engine,
		SextractorPath:     r.cfg.Solver.SextractorPath,
		SolverPath:         r.cfg.Solver.SolverPath,
		AstapPath:          r.cfg.Solver.AstapPath,
		UseASTAP:           r.cfg.Solver.UseASTAP,
		CleanupTempFiles:   &cleanup,
		AutoGenerateConfig: &autoConf,
		APIURL:             r.cfg.Online.APIURL,
		APIKey:             r.cfg.Online.APIKey,
	}
}

// processTypeFor maps a back-end name to the solving process type.
func processTypeFor(backend string, haveEngine bool) (solver.ProcessType, error) {
	switch backend {
	case "internal":
		if !haveEngine {
			return 0, fmt.Errorf("no in-process astrometric engine is registered; use the hybrid or external back-end")
		}
		return solver.IntSolve, nil
	case "external":
		return solver.ExtSolve, nil
	case "hybrid", "":
		return solver.IntExtractExtSolve, nil
	case "online":
		return solver.OnlineSolve, nil
	case "online-xy":
		return solver.IntExtractOnlineSolve, nil
	}
	return 0, fmt.Errorf("unknown back-end %q", backend)
}

// profileParameters resolves a profile name against the store first, then
// the built-in catalog.
func (r *Root) profileParameters(name string) (params.Parameters, error) {
	if name == "" {
		return params.Defaults(), nil
	}
	if r.store != nil {
		if p, err := r.store.LoadProfile(name); err == nil {
			return p, nil
		}
	}
	return params.ProfileNamed(name)
}

// RunSolve executes one solve job; it is the SolveFunc behind both the
// solve command and the HTTP server.
func (r *Root) RunSolve(ctx context.Context, job server.Job, logLine func(string)) server.Result {
	res := server.Result{Job: job}

	par, err := r.profileParameters(job.Profile)
	if err != nil {
		res.Error = err
		res.Kind = solver.KindInvalidInput.String()
		return res
	}
	applyOptions(&par, job.Options)

	proc, err := processTypeFor(job.Backend, r.engine != nil)
	if err != nil {
		res.Error = err
		res.Kind = solver.KindInvalidInput.String()
		return res
	}

	img, err := imgdata.Load(job.InputPath)
	if err != nil {
		res.Error = err
		res.Kind = solver.KindInvalidInput.String()
		return res
	}

	cfg := r.workerConfig(logLine)
	cfg.FileToProcess = job.InputPath

	o := solver.NewOrchestrator(proc, img, par, cfg)
	if v, ok := floatOption(job.Options, "scale_lo"); ok {
		hi, _ := floatOption(job.Options, "scale_hi")
		unit := params.DegWidth
		if s, ok := job.Options["scale_units"].(string); ok {
			if parsed, err := params.ParseScaleUnits(s); err == nil {
				unit = parsed
			}
		}
		o.SetSearchScale(v, hi, unit)
	}
	if ra, ok := floatOption(job.Options, "ra"); ok {
		if dec, ok := floatOption(job.Options, "dec"); ok {
			o.SetSearchPositionDeg(ra, dec)
		}
	}
	if threads := r.cfg.Solver.Threads; threads > 0 {
		o.SetThreads(threads)
	}

	start := time.Now()
	code := o.Run(ctx)
	res.Duration = time.Since(start)
	res.Stars = len(o.Stars())

	if code != 0 {
		kind := o.FailureKind()
		res.Kind = kind.String()
		res.Error = fmt.Errorf("solve failed: %s", kind)
		return res
	}
	res.Solution = o.Solution()
	return res
}

// RunExtract performs extraction only and returns the filtered star list.
func (r *Root) RunExtract(ctx context.Context, inputPath string, par params.Parameters, hfr bool, sub *imgdata.SubFrame) ([]imgdata.Star, imgdata.Background, error) {
	img, err := imgdata.Load(inputPath)
	if err != nil {
		return nil, imgdata.Background{}, err
	}
	if sub != nil {
		if err := img.SetSubframe(*sub); err != nil {
			return nil, imgdata.Background{}, err
		}
	}

	proc := solver.IntExtract
	if hfr {
		proc = solver.IntExtractHFR
	}
	w := solver.NewInternalWorker(proc, img, par, r.workerConfig(func(line string) {
		logging.LogWorkerLine(r.log, "extract", line)
	}))
	if code := w.ExecuteBlocking(ctx); code != 0 {
		return nil, imgdata.Background{}, fmt.Errorf("extraction failed: %s", w.FailureKind())
	}
	return w.Stars(), w.Background(), nil
}

// applyOptions folds per-job overrides into the parameter set.
func applyOptions(par *params.Parameters, opts map[string]any) {
	if opts == nil {
		return
	}
	if v, ok := floatOption(opts, "downsample"); ok && v >= 1 {
		par.Downsample = int(v)
	}
	if v, ok := floatOption(opts, "timeout"); ok && v > 0 {
		par.SolverTimeLimit = int(v)
	}
	if v, ok := floatOption(opts, "keep"); ok && v >= 0 {
		par.KeepNum = int(v)
	}
	if v, ok := opts["parallel"].(bool); ok {
		par.InParallel = v
	}
}

func floatOption(opts map[string]any, key string) (float64, bool) {
	v, ok := opts[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
