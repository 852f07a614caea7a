package solver

import (
	"context"
	"time"

	"skysolve/internal/imgdata"
	"skysolve/internal/params"
	"skysolve/internal/wcs"
)

// The numerical kernels live outside this package: source extraction (SEP),
// astrometric matching (the astrometry.net engine) and WCS projection are
// collaborators consumed through the interfaces below.

// ExtractionRequest is what an Extractor needs to detect sources.
type ExtractionRequest struct {
	Image      *imgdata.ImageDescriptor
	Region     imgdata.SubFrame
	Params     params.Parameters
	ComputeHFR bool
}

// ExtractionResult is the raw detection output, before star filtering.
type ExtractionResult struct {
	Stars      []imgdata.Star
	Background imgdata.Background
}

// Extractor is the source-extraction kernel.
type Extractor interface {
	Extract(ctx context.Context, req ExtractionRequest) (ExtractionResult, error)
}

// SolveRequest is what the astrometric engine needs to match a star field.
type SolveRequest struct {
	Stars  []imgdata.Star
	Width  int
	Height int

	UseScale            bool
	ScaleLoArcsecPerPix float64
	ScaleHiArcsecPerPix float64

	UsePosition  bool
	RA           float64 // degrees
	Dec          float64
	SearchRadius float64 // degrees

	DepthLo int // -1 means engine default
	DepthHi int

	IndexFolders []string
	InParallel   bool
	MinWidth     float64
	MaxWidth     float64
	Parity       int
	TimeLimit    time.Duration

	LogratioToSolve float64
	LogratioToKeep  float64
	LogratioToTune  float64

	// CancelFile is polled by the engine; creating it makes the engine exit
	// gracefully. SolvedFile is created by the engine on success so sibling
	// processes can stop.
	CancelFile string
	SolvedFile string

	LogSink func(string)
}

// SolveResult carries the solution and, when the engine produced WCS data,
// a projector whose lifetime is bound to the winning worker.
type SolveResult struct {
	Solution  imgdata.Solution
	Projector wcs.Projector
}

// Engine is the astrometric matching kernel. A miss is reported as
// ErrNoSolution; a context timeout maps to a solver time limit.
type Engine interface {
	Solve(ctx context.Context, req SolveRequest) (SolveResult, error)
}

// WCSReader parses the solution file an external solver binary leaves
// behind into a Solution plus projector.
type WCSReader interface {
	Read(path string, imageWidth, imageHeight int) (imgdata.Solution, wcs.Projector, error)
}
