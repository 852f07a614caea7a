package params

import (
	"fmt"
	"math"
	"strconv"
)

// ScaleUnits says how a scale hint is expressed.
type ScaleUnits int

const (
	DegWidth ScaleUnits = iota
	ArcminWidth
	ArcsecPerPix
	FocalMm
)

// String returns the unit keyword astrometry.net expects on its command line
// and in online upload requests.
func (u ScaleUnits) String() string {
	switch u {
	case DegWidth:
		return "degwidth"
	case ArcminWidth:
		return "arcminwidth"
	case ArcsecPerPix:
		return "arcsecperpix"
	case FocalMm:
		return "focalmm"
	default:
		return ""
	}
}

// ParseScaleUnits accepts the long keywords and their common short aliases.
func ParseScaleUnits(s string) (ScaleUnits, error) {
	switch s {
	case "dw", "degw", "degwidth":
		return DegWidth, nil
	case "aw", "amw", "arcminwidth":
		return ArcminWidth, nil
	case "app", "arcsecperpix":
		return ArcsecPerPix, nil
	case "focalmm":
		return FocalMm, nil
	}
	return DegWidth, fmt.Errorf("unknown scale unit %q", s)
}

// MultiAlgo selects the parallel solving strategy.
type MultiAlgo int

const (
	NotMulti MultiAlgo = iota
	MultiScales
	MultiDepths
	MultiAuto
)

func (m MultiAlgo) String() string {
	switch m {
	case NotMulti:
		return "none"
	case MultiScales:
		return "scales"
	case MultiDepths:
		return "depths"
	case MultiAuto:
		return "auto"
	default:
		return ""
	}
}

// Shape selects the aperture used for flux summation during extraction.
type Shape int

const (
	ShapeAuto Shape = iota
	ShapeCircle
	ShapeEllipse
)

func (s Shape) String() string {
	switch s {
	case ShapeAuto:
		return "auto"
	case ShapeCircle:
		return "circle"
	case ShapeEllipse:
		return "ellipse"
	default:
		return ""
	}
}

// Parameters bundles every tunable of extraction, star filtering and solving.
// The zero value is not useful; start from Defaults or a built-in profile.
type Parameters struct {
	ListName string

	// Photometry
	ApertureShape Shape
	KronFact      float64
	Subpix        int
	RMin          float64

	// Detection
	MagZero         float64
	MinArea         float64
	DeblendThresh   int
	DeblendContrast float64
	Clean           int
	CleanParam      float64
	FWHM            float64
	ConvFilter      []float64 // row-major square kernel

	// Star filter
	MaxSize         float64
	MinSize         float64
	MaxEllipse      float64
	KeepNum         int // 0 keeps all
	RemoveBrightest float64
	RemoveDimmest   float64
	SaturationLimit float64

	// Solving
	MultiAlgorithm  MultiAlgo
	InParallel      bool
	SolverTimeLimit int // seconds
	MinWidth        float64
	MaxWidth        float64
	Resort          bool
	Downsample      int
	SearchParity    int
	SearchRadius    float64
	LogratioToSolve float64
	LogratioToKeep  float64
	LogratioToTune  float64
}

// Defaults returns the library defaults. The default convolution filter is
// a fixed 3x3 Gaussian-shaped kernel; regenerating from the FWHM via
// SetConvFilterFromFWHM produces a larger kernel sized to the FWHM.
func Defaults() Parameters {
	return Parameters{
		ListName:        "Default",
		ApertureShape:   ShapeCircle,
		KronFact:        2.5,
		Subpix:          5,
		RMin:            3.5,
		MagZero:         20,
		MinArea:         5,
		DeblendThresh:   32,
		DeblendContrast: 0.005,
		Clean:           1,
		CleanParam:      1,
		FWHM:            2,
		ConvFilter: []float64{
			0.260856, 0.483068, 0.260856,
			0.483068, 0.894573, 0.483068,
			0.260856, 0.483068, 0.260856,
		},
		MultiAlgorithm:  NotMulti,
		InParallel:      true,
		SolverTimeLimit: 600,
		MinWidth:        0.1,
		MaxWidth:        180,
		Resort:          true,
		Downsample:      1,
		SearchParity:    2, // both parities
		SearchRadius:    15,
		LogratioToSolve: math.Log(1e9),
		LogratioToKeep:  math.Log(1e9),
		LogratioToTune:  math.Log(1e6),
	}
}

// ConvFilterFromFWHM builds a square Gaussian kernel sized to the FWHM.
// The kernel spans 2*size+1 where size = ceil(|fwhm|*0.6), in row-major order.
func ConvFilterFromFWHM(fwhm float64) []float64 {
	size := int(math.Ceil(math.Abs(fwhm) * 0.6))
	side := 2*size + 1
	filter := make([]float64, 0, side*side)
	for y := -size; y <= size; y++ {
		for x := -size; x <= size; x++ {
			r2 := float64(x*x + y*y)
			filter = append(filter, math.Exp(-4*math.Ln2*r2/(fwhm*fwhm)))
		}
	}
	return filter
}

// SetConvFilterFromFWHM records the FWHM and regenerates the filter from it.
func (p *Parameters) SetConvFilterFromFWHM(fwhm float64) {
	p.FWHM = fwhm
	p.ConvFilter = ConvFilterFromFWHM(fwhm)
}

// Equal compares everything but the list name, so two differently named
// profiles with identical settings compare equal. Log ratios go through a
// string round trip because persisted values come back with fewer digits.
func (p Parameters) Equal(o Parameters) bool {
	if p.ApertureShape != o.ApertureShape ||
		p.KronFact != o.KronFact ||
		p.Subpix != o.Subpix ||
		p.RMin != o.RMin ||
		p.MagZero != o.MagZero ||
		p.MinArea != o.MinArea ||
		p.DeblendThresh != o.DeblendThresh ||
		p.DeblendContrast != o.DeblendContrast ||
		p.Clean != o.Clean ||
		p.CleanParam != o.CleanParam ||
		p.FWHM != o.FWHM {
		return false
	}
	if p.MaxSize != o.MaxSize ||
		p.MinSize != o.MinSize ||
		p.MaxEllipse != o.MaxEllipse ||
		p.KeepNum != o.KeepNum ||
		p.RemoveBrightest != o.RemoveBrightest ||
		p.RemoveDimmest != o.RemoveDimmest ||
		p.SaturationLimit != o.SaturationLimit {
		return false
	}
	if p.MultiAlgorithm != o.MultiAlgorithm ||
		p.InParallel != o.InParallel ||
		p.SolverTimeLimit != o.SolverTimeLimit ||
		p.MinWidth != o.MinWidth ||
		p.MaxWidth != o.MaxWidth ||
		p.Resort != o.Resort ||
		p.Downsample != o.Downsample ||
		p.SearchParity != o.SearchParity ||
		p.SearchRadius != o.SearchRadius {
		return false
	}
	fmtf := func(v float64) string { return strconv.FormatFloat(v, 'g', 6, 64) }
	return fmtf(p.LogratioToSolve) == fmtf(o.LogratioToSolve) &&
		fmtf(p.LogratioToKeep) == fmtf(o.LogratioToKeep) &&
		fmtf(p.LogratioToTune) == fmtf(o.LogratioToTune)
}
