package solver

import (
	"math"
	"testing"

	"skysolve/internal/params"
)

func TestConvertToDegreeHeight(t *testing.T) {
	const h = 1000
	if got := ConvertToDegreeHeight(5, params.DegWidth, h); got != 5 {
		t.Fatalf("degwidth: got %v, want 5", got)
	}
	if got := ConvertToDegreeHeight(90, params.ArcminWidth, h); got != 1.5 {
		t.Fatalf("arcminwidth: got %v, want 1.5", got)
	}
	// arcsecperpix: s*h/3600
	if got := ConvertToDegreeHeight(3.6, params.ArcsecPerPix, h); got != 1 {
		t.Fatalf("arcsecperpix: got %v, want 1", got)
	}
	// focalmm: 2*atan(36/2f) degrees; f=18mm gives a 90 degree field.
	if got := ConvertToDegreeHeight(18, params.FocalMm, h); math.Abs(got-90) > 1e-9 {
		t.Fatalf("focalmm: got %v, want 90", got)
	}
}

func TestScaleWindowArcsecPerPix(t *testing.T) {
	const w = 1200

	lo, hi := scaleWindowArcsecPerPix(1, 2, params.DegWidth, w)
	if lo != 3 || hi != 6 {
		t.Fatalf("degwidth window: got (%v,%v), want (3,6)", lo, hi)
	}

	lo, hi = scaleWindowArcsecPerPix(60, 120, params.ArcminWidth, w)
	if lo != 3 || hi != 6 {
		t.Fatalf("arcminwidth window: got (%v,%v), want (3,6)", lo, hi)
	}

	lo, hi = scaleWindowArcsecPerPix(0.5, 2, params.ArcsecPerPix, w)
	if lo != 0.5 || hi != 2 {
		t.Fatalf("arcsecperpix window: got (%v,%v), want (0.5,2)", lo, hi)
	}

	// Longer focal length means finer scale, so the bounds swap.
	lo, hi = scaleWindowArcsecPerPix(50, 200, params.FocalMm, w)
	if lo >= hi {
		t.Fatalf("focalmm window not ordered: (%v,%v)", lo, hi)
	}
}
