package solver

import (
	"testing"

	"skysolve/internal/imgdata"
	"skysolve/internal/params"
)

func starListForFilters() []imgdata.Star {
	// Brighter stars carry lower magnitudes and higher flux.
	return []imgdata.Star{
		{X: 1, Y: 1, Mag: 8, Flux: 10000, Peak: 60000, A: 3, B: 2.5},
		{X: 2, Y: 2, Mag: 9, Flux: 5000, Peak: 30000, A: 2.5, B: 2},
		{X: 3, Y: 3, Mag: 10, Flux: 2000, Peak: 12000, A: 2, B: 1.8},
		{X: 4, Y: 4, Mag: 11, Flux: 900, Peak: 5000, A: 6, B: 2},
		{X: 5, Y: 5, Mag: 12, Flux: 400, Peak: 2000, A: 1.5, B: 1.4},
		{X: 6, Y: 6, Mag: 13, Flux: 150, Peak: 800, A: 0.8, B: 0.7},
	}
}

func TestFiltersDeterministic(t *testing.T) {
	par := params.Defaults()
	par.MaxEllipse = 2
	par.KeepNum = 3
	stars := starListForFilters()

	a := ApplyStarFilters(stars, par, imgdata.Mono16, nil)
	b := ApplyStarFilters(stars, par, imgdata.Mono16, nil)
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("run results differ at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestFiltersDoNotMutateInput(t *testing.T) {
	par := params.Defaults()
	par.KeepNum = 2
	stars := starListForFilters()
	orig := stars[5]
	ApplyStarFilters(stars, par, imgdata.Mono16, nil)
	if stars[5] != orig {
		t.Fatal("filter pipeline mutated the input list")
	}
}

func TestSizeWindow(t *testing.T) {
	par := params.Defaults()
	par.MaxSize = 4
	par.MinSize = 1
	got := ApplyStarFilters(starListForFilters(), par, imgdata.Mono16, nil)
	for _, s := range got {
		if s.A > 4 || s.B > 4 || s.A < 1 || s.B < 1 {
			t.Fatalf("star outside size window survived: %+v", s)
		}
	}
	if len(got) != 4 {
		t.Fatalf("kept %d stars, want 4", len(got))
	}
}

func TestMaxEllipse(t *testing.T) {
	par := params.Defaults()
	par.MaxEllipse = 1.5
	got := ApplyStarFilters(starListForFilters(), par, imgdata.Mono16, nil)
	for _, s := range got {
		if s.A/s.B > 1.5 {
			t.Fatalf("elongated star survived: %+v", s)
		}
	}
}

func TestSaturationUsesFormatCeiling(t *testing.T) {
	par := params.Defaults()
	par.SaturationLimit = 80 // of 65535 = 52428
	got := ApplyStarFilters(starListForFilters(), par, imgdata.Mono16, nil)
	for _, s := range got {
		if s.Peak > 52428 {
			t.Fatalf("saturated star survived: %+v", s)
		}
	}
	if len(got) != 5 {
		t.Fatalf("kept %d stars, want 5", len(got))
	}

	// Float data has no defined ceiling, so the filter must not drop
	// anything there.
	got = ApplyStarFilters(starListForFilters(), par, imgdata.MonoFloat32, nil)
	if len(got) != 6 {
		t.Fatalf("float image lost stars to the saturation filter: %d", len(got))
	}
}

func TestKeepNumKeepsBrightestByFlux(t *testing.T) {
	par := params.Defaults()
	par.KeepNum = 2
	got := ApplyStarFilters(starListForFilters(), par, imgdata.Mono16, nil)
	if len(got) != 2 {
		t.Fatalf("kept %d stars, want 2", len(got))
	}
	if got[0].Flux != 10000 || got[1].Flux != 5000 {
		t.Fatalf("keepNum kept the wrong stars: %+v", got)
	}
}

func TestPercentageTrims(t *testing.T) {
	par := params.Defaults()
	par.RemoveBrightest = 20 // 1 of 6
	par.RemoveDimmest = 20   // then 1 of 5
	got := ApplyStarFilters(starListForFilters(), par, imgdata.Mono16, nil)
	if len(got) != 4 {
		t.Fatalf("kept %d stars, want 4", len(got))
	}
	for _, s := range got {
		if s.Mag == 8 || s.Mag == 13 {
			t.Fatalf("trimmed star survived: %+v", s)
		}
	}
}

func TestKeepNumZeroKeepsAll(t *testing.T) {
	got := ApplyStarFilters(starListForFilters(), params.Defaults(), imgdata.Mono16, nil)
	if len(got) != 6 {
		t.Fatalf("kept %d stars, want all 6", len(got))
	}
}
