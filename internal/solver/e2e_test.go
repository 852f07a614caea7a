package solver_test

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"skysolve/internal/extract"
	"skysolve/internal/imgdata"
	"skysolve/internal/params"
	"skysolve/internal/solver"
)

// renderStarField injects Gaussian stars onto a noisy-ish flat background.
func renderStarField(t *testing.T, width, height, count int, fwhm float64) *imgdata.ImageDescriptor {
	t.Helper()
	sigma := fwhm / 2.3548
	side := int(math.Ceil(math.Sqrt(float64(count))))

	buf := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := 100.0 + 2*math.Sin(float64(3*x+5*y))
			binary.LittleEndian.PutUint32(buf[(y*width+x)*4:], math.Float32bits(float32(v)))
		}
	}
	addStar := func(cx, cy, amp float64) {
		for y := int(cy) - 8; y <= int(cy)+8; y++ {
			for x := int(cx) - 8; x <= int(cx)+8; x++ {
				if x < 0 || x >= width || y < 0 || y >= height {
					continue
				}
				idx := (y*width + x) * 4
				old := math.Float32frombits(binary.LittleEndian.Uint32(buf[idx:]))
				dx := float64(x) - cx
				dy := float64(y) - cy
				v := old + float32(amp*math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma)))
				binary.LittleEndian.PutUint32(buf[idx:], math.Float32bits(v))
			}
		}
	}
	for i := 0; i < count; i++ {
		col := i % side
		row := i / side
		cx := float64(width) * (0.5 + float64(col)) / float64(side)
		cy := float64(height) * (0.5 + float64(row)) / float64(side)
		addStar(cx, cy, 1500+float64(i)*20)
	}

	d, err := imgdata.NewDescriptor(width, height, imgdata.MonoFloat32, buf)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// Fifty injected stars, single internal worker: extraction finds them all,
// and keepNum trims the list to exactly fifty.
func TestSyntheticFieldExtractionKeepNum(t *testing.T) {
	img := renderStarField(t, 1024, 1024, 50, 3)

	par := params.Defaults()
	par.KeepNum = 50

	w := solver.NewInternalWorker(solver.IntExtract, img, par, solver.WorkerConfig{
		BasePath:  t.TempDir(),
		Extractor: extract.ThresholdExtractor{},
	})
	if code := w.ExecuteBlocking(context.Background()); code != 0 {
		t.Fatalf("extraction failed: code %d, kind %v", code, w.FailureKind())
	}

	stars := w.Stars()
	if len(stars) != 50 {
		t.Fatalf("got %d stars after keepNum filter, want exactly 50", len(stars))
	}
	for _, s := range stars {
		if s.X < 0 || s.X >= 1024 || s.Y < 0 || s.Y >= 1024 {
			t.Fatalf("star outside image bounds: %+v", s)
		}
		if math.IsNaN(s.Flux) || s.Flux <= 0 {
			t.Fatalf("star with bad flux: %+v", s)
		}
	}
}

// The same field through the HFR process type annotates every star with a
// positive half flux radius.
func TestSyntheticFieldHFR(t *testing.T) {
	img := renderStarField(t, 512, 512, 16, 4)

	w := solver.NewInternalWorker(solver.IntExtractHFR, img, params.Defaults(), solver.WorkerConfig{
		BasePath:  t.TempDir(),
		Extractor: extract.ThresholdExtractor{},
	})
	if code := w.ExecuteBlocking(context.Background()); code != 0 {
		t.Fatalf("extraction failed: code %d", code)
	}
	for _, s := range w.Stars() {
		if s.HFR <= 0 {
			t.Fatalf("star without HFR: %+v", s)
		}
	}
}

// Extraction twice over the same image and parameters produces identical
// star lists.
func TestSyntheticFieldDeterminism(t *testing.T) {
	img := renderStarField(t, 512, 512, 25, 3)
	par := params.Defaults()
	par.KeepNum = 20

	run := func() []imgdata.Star {
		w := solver.NewInternalWorker(solver.IntExtract, img, par, solver.WorkerConfig{
			BasePath:  t.TempDir(),
			Extractor: extract.ThresholdExtractor{},
		})
		if code := w.ExecuteBlocking(context.Background()); code != 0 {
			t.Fatalf("extraction failed: code %d", code)
		}
		return w.Stars()
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("list lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("star %d differs across runs:\n%+v\n%+v", i, a[i], b[i])
		}
	}
}
