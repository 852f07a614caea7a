package extract

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"skysolve/internal/imgdata"
	"skysolve/internal/params"
	"skysolve/internal/solver"
)

// syntheticField renders Gaussian stars of the given FWHM onto a flat
// background with a little deterministic noise.
func syntheticField(t *testing.T, width, height int, centers [][2]float64, fwhm, amplitude float64) *imgdata.ImageDescriptor {
	t.Helper()
	sigma := fwhm / 2.3548
	buf := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := 100.0 + 3*math.Sin(float64(x*7+y*13)) // background with texture
			for _, c := range centers {
				dx := float64(x) - c[0]
				dy := float64(y) - c[1]
				r2 := dx*dx + dy*dy
				if r2 < 100 {
					v += amplitude * math.Exp(-r2/(2*sigma*sigma))
				}
			}
			binary.LittleEndian.PutUint32(buf[(y*width+x)*4:], math.Float32bits(float32(v)))
		}
	}
	d, err := imgdata.NewDescriptor(width, height, imgdata.MonoFloat32, buf)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func gridCenters(n, width, height int) [][2]float64 {
	side := int(math.Ceil(math.Sqrt(float64(n))))
	var centers [][2]float64
	for i := 0; i < n; i++ {
		col := i % side
		row := i / side
		centers = append(centers, [2]float64{
			float64(width) * (0.5 + float64(col)) / float64(side),
			float64(height) * (0.5 + float64(row)) / float64(side),
		})
	}
	return centers
}

func TestExtractFindsInjectedStars(t *testing.T) {
	centers := gridCenters(50, 1024, 1024)
	img := syntheticField(t, 1024, 1024, centers, 3, 2000)

	res, err := ThresholdExtractor{}.Extract(context.Background(), solver.ExtractionRequest{
		Image:  img,
		Region: img.Region(),
		Params: params.Defaults(),
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(res.Stars) < 50 {
		t.Fatalf("found %d stars, want at least 50", len(res.Stars))
	}
	if res.Background.Global < 95 || res.Background.Global > 105 {
		t.Fatalf("background mean = %v, want near 100", res.Background.Global)
	}

	// Every injected star should have a detection within 1.5 pixels.
	for _, c := range centers {
		found := false
		for _, s := range res.Stars {
			if math.Hypot(s.X-c[0], s.Y-c[1]) < 1.5 {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("no detection near injected star at (%.1f, %.1f)", c[0], c[1])
		}
	}
}

func TestExtractRespectsSubframe(t *testing.T) {
	img := syntheticField(t, 256, 256, [][2]float64{{64, 64}, {200, 200}}, 3, 2000)
	if err := img.SetSubframe(imgdata.SubFrame{X: 0, Y: 0, W: 128, H: 128}); err != nil {
		t.Fatal(err)
	}

	res, err := ThresholdExtractor{}.Extract(context.Background(), solver.ExtractionRequest{
		Image:  img,
		Region: img.Region(),
		Params: params.Defaults(),
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(res.Stars) != 1 {
		t.Fatalf("found %d stars in subframe, want 1", len(res.Stars))
	}
	s := res.Stars[0]
	if math.Hypot(s.X-64, s.Y-64) > 1.5 {
		t.Fatalf("star at (%.2f, %.2f), want near (64, 64)", s.X, s.Y)
	}
}

func TestExtractComputesHFR(t *testing.T) {
	img := syntheticField(t, 128, 128, [][2]float64{{64, 64}}, 4, 3000)
	res, err := ThresholdExtractor{}.Extract(context.Background(), solver.ExtractionRequest{
		Image:      img,
		Region:     img.Region(),
		Params:     params.Defaults(),
		ComputeHFR: true,
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(res.Stars) != 1 {
		t.Fatalf("found %d stars, want 1", len(res.Stars))
	}
	hfr := res.Stars[0].HFR
	// For a Gaussian, the half flux radius tracks the FWHM/2 neighborhood.
	if hfr <= 0.5 || hfr > 6 {
		t.Fatalf("HFR = %v, want a small positive radius", hfr)
	}
}

func TestExtractDeterministic(t *testing.T) {
	img := syntheticField(t, 256, 256, gridCenters(12, 256, 256), 3, 1500)
	req := solver.ExtractionRequest{Image: img, Region: img.Region(), Params: params.Defaults()}

	first, err := ThresholdExtractor{}.Extract(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ThresholdExtractor{}.Extract(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Stars) != len(second.Stars) {
		t.Fatalf("star counts differ: %d vs %d", len(first.Stars), len(second.Stars))
	}
	for i := range first.Stars {
		if first.Stars[i] != second.Stars[i] {
			t.Fatalf("star %d differs between runs", i)
		}
	}
}

func TestExtractHonorsCancellation(t *testing.T) {
	img := syntheticField(t, 512, 512, gridCenters(9, 512, 512), 3, 1500)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ThresholdExtractor{}.Extract(ctx, solver.ExtractionRequest{
		Image:  img,
		Region: img.Region(),
		Params: params.Defaults(),
	})
	if err == nil {
		t.Fatal("expected context error")
	}
}
