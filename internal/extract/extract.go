// Package extract is a pure-Go source extractor: background statistics, a
// matched-filter convolution, sigma thresholding and blob centroiding. It
// stands in where the SEP kernel is not linked in, and is the detector the
// CLI uses for extraction-only runs.
package extract

import (
	"context"
	"math"
	"sort"

	"skysolve/internal/imgdata"
	"skysolve/internal/solver"
)

// ThresholdExtractor detects sources as connected components above a
// statistical threshold.
type ThresholdExtractor struct {
	// SigmaThreshold is how many background sigmas above the mean a pixel
	// must be to seed a detection. Zero means 2, matching the usual
	// extraction threshold of twice the global RMS.
	SigmaThreshold float64

	// MaxBlobPixels guards against nebulosity being swallowed as one giant
	// source. Zero means 5000.
	MaxBlobPixels int
}

var _ solver.Extractor = ThresholdExtractor{}

// Extract runs detection over the requested region.
func (e ThresholdExtractor) Extract(ctx context.Context, req solver.ExtractionRequest) (solver.ExtractionResult, error) {
	sigmaK := e.SigmaThreshold
	if sigmaK == 0 {
		sigmaK = 2
	}
	maxBlob := e.MaxBlobPixels
	if maxBlob == 0 {
		maxBlob = 5000
	}

	region := req.Region
	w, h := region.W, region.H
	pixels := req.Image.FloatPixels(region)

	mean, sigma := stats(pixels)
	background := imgdata.Background{
		TileWidth:  64,
		TileHeight: 64,
		Global:     mean,
		GlobalRMS:  sigma,
	}

	work := pixels
	if len(req.Params.ConvFilter) > 1 {
		work = convolve(pixels, w, h, req.Params.ConvFilter)
	}
	threshold := mean + sigmaK*sigma

	minArea := int(req.Params.MinArea)
	if minArea < 1 {
		minArea = 1
	}

	var stars []imgdata.Star
	visited := make([]bool, len(work))
	for y := 0; y < h; y++ {
		if y%64 == 0 && ctx.Err() != nil {
			return solver.ExtractionResult{}, ctx.Err()
		}
		for x := 0; x < w; x++ {
			idx := y*w + x
			if visited[idx] || work[idx] <= float32(threshold) {
				continue
			}
			blob := floodFill(work, visited, x, y, w, h, float32(threshold))
			if len(blob) < minArea || len(blob) > maxBlob {
				continue
			}
			star := e.measure(blob, pixels, w, mean, req, region)
			if star.Flux > 0 {
				stars = append(stars, star)
			}
		}
	}
	return solver.ExtractionResult{Stars: stars, Background: background}, nil
}

type pixel struct{ x, y int }

// measure turns a blob into a star: background-subtracted centroid, flux,
// peak, second moments for the ellipse, and the half flux radius when the
// request asks for it.
func (e ThresholdExtractor) measure(blob []pixel, pixels []float32, w int, mean float64, req solver.ExtractionRequest, region imgdata.SubFrame) imgdata.Star {
	var sumX, sumY, flux, peak float64
	for _, p := range blob {
		v := float64(pixels[p.y*w+p.x]) - mean
		if v <= 0 {
			continue
		}
		sumX += float64(p.x) * v
		sumY += float64(p.y) * v
		flux += v
		if v > peak {
			peak = v
		}
	}
	if flux <= 0 {
		return imgdata.Star{}
	}
	cx := sumX / flux
	cy := sumY / flux

	// Flux-weighted second moments give the ellipse axes and orientation.
	var mxx, myy, mxy float64
	for _, p := range blob {
		v := float64(pixels[p.y*w+p.x]) - mean
		if v <= 0 {
			continue
		}
		dx := float64(p.x) - cx
		dy := float64(p.y) - cy
		mxx += dx * dx * v
		myy += dy * dy * v
		mxy += dx * dy * v
	}
	mxx /= flux
	myy /= flux
	mxy /= flux

	trace := mxx + myy
	diff := mxx - myy
	disc := math.Sqrt(diff*diff/4 + mxy*mxy)
	a := math.Sqrt(math.Max(trace/2+disc, 0.25))
	b := math.Sqrt(math.Max(trace/2-disc, 0.25))
	theta := 0.5 * math.Atan2(2*mxy, diff) * 180 / math.Pi

	star := imgdata.Star{
		X:     cx + float64(region.X),
		Y:     cy + float64(region.Y),
		Flux:  flux,
		Peak:  peak + mean,
		A:     a,
		B:     b,
		Theta: theta,
		Mag:   req.Params.MagZero - 2.5*math.Log10(flux),
	}
	if req.ComputeHFR {
		star.HFR = halfFluxRadius(blob, pixels, w, mean, cx, cy, flux)
	}
	return star
}

// halfFluxRadius walks the blob's pixels outward from the centroid until
// half the total flux is enclosed.
func halfFluxRadius(blob []pixel, pixels []float32, w int, mean, cx, cy, flux float64) float64 {
	type sample struct {
		r float64
		v float64
	}
	samples := make([]sample, 0, len(blob))
	for _, p := range blob {
		v := float64(pixels[p.y*w+p.x]) - mean
		if v <= 0 {
			continue
		}
		dx := float64(p.x) - cx
		dy := float64(p.y) - cy
		samples = append(samples, sample{r: math.Hypot(dx, dy), v: v})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].r < samples[j].r })

	var acc float64
	for _, s := range samples {
		acc += s.v
		if acc >= flux/2 {
			return s.r
		}
	}
	if n := len(samples); n > 0 {
		return samples[n-1].r
	}
	return 0
}

func stats(pixels []float32) (mean, sigma float64) {
	if len(pixels) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range pixels {
		sum += float64(v)
	}
	mean = sum / float64(len(pixels))

	var variance float64
	for _, v := range pixels {
		d := float64(v) - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(pixels)))
}

// convolve applies the square kernel, normalized so the image statistics
// stay comparable to the input.
func convolve(pixels []float32, w, h int, kernel []float64) []float32 {
	side := int(math.Sqrt(float64(len(kernel))))
	if side*side != len(kernel) || side%2 == 0 {
		return pixels
	}
	half := side / 2

	var kernelSum float64
	for _, k := range kernel {
		kernelSum += k
	}
	if kernelSum == 0 {
		kernelSum = 1
	}

	out := make([]float32, len(pixels))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for ky := -half; ky <= half; ky++ {
				yy := y + ky
				if yy < 0 || yy >= h {
					continue
				}
				for kx := -half; kx <= half; kx++ {
					xx := x + kx
					if xx < 0 || xx >= w {
						continue
					}
					acc += float64(pixels[yy*w+xx]) * kernel[(ky+half)*side+(kx+half)]
				}
			}
			out[y*w+x] = float32(acc / kernelSum)
		}
	}
	return out
}

// floodFill collects the 4-connected component above the threshold.
func floodFill(pixels []float32, visited []bool, startX, startY, w, h int, threshold float32) []pixel {
	var blob []pixel
	stack := []pixel{{startX, startY}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if p.x < 0 || p.x >= w || p.y < 0 || p.y >= h {
			continue
		}
		idx := p.y*w + p.x
		if visited[idx] || pixels[idx] <= threshold {
			continue
		}
		visited[idx] = true
		blob = append(blob, p)
		stack = append(stack,
			pixel{p.x + 1, p.y},
			pixel{p.x - 1, p.y},
			pixel{p.x, p.y + 1},
			pixel{p.x, p.y - 1},
		)
	}
	return blob
}
