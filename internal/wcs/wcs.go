// Package wcs applies a world coordinate system to extracted star lists.
// The projection math itself lives behind the Projector interface; the
// astrometric engine (or a parsed wcs file) supplies an implementation.
package wcs

import (
	"fmt"
	"math"
	"sync"

	"skysolve/internal/imgdata"
)

// Projector maps detector pixels to celestial coordinates.
type Projector interface {
	PixelToWorld(x, y float64) (ra, dec float64, err error)
}

// Point is one sky position of the dense coordinate grid.
type Point struct {
	RA  float64
	Dec float64
}

// PostProcessor annotates star lists with the coordinates of a winning
// solve. When the solve ran on a downsampled buffer, pixel coordinates are
// divided back down before projection.
type PostProcessor struct {
	proj       Projector
	width      int
	height     int
	downsample int

	gridOnce sync.Once
	grid     []Point
	gridErr  error
}

// NewPostProcessor wraps a projector for an image of the given full-frame
// dimensions. downsample is the factor the solve ran at (1 for none).
func NewPostProcessor(proj Projector, width, height, downsample int) *PostProcessor {
	if downsample < 1 {
		downsample = 1
	}
	return &PostProcessor{proj: proj, width: width, height: height, downsample: downsample}
}

// AnnotateStars returns a copy of stars with RA/Dec populated. Stars the
// projector cannot map are passed through unannotated.
func (p *PostProcessor) AnnotateStars(stars []imgdata.Star) []imgdata.Star {
	d := float64(p.downsample)
	out := make([]imgdata.Star, len(stars))
	for i, s := range stars {
		ra, dec, err := p.proj.PixelToWorld(s.X/d, s.Y/d)
		if err != nil {
			out[i] = s
			continue
		}
		s.RA = normalizeRA(ra)
		s.Dec = dec
		s.RAStr = RAToHMS(s.RA)
		s.DecStr = DecToDMS(s.Dec)
		out[i] = s
	}
	return out
}

// Grid lazily computes the dense per-pixel coordinate map, row-major over
// the full-frame dimensions. It is expensive for large frames, so nothing
// is computed until a caller actually asks.
func (p *PostProcessor) Grid() ([]Point, error) {
	p.gridOnce.Do(func() {
		d := float64(p.downsample)
		grid := make([]Point, p.width*p.height)
		for y := 0; y < p.height; y++ {
			for x := 0; x < p.width; x++ {
				ra, dec, err := p.proj.PixelToWorld(float64(x)/d, float64(y)/d)
				if err != nil {
					p.gridErr = fmt.Errorf("project pixel (%d,%d): %w", x, y, err)
					return
				}
				grid[y*p.width+x] = Point{RA: normalizeRA(ra), Dec: dec}
			}
		}
		p.grid = grid
	})
	return p.grid, p.gridErr
}

func normalizeRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

// RAToHMS formats a right ascension in degrees as hours:minutes:seconds.
func RAToHMS(ra float64) string {
	hours := normalizeRA(ra) / 15
	h := int(hours)
	m := int((hours - float64(h)) * 60)
	s := (hours - float64(h) - float64(m)/60) * 3600
	return fmt.Sprintf("%02dh %02dm %05.2fs", h, m, s)
}

// DecToDMS formats a declination in degrees as degrees:minutes:seconds.
func DecToDMS(dec float64) string {
	sign := "+"
	if dec < 0 {
		sign = "-"
		dec = -dec
	}
	d := int(dec)
	m := int((dec - float64(d)) * 60)
	s := (dec - float64(d) - float64(m)/60) * 3600
	return fmt.Sprintf("%s%02d° %02d' %05.2f\"", sign, d, m, s)
}
