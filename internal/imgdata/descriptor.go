package imgdata

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PixelFormat identifies the layout of a raw image buffer.
type PixelFormat int

const (
	Mono8 PixelFormat = iota
	Mono16
	Mono32
	MonoFloat32
	MonoFloat64
	RGBInterleaved8
	RGB16
)

func (f PixelFormat) String() string {
	switch f {
	case Mono8:
		return "mono8"
	case Mono16:
		return "mono16"
	case Mono32:
		return "mono32"
	case MonoFloat32:
		return "monoFloat32"
	case MonoFloat64:
		return "monoFloat64"
	case RGBInterleaved8:
		return "rgbInterleaved8"
	case RGB16:
		return "rgb16"
	default:
		return "unknown"
	}
}

// BytesPerPixel returns the storage size of a single sample.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case Mono8, RGBInterleaved8:
		return 1
	case Mono16, RGB16:
		return 2
	case Mono32, MonoFloat32:
		return 4
	case MonoFloat64:
		return 8
	default:
		return 1
	}
}

// Channels returns the number of interleaved channels.
func (f PixelFormat) Channels() int {
	switch f {
	case RGBInterleaved8, RGB16:
		return 3
	default:
		return 1
	}
}

// IsFloat reports whether samples are floating point.
func (f PixelFormat) IsFloat() bool {
	return f == MonoFloat32 || f == MonoFloat64
}

// MaxDataValue returns the saturation ceiling of the format. Float formats
// have no well-defined ceiling (the data was usually rescaled upstream), so
// the second return is false for them.
func (f PixelFormat) MaxDataValue() (float64, bool) {
	if f.IsFloat() {
		return 0, false
	}
	bits := f.BytesPerPixel() * 8
	return math.Pow(2, float64(bits)) - 1, true
}

// SubFrame is a rectangular region of interest in detector pixels.
type SubFrame struct {
	X, Y, W, H int
}

// Normalize flips negative extents around their origin and clamps the frame
// to the given image bounds.
func (s SubFrame) Normalize(width, height int) SubFrame {
	if s.W < 0 {
		s.X += s.W
		s.W = -s.W
	}
	if s.H < 0 {
		s.Y += s.H
		s.H = -s.H
	}
	if s.X < 0 {
		s.W += s.X
		s.X = 0
	}
	if s.Y < 0 {
		s.H += s.Y
		s.Y = 0
	}
	if s.X > width {
		s.X = width
	}
	if s.Y > height {
		s.Y = height
	}
	if s.X+s.W > width {
		s.W = width - s.X
	}
	if s.Y+s.H > height {
		s.H = height - s.Y
	}
	return s
}

// Area returns the pixel area of the frame.
func (s SubFrame) Area() int { return s.W * s.H }

// ImageDescriptor is an immutable view of a raw pixel buffer. The buffer is
// shared, never copied; callers must not mutate it while workers hold it.
type ImageDescriptor struct {
	Width    int
	Height   int
	Format   PixelFormat
	Buffer   []byte
	Subframe *SubFrame
}

// NewDescriptor validates dimensions against the buffer size.
func NewDescriptor(width, height int, format PixelFormat, buffer []byte) (*ImageDescriptor, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("image dimensions %dx%d are not positive", width, height)
	}
	need := width * height * format.BytesPerPixel() * format.Channels()
	if len(buffer) < need {
		return nil, fmt.Errorf("buffer holds %d bytes, %s %dx%d needs %d", len(buffer), format, width, height, need)
	}
	return &ImageDescriptor{Width: width, Height: height, Format: format, Buffer: buffer}, nil
}

// SetSubframe normalizes and installs a region of interest. An empty result
// after clamping is rejected.
func (d *ImageDescriptor) SetSubframe(f SubFrame) error {
	n := f.Normalize(d.Width, d.Height)
	if n.Area() <= 0 {
		return fmt.Errorf("subframe %+v is empty after clamping to %dx%d", f, d.Width, d.Height)
	}
	d.Subframe = &n
	return nil
}

// ClearSubframe restores the full-frame view.
func (d *ImageDescriptor) ClearSubframe() { d.Subframe = nil }

// Region returns the active extraction region: the subframe when one is set,
// otherwise the full frame.
func (d *ImageDescriptor) Region() SubFrame {
	if d.Subframe != nil {
		return *d.Subframe
	}
	return SubFrame{X: 0, Y: 0, W: d.Width, H: d.Height}
}

func (d *ImageDescriptor) sampleAt(x, y int) float64 {
	idx := (y*d.Width + x) * d.Format.BytesPerPixel() * d.Format.Channels()
	buf := d.Buffer[idx:]
	switch d.Format {
	case Mono8:
		return float64(buf[0])
	case Mono16:
		return float64(binary.LittleEndian.Uint16(buf))
	case Mono32:
		return float64(binary.LittleEndian.Uint32(buf))
	case MonoFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	case MonoFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf))
	case RGBInterleaved8:
		return (float64(buf[0]) + float64(buf[1]) + float64(buf[2])) / 3
	case RGB16:
		r := binary.LittleEndian.Uint16(buf)
		g := binary.LittleEndian.Uint16(buf[2:])
		b := binary.LittleEndian.Uint16(buf[4:])
		return (float64(r) + float64(g) + float64(b)) / 3
	default:
		return 0
	}
}

// FloatPixels converts the given region to a row-major float32 slice.
// Multi-channel formats are averaged down to a single channel.
func (d *ImageDescriptor) FloatPixels(region SubFrame) []float32 {
	region = region.Normalize(d.Width, d.Height)
	out := make([]float32, region.W*region.H)
	i := 0
	for y := region.Y; y < region.Y+region.H; y++ {
		for x := region.X; x < region.X+region.W; x++ {
			out[i] = float32(d.sampleAt(x, y))
			i++
		}
	}
	return out
}

// Downsample box-averages the full frame by factor d and returns a new
// MonoFloat32 descriptor. Used before extraction when solving, so that the
// star list the matcher sees is smaller and the solve is faster.
func (d *ImageDescriptor) Downsample(factor int) *ImageDescriptor {
	if factor <= 1 {
		return d
	}
	w := d.Width / factor
	h := d.Height / factor
	buf := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var total float64
			for dy := 0; dy < factor; dy++ {
				for dx := 0; dx < factor; dx++ {
					total += d.sampleAt(x*factor+dx, y*factor+dy)
				}
			}
			v := float32(total / float64(factor*factor))
			binary.LittleEndian.PutUint32(buf[(y*w+x)*4:], math.Float32bits(v))
		}
	}
	return &ImageDescriptor{Width: w, Height: h, Format: MonoFloat32, Buffer: buf}
}
