package imgdata

import (
	"encoding/binary"
	"fmt"
	"math"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Load reads an image file through ImageMagick, converts it to grayscale and
// returns a MonoFloat32 descriptor. Any format ImageMagick understands works,
// which covers the usual capture formats (FITS, TIFF, PNG, raw previews).
func Load(path string) (*ImageDescriptor, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return nil, fmt.Errorf("convert to grayscale: %w", err)
	}

	width := int(mw.GetImageWidth())
	height := int(mw.GetImageHeight())

	pixels, err := mw.ExportImagePixels(0, 0, uint(width), uint(height), "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("export pixels: %w", err)
	}
	floats, ok := pixels.([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel type %T", pixels)
	}

	buf := make([]byte, len(floats)*4)
	for i, v := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return NewDescriptor(width, height, MonoFloat32, buf)
}
