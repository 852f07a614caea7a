package solver

import (
	"fmt"

	"skysolve/internal/fitstbl"
	"skysolve/internal/imgdata"
	"skysolve/internal/wcs"
)

// FileWCSReader parses the header-only wcs file solve-field leaves behind
// into a Solution and a TAN projector.
type FileWCSReader struct{}

func (FileWCSReader) Read(path string, imageWidth, imageHeight int) (imgdata.Solution, wcs.Projector, error) {
	hdr, err := fitstbl.ReadHeader(path)
	if err != nil {
		return imgdata.Solution{}, nil, err
	}

	proj := &wcs.TanProjector{}
	var ok bool
	if proj.CRVAL1, ok = hdr.Float("CRVAL1"); !ok {
		return imgdata.Solution{}, nil, fmt.Errorf("wcs file %s carries no CRVAL1", path)
	}
	if proj.CRVAL2, ok = hdr.Float("CRVAL2"); !ok {
		return imgdata.Solution{}, nil, fmt.Errorf("wcs file %s carries no CRVAL2", path)
	}
	proj.CRPIX1, _ = hdr.Float("CRPIX1")
	proj.CRPIX2, _ = hdr.Float("CRPIX2")
	proj.CD11, _ = hdr.Float("CD1_1")
	proj.CD12, _ = hdr.Float("CD1_2")
	proj.CD21, _ = hdr.Float("CD2_1")
	proj.CD22, _ = hdr.Float("CD2_2")

	pixScale := proj.PixScale()
	ra, dec, err := proj.PixelToWorld(float64(imageWidth)/2, float64(imageHeight)/2)
	if err != nil {
		ra, dec = proj.CRVAL1, proj.CRVAL2
	}

	sol := imgdata.Solution{
		RA:          ra,
		Dec:         dec,
		RAStr:       wcs.RAToHMS(ra),
		DecStr:      wcs.DecToDMS(dec),
		Orientation: proj.Orientation(),
		PixScale:    pixScale,
		Parity:      proj.Parity(),
		FieldWidth:  float64(imageWidth) * pixScale / 60,
		FieldHeight: float64(imageHeight) * pixScale / 60,
	}
	return sol, proj, nil
}
