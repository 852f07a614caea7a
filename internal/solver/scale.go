package solver

import (
	"math"

	"skysolve/internal/params"
)

func deg2arcsec(d float64) float64 { return d * 3600 }
func rad2deg(r float64) float64    { return r * 180 / math.Pi }
func rad2arcsec(r float64) float64 { return deg2arcsec(rad2deg(r)) }

// ConvertToDegreeHeight converts a scale hint to the field height in
// degrees. The focal-length form assumes a 35 mm equivalent sensor (36 mm
// wide), so the field angle is 2*atan(36/2f).
func ConvertToDegreeHeight(scale float64, unit params.ScaleUnits, imageHeight int) float64 {
	switch unit {
	case params.DegWidth:
		return scale
	case params.ArcminWidth:
		return scale / 60
	case params.ArcsecPerPix:
		return scale * float64(imageHeight) / 3600
	case params.FocalMm:
		return rad2deg(2 * math.Atan(36/(2*scale)))
	default:
		return scale
	}
}

// scaleWindowArcsecPerPix converts a scale hint window to the arcsec/pixel
// bounds the matching engine wants. Focal length is inverse to angular
// scale, so the bounds swap there.
func scaleWindowArcsecPerPix(lo, hi float64, unit params.ScaleUnits, imageWidth int) (appl, appu float64) {
	w := float64(imageWidth)
	switch unit {
	case params.DegWidth:
		return deg2arcsec(lo) / w, deg2arcsec(hi) / w
	case params.ArcminWidth:
		return lo * 60 / w, hi * 60 / w
	case params.ArcsecPerPix:
		return lo, hi
	case params.FocalMm:
		return rad2arcsec(math.Atan(36/(2*hi))) / w, rad2arcsec(math.Atan(36/(2*lo))) / w
	default:
		return lo, hi
	}
}
