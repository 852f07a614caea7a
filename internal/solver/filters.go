package solver

import (
	"sort"

	"skysolve/internal/imgdata"
	"skysolve/internal/params"
)

// ApplyStarFilters runs the post-extraction filter pipeline. The order is
// fixed so the same image and parameters always produce the identical list:
// sort by magnitude, size window, ellipticity, saturation, keepNum, then the
// percentage trims. All sorts are stable with positional tie-breaks.
func ApplyStarFilters(stars []imgdata.Star, par params.Parameters, format imgdata.PixelFormat, logf func(string, ...any)) []imgdata.Star {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if len(stars) <= 1 {
		return stars
	}
	out := make([]imgdata.Star, len(stars))
	copy(out, stars)
	logf("stars found before filtering: %d", len(out))

	if par.Resort {
		// A star is dimmer when its magnitude is greater; brightest first.
		sortByMag(out)
	}

	if par.MaxSize > 0 {
		logf("removing stars wider than %g pixels", par.MaxSize)
		out = keep(out, func(s imgdata.Star) bool {
			return s.A <= par.MaxSize && s.B <= par.MaxSize
		})
	}
	if par.MinSize > 0 {
		logf("removing stars smaller than %g pixels", par.MinSize)
		out = keep(out, func(s imgdata.Star) bool {
			return s.A >= par.MinSize && s.B >= par.MinSize
		})
	}

	if par.MaxEllipse > 1 {
		logf("removing stars with a/b ratio above %g", par.MaxEllipse)
		out = keep(out, func(s imgdata.Star) bool {
			return s.B == 0 || s.A/s.B <= par.MaxEllipse
		})
	}

	if par.SaturationLimit > 0 && par.SaturationLimit < 100 {
		if ceiling, ok := format.MaxDataValue(); ok {
			limit := par.SaturationLimit / 100 * ceiling
			logf("removing saturated stars with peaks above %g", limit)
			out = keep(out, func(s imgdata.Star) bool { return s.Peak <= limit })
		} else {
			logf("saturation filter skipped for float data")
		}
	}

	if par.KeepNum > 0 && len(out) > par.KeepNum {
		logf("keeping the %d brightest stars", par.KeepNum)
		sortByFlux(out)
		out = out[:par.KeepNum]
	}

	if par.RemoveBrightest > 0 && par.RemoveBrightest < 100 {
		n := int(float64(len(out)) * par.RemoveBrightest / 100)
		if n > 0 {
			logf("removing the %d brightest stars", n)
			sortByMag(out)
			out = out[n:]
		}
	}
	if par.RemoveDimmest > 0 && par.RemoveDimmest < 100 {
		n := int(float64(len(out)) * par.RemoveDimmest / 100)
		if n > 0 {
			logf("removing the %d dimmest stars", n)
			sortByMag(out)
			out = out[:len(out)-n]
		}
	}

	logf("stars found after filtering: %d", len(out))
	return out
}

func sortByMag(stars []imgdata.Star) {
	sort.SliceStable(stars, func(i, j int) bool {
		if stars[i].Mag != stars[j].Mag {
			return stars[i].Mag < stars[j].Mag
		}
		if stars[i].X != stars[j].X {
			return stars[i].X < stars[j].X
		}
		return stars[i].Y < stars[j].Y
	})
}

func sortByFlux(stars []imgdata.Star) {
	sort.SliceStable(stars, func(i, j int) bool {
		if stars[i].Flux != stars[j].Flux {
			return stars[i].Flux > stars[j].Flux
		}
		if stars[i].X != stars[j].X {
			return stars[i].X < stars[j].X
		}
		return stars[i].Y < stars[j].Y
	})
}

func keep(stars []imgdata.Star, pred func(imgdata.Star) bool) []imgdata.Star {
	filtered := stars[:0]
	for _, s := range stars {
		if pred(s) {
			filtered = append(filtered, s)
		}
	}
	return filtered
}
