package solver

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"skysolve/internal/imgdata"
	"skysolve/internal/wcs"
)

// readAstapSolution parses the key=value ini file ASTAP writes next to the
// solved image. PLTSOLVD tells success; the CRVAL/CD keywords mirror the
// FITS WCS convention.
func readAstapSolution(path string, imageWidth, imageHeight int) (imgdata.Solution, wcs.Projector, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return imgdata.Solution{}, nil, fmt.Errorf("read ASTAP solution: %w", err)
	}

	values := map[string]string{}
	for _, line := range strings.Split(string(raw), "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	if !strings.EqualFold(values["PLTSOLVD"], "T") {
		reason := values["ERROR"]
		if reason == "" {
			reason = "field not solved"
		}
		return imgdata.Solution{}, nil, fmt.Errorf("ASTAP: %s", reason)
	}

	num := func(key string) float64 {
		v, _ := strconv.ParseFloat(values[key], 64)
		return v
	}

	proj := &wcs.TanProjector{
		CRVAL1: num("CRVAL1"),
		CRVAL2: num("CRVAL2"),
		CRPIX1: num("CRPIX1"),
		CRPIX2: num("CRPIX2"),
		CD11:   num("CD1_1"),
		CD12:   num("CD1_2"),
		CD21:   num("CD2_1"),
		CD22:   num("CD2_2"),
	}

	pixScale := proj.PixScale()
	sol := imgdata.Solution{
		RA:          proj.CRVAL1,
		Dec:         proj.CRVAL2,
		RAStr:       wcs.RAToHMS(proj.CRVAL1),
		DecStr:      wcs.DecToDMS(proj.CRVAL2),
		Orientation: proj.Orientation(),
		PixScale:    pixScale,
		Parity:      proj.Parity(),
		FieldWidth:  float64(imageWidth) * pixScale / 60,
		FieldHeight: float64(imageHeight) * pixScale / 60,
	}
	return sol, proj, nil
}
