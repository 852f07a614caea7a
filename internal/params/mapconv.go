package params

import (
	"strconv"
	"strings"
)

// ToMap flattens Parameters into string-keyed primitives for persistence.
// The convolution filter is serialized as a comma-joined decimal list.
func ToMap(p Parameters) map[string]any {
	conv := make([]string, len(p.ConvFilter))
	for i, v := range p.ConvFilter {
		conv[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}

	return map[string]any{
		"listName":         p.ListName,
		"apertureShape":    int(p.ApertureShape),
		"kron_fact":        p.KronFact,
		"subpix":           p.Subpix,
		"r_min":            p.RMin,
		"magzero":          p.MagZero,
		"minarea":          p.MinArea,
		"deblend_thresh":   p.DeblendThresh,
		"deblend_contrast": p.DeblendContrast,
		"clean":            p.Clean,
		"clean_param":      p.CleanParam,
		"fwhm":             p.FWHM,
		"convFilter":       strings.Join(conv, ","),
		"maxSize":          p.MaxSize,
		"minSize":          p.MinSize,
		"maxEllipse":       p.MaxEllipse,
		"keepNum":          p.KeepNum,
		"removeBrightest":  p.RemoveBrightest,
		"removeDimmest":    p.RemoveDimmest,
		"saturationLimit":  p.SaturationLimit,
		"multiAlgo":        int(p.MultiAlgorithm),
		"inParallel":       p.InParallel,
		"solverTimeLimit":  p.SolverTimeLimit,
		"minwidth":         p.MinWidth,
		"maxwidth":         p.MaxWidth,
		"resort":           p.Resort,
		"downsample":       p.Downsample,
		"search_radius":    p.SearchRadius,
		"logratio_tosolve": p.LogratioToSolve,
		"logratio_tokeep":  p.LogratioToKeep,
		"logratio_totune":  p.LogratioToTune,
	}
}

// FromMap rebuilds Parameters from a persisted map. Missing keys keep their
// defaults, so maps written by older versions still load.
func FromMap(m map[string]any) Parameters {
	p := Defaults()

	if v, ok := stringVal(m, "listName"); ok {
		p.ListName = v
	}
	if v, ok := intVal(m, "apertureShape"); ok {
		p.ApertureShape = Shape(v)
	}
	if v, ok := floatVal(m, "kron_fact"); ok {
		p.KronFact = v
	}
	if v, ok := intVal(m, "subpix"); ok {
		p.Subpix = v
	}
	if v, ok := floatVal(m, "r_min"); ok {
		p.RMin = v
	}
	if v, ok := floatVal(m, "magzero"); ok {
		p.MagZero = v
	}
	if v, ok := floatVal(m, "minarea"); ok {
		p.MinArea = v
	}
	if v, ok := intVal(m, "deblend_thresh"); ok {
		p.DeblendThresh = v
	}
	if v, ok := floatVal(m, "deblend_contrast"); ok {
		p.DeblendContrast = v
	}
	if v, ok := intVal(m, "clean"); ok {
		p.Clean = v
	}
	if v, ok := floatVal(m, "clean_param"); ok {
		p.CleanParam = v
	}
	if v, ok := floatVal(m, "fwhm"); ok {
		p.FWHM = v
	}
	if v, ok := stringVal(m, "convFilter"); ok && v != "" {
		var filter []float64
		for _, item := range strings.Split(v, ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(item), 64)
			if err != nil {
				continue
			}
			filter = append(filter, f)
		}
		if len(filter) > 0 {
			p.ConvFilter = filter
		}
	}
	if v, ok := floatVal(m, "maxSize"); ok {
		p.MaxSize = v
	}
	if v, ok := floatVal(m, "minSize"); ok {
		p.MinSize = v
	}
	if v, ok := floatVal(m, "maxEllipse"); ok {
		p.MaxEllipse = v
	}
	if v, ok := intVal(m, "keepNum"); ok {
		p.KeepNum = v
	}
	if v, ok := floatVal(m, "removeBrightest"); ok {
		p.RemoveBrightest = v
	}
	if v, ok := floatVal(m, "removeDimmest"); ok {
		p.RemoveDimmest = v
	}
	if v, ok := floatVal(m, "saturationLimit"); ok {
		p.SaturationLimit = v
	}
	if v, ok := intVal(m, "multiAlgo"); ok {
		p.MultiAlgorithm = MultiAlgo(v)
	}
	if v, ok := boolVal(m, "inParallel"); ok {
		p.InParallel = v
	}
	if v, ok := intVal(m, "solverTimeLimit"); ok {
		p.SolverTimeLimit = v
	}
	if v, ok := floatVal(m, "minwidth"); ok {
		p.MinWidth = v
	}
	if v, ok := floatVal(m, "maxwidth"); ok {
		p.MaxWidth = v
	}
	if v, ok := boolVal(m, "resort"); ok {
		p.Resort = v
	}
	if v, ok := intVal(m, "downsample"); ok {
		p.Downsample = v
	}
	if v, ok := floatVal(m, "search_radius"); ok {
		p.SearchRadius = v
	}
	if v, ok := floatVal(m, "logratio_tosolve"); ok {
		p.LogratioToSolve = v
	}
	if v, ok := floatVal(m, "logratio_tokeep"); ok {
		p.LogratioToKeep = v
	}
	if v, ok := floatVal(m, "logratio_totune"); ok {
		p.LogratioToTune = v
	}
	return p
}

// The coercion helpers accept the types a JSON or SQL round trip produces:
// numbers come back as float64, sometimes as strings.

func floatVal(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func intVal(m map[string]any, key string) (int, bool) {
	f, ok := floatVal(m, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func boolVal(m map[string]any, key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	case int:
		return b != 0, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

func stringVal(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
