package fitstbl

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Header is a parsed FITS header: keyword to raw value text.
type Header map[string]string

// Float returns a numeric keyword value, with ok=false when missing or
// malformed.
func (h Header) Float(key string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(h[key]), 64)
	return v, err == nil
}

// Int returns an integer keyword value.
func (h Header) Int(key string) (int, bool) {
	f, ok := h.Float(key)
	return int(f), ok
}

// Str returns a string keyword value with the quotes stripped.
func (h Header) Str(key string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(h[key]), "'"))
}

// ReadHeader parses the primary header of the FITS file at path. Solver
// binaries emit their solution as a header-only wcs file, which is what
// this mostly gets pointed at.
func ReadHeader(path string) (Header, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fits header: %w", err)
	}
	cards, _, err := readHeaderBlock(raw)
	if err != nil {
		return nil, err
	}
	return cards, nil
}
