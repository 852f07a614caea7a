// Package fitstbl writes the XY star lists that external solver binaries
// consume: a FITS binary table with X_IMAGE, Y_IMAGE and MAG_AUTO columns,
// one row per star. Only the small subset of FITS needed for that table is
// implemented here.
package fitstbl

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"skysolve/internal/imgdata"
)

const blockSize = 2880

// Options control the column naming. The offline solve-field binary expects
// X_IMAGE/Y_IMAGE; the online service wants plain X/Y.
type Options struct {
	XColumn string
	YColumn string
}

func (o Options) withDefaults() Options {
	if o.XColumn == "" {
		o.XColumn = "X_IMAGE"
	}
	if o.YColumn == "" {
		o.YColumn = "Y_IMAGE"
	}
	return o
}

// WriteXYList writes stars as a binary table at path. The primary header
// carries the source image dimensions as IMAGEW/IMAGEH keywords.
func WriteXYList(path string, stars []imgdata.Star, width, height int, opts Options) error {
	opts = opts.withDefaults()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create xy list: %w", err)
	}
	defer f.Close()

	primary := newHeader()
	primary.addLogical("SIMPLE", true, "conforms to FITS standard")
	primary.addInt("BITPIX", 8, "")
	primary.addInt("NAXIS", 0, "")
	primary.addLogical("EXTEND", true, "")
	primary.addInt("IMAGEW", int64(width), "image width in pixels")
	primary.addInt("IMAGEH", int64(height), "image height in pixels")
	if err := primary.writeTo(f); err != nil {
		return err
	}

	const rowBytes = 12 // three big-endian float32 fields
	table := newHeader()
	table.addString("XTENSION", "BINTABLE", "binary table extension")
	table.addInt("BITPIX", 8, "")
	table.addInt("NAXIS", 2, "")
	table.addInt("NAXIS1", rowBytes, "bytes per row")
	table.addInt("NAXIS2", int64(len(stars)), "number of rows")
	table.addInt("PCOUNT", 0, "")
	table.addInt("GCOUNT", 1, "")
	table.addInt("TFIELDS", 3, "")
	table.addString("TTYPE1", opts.XColumn, "")
	table.addString("TFORM1", "1E", "")
	table.addString("TUNIT1", "pixels", "")
	table.addString("TTYPE2", opts.YColumn, "")
	table.addString("TFORM2", "1E", "")
	table.addString("TUNIT2", "pixels", "")
	table.addString("TTYPE3", "MAG_AUTO", "")
	table.addString("TFORM3", "1E", "")
	table.addString("TUNIT3", "magnitude", "")
	table.addString("EXTNAME", "XYLIST", "")
	if err := table.writeTo(f); err != nil {
		return err
	}

	data := make([]byte, 0, len(stars)*rowBytes)
	row := make([]byte, rowBytes)
	for _, s := range stars {
		binary.BigEndian.PutUint32(row[0:], math.Float32bits(float32(s.X)))
		binary.BigEndian.PutUint32(row[4:], math.Float32bits(float32(s.Y)))
		binary.BigEndian.PutUint32(row[8:], math.Float32bits(float32(s.Mag)))
		data = append(data, row...)
	}
	if pad := len(data) % blockSize; pad != 0 {
		data = append(data, make([]byte, blockSize-pad)...)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write table data: %w", err)
	}
	return nil
}

type header struct {
	cards []string
}

func newHeader() *header { return &header{} }

func (h *header) add(card string) {
	if len(card) > 80 {
		card = card[:80]
	}
	h.cards = append(h.cards, card+strings.Repeat(" ", 80-len(card)))
}

func (h *header) addLogical(key string, v bool, comment string) {
	val := "T"
	if !v {
		val = "F"
	}
	h.add(formatCard(key, fmt.Sprintf("%20s", val), comment))
}

func (h *header) addInt(key string, v int64, comment string) {
	h.add(formatCard(key, fmt.Sprintf("%20d", v), comment))
}

func (h *header) addString(key, v, comment string) {
	quoted := fmt.Sprintf("'%-8s'", v)
	h.add(formatCard(key, quoted, comment))
}

func formatCard(key, value, comment string) string {
	card := fmt.Sprintf("%-8s= %s", key, value)
	if comment != "" {
		card += " / " + comment
	}
	return card
}

func (h *header) writeTo(f *os.File) error {
	var b strings.Builder
	for _, card := range h.cards {
		b.WriteString(card)
	}
	b.WriteString("END" + strings.Repeat(" ", 77))
	out := b.String()
	if pad := len(out) % blockSize; pad != 0 {
		out += strings.Repeat(" ", blockSize-pad)
	}
	if _, err := f.WriteString(out); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}
