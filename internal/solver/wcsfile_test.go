package solver

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"skysolve/internal/params"
)

func TestDefaultWorkerFactoryDispatch(t *testing.T) {
	img := testImage(t, 64, 64)
	par := params.Defaults()

	w, err := DefaultWorkerFactory(IntSolve, img, par, WorkerConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := w.(*InternalWorker); !ok {
		t.Fatalf("IntSolve built %T", w)
	}

	w, err = DefaultWorkerFactory(IntExtractExtSolve, img, par, WorkerConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := w.(*ExternalWorker); !ok {
		t.Fatalf("IntExtractExtSolve built %T", w)
	}

	w, err = DefaultWorkerFactory(OnlineSolve, img, par, WorkerConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := w.(*OnlineWorker); !ok {
		t.Fatalf("OnlineSolve built %T", w)
	}
}

func TestFileWCSReaderParsesTanHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "field.wcs")
	if err := os.WriteFile(path, wcsHeaderBytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	sol, proj, err := FileWCSReader{}.Read(path, 1024, 768)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if proj == nil {
		t.Fatal("no projector")
	}
	// CRPIX sits at (512,384) which is the image center, so the field
	// center is the reference value itself.
	if math.Abs(sol.RA-10.68) > 1e-9 || math.Abs(sol.Dec-41.27) > 1e-9 {
		t.Fatalf("center = (%v,%v)", sol.RA, sol.Dec)
	}
	if sol.PixScale < 0.7 || sol.PixScale > 0.75 {
		t.Fatalf("pixscale = %v", sol.PixScale)
	}
	if sol.Parity != "pos" {
		t.Fatalf("parity = %q", sol.Parity)
	}
	if sol.FieldWidth <= 0 || sol.FieldHeight <= 0 {
		t.Fatalf("field size = %v x %v", sol.FieldWidth, sol.FieldHeight)
	}

	// A pixel one step right of the reference moves by roughly CD1_1 in RA.
	ra, dec, err := proj.PixelToWorld(513, 384)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(ra-10.68) > 0.001 || math.Abs(dec-41.27) > 0.001 {
		t.Fatalf("neighbor pixel projected to (%v,%v)", ra, dec)
	}
	if ra == 10.68 {
		t.Fatal("projection did not move off the reference pixel")
	}
}

func TestFileWCSReaderMissingKeywords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wcs")
	header := "SIMPLE  =                    T"
	for len(header)%2880 != 80 {
		header += " "
	}
	header += "END"
	for len(header)%2880 != 0 {
		header += " "
	}
	os.WriteFile(path, []byte(header), 0o644)
	if _, _, err := (FileWCSReader{}).Read(path, 100, 100); err == nil {
		t.Fatal("expected error for a header without CRVAL keywords")
	}
}
