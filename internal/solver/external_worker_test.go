package solver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"skysolve/internal/params"
)

func newExternalForTest(t *testing.T, proc ProcessType) *ExternalWorker {
	t.Helper()
	par := params.Defaults()
	par.KeepNum = 50
	w := NewExternalWorker(proc, testImage(t, 800, 600), par, WorkerConfig{
		BasePath:     t.TempDir(),
		IndexFolders: []string{"/data/astrometry/4100", "/data/astrometry/4200"},
		Extractor:    &fakeExtractor{stars: testStars(20)},
	})
	return w
}

func TestGenerateAstrometryConfig(t *testing.T) {
	w := newExternalForTest(t, IntExtractExtSolve)
	w.par.InParallel = true
	w.par.SolverTimeLimit = 300
	w.par.MinWidth = 0.5
	w.par.MaxWidth = 20
	w.ensureTempPaths()

	if err := w.generateAstrometryConfig(); err != nil {
		t.Fatalf("generateAstrometryConfig: %v", err)
	}
	raw, err := os.ReadFile(w.confPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	want := []string{
		"inparallel",
		"minwidth 0.5",
		"maxwidth 20",
		"cpulimit 300",
		"autoindex",
		"add_path /data/astrometry/4100",
		"add_path /data/astrometry/4200",
	}
	if len(lines) != len(want) {
		t.Fatalf("config has %d lines, want %d:\n%s", len(lines), len(want), raw)
	}
	for i, line := range want {
		if lines[i] != line {
			t.Fatalf("line %d = %q, want %q", i, lines[i], line)
		}
	}
}

func TestGenerateAstrometryConfigWithoutParallel(t *testing.T) {
	w := newExternalForTest(t, IntExtractExtSolve)
	w.par.InParallel = false
	w.ensureTempPaths()
	if err := w.generateAstrometryConfig(); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(w.confPath)
	if strings.Contains(string(raw), "inparallel") {
		t.Fatal("inparallel directive written despite the option being off")
	}
}

func TestSolverArgs(t *testing.T) {
	w := newExternalForTest(t, IntExtractExtSolve)
	w.ensureTempPaths()
	w.SetSearchScale(1, 10, params.DegWidth)
	w.SetSearchPositionDeg(10.68, 41.27)
	w.SetDepthWindow(1, 50)

	args, err := w.solverArgs()
	if err != nil {
		t.Fatalf("solverArgs: %v", err)
	}
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-O", "--no-plots", "--no-verify", "--crpix-center",
		"--match none", "--corr none", "--new-fits none", "--rdls none",
		"--resort",
		"--depth 1-50",
		"--objs 50",
		"-L 1 -H 10 -u degwidth",
		"-3 10.68 -4 41.27 -5 15",
		"--width 800", "--height 600",
		"--x-column X_IMAGE", "--y-column Y_IMAGE",
		"--sort-column MAG_AUTO", "--sort-ascending",
		"--no-remove-lines", "--uniformize 0",
		"--backend-config", "--cancel", "-W",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q:\n%s", want, joined)
		}
	}
	// The config file was auto-generated on the way.
	if !fileExists(w.confPath) {
		t.Fatal("solver config not generated")
	}
}

func TestSolverArgsNoHints(t *testing.T) {
	w := newExternalForTest(t, IntExtractExtSolve)
	w.ensureTempPaths()
	args, err := w.solverArgs()
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "-L ") || strings.Contains(joined, "-3 ") {
		t.Fatalf("hint flags present without hints:\n%s", joined)
	}
	if strings.Contains(joined, "--depth") {
		t.Fatalf("depth flag present without a window:\n%s", joined)
	}
}

func TestExternalExtractViaInternalPath(t *testing.T) {
	w := newExternalForTest(t, IntExtractExtSolve)
	if err := w.Extract(t.Context()); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !w.HasExtracted() {
		t.Fatal("extraction flag not set")
	}
	if !fileExists(w.xylsPath) {
		t.Fatal("xy list not written for the solver binary")
	}
}

func TestExternalSpawnChildSharesListAndSentinels(t *testing.T) {
	w := newExternalForTest(t, IntExtractExtSolve)
	if err := w.Extract(t.Context()); err != nil {
		t.Fatal(err)
	}
	child, err := w.SpawnChild(3)
	if err != nil {
		t.Fatalf("SpawnChild: %v", err)
	}
	if child.ProcessType() != ExtSolve {
		t.Fatalf("child process type = %v, want solve-only", child.ProcessType())
	}
	cw := child.(*ExternalWorker)
	if cw.xylsPath != w.xylsPath {
		t.Fatal("child does not share the xy list file")
	}
	if cw.cancelPath != w.cancelPath {
		t.Fatal("child does not share the cancel sentinel")
	}
	if cw.solutionPath == w.solutionPath {
		t.Fatal("child must write its own solution file")
	}
	if len(child.Stars()) != len(w.Stars()) {
		t.Fatal("child star list differs")
	}
}

func TestCleanupTempFilesRemovesArtifacts(t *testing.T) {
	w := newExternalForTest(t, IntExtractExtSolve)
	w.ensureTempPaths()
	for _, suffix := range []string{".param", ".conv", ".cfg", ".ini", ".axy"} {
		path := filepath.Join(w.basePath, w.baseName+suffix)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(w.xylsPath, []byte("x"), 0o644)
	os.WriteFile(w.solutionPath, []byte("x"), 0o644)

	w.cleanupTempFiles()
	leftovers, _ := filepath.Glob(filepath.Join(w.basePath, w.baseName+"*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestCleanupDisabledKeepsFiles(t *testing.T) {
	w := newExternalForTest(t, IntExtractExtSolve)
	w.cleanupTemp = false
	w.ensureTempPaths()
	os.WriteFile(w.xylsPath, []byte("x"), 0o644)
	w.cleanupTempFiles()
	if !fileExists(w.xylsPath) {
		t.Fatal("cleanup removed files despite being disabled")
	}
}

func TestMissingSolverBinaryFailsCleanly(t *testing.T) {
	w := newExternalForTest(t, IntExtractExtSolve)
	w.solverPath = "/no/such/solve-field"
	if code := w.ExecuteBlocking(t.Context()); code == 0 {
		t.Fatal("expected failure with a missing binary")
	}
	if w.FailureKind() != KindExternalToolFailure {
		t.Fatalf("kind = %v, want external tool failure", w.FailureKind())
	}
}

func TestReadAstapSolution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solved.ini")
	ini := strings.Join([]string{
		"PLTSOLVD=T",
		"CRPIX1=4.000000E+002",
		"CRPIX2=3.000000E+002",
		"CRVAL1=1.068000E+001",
		"CRVAL2=4.127000E+001",
		"CD1_1=-2.000000E-004",
		"CD1_2=1.000000E-005",
		"CD2_1=1.000000E-005",
		"CD2_2=2.000000E-004",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(ini), 0o644); err != nil {
		t.Fatal(err)
	}

	sol, proj, err := readAstapSolution(path, 800, 600)
	if err != nil {
		t.Fatalf("readAstapSolution: %v", err)
	}
	if sol.RA != 10.68 || sol.Dec != 41.27 {
		t.Fatalf("solution center = (%v,%v)", sol.RA, sol.Dec)
	}
	if proj == nil {
		t.Fatal("no projector returned")
	}
	if sol.PixScale < 0.7 || sol.PixScale > 0.75 {
		t.Fatalf("pixel scale = %v, want about 0.72 arcsec", sol.PixScale)
	}
	if sol.Parity != "pos" {
		t.Fatalf("parity = %q, want pos for a negative determinant", sol.Parity)
	}
}

func TestReadAstapSolutionUnsolved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed.ini")
	os.WriteFile(path, []byte("PLTSOLVD=F\nERROR=No solution found\n"), 0o644)
	if _, _, err := readAstapSolution(path, 800, 600); err == nil {
		t.Fatal("expected error for an unsolved field")
	}
}
