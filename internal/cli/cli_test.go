package cli

import (
	"log/slog"
	"path/filepath"
	"testing"

	"skysolve/internal/config"
	"skysolve/internal/params"
	"skysolve/internal/solver"
	"skysolve/internal/storage"
)

func testRoot(t *testing.T) *Root {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := &config.Config{
		Solver: config.Solver{
			Backend: "hybrid",
			Profile: "ParallelSolving",
			TempDir: t.TempDir(),
		},
	}
	return NewRoot(cfg, slog.Default(), store)
}

func TestProcessTypeForBackends(t *testing.T) {
	cases := []struct {
		backend    string
		haveEngine bool
		want       solver.ProcessType
		wantErr    bool
	}{
		{"internal", true, solver.IntSolve, false},
		{"internal", false, 0, true},
		{"external", false, solver.ExtSolve, false},
		{"hybrid", false, solver.IntExtractExtSolve, false},
		{"", false, solver.IntExtractExtSolve, false},
		{"online", false, solver.OnlineSolve, false},
		{"online-xy", false, solver.IntExtractOnlineSolve, false},
		{"carrier-pigeon", false, 0, true},
	}
	for _, tc := range cases {
		got, err := processTypeFor(tc.backend, tc.haveEngine)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("backend %q: expected error", tc.backend)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("backend %q: got %v, %v; want %v", tc.backend, got, err, tc.want)
		}
	}
}

func TestProfileParametersPrefersStore(t *testing.T) {
	root := testRoot(t)

	custom := params.Defaults()
	custom.ListName = "FastSolving" // shadows the built-in
	custom.KeepNum = 123
	if err := root.store.SaveProfile("FastSolving", custom); err != nil {
		t.Fatal(err)
	}

	got, err := root.profileParameters("FastSolving")
	if err != nil {
		t.Fatal(err)
	}
	if got.KeepNum != 123 {
		t.Fatalf("keepNum = %d, want the stored override 123", got.KeepNum)
	}
}

func TestProfileParametersFallsBackToBuiltIn(t *testing.T) {
	root := testRoot(t)
	got, err := root.profileParameters(params.ProfileBigSizedStars)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinArea != 40 {
		t.Fatalf("built-in profile not resolved: %+v", got)
	}
	if _, err := root.profileParameters("NoSuchProfile"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestApplyOptions(t *testing.T) {
	par := params.Defaults()
	applyOptions(&par, map[string]any{
		"downsample": "2",
		"timeout":    60.0,
		"keep":       50,
		"parallel":   false,
	})
	if par.Downsample != 2 || par.SolverTimeLimit != 60 || par.KeepNum != 50 || par.InParallel {
		t.Fatalf("options not applied: %+v", par)
	}
}

func TestParseSubframe(t *testing.T) {
	got, err := parseSubframe("10, 20, 300, 400")
	if err != nil {
		t.Fatal(err)
	}
	if got.X != 10 || got.Y != 20 || got.W != 300 || got.H != 400 {
		t.Fatalf("parsed %+v", got)
	}
	if _, err := parseSubframe("1,2,3"); err == nil {
		t.Fatal("expected error for short subframe")
	}
	if _, err := parseSubframe("a,b,c,d"); err == nil {
		t.Fatal("expected error for non-numeric subframe")
	}
}

func TestRootCommandTree(t *testing.T) {
	root := testRoot(t)
	cmd := NewRootCmd(root.cfg, root.log, root.store)

	want := map[string]bool{
		"solve": false, "extract": false, "profiles": false,
		"serve": false, "status": false, "config": false, "version": false,
	}
	for _, sub := range cmd.Commands() {
		name := sub.Name()
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("command %q missing from the tree", name)
		}
	}
}
