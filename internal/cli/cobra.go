package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"skysolve/internal/config"
	"skysolve/internal/imgdata"
	"skysolve/internal/params"
	"skysolve/internal/server"
	"skysolve/internal/solver"
	"skysolve/internal/storage"
	"skysolve/internal/sysres"
)

var version = "0.3.0"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	root := NewRoot(cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "skysolve",
		Short: "SkySolve plate-solves astronomical images",
		Long: `SkySolve detects stars in astronomical images and determines their
world coordinate system by matching the star pattern against astrometry.net
index files, racing multiple solvers across the scale and depth search space.`,
	}

	rootCmd.AddCommand(newSolveCmd(root))
	rootCmd.AddCommand(newExtractCmd(root))
	rootCmd.AddCommand(newProfilesCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newSolveCmd(root *Root) *cobra.Command {
	var (
		backend    string
		profile    string
		scaleLo    float64
		scaleHi    float64
		scaleUnits string
		ra         float64
		dec        float64
		timeout    int
		downsample int
		parallel   bool
		indexDirs  []string
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "solve <image>",
		Short: "Plate-solve an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(indexDirs) > 0 {
				root.cfg.Solver.IndexFolders = indexDirs
			}
			job := server.Job{
				ID:        uuid.NewString(),
				InputPath: args[0],
				Backend:   pick(backend, root.cfg.Solver.Backend),
				Profile:   pick(profile, root.cfg.Solver.Profile),
				Options:   map[string]any{},
			}
			if cmd.Flags().Changed("scale-lo") {
				job.Options["scale_lo"] = scaleLo
				job.Options["scale_hi"] = scaleHi
				job.Options["scale_units"] = scaleUnits
			}
			if cmd.Flags().Changed("ra") && cmd.Flags().Changed("dec") {
				job.Options["ra"] = ra
				job.Options["dec"] = dec
			}
			if cmd.Flags().Changed("timeout") {
				job.Options["timeout"] = float64(timeout)
			}
			if cmd.Flags().Changed("downsample") {
				job.Options["downsample"] = float64(downsample)
			}
			if cmd.Flags().Changed("parallel") {
				job.Options["parallel"] = parallel
			}

			res := root.RunSolve(cmd.Context(), job, func(line string) {
				root.log.Debug("solver output", "line", line)
			})
			if res.Error != nil {
				return res.Error
			}

			sol := res.Solution
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(sol)
			}
			fmt.Printf("Field center: (RA,Dec) = (%.6f, %.6f) deg\n", sol.RA, sol.Dec)
			fmt.Printf("Field center: (%s, %s)\n", sol.RAStr, sol.DecStr)
			fmt.Printf("Field size: %.2f x %.2f arcmin\n", sol.FieldWidth, sol.FieldHeight)
			fmt.Printf("Pixel scale: %.3f\"/pix\n", sol.PixScale)
			fmt.Printf("Rotation: %.2f deg, parity %s\n", sol.Orientation, sol.Parity)
			fmt.Printf("Solved in %s with %d stars\n", res.Duration.Round(time.Millisecond), res.Stars)
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "solver back-end: internal, external, hybrid, online, online-xy")
	cmd.Flags().StringVar(&profile, "profile", "", "parameter profile name")
	cmd.Flags().Float64Var(&scaleLo, "scale-lo", 0, "lower bound of the scale hint")
	cmd.Flags().Float64Var(&scaleHi, "scale-hi", 0, "upper bound of the scale hint")
	cmd.Flags().StringVar(&scaleUnits, "scale-units", "degwidth", "scale hint units: degwidth, arcminwidth, arcsecperpix, focalmm")
	cmd.Flags().Float64Var(&ra, "ra", 0, "search position right ascension in degrees")
	cmd.Flags().Float64Var(&dec, "dec", 0, "search position declination in degrees")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "solver time limit in seconds")
	cmd.Flags().IntVar(&downsample, "downsample", 0, "downsample factor before extraction")
	cmd.Flags().BoolVar(&parallel, "parallel", true, "allow loading index files in parallel")
	cmd.Flags().StringSliceVar(&indexDirs, "index", nil, "index folder (repeatable)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the solution as JSON")
	return cmd
}

func newExtractCmd(root *Root) *cobra.Command {
	var (
		profile  string
		hfr      bool
		keep     int
		subframe string
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "extract <image>",
		Short: "Detect stars in an image without solving",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			par, err := root.profileParameters(pick(profile, root.cfg.Solver.Profile))
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("keep") {
				par.KeepNum = keep
			}

			var sub *imgdata.SubFrame
			if subframe != "" {
				parsed, err := parseSubframe(subframe)
				if err != nil {
					return err
				}
				sub = &parsed
			}

			stars, background, err := root.RunExtract(cmd.Context(), args[0], par, hfr, sub)
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"background": background,
					"stars":      stars,
				})
			}
			fmt.Printf("Background: mean %.2f, rms %.2f\n", background.Global, background.GlobalRMS)
			fmt.Printf("Stars found: %d\n", len(stars))
			for i, s := range stars {
				if i >= 20 {
					fmt.Printf("... and %d more\n", len(stars)-20)
					break
				}
				line := fmt.Sprintf("  %7.2f %7.2f  mag %6.2f  flux %10.1f", s.X, s.Y, s.Mag, s.Flux)
				if hfr {
					line += fmt.Sprintf("  hfr %.2f", s.HFR)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "parameter profile name")
	cmd.Flags().BoolVar(&hfr, "hfr", false, "measure half flux radius per star")
	cmd.Flags().IntVar(&keep, "keep", 0, "keep only the N brightest stars")
	cmd.Flags().StringVar(&subframe, "subframe", "", "extraction region as x,y,w,h")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the star list as JSON")
	return cmd
}

func newProfilesCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage parameter profiles",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List built-in and saved profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range params.ProfileNames() {
				fmt.Printf("  %s (built-in)\n", name)
			}
			if root.store != nil {
				stored, err := root.store.ListProfiles()
				if err != nil {
					return err
				}
				for _, name := range stored {
					fmt.Printf("  %s\n", name)
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Print a profile's settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.profileParameters(args[0])
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(params.ToMap(p))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "save <name> <base-profile>",
		Short: "Save a copy of a profile under a new name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.profileParameters(args[1])
			if err != nil {
				return err
			}
			p.ListName = args[0]
			return root.store.SaveProfile(args[0], p)
		},
	})

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var listen string
	var workers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP solve API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				root.cfg.Server.Listen = listen
			}
			if workers < 1 {
				workers = runtime.NumCPU() / 2
				if workers < 1 {
					workers = 1
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mgr := server.NewManager(ctx, workers, root.log, root.store, root.RunSolve)
			defer mgr.Stop()

			srv := server.New(root.log, root.store, mgr, root.cfg)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case <-ctx.Done():
				root.log.Info("shutting down")
				return nil
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address, e.g. :8180")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent solve jobs")
	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report solver binaries, index folders and memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			report := solver.ToolReport(
				root.cfg.Solver.SextractorPath,
				pick(root.cfg.Solver.SolverPath, solver.DefaultSolverPath()),
				pick(root.cfg.Solver.AstapPath, solver.DefaultAstapPath()),
			)
			fmt.Println("External tools:")
			for name, status := range report {
				if status.Available {
					fmt.Printf("  %-12s ok  %s\n", name, status.Path)
				} else {
					fmt.Printf("  %-12s missing (%v)\n", name, status.Err)
				}
			}

			probe := sysres.System{}
			ram := probe.InstalledRAMBytes()
			footprint := probe.IndexFootprintBytes(root.cfg.Solver.IndexFolders)
			const gb = float64(1 << 30)
			fmt.Printf("Installed RAM: %.1f GB\n", float64(ram)/gb)
			fmt.Printf("Index folders (%d):\n", len(root.cfg.Solver.IndexFolders))
			for _, folder := range root.cfg.Solver.IndexFolders {
				fmt.Printf("  %s\n", folder)
			}
			fmt.Printf("Index footprint: %.2f GB\n", float64(footprint)/gb)
			if footprint > ram {
				fmt.Println("Index files exceed installed RAM; parallel index loading will be disabled.")
			}
			return nil
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(root.cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("skysolve %s\n", version)
		},
	}
}

func pick(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func parseSubframe(s string) (imgdata.SubFrame, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return imgdata.SubFrame{}, fmt.Errorf("subframe %q is not x,y,w,h", s)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return imgdata.SubFrame{}, fmt.Errorf("subframe %q is not x,y,w,h: %w", s, err)
		}
		vals[i] = v
	}
	return imgdata.SubFrame{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, nil
}
