package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"skysolve/internal/sysres"
)

const defaultConfigPath = "~/.config/skysolve/config.json"

// Config holds user-editable settings for the solver.
type Config struct {
	Solver  Solver  `json:"solver"`
	Online  Online  `json:"online"`
	Logging Logging `json:"logging"`
	Paths   Paths   `json:"paths"`
	Server  Server  `json:"server"`
}

// Solver selects the back-end and its external binaries.
type Solver struct {
	Backend            string   `json:"backend"` // "internal", "external", "hybrid", "online"
	Profile            string   `json:"profile"`
	IndexFolders       []string `json:"index_folders"`
	SextractorPath     string   `json:"sextractor_path"`
	SolverPath         string   `json:"solver_path"`
	AstapPath          string   `json:"astap_path"`
	UseASTAP           bool     `json:"use_astap"`
	Threads            int      `json:"threads"` // 0 uses the CPU count
	CleanupTempFiles   bool     `json:"cleanup_temp_files"`
	AutoGenerateConfig bool     `json:"auto_generate_config"`
	TempDir            string   `json:"temp_dir"`
}

// Online configures the remote solving service.
type Online struct {
	APIURL string `json:"api_url"`
	APIKey string `json:"api_key"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures storage locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
}

// Server configures the HTTP API.
type Server struct {
	Listen string `json:"listen"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("SKYSOLVE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	if len(cfg.Solver.IndexFolders) == 0 {
		cfg.Solver.IndexFolders = sysres.DefaultIndexFolderPaths()
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Solver: Solver{
			Backend:            "hybrid",
			Profile:            "ParallelSolving",
			IndexFolders:       sysres.DefaultIndexFolderPaths(),
			CleanupTempFiles:   true,
			AutoGenerateConfig: true,
			TempDir:            os.TempDir(),
		},
		Online: Online{
			APIURL: "http://nova.astrometry.net",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "skysolve.db"),
		},
		Server: Server{
			Listen: ":8180",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
