package main

import (
	"fmt"
	"os"

	"skysolve/internal/cli"
	"skysolve/internal/config"
	"skysolve/internal/logging"
	"skysolve/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.Paths.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := cli.NewRootCmd(cfg, log, store).Execute(); err != nil {
		log.Error("command failed", "error", err)
		os.Exit(1)
	}
}
