package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"skysolve/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, level, format))
}

// Setup configures global logging. With file output enabled, log lines go to
// stdout and to a dated file under the log directory, with a stable
// skysolve-current.log name pointing at today's file so a tail survives the
// date rollover mid-session.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}

		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("skysolve-%s.log",
			time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "skysolve-current.log")
		os.Remove(currentLogPath)
		if err := os.Symlink(filepath.Base(logFile), currentLogPath); err != nil {
			// Symlink failed, but continue - it's not critical
		}
	}

	logger := slog.New(newHandler(io.MultiWriter(writers...), cfg.Logging.Level, cfg.Logging.Format))
	slog.SetDefault(logger)

	logger.Info("skysolve logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogSolveStart logs the beginning of a solve run.
func LogSolveStart(logger *slog.Logger, jobID, input, profile, backend string) {
	logger.Info("solve started",
		"id", jobID,
		"input", input,
		"profile", profile,
		"backend", backend,
	)
}

// LogSolveComplete logs a successful solve with its field solution.
func LogSolveComplete(logger *slog.Logger, jobID string, duration time.Duration, ra, dec, pixScale float64, starCount int) {
	logger.Info("solve completed",
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"ra_deg", ra,
		"dec_deg", dec,
		"pixscale_arcsec", pixScale,
		"stars", starCount,
	)
}

// LogSolveError logs solve failures.
func LogSolveError(logger *slog.Logger, jobID string, duration time.Duration, kind string, err error) {
	logger.Error("solve failed",
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"kind", kind,
		"error", err,
	)
}

// LogWorkerLine forwards a worker's log output at debug level.
func LogWorkerLine(logger *slog.Logger, jobID, line string) {
	logger.Debug("solver output", "id", jobID, "line", line)
}

// LogToolStatus logs solver binary detection results.
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
	} else {
		logger.Debug("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}
