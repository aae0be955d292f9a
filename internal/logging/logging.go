package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AmazonRF/pyem/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, level, format))
}

// Setup configures global logging, optionally teeing output into a dated
// log file under cfg.Logging.LogDir with a "current" symlink.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}

		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("pyem-%s.log",
			time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		writers = append(writers, file)

		// Point a stable name at today's file. Best effort only.
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "pyem-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	logger := slog.New(newHandler(io.MultiWriter(writers...), cfg.Logging.Level, cfg.Logging.Format))
	slog.SetDefault(logger)

	logger.Info("pyem logging initialized",
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

// LogRunStart logs the beginning of a subtraction run.
func LogRunStart(logger *slog.Logger, runID int64, inputStar, outputStar string, options map[string]any) {
	logger.Info("run started",
		"run_id", runID,
		"input", inputStar,
		"output", outputStar,
		"options", options,
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, runID int64, particles, stacks int, duration time.Duration) {
	logger.Info("run completed",
		"run_id", runID,
		"particles", particles,
		"stacks", stacks,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
	)
}

// LogRunError logs run failures.
func LogRunError(logger *slog.Logger, runID int64, duration time.Duration, err error) {
	logger.Error("run failed",
		"run_id", runID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}
