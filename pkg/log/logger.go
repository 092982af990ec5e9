// Package log provides structured logging utilities for the minelab services.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger with miner-specific fields
func (l *Logger) WithMiner(minerID, role string) *Logger {
	return l.WithFields("miner_id", minerID, "role", role)
}

// WithGeneration returns a logger with a generation field
func (l *Logger) WithGeneration(generation uint64) *Logger {
	return l.WithFields("generation", generation)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Mining-specific logging helpers

// LogSubmission logs a solution submission and its outcome
func (l *Logger) LogSubmission(minerID string, generation uint64, nonce uint64, status string) {
	l.Info("solution submission",
		"miner_id", minerID,
		"generation", generation,
		"nonce", nonce,
		"status", status,
	)
}

// LogGenerationClosed logs a closed generation with its winner
func (l *Logger) LogGenerationClosed(generation uint64, minerID, blockHash string) {
	l.Info("generation closed",
		"generation", generation,
		"winner", minerID,
		"block_hash", blockHash,
	)
}

// LogTemplateFetch logs a template fetch by a worker
func (l *Logger) LogTemplateFetch(minerID string, generation uint64, difficultyBits int) {
	l.Debug("template fetched",
		"miner_id", minerID,
		"generation", generation,
		"difficulty_bits", difficultyBits,
	)
}

// LogSearchProgress logs worker-side search throughput
func (l *Logger) LogSearchProgress(minerID string, generation uint64, attempts int64, elapsedNs int64) {
	rate := 0.0
	if elapsedNs > 0 {
		rate = float64(attempts) / (float64(elapsedNs) / 1e9)
	}
	l.Info("search progress",
		"miner_id", minerID,
		"generation", generation,
		"attempts", attempts,
		"hashrate", rate,
	)
}
