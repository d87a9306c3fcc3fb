package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	runID string
	level log.Level
}

// WithRunID overrides the generated run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithLevel sets the minimum emitted log level.
func WithLevel(level log.Level) Option {
	return func(opts *newOptions) {
		opts.level = level
	}
}

// RuntimeLogger writes structured JSON logs to disk, keeping stdout free for
// console responses and the interactive prompt.
type RuntimeLogger struct {
	Logger *log.Logger
	file   *os.File
	path   string
	runID  string
}

// New initializes logging under ~/.probectl/logs without writing to stdout.
func New(options ...Option) (*RuntimeLogger, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	logDir := filepath.Join(homeDir, ".probectl", "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	resolved := resolveOptions(options)
	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("probectl-%s-%s.log", timestamp, resolved.runID)
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		Logger: logger.With("run_id", resolved.runID),
		file:   file,
		path:   filePath,
		runID:  resolved.runID,
	}
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	return runtimeLogger, nil
}

// RunID returns the run identifier attached to every record.
func (r *RuntimeLogger) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{level: log.InfoLevel}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	if resolved.runID == "" {
		resolved.runID = uuid.NewString()[:8]
	}
	return resolved
}
