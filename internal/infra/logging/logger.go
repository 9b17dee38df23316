// Package logging provides file-based logging for foreman.
// It outputs logs to both a global log file (.git/foreman/logs/foreman.log)
// and instance-specific log files (.git/foreman/logs/<instance>.log).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/foremanhq/foreman/internal/domain"
)

// Ensure Logger implements domain.Logger interface.
var _ domain.Logger = (*Logger)(nil)

// Logger wraps slog levels with file-based output support.
// Fields are ordered to minimize memory padding.
type Logger struct {
	globalFile    *os.File
	instanceFiles map[string]*os.File
	foremanDir    string
	mu            sync.Mutex
	level         slog.Level
}

// New creates a new Logger that writes to the foreman log directory.
// If foremanDir is empty, logging is disabled (returns a no-op logger).
func New(foremanDir string, level slog.Level) *Logger {
	return &Logger{
		foremanDir:    foremanDir,
		level:         level,
		instanceFiles: make(map[string]*os.File),
	}
}

// ParseLevel parses a log level string into slog.Level.
func ParseLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ensureLogsDir creates the logs directory if it doesn't exist.
func (l *Logger) ensureLogsDir() error {
	logsDir := filepath.Join(l.foremanDir, "logs")
	return os.MkdirAll(logsDir, 0o750)
}

// ensureGlobalFile opens or returns the global log file.
func (l *Logger) ensureGlobalFile() (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.globalFile != nil {
		return l.globalFile, nil
	}

	if err := l.ensureLogsDir(); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}

	path := domain.GlobalLogPath(l.foremanDir)
	// G302: Log files are append-only and need read access by repository users
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // Log file readable by owner and group
	if err != nil {
		return nil, fmt.Errorf("open global log file: %w", err)
	}
	l.globalFile = f
	return f, nil
}

// ensureInstanceFile opens or returns the instance log file.
func (l *Logger) ensureInstanceFile(instanceID string) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.instanceFiles[instanceID]; ok {
		return f, nil
	}

	if err := l.ensureLogsDir(); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}

	path := domain.InstanceLogPath(l.foremanDir, instanceID)
	// G302: Log files are append-only and need read access by repository users
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // Log file readable by owner and group
	if err != nil {
		return nil, fmt.Errorf("open instance log file: %w", err)
	}
	l.instanceFiles[instanceID] = f
	return f, nil
}

// Close closes all open log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lastErr error
	if l.globalFile != nil {
		if err := l.globalFile.Close(); err != nil {
			lastErr = err
		}
		l.globalFile = nil
	}
	for id, f := range l.instanceFiles {
		if err := f.Close(); err != nil {
			lastErr = err
		}
		delete(l.instanceFiles, id)
	}
	return lastErr
}

// formatLog formats a log entry.
// Format: [2026-01-30 09:32:51] [INFO] [inst-abc] [category] message
func formatLog(t time.Time, level slog.Level, instanceID, category, msg string) string {
	scope := "global"
	if instanceID != "" {
		scope = instanceID
	}
	return fmt.Sprintf("[%s] [%s] [%s] [%s] %s\n",
		t.Format("2006-01-02 15:04:05"),
		levelToString(level),
		scope,
		category,
		msg,
	)
}

func levelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// log writes a log entry to appropriate files based on instanceID.
// If instanceID is empty, logs only to the global log.
// Otherwise, logs to both the global and the instance-specific log.
func (l *Logger) log(level slog.Level, instanceID, category, msg string) {
	if l.foremanDir == "" {
		return // Logging disabled
	}
	if level < l.level {
		return // Skip if below minimum level
	}

	now := time.Now()
	entry := formatLog(now, level, instanceID, category, msg)

	// Write to global log
	if gf, err := l.ensureGlobalFile(); err == nil {
		_, _ = io.WriteString(gf, entry)
	}

	// Write to instance log if instanceID is specified
	if instanceID != "" {
		if f, err := l.ensureInstanceFile(instanceID); err == nil {
			_, _ = io.WriteString(f, entry)
		}
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(instanceID, category, msg string) {
	l.log(slog.LevelDebug, instanceID, category, msg)
}

// Info logs an info message.
func (l *Logger) Info(instanceID, category, msg string) {
	l.log(slog.LevelInfo, instanceID, category, msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(instanceID, category, msg string) {
	l.log(slog.LevelWarn, instanceID, category, msg)
}

// Error logs an error message.
func (l *Logger) Error(instanceID, category, msg string) {
	l.log(slog.LevelError, instanceID, category, msg)
}
