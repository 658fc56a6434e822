// Package logging provides config-driven categorized file-based logging for
// the research pipeline. Logs are written to <workspace>/.fishbro/logs/ with
// separate files per category. Logging is controlled by the logging section
// of the workspace config - when debug mode is off, no log files are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, registry priming
	CategoryIngest     Category = "ingest"     // Raw bar ingestion
	CategoryBars       Category = "bars"       // Bars cache builds, resampling
	CategoryFeatures   Category = "features"   // Feature bank, resolver
	CategoryWFS        Category = "wfs"        // Walk-forward engine
	CategoryExport     Category = "export"     // Season exports, replay index
	CategoryPortfolio  Category = "portfolio"  // Planner, quality, views
	CategoryGovernance Category = "governance" // Freeze, policy decisions
	CategoryRunner     Category = "runner"     // Orchestration, batch pool
	CategorySnapshot   Category = "snapshot"   // Snapshot and dataset registry
)

// Config mirrors the logging section of the workspace config to avoid a
// circular import with internal/config.
type Config struct {
	DebugMode  bool            `json:"debug_mode" yaml:"debug_mode"`
	Categories map[string]bool `json:"categories" yaml:"categories"`
	Level      string          `json:"level" yaml:"level"`
	JSONFormat bool            `json:"json_format" yaml:"json_format"`
}

// StructuredLogEntry is one JSON log line.
type StructuredLogEntry struct {
	Timestamp int64          `json:"ts"`
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	cfg       Config
	cfgMu     sync.RWMutex
	logLevel  int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory from the given config. Should be
// called once at startup with the workspace path. A disabled debug mode is a
// silent no-op: Get returns no-op loggers and nothing touches the disk.
func Initialize(workspace string, c Config) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	cfgMu.Lock()
	cfg = c
	switch c.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	cfgMu.Unlock()

	if !c.DebugMode {
		return nil
	}

	dir := filepath.Join(workspace, ".fishbro", "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	loggersMu.Lock()
	logsDir = dir
	loggersMu.Unlock()

	boot := Get(CategoryBoot)
	boot.Info("=== FishBro logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	boot.Info("Log level: %s", c.Level)
	return nil
}

// Reset closes all open log files and clears state. Intended for tests.
func Reset() {
	loggersMu.Lock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
	logsDir = ""
	loggersMu.Unlock()

	cfgMu.Lock()
	cfg = Config{}
	cfgMu.Unlock()
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if !cfg.DebugMode {
		return false
	}
	if cfg.Categories == nil {
		return true
	}
	enabled, exists := cfg.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger if debug mode is disabled or the category is disabled.
func Get(category Category) *Logger {
	loggersMu.RLock()
	dir := logsDir
	loggersMu.RUnlock()

	if !IsCategoryEnabled(category) || dir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string, fields map[string]any) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) emit(level int, tag, format string, args ...any) {
	if l.logger == nil || logLevel > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	cfgMu.RLock()
	jsonFormat := cfg.JSONFormat
	cfgMu.RUnlock()
	if jsonFormat {
		l.logJSON(tag, msg, nil)
	} else {
		l.logger.Printf("[%s] %s", tag, msg)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) { l.emit(LevelDebug, "DEBUG", format, args...) }

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) { l.emit(LevelInfo, "INFO", format, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) { l.emit(LevelWarn, "WARN", format, args...) }

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) { l.emit(LevelError, "ERROR", format, args...) }
