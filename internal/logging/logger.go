// Package logging provides config-driven categorized logging for qcselect.
// Every subsystem logs through a named category; categories can be switched off
// individually. Output is produced by a single zap logger shared by all categories.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategoryKnowledge Category = "knowledge" // Fact files and knowledge base swaps
	CategoryQuery     Category = "query"     // Inference queries
	CategorySelection Category = "selection" // Implementation/resource selection
	CategoryCatalog   Category = "catalog"   // Catalog persistence
	CategoryExecutor  Category = "executor"  // Executor plugins
	CategoryWatcher   Category = "watcher"   // Fact file watcher
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, text
	File       string          // optional output file, stderr when empty
	Categories map[string]bool // per-category toggles, all enabled when nil
}

// Logger is a category-scoped logger. The zero value discards everything.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the shared zap logger from opts.
// Should be called once at startup; later calls replace the logger.
func Initialize(opts Options) error {
	level := zap.NewAtomicLevelAt(parseLevel(opts.Level))

	var cfg zap.Config
	if opts.Format == "text" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = level

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		cfg.OutputPaths = []string{opts.File}
		cfg.ErrorOutputPaths = []string{opts.File}
	}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	base = logger
	categories = opts.Categories
	loggers = make(map[Category]*Logger)
	mu.Unlock()

	Get(CategoryBoot).Info("logging initialized (level=%s format=%s)", level.String(), cfg.Encoding)
	return nil
}

// SetLogger replaces the shared zap logger. Tests use it to install an observer core.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	base = l
	loggers = make(map[Category]*Logger)
}

// SetCategories replaces the per-category toggles.
func SetCategories(toggles map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	categories = toggles
	loggers = make(map[Category]*Logger)
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	l := &Logger{category: category}
	if categoryEnabledLocked(category) {
		l.sugar = base.Named(string(category)).Sugar()
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a child logger carrying structured key/value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Base returns the shared zap logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes any buffered log entries (call at shutdown).
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// Knowledge logs to the knowledge category
func Knowledge(format string, args ...interface{}) {
	Get(CategoryKnowledge).Info(format, args...)
}

// KnowledgeDebug logs debug to the knowledge category
func KnowledgeDebug(format string, args ...interface{}) {
	Get(CategoryKnowledge).Debug(format, args...)
}

// Query logs to the query category
func Query(format string, args ...interface{}) {
	Get(CategoryQuery).Info(format, args...)
}

// QueryDebug logs debug to the query category
func QueryDebug(format string, args ...interface{}) {
	Get(CategoryQuery).Debug(format, args...)
}

// Selection logs to the selection category
func Selection(format string, args ...interface{}) {
	Get(CategorySelection).Info(format, args...)
}

// SelectionDebug logs debug to the selection category
func SelectionDebug(format string, args ...interface{}) {
	Get(CategorySelection).Debug(format, args...)
}

// Catalog logs to the catalog category
func Catalog(format string, args ...interface{}) {
	Get(CategoryCatalog).Info(format, args...)
}

// CatalogDebug logs debug to the catalog category
func CatalogDebug(format string, args ...interface{}) {
	Get(CategoryCatalog).Debug(format, args...)
}

// Executor logs to the executor category
func Executor(format string, args ...interface{}) {
	Get(CategoryExecutor).Info(format, args...)
}

// Watcher logs to the watcher category
func Watcher(format string, args ...interface{}) {
	Get(CategoryWatcher).Info(format, args...)
}

// WatcherDebug logs debug to the watcher category
func WatcherDebug(format string, args ...interface{}) {
	Get(CategoryWatcher).Debug(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
