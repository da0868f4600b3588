// Package logging provides config-driven categorized logging for hackium.
// Every category is a named child of one zap root logger. Until Initialize or
// SetLogger is called all loggers are no-ops, so library use stays silent.
package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Boot/initialization
	CategoryBrowser     Category = "browser"     // Session state, active page
	CategoryTarget      Category = "target"      // Target discovery and lifecycle
	CategoryPage        Category = "page"        // Page instrumentation
	CategoryInjection   Category = "injection"   // Injection cache
	CategoryInterceptor Category = "interceptor" // Interceptor registry and transforms
	CategoryBridge      Category = "bridge"      // Client event bridge
	CategoryPlugin      Category = "plugin"      // Plugin lifecycle hooks
	CategoryEngine      Category = "engine"      // Automation engine adapter
	CategoryScript      Category = "script"      // Scripts run with --execute
)

// Config selects level, encoding and enabled categories.
type Config struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json or console
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
}

// Logger wraps a sugared zap logger with printf-style helpers.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	root       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the root logger from cfg.
func Initialize(cfg Config) error {
	var zc zap.Config
	if strings.EqualFold(cfg.Format, "console") || cfg.DebugMode {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := parseLevel(cfg.Level, cfg.DebugMode)
	if err != nil {
		return err
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	l, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	setRoot(l, cfg.Categories)

	Get(CategoryBoot).Debug("logging initialized (level=%s, categories=%d)", level, len(cfg.Categories))
	return nil
}

// SetLogger replaces the root logger and enables every category.
// It returns a func restoring the previous state.
func SetLogger(l *zap.Logger) func() {
	mu.RLock()
	prevRoot, prevCats := root, categories
	mu.RUnlock()
	setRoot(l, nil)
	return func() { setRoot(prevRoot, prevCats) }
}

// Root returns the current root logger.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

func setRoot(l *zap.Logger, cats map[string]bool) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	root = l
	categories = cats
	loggers = make(map[Category]*Logger)
}

func parseLevel(s string, debug bool) (zapcore.Level, error) {
	if debug && s == "" {
		return zapcore.DebugLevel, nil
	}
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// IsCategoryEnabled returns whether a specific category is enabled.
// Categories missing from the filter are enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return isEnabledLocked(category)
}

func isEnabledLocked(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	return !exists || enabled
}

// Get returns (or creates) a logger for the given category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	base := zap.NewNop()
	if isEnabledLocked(category) {
		base = root.Named(string(category))
	}
	l := &Logger{category: category, sugar: base.Sugar()}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a logger carrying structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Debugf returns a printf-style debug func bound to category, suitable for
// handing to interceptor modules.
func Debugf(category Category) func(format string, args ...any) {
	return func(format string, args ...any) {
		Get(category).Debug(format, args...)
	}
}

// Sync flushes the root logger.
func Sync() {
	_ = Root().Sync()
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// TargetDebug logs debug to the target category
func TargetDebug(format string, args ...interface{}) { Get(CategoryTarget).Debug(format, args...) }

// PageDebug logs debug to the page category
func PageDebug(format string, args ...interface{}) { Get(CategoryPage).Debug(format, args...) }

// PluginDebug logs debug to the plugin category
func PluginDebug(format string, args ...interface{}) { Get(CategoryPlugin).Debug(format, args...) }
