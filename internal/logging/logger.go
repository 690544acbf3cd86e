// Package logging provides categorized structured logging for cascade.
// Each subsystem logs through its own category so a session trace can be
// filtered down to one component. Until Initialize is called every helper
// is a silent no-op, which keeps library use of the engine quiet.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryEngine    Category = "engine"    // orchestrator state machine
	CategoryClarify   Category = "clarify"   // clarification dialogue
	CategoryPlanner   Category = "planner"   // path generation and stage planning
	CategoryMonitor   Category = "monitor"   // progress monitoring, obstacles
	CategoryAdjuster  Category = "adjuster"  // prompt revision
	CategoryRetrieval Category = "retrieval" // snippet lookup
	CategoryStore     Category = "store"     // session persistence
	CategoryAPI       Category = "api"       // model invocations
)

// Options controls logger construction.
type Options struct {
	Level     string // debug, info, warn, error
	Format    string // json, text
	Directory string // when set, logs also go to <dir>/cascade.log
}

var (
	mu   sync.RWMutex
	root *zap.SugaredLogger
	cats = map[Category]*zap.SugaredLogger{}
)

// Initialize builds the zap backbone. Safe to call more than once; the last
// call wins.
func Initialize(opts Options) error {
	level := zapcore.InfoLevel
	switch opts.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info", "":
		level = zapcore.InfoLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level %q", opts.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(devCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if opts.Directory != "" {
		if err := os.MkdirAll(opts.Directory, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(opts.Directory, "cascade.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sinks = append(sinks, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(enc, zap.CombineWriteSyncers(sinks...), level)
	logger := zap.New(core)

	mu.Lock()
	defer mu.Unlock()
	root = logger.Sugar()
	cats = map[Category]*zap.SugaredLogger{}
	return nil
}

// Get returns the logger for a category, or nil when logging is off.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := cats[cat]; ok {
		mu.RUnlock()
		return l
	}
	r := root
	mu.RUnlock()
	if r == nil {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := cats[cat]; ok {
		return l
	}
	l := r.With("cat", string(cat))
	cats[cat] = l
	return l
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

func logf(cat Category, level zapcore.Level, format string, args ...interface{}) {
	l := Get(cat)
	if l == nil {
		return
	}
	switch level {
	case zapcore.DebugLevel:
		l.Debugf(format, args...)
	case zapcore.InfoLevel:
		l.Infof(format, args...)
	case zapcore.WarnLevel:
		l.Warnf(format, args...)
	default:
		l.Errorf(format, args...)
	}
}

// Per-category helpers. These keep call sites short: logging.EngineDebug(...).

func EngineDebug(format string, args ...interface{}) {
	logf(CategoryEngine, zapcore.DebugLevel, format, args...)
}
func EngineInfo(format string, args ...interface{}) {
	logf(CategoryEngine, zapcore.InfoLevel, format, args...)
}
func EngineWarn(format string, args ...interface{}) {
	logf(CategoryEngine, zapcore.WarnLevel, format, args...)
}
func EngineError(format string, args ...interface{}) {
	logf(CategoryEngine, zapcore.ErrorLevel, format, args...)
}

func ClarifyDebug(format string, args ...interface{}) {
	logf(CategoryClarify, zapcore.DebugLevel, format, args...)
}
func ClarifyInfo(format string, args ...interface{}) {
	logf(CategoryClarify, zapcore.InfoLevel, format, args...)
}

func PlannerDebug(format string, args ...interface{}) {
	logf(CategoryPlanner, zapcore.DebugLevel, format, args...)
}
func PlannerInfo(format string, args ...interface{}) {
	logf(CategoryPlanner, zapcore.InfoLevel, format, args...)
}
func PlannerWarn(format string, args ...interface{}) {
	logf(CategoryPlanner, zapcore.WarnLevel, format, args...)
}

func MonitorDebug(format string, args ...interface{}) {
	logf(CategoryMonitor, zapcore.DebugLevel, format, args...)
}
func MonitorWarn(format string, args ...interface{}) {
	logf(CategoryMonitor, zapcore.WarnLevel, format, args...)
}

func AdjusterDebug(format string, args ...interface{}) {
	logf(CategoryAdjuster, zapcore.DebugLevel, format, args...)
}

func RetrievalDebug(format string, args ...interface{}) {
	logf(CategoryRetrieval, zapcore.DebugLevel, format, args...)
}
func RetrievalWarn(format string, args ...interface{}) {
	logf(CategoryRetrieval, zapcore.WarnLevel, format, args...)
}

func StoreDebug(format string, args ...interface{}) {
	logf(CategoryStore, zapcore.DebugLevel, format, args...)
}
func StoreError(format string, args ...interface{}) {
	logf(CategoryStore, zapcore.ErrorLevel, format, args...)
}

func APIDebug(format string, args ...interface{}) {
	logf(CategoryAPI, zapcore.DebugLevel, format, args...)
}
func APIWarn(format string, args ...interface{}) {
	logf(CategoryAPI, zapcore.WarnLevel, format, args...)
}
