package logutil

import (
    "os"
    "sync/atomic"

    "go.uber.org/zap"
)

var (
    jsonMode atomic.Bool
    fallback atomic.Pointer[zap.Logger]
)

func init() {
    if os.Getenv("FILECHAIN_LOG_JSON") == "1" || os.Getenv("FILECHAIN_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

// SetJSON switches loggers built afterwards to the JSON production encoder.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// New builds a zap logger: console encoding by default, JSON when enabled.
func New() *zap.Logger {
    var cfg zap.Config
    if jsonMode.Load() {
        cfg = zap.NewProductionConfig()
    } else {
        cfg = zap.NewDevelopmentConfig()
        cfg.DisableStacktrace = true
    }
    l, err := cfg.Build()
    if err != nil { return zap.NewNop() }
    return l
}

// Default returns the process-wide fallback logger, building it on first use.
func Default() *zap.Logger {
    if l := fallback.Load(); l != nil { return l }
    fallback.CompareAndSwap(nil, New())
    return fallback.Load()
}

// Or returns l, or the default logger when l is nil.
func Or(l *zap.Logger) *zap.Logger {
    if l == nil { return Default() }
    return l
}

func Infof(l *zap.Logger, f string, args ...any)  { sugar(l).Infof(f, args...) }
func Warnf(l *zap.Logger, f string, args ...any)  { sugar(l).Warnf(f, args...) }
func Errorf(l *zap.Logger, f string, args ...any) { sugar(l).Errorf(f, args...) }

func sugar(l *zap.Logger) *zap.SugaredLogger {
    return Or(l).WithOptions(zap.AddCallerSkip(1)).Sugar()
}
