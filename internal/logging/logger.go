// Package logging provides component-scoped loggers for the server.
//
// The printf-style Logger interface keeps call sites decoupled from the
// backend; the implementation rides on zap so level filtering and file sinks
// come from configuration rather than ad-hoc wiring.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the minimal printf-style logging contract used across packages.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

var (
	mu   sync.RWMutex
	root = newRoot("INFO", "")
)

// Configure rebuilds the process-wide root logger. logFile may be empty, in
// which case output goes to stderr only.
func Configure(level, logFile string) {
	mu.Lock()
	defer mu.Unlock()
	root = newRoot(level, logFile)
}

func newRoot(level, logFile string) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if strings.TrimSpace(logFile) != "" {
		if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			sinks = append(sinks, zapcore.AddSync(file))
		} else {
			fmt.Fprintf(os.Stderr, "logging: cannot open %s: %v\n", logFile, err)
		}
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), parseLevel(level))
	return zap.New(core).Sugar()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARNING", "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "CRITICAL":
		return zapcore.DPanicLevel
	default:
		return zapcore.InfoLevel
	}
}

type componentLogger struct {
	component string
}

func (c componentLogger) sugar() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(c.component)
}

func (c componentLogger) Debug(format string, args ...any) { c.sugar().Debugf(format, args...) }
func (c componentLogger) Info(format string, args ...any)  { c.sugar().Infof(format, args...) }
func (c componentLogger) Warn(format string, args ...any)  { c.sugar().Warnf(format, args...) }
func (c componentLogger) Error(format string, args ...any) { c.sugar().Errorf(format, args...) }

// NewComponentLogger returns the process logger scoped to a component name.
func NewComponentLogger(component string) Logger {
	return componentLogger{component: component}
}
