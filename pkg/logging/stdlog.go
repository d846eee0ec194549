package logging

import (
	"bytes"
	"log"
	"sync"
)

// lineWriter forwards each line written by a std logger to a Logger
type lineWriter struct {
	logger Logger
	level  Level
}

func (w *lineWriter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimRight(p, "\n"))
	switch w.level {
	case DebugLevel:
		w.logger.Debug(msg)
	case WarnLevel:
		w.logger.Warn(msg)
	case ErrorLevel, FatalLevel:
		w.logger.Error(msg)
	default:
		w.logger.Info(msg)
	}
	return len(p), nil
}

// NewStdLogger returns a *log.Logger that writes through logger at level.
// It is meant for APIs such as http.Server.ErrorLog that only accept the
// standard library type.
func NewStdLogger(logger Logger, level Level) *log.Logger {
	return log.New(&lineWriter{logger: logger, level: level}, "", 0)
}

var (
	globalMu     sync.RWMutex
	globalLogger = New(nil, nil)
)

// SetGlobalLogger replaces the process-wide fallback logger
func SetGlobalLogger(logger Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetGlobalLogger returns the process-wide fallback logger. Components use
// it when no logger was injected.
func GetGlobalLogger() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// OrGlobal returns logger, or the global logger when logger is nil
func OrGlobal(logger Logger) Logger {
	if logger != nil {
		return logger
	}
	return GetGlobalLogger()
}
