// pkg/logger/global.go
package logger

import (
	"sync"
)

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

func InitGlobal(logPath, logLevel string, debug bool) error {
	l, err := NewLogger(logPath, logLevel, debug)
	if err != nil {
		return err
	}
	SetGlobal(l)
	return nil
}

// SetGlobal подменяет глобальный логгер
func SetGlobal(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

func GetLogger() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		// Fallback к логгеру без вывода
		return NewNop()
	}
	return globalLogger
}

func current() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Глобальные методы для удобства
func Debug(format string, v ...interface{}) {
	if l := current(); l != nil {
		l.Debug(format, v...)
	}
}

func Info(format string, v ...interface{}) {
	if l := current(); l != nil {
		l.Info(format, v...)
	}
}

func Warn(format string, v ...interface{}) {
	if l := current(); l != nil {
		l.Warn(format, v...)
	}
}

func Error(format string, v ...interface{}) {
	if l := current(); l != nil {
		l.Error(format, v...)
	}
}

func Fatal(format string, v ...interface{}) {
	if l := current(); l != nil {
		l.Fatal(format, v...)
	}
}

func Sync() {
	if l := current(); l != nil {
		_ = l.Sync()
	}
}
