// pkg/logger/logger.go

package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Уровни логирования
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger - printf-обертка над zap
type Logger struct {
	zap       *zap.Logger
	sugar     *zap.SugaredLogger
	logLevel  string
	debugMode bool
}

// NewLogger создает логгер. Пустой logPath означает вывод только в stdout.
func NewLogger(logPath string, logLevel string, debug bool) (*Logger, error) {
	level, err := parseLevel(logLevel)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.TimeKey = "time"
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = !debug

	if debug {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if logPath != "" {
		if dir := filepath.Dir(logPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("не удалось создать директорию логов: %w", err)
			}
		}
		cfg.OutputPaths = append(cfg.OutputPaths, logPath)
	}

	z, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, err
	}

	return &Logger{
		zap:       z,
		sugar:     z.Sugar(),
		logLevel:  strings.ToUpper(logLevel),
		debugMode: debug,
	}, nil
}

// NewNop возвращает логгер без вывода (тесты)
func NewNop() *Logger {
	z := zap.NewNop()
	return &Logger{zap: z, sugar: z.Sugar(), logLevel: LevelError}
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "", LevelInfo:
		return zapcore.InfoLevel, nil
	case LevelDebug:
		return zapcore.DebugLevel, nil
	case LevelWarn, "WARNING":
		return zapcore.WarnLevel, nil
	case LevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("неизвестный уровень логирования: %s", level)
	}
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

func (l *Logger) Fatal(format string, v ...interface{}) {
	l.sugar.Fatalf(format, v...)
}

// Zap возвращает исходный zap-логгер
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Level возвращает текущий уровень
func (l *Logger) Level() string {
	return l.logLevel
}

func (l *Logger) Sync() error {
	return l.zap.Sync()
}
