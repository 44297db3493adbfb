// Package observability owns the process-wide structured logger.
package observability

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stapply-ai/agent/internal/config"
)

var (
	// Atomic pointer so concurrent callers never observe a torn update.
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

// InitializeLogger sets up the global Zap logger based on the configuration.
// It is safe to call more than once; only the first call takes effect.
func InitializeLogger(cfg config.LoggerConfig) {
	once.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		consoleCore := zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(os.Stdout), level)
		cores := []zapcore.Core{consoleCore}

		if cfg.LogFile != "" {
			// The file core is always JSON so downstream tooling can parse it.
			fileWriter := zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			})
			cores = append(cores, zapcore.NewCore(newEncoder("json"), fileWriter, level))
		}

		options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			options = append(options, zap.AddCaller())
		}

		logger := zap.New(zapcore.NewTee(cores...), options...).Named(cfg.ServiceName)
		globalLogger.Store(logger)

		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

// GetLogger returns the initialized global logger instance, or a development
// fallback when initialization has not happened yet (early CLI errors).
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l.Named("fallback")
}

// Sync flushes any buffered log entries.
func Sync() {
	if logger := globalLogger.Load(); logger != nil {
		if err := logger.Sync(); err != nil {
			// The logger itself cannot be trusted at this point.
			fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
		}
	}
}
