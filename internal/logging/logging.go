// Package logging builds the zap loggers used throughout the broker: one
// structured operational logger writing to LOG_FILE (or stderr) at
// LOG_LEVEL, and one optional bar-mirror logger gated by DEBUG_PRICES that
// writes raw bar payloads to PRICES_LOG_FILE for offline inspection. Each
// writes through a single JSON zap core; a logger with a file rotates it via
// lumberjack, and the operational logger with no file writes to stderr.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 5
	defaultMaxAgeDays = 28
)

// New builds the operational logger. If file is empty, logs go to stderr.
func New(level, file string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	sink, err := fileSink(file)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, lvl)
	return zap.New(core, zap.AddCaller()), nil
}

// NewPricesLogger builds the optional bar-mirror logger. Returns a no-op
// logger when enabled is false, so callers never need a nil check.
func NewPricesLogger(enabled bool, file string) (*zap.Logger, error) {
	if !enabled {
		return zap.NewNop(), nil
	}
	if file == "" {
		return nil, fmt.Errorf("logging: prices_log.file is required when debug_prices is enabled")
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	sink, err := fileSink(file)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, zapcore.DebugLevel)
	return zap.New(core), nil
}

func fileSink(file string) (zapcore.WriteSyncer, error) {
	if file == "" {
		return zapcore.AddSync(os.Stderr), nil
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    defaultMaxSizeMB,
		MaxBackups: defaultMaxBackups,
		MaxAge:     defaultMaxAgeDays,
		Compress:   true,
	}), nil
}
