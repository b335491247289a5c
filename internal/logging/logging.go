// Package logging builds the process zap logger from the log section of
// ballotline.yml.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"ballotline/internal/config"
)

// ParseLevel maps a config level name to a zap level. Unknown names are info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func encoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.CallerKey = "caller"
	enc.EncodeCaller = zapcore.ShortCallerEncoder
	enc.LevelKey = "level"
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.MessageKey = "message"
	enc.EncodeName = zapcore.FullNameEncoder
	return enc
}

// New returns a logger writing to stderr, or to a rotated file when cfg.File
// is set. Format "console" switches from JSON to the console encoder.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig())
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var sink zapcore.WriteSyncer
	if cfg.File != "" {
		rotate := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		if rotate.MaxSize == 0 {
			rotate.MaxSize = 100
		}
		if rotate.MaxBackups == 0 {
			rotate.MaxBackups = 3
		}
		if rotate.MaxAge == 0 {
			rotate.MaxAge = 28
		}
		sink = zapcore.AddSync(rotate)
	} else {
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(ParseLevel(cfg.Level)))
	return zap.New(core, zap.AddCaller()), nil
}
