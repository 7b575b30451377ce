// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the logger flavour and optional rotating file output.
type Options struct {
	Development bool
	// File enables a JSON log file rotated by size when non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a zap.Logger configured for development or production.
func New(opts Options) (*zap.Logger, error) {
	var (
		cfg zap.Config
		kind string
	)
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		kind = "dev"
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
		kind = "prod"
	}
	cfg.EncoderConfig.TimeKey = "ts"

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s logger: %w", kind, err)
	}
	if opts.File == "" {
		return logger, nil
	}

	fileCore, err := newFileCore(opts, cfg.Level)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}

func newFileCore(opts Options, level zap.AtomicLevel) (zapcore.Core, error) {
	if opts.MaxSizeMB < 0 || opts.MaxBackups < 0 || opts.MaxAgeDays < 0 {
		return nil, fmt.Errorf("log rotation limits must be >= 0")
	}
	if err := touch(opts.File); err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	writer := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   false,
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(writer), level), nil
}

// touch surfaces permission problems at startup rather than on first write.
func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
