package config

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a JSON logger with RFC3339 timestamps and caller
// information. Errors go to stderr, everything else to stdout.
func NewLogger() *zap.Logger {
	return newLogger(zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
}

func newLogger(stdout, stderr zapcore.WriteSyncer) *zap.Logger {
	isErrorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	isInfoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.InfoLevel && lvl < zapcore.ErrorLevel
	})

	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.RFC3339TimeEncoder
	encoder := zapcore.NewJSONEncoder(config)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, stderr, isErrorLevel),
		zapcore.NewCore(encoder, stdout, isInfoLevel),
	)
	return zap.New(core, zap.AddCaller())
}
