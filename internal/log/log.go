// Package log is the process-wide structured logger.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Logger *zap.SugaredLogger

var atomicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

var consoleEncoder = zapcore.EncoderConfig{
	TimeKey:       "time",
	LevelKey:      "level",
	MessageKey:    "msg",
	CallerKey:     "caller",
	StacktraceKey: "stacktrace",
	EncodeLevel:   zapcore.CapitalLevelEncoder,
	EncodeTime:    zapcore.RFC3339TimeEncoder,
	EncodeCaller:  zapcore.ShortCallerEncoder,
}

func init() {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleEncoder),
		zapcore.AddSync(os.Stdout),
		atomicLevel,
	)
	Logger = zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zap.ErrorLevel),
	).Sugar()
}

// SetLevel changes the minimum enabled level. Unknown names are ignored.
func SetLevel(level string) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return
	}
	atomicLevel.SetLevel(lvl)
}

// Sync flushes buffered entries. Call once on shutdown.
func Sync() {
	_ = Logger.Sync()
}

func Debugf(template string, args ...any) {
	Logger.Debugf(template, args...)
}

func Infof(template string, args ...any) {
	Logger.Infof(template, args...)
}

func Warnf(template string, args ...any) {
	Logger.Warnf(template, args...)
}

func Errorf(template string, args ...any) {
	Logger.Errorf(template, args...)
}
