// Package logging provides the single process-wide zap logger used by
// every other package in this module.
package logging

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bdt/config"
)

var logger *zap.Logger

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

func init() {
	Reload(config.Global().Log)
}

// Reload rebuilds the logger from a log config. Called from init with
// the default config, and by cmd/bdtnode after config.Reload has loaded
// the config file.
func Reload(cfg config.LogConfig) {
	level, ok := levelMap[cfg.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= level
	})

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)

	var core zapcore.Core
	if cfg.Path == "" {
		core = zapcore.NewCore(fileEncoder, zapcore.AddSync(zapcore.Lock(os.Stdout)), enabler)
	} else {
		hook := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    1024,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		core = zapcore.NewCore(fileEncoder, zapcore.AddSync(hook), enabler)
	}

	logger = zap.New(core, zap.AddCaller(), zap.Development())
}

// L returns the process-wide logger. Safe to call before any Reload, the
// init() above always gives it a usable default.
func L() *zap.Logger {
	return logger
}

func TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
