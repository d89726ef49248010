package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	log *zap.Logger
)

// Init 初始化日志
// encoding 为 "console"（默认）或 "json"
func Init(level string, encoding string, development bool) error {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encodeLevel := zapcore.CapitalColorLevelEncoder
	if encoding != "json" {
		encoding = "console"
	} else {
		encodeLevel = zapcore.CapitalLevelEncoder
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: development,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		// stdout 用于输出对话，日志写到 stderr
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	built, err := config.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	log = built
	mu.Unlock()
	return nil
}

// L 获取 logger
func L() *zap.Logger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l == nil {
		_ = Init("info", "console", false)
		mu.RLock()
		l = log
		mu.RUnlock()
	}
	return l
}

// S 获取 sugared logger
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Sync 同步日志
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if log != nil {
		return log.Sync()
	}
	return nil
}

// With 创建带字段的 logger
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Named 创建组件子 logger
func Named(name string) *zap.Logger {
	return L().Named(name)
}

func Debug(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// Fatal 致命错误日志
func Fatal(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Fatal(msg, fields...)
	os.Exit(1)
}
