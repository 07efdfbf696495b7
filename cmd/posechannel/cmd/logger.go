package cmd

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// parseLevel maps a --log-level value, adjusted by --debug and --verbose,
// to a zap level. Unknown names fall back to info.
func parseLevel(level string, debugFlag, verboseFlag bool) zapcore.Level {
	if debugFlag {
		return zap.DebugLevel
	} else if verboseFlag && level == "info" {
		return zap.DebugLevel
	}

	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func setupLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(parseLevel(logLevel, debug, verbose))

	config := zap.NewProductionConfig()
	config.Level = level
	config.Development = debug

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	if logFile == "" {
		return logger, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(config.EncoderConfig),
		zapcore.AddSync(rotator),
		level,
	)

	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}
