package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"code.kerpass.org/prekeys/internal/utils"
)

// NoopLogger returns a disabled Logger
func NoopLogger() *zap.Logger {
	return zap.NewNop()
}

// NewLogger returns a Logger writing to stderr.
// level is a zap level name ("debug", "info"...), format is "json" or "console".
func NewLogger(level string, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if nil != err {
		return nil, utils.WrapError(err, 0, nil, "invalid log level %q", level)
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, utils.NewError(0, nil, "invalid log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	return logger, utils.WrapError(err, 0, nil, "failed building logger")
}
