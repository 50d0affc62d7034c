package observability

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// SetTestLogging replaces the zap global Logger by a test Logger for test duration.
func SetTestLogging(t *testing.T) *zap.Logger {
	logger := zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel))
	restore := zap.ReplaceGlobals(logger)
	t.Cleanup(restore)
	return logger
}
