package observability

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	observabilityKey = contextKey("OBSERVABILITY")
)

// Observability holds the request scoped Logger.
// nil *Observability are safe to use.
type Observability struct {
	Logger *zap.Logger
}

// Log returns inner Logger or the zap global Logger.
func (self *Observability) Log() *zap.Logger {
	if (nil == self) || (nil == self.Logger) {
		return zap.L()
	}

	return self.Logger
}

// GetObservability returns ctx Observability.
func GetObservability(ctx context.Context) *Observability {
	var rv *Observability
	rv, _ = ctx.Value(observabilityKey).(*Observability)
	return rv
}

// SetObservability returns new Context containing obs.
func SetObservability(ctx context.Context, obs *Observability) context.Context {
	return context.WithValue(ctx, observabilityKey, obs)
}
