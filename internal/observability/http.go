package observability

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Middleware holds configuration for HTTP Observability
type Middleware struct {
	TraceIdHeader string

	// Logger is the parent of request Loggers, zap.L() if nil.
	Logger *zap.Logger
}

// Wrap returns an Handler that adds Observability to the Request Context and calls next.
func (self Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()

		var tId string
		if "" != self.TraceIdHeader {
			tId = r.Header.Get(self.TraceIdHeader)
		}
		if "" == tId {
			tId = uuid.New().String()
		}

		parent := self.Logger
		if nil == parent {
			parent = GetObservability(r.Context()).Log()
		}
		log := parent.With(zap.String("tId", tId))
		obs := Observability{Logger: log}
		ctx := SetObservability(r.Context(), &obs)
		sw := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&sw, r.WithContext(ctx))
		log.Info(
			"processed HTTP request",
			zap.String("method", r.Method),
			zap.String("host", r.Host),
			zap.String("uri", r.RequestURI),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(t0)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (self *statusRecorder) WriteHeader(statusCode int) {
	self.status = statusCode
	self.ResponseWriter.WriteHeader(statusCode)
}

var _ http.ResponseWriter = &statusRecorder{}
