package keyservice

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"code.kerpass.org/prekeys/internal/observability"
	"code.kerpass.org/prekeys/internal/transport"
	"code.kerpass.org/prekeys/internal/utils"
	"code.kerpass.org/prekeys/pkg/accounts"
	"code.kerpass.org/prekeys/pkg/auth"
	"code.kerpass.org/prekeys/pkg/prekeys"
	"code.kerpass.org/prekeys/pkg/ratelimit"
)

// statusOf returns the HTTP status that reports err.
func statusOf(err error) int {
	switch {
	case nil == err:
		return http.StatusOK
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusRequestEntityTooLarge
	case utils.HasFlag(err, ErrNotFound, accounts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrKeysMismatch):
		return http.StatusConflict
	case errors.Is(err, prekeys.ErrInvalidSignature):
		return http.StatusUnprocessableEntity
	case utils.HasFlag(err, prekeys.ErrMalformed, ErrBadRequest, transport.SerializationError, transport.ValidationError):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the error response for err.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	log := observability.GetObservability(r.Context()).Log()
	if http.StatusInternalServerError == status {
		log.Error("failed processing request", zap.Error(err))
	} else {
		log.Debug("rejected request", zap.Int("status", status), zap.Error(err))
	}

	var rle *ratelimit.RateLimitedError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.FormatInt(rle.RetryAfterSeconds(), 10))
	}
	http.Error(w, http.StatusText(status), status)
}
