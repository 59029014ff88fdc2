package transport

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/civiclegal/referralflow/model"
)

// statusForCode maps envelope error codes to HTTP status codes. Codes not
// listed here fall through to 500.
var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrConflict:            http.StatusConflict,
	model.ErrValidationError:     http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:   http.StatusUnprocessableEntity,
	model.ErrMisconfiguredRule:   http.StatusInternalServerError,
	model.ErrSendFailure:         http.StatusBadGateway,
	model.ErrJobExecutionFailure: http.StatusInternalServerError,
	model.ErrInternalError:       http.StatusInternalServerError,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError writes an error as a JSON envelope. Unknown error types are
// masked behind a generic internal error so internals never leak to clients.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	env, ok := err.(*model.ErrorEnvelope)
	if !ok {
		logger.Error("unhandled error", zap.Error(err))
		env = model.NewInternalError()
	}

	status, found := statusForCode[env.Code]
	if !found {
		status = http.StatusInternalServerError
	}

	WriteJSON(w, status, errorResponse{Error: env})
}
