package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	ErrorType       string                 `json:"errorType"`
	Message         string                 `json:"message"`
	DetailedMessage string                 `json:"detailedMessage,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
}

// StatusCode maps an engine error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case engine.IsValidationError(err):
		return http.StatusBadRequest
	case engine.CodeOf(err) == engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.CodeOf(err) == engine.ErrCodePolicyDenied:
		return http.StatusForbidden
	case engine.CodeOf(err) == engine.ErrCodeSubmissionRejected:
		return http.StatusBadGateway
	case engine.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewErrorResponse builds the response body for err. Errors that are not
// engine errors are reported without their text.
func NewErrorResponse(err error) ErrorResponse {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return ErrorResponse{ErrorType: engine.ErrorType(err), Message: "internal error"}
	}

	resp := ErrorResponse{
		ErrorType: engine.ErrorType(err),
		Message:   ee.Message,
		Details:   ee.Details,
	}
	if ee.Err != nil {
		resp.DetailedMessage = ee.Err.Error()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusCode(err), NewErrorResponse(err))
}
