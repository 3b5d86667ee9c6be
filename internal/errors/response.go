package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error implements the error interface over a Code, so handlers can
// return a single value and have it mapped to a wire response at the
// top of the request pipeline.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string { return e.Message }

// New builds a Code-tagged error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails attaches wire-visible context to an error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// As unwraps an error chain looking for a *Error, mirroring errors.As.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Response is the standardized error format returned to API clients.
type Response struct {
	Error Detail `json:"error"`
}

// Detail contains the error code, message, and optional context.
type Detail struct {
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewResponse creates a standardized error response.
func NewResponse(code Code, message string, details map[string]interface{}) Response {
	return Response{
		Error: Detail{
			Code:      code,
			Message:   message,
			Retryable: code.Retryable(),
			Details:   details,
		},
	}
}

// WriteJSON writes the error response as JSON to the HTTP response writer.
func (r Response) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(r.Error.Code.HTTPStatus())
	json.NewEncoder(w).Encode(r)
}

// Write is a convenience function to write an error response in one call.
func Write(w http.ResponseWriter, code Code, message string, details map[string]interface{}) {
	NewResponse(code, message, details).WriteJSON(w)
}

// WriteErr writes an *Error (or a generic error, mapped to INTERNAL_ERROR)
// directly to the response writer.
func WriteErr(w http.ResponseWriter, err error) {
	if apiErr, ok := As(err); ok {
		Write(w, apiErr.Code, apiErr.Message, apiErr.Details)
		return
	}
	Write(w, CodeInternalError, "internal error", nil)
}
