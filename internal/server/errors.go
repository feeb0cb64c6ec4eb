package server

import (
	"fmt"
	"net/http"
)

var (
	errApiNotFound              = newApiError(http.StatusNotFound, "ERR_NOT_FOUND", "not found")
	errApiInternal              = newApiError(http.StatusInternalServerError, "ERR_INTERNAL", "internal error")
	errApiUnauthorized          = newApiError(http.StatusUnauthorized, "ERR_UNAUTHORIZED", "request is not authorized")
	errApiReqContentType        = newApiError(http.StatusUnsupportedMediaType, "ERR_REQ_CONTENT_TYPE", "unsupported content type")
	errApiReqBody               = newApiError(http.StatusBadRequest, "ERR_REQ_BODY", "invalid request body")
	errApiReqBodyTooLarge       = newApiError(http.StatusRequestEntityTooLarge, "ERR_REQ_BODY_TOO_LARGE", "request body is too large")
	errApiSendBodyMissing       = newApiError(http.StatusBadRequest, "ERR_SEND_BODY_MISSING", `field "body" is missing from request`)
	errApiQueueFull             = newApiError(http.StatusTooManyRequests, "ERR_QUEUE_FULL", "the queue is full")
	errApiFilterPatternMissing  = newApiError(http.StatusBadRequest, "ERR_FILTER_PATTERN_MISSING", `field "pattern" is missing from request`)
	errApiFilterPatternInvalid  = newApiError(http.StatusBadRequest, "ERR_FILTER_PATTERN_INVALID", "pattern is not valid")
	errApiDeadLetterDisabled    = newApiError(http.StatusNotFound, "ERR_DEADLETTER_DISABLED", "dead-letter store is not enabled")
	errApiDeadLetterLimit       = newApiError(http.StatusBadRequest, "ERR_DEADLETTER_LIMIT", "parameter limit must be a non-negative integer")
	errApiDeadLetterStoreFailed = newApiError(http.StatusInternalServerError, "ERR_DEADLETTER_STORE", "dead-letter store failed")
)

type apiError struct {
	HTTPStatus int    `json:"-" msgpack:"-"`
	Code       string `json:"code" msgpack:"code"`
	Message    string `json:"message" msgpack:"message"`
}

func newApiError(httpStatus int, code string, message string) *apiError {
	return &apiError{
		HTTPStatus: httpStatus,
		Code:       code,
		Message:    message,
	}
}

// Clone returns a copy of the error with the options applied.
func (e apiError) Clone(opts ...func(*apiError)) *apiError {
	for _, o := range opts {
		o(&e)
	}
	return &e
}

// withMessagef replaces the message.
func withMessagef(format string, args ...any) func(*apiError) {
	return func(e *apiError) {
		e.Message = fmt.Sprintf(format, args...)
	}
}

// withInnerError appends the error's message.
func withInnerError(err error) func(*apiError) {
	return func(e *apiError) {
		e.Message += ": " + err.Error()
	}
}

// WriteResponse sends the error to the client, encoded as requested by the Accept header.
func (e apiError) WriteResponse(w http.ResponseWriter, r *http.Request) {
	// Ignore errors here
	_ = writeResponse(w, r, e.HTTPStatus, e)
}

// Error implements the error interface
func (e apiError) Error() string {
	return fmt.Sprintf("API error (%s): %s", e.Code, e.Message)
}
