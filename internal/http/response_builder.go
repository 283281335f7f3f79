package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"tally/internal/core"
	"tally/internal/log"
)

// JSONResponseBuilder assembles a JSON response with a fluent API.
type JSONResponseBuilder struct {
	statusCode int
	headers    map[string]string
	body       any
}

// NewJSONResponse starts a 200 response.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code.
func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

// Header sets a response header.
func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Body sets the value encoded as the response body.
func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.body)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorResponse creates a JSON error envelope.
func ErrorResponse(statusCode int, kind, message string) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(statusCode).
		Body(errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

// BadRequestError creates a 400 for bodies and parameters that cannot be read.
func BadRequestError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, "bad_request", message)
}

// NotFoundError creates a 404 Not Found error response.
func NotFoundError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusNotFound, string(core.KindNotFound), message)
}

// MethodNotAllowedError creates a 405 Method Not Allowed error response.
func MethodNotAllowedError() *JSONResponseBuilder {
	return ErrorResponse(http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

const dependencyRetryAfter = 30

// errorResponse maps a ledger error to its response and logs it at the level
// its kind deserves. Integrity failures never leak details to the caller.
func errorResponse(r *http.Request, op string, err error) *JSONResponseBuilder {
	ctx := r.Context()
	logger := log.FromContext(ctx)
	kind := core.KindOf(err)

	switch kind {
	case core.KindValidation:
		logger.InfoContext(ctx, "Rejected request", log.FieldOperation, op, log.FieldError, err)
		return ErrorResponse(http.StatusUnprocessableEntity, string(kind), err.Error())
	case core.KindNotFound:
		return NotFoundError(err.Error())
	case core.KindDependency:
		logger.WarnContext(ctx, "Dependency unavailable", log.FieldOperation, op, log.FieldError, err)
		return ErrorResponse(http.StatusServiceUnavailable, string(kind), "exchange rates are temporarily unavailable").
			Header("Retry-After", strconv.Itoa(dependencyRetryAfter))
	case core.KindIntegrity:
		log.NewStructuredLogger(logger.WithComponent(log.ComponentHTTP)).LogDefect(ctx, "Ledger integrity violation", err,
			log.NewFields().WithOperation(op))
		return ErrorResponse(http.StatusInternalServerError, string(kind), "the ledger is inconsistent; the incident has been logged")
	}

	if errors.Is(err, errBadRequest) {
		return BadRequestError(err.Error())
	}
	log.NewStructuredLogger(logger).LogError(ctx, "Request failed", err, log.ComponentHTTP, op, nil)
	return ErrorResponse(http.StatusInternalServerError, string(core.KindInternal), "internal error")
}
