package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error is the failure value carried from the service layer to the HTTP
// layer. It pairs the machine-readable code with the human hint and any
// forwarded upstream material (exchange reply bodies in particular).
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}

	// ExchangeStatus and ExchangeBody carry a verbatim upstream exchange
	// reply when the failure originates there. ExchangeBody is forwarded
	// to the wallet only when it is valid JSON.
	ExchangeStatus int
	ExchangeBody   json.RawMessage
}

// New creates a service-layer error.
func New(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a single detail field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithExchangeReply attaches the upstream exchange status and body.
func (e *Error) WithExchangeReply(status int, body json.RawMessage) *Error {
	e.ExchangeStatus = status
	e.ExchangeBody = body
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Code.Numeric(), e.Message)
}

// ErrorResponse is the standardized error format returned to clients.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code, numeric code, message, and
// optional context.
type ErrorDetail struct {
	Code          ErrorCode              `json:"code"`                     // Machine-readable error code
	NumericCode   int                    `json:"ec"`                       // Stable numeric error code
	Message       string                 `json:"message"`                  // Human-readable hint
	Retryable     bool                   `json:"retryable"`                // Whether the client should retry
	Details       map[string]interface{} `json:"details,omitempty"`        // Optional context
	ExchangeHTTP  int                    `json:"exchange_http,omitempty"`  // Upstream exchange HTTP status
	ExchangeReply json.RawMessage        `json:"exchange_reply,omitempty"` // Forwarded upstream JSON body
}

// NewErrorResponse creates a standardized error response.
func NewErrorResponse(code ErrorCode, message string, details map[string]interface{}) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:        code,
			NumericCode: code.Numeric(),
			Message:     message,
			Retryable:   code.IsRetryable(),
			Details:     details,
		},
	}
}

// WriteJSON writes the error response as JSON to the HTTP response writer.
func (e ErrorResponse) WriteJSON(w http.ResponseWriter) {
	status := e.Error.Code.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// Write renders a service-layer error as the standard response shape.
func (e *Error) Write(w http.ResponseWriter) {
	resp := NewErrorResponse(e.Code, e.Message, e.Details)
	resp.Error.ExchangeHTTP = e.ExchangeStatus
	if json.Valid(e.ExchangeBody) {
		resp.Error.ExchangeReply = e.ExchangeBody
	}
	resp.WriteJSON(w)
}

// WriteError is a convenience function to write an error response in one call.
func WriteError(w http.ResponseWriter, code ErrorCode, message string, details map[string]interface{}) {
	NewErrorResponse(code, message, details).WriteJSON(w)
}

// WriteSimpleError writes an error with no additional details.
func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	WriteError(w, code, message, nil)
}

// WriteErrorWithDetail writes an error with a single detail field.
func WriteErrorWithDetail(w http.ResponseWriter, code ErrorCode, message string, key string, value interface{}) {
	WriteError(w, code, message, map[string]interface{}{key: value})
}
