package transport

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Common errors returned by the transport.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrThrottled is returned when the shared throttle state blocks the request.
	ErrThrottled = errors.New("request blocked: throttle state critical")
)

// ErrorClass represents a classification of HTTP errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors (except 429).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 throttling responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// APIError is a directory API error with its response context.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Code       string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("directory API %s error (status %d, code %s): %s",
			e.ErrorClass, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("directory API %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// apiErrorFromBody builds an APIError from a non-2xx response, probing the
// standard error envelope for code and message.
func apiErrorFromBody(statusCode int, body []byte) *APIError {
	e := &APIError{
		StatusCode: statusCode,
		ErrorClass: classifyStatus(statusCode),
	}
	e.Code = gjson.GetBytes(body, "error.code").String()
	e.Message = gjson.GetBytes(body, "error.message").String()
	if e.Message == "" {
		e.Message = fmt.Sprintf("HTTP %d", statusCode)
	}
	return e
}

// classifyStatus categorizes a status code for observability and retry handling.
func classifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == 429:
		return ErrorClassRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyError maps any transport error to its class, defaulting to network.
func classifyError(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}
	return ErrorClassNetwork
}

// shouldRetry determines if an error class is worth retrying. 4xx responses
// are deterministic and only waste the tenant's throttling budget.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
