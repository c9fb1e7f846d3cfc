// Package response provides standardized HTTP response structures and
// utilities for the performance API layer.
package response

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ErrorCode represents standardized error codes for the API
type ErrorCode string

const (
	ErrorCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrorCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrorCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrorCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	ErrorCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error     ErrorDetails `json:"error"`
	Timestamp string       `json:"timestamp"`
	RequestID string       `json:"request_id,omitempty"`
}

// ErrorDetails contains detailed error information
type ErrorDetails struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// SuccessResponse represents a standardized success response
type SuccessResponse struct {
	Data      interface{} `json:"data"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// RateLimitRejection is the 429 body. The shape is load-bearing for
// API clients implementing backoff: resetTime and retryAfter tell them
// exactly when to come back.
type RateLimitRejection struct {
	Error   string           `json:"error"`
	Code    ErrorCode        `json:"code"`
	Details RateLimitDetails `json:"details"`
}

// RateLimitDetails carries the retry metadata for a rejected request.
type RateLimitDetails struct {
	Limit       int    `json:"limit"`
	ResetTime   int64  `json:"resetTime"`
	RetryAfter  int    `json:"retryAfter"`
	Tier        string `json:"tier"`
	UpgradeHint string `json:"upgradeHint,omitempty"`
}

// WriteError writes a standardized error response
func WriteError(w http.ResponseWriter, statusCode int, code ErrorCode, message string, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorDetails := ErrorDetails{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		errorDetails.Details = details[0]
	}

	response := ErrorResponse{
		Error:     errorDetails,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: w.Header().Get("X-Request-ID"),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// WriteSuccess writes a standardized success response
func WriteSuccess(w http.ResponseWriter, data interface{}, message ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := SuccessResponse{
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if len(message) > 0 {
		response.Message = message[0]
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		WriteError(w, http.StatusInternalServerError, ErrorCodeInternalError, "Failed to encode response")
	}
}

// WriteRateLimited writes the 429 rejection with its retry metadata.
// The Retry-After header mirrors details.retryAfter.
func WriteRateLimited(w http.ResponseWriter, message string, details RateLimitDetails) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(details.RetryAfter))
	w.WriteHeader(http.StatusTooManyRequests)

	body := RateLimitRejection{
		Error:   message,
		Code:    ErrorCodeRateLimitExceeded,
		Details: details,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
	}
}

// WriteInternalError writes a 500 without leaking internal detail.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrorCodeInternalError, message)
}

// WriteBadRequest writes a 400 Bad Request error
func WriteBadRequest(w http.ResponseWriter, message string, details ...string) {
	WriteError(w, http.StatusBadRequest, ErrorCodeBadRequest, message, details...)
}

// WriteNotFound writes a 404 Not Found error
func WriteNotFound(w http.ResponseWriter, message string, details ...string) {
	WriteError(w, http.StatusNotFound, ErrorCodeNotFound, message, details...)
}

// WriteServiceUnavailable writes a 503 Service Unavailable error
func WriteServiceUnavailable(w http.ResponseWriter, message string, details ...string) {
	WriteError(w, http.StatusServiceUnavailable, ErrorCodeServiceUnavailable, message, details...)
}
