// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInvalidToken      = "invalid_token"
	CodeForbidden         = "forbidden"
	CodeTeamNotFound      = "team_not_found"
	CodeUserNotFound      = "user_not_found"
	CodeUnknownModel      = "unknown_model"
	CodeNoDeployment      = "no_available_deployment"
	CodeMaskingError      = "masking_error"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteAuth writes a 401 authentication error.
func WriteAuth(ctx *fasthttp.RequestCtx, msg, code string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, code)
}

// WriteForbidden writes a 403 permission error.
func WriteForbidden(ctx *fasthttp.RequestCtx, msg, code string) {
	Write(ctx, fasthttp.StatusForbidden, msg, TypePermissionError, code)
}

// WriteUnknownModel writes a 400 for a model with no registered deployments.
func WriteUnknownModel(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeUnknownModel)
}

// WriteNoDeployment writes a 429 when every deployment is over quota.
// Retryable by the caller once the minute bucket rolls over.
func WriteNoDeployment(ctx *fasthttp.RequestCtx, msg string) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeNoDeployment)
}

// WriteProviderError maps a backend HTTP status to the appropriate gateway status.
//
//	Backend 429  → 429 + Retry-After: 60
//	Backend 5xx  → 502
//	Timeout      → 504
//	Default      → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "backend request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
