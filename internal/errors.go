package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrProductNotFound      = errors.New("unknown product")
	ErrBadRequest           = errors.New("bad request")
	ErrModelNotSupported    = errors.New("model not supported")
	ErrModelNotAllowed      = errors.New("model not allowed")
	ErrStreamingUnsupported = errors.New("streaming is not supported")
	ErrUnsupportedCall      = errors.New("call kind not supported by provider")
	ErrRateLimited          = errors.New("rate limited")
	ErrQuotaExceeded        = errors.New("daily quota exceeded")
	ErrProviderError        = errors.New("provider error")
	ErrNoPayload            = errors.New("provider response carried no payload")
	ErrUpstreamTimeout      = errors.New("upstream timeout")
)

// StatusClientClosedRequest is logged when the caller disconnects first.
const StatusClientClosedRequest = 499

// RetryAfterError wraps a rate-limit rejection with retry guidance.
type RetryAfterError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// ErrorKind is the coarse failure category exposed to callers.
type ErrorKind int

const (
	ErrorInternal ErrorKind = iota
	ErrorClient
	ErrorAuth
	ErrorRateLimited
	ErrorUpstream
	ErrorTimeout
)

var errorKindNames = [...]string{
	ErrorInternal:    "internal_error",
	ErrorClient:      "invalid_request_error",
	ErrorAuth:        "authentication_error",
	ErrorRateLimited: "rate_limit_error",
	ErrorUpstream:    "upstream_error",
	ErrorTimeout:     "timeout_error",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return "internal_error"
}

// Classification is the caller-visible rendering of a failure.
type Classification struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
}

// Classify maps any error returned by the pipeline to its caller-visible
// classification. Vendor detail never reaches Message for upstream kinds.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return Classification{Kind: ErrorInternal, Status: http.StatusOK}
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrQuotaExceeded):
		c := Classification{Kind: ErrorRateLimited, Status: http.StatusTooManyRequests, Message: "rate limit exceeded"}
		if errors.Is(err, ErrQuotaExceeded) {
			c.Message = "daily quota exceeded"
		}
		var ra *RetryAfterError
		if errors.As(err, &ra) {
			c.RetryAfter = ra.RetryAfter
		}
		return c
	case errors.Is(err, ErrUnauthorized):
		return Classification{Kind: ErrorAuth, Status: http.StatusUnauthorized, Message: "unauthorized"}
	case errors.Is(err, ErrForbidden):
		return Classification{Kind: ErrorAuth, Status: http.StatusForbidden, Message: "credential is not valid for this product"}
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrNotFound):
		return Classification{Kind: ErrorClient, Status: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrModelNotSupported),
		errors.Is(err, ErrModelNotAllowed),
		errors.Is(err, ErrStreamingUnsupported),
		errors.Is(err, ErrUnsupportedCall):
		return Classification{Kind: ErrorClient, Status: http.StatusBadRequest, Message: err.Error()}
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return Classification{Kind: ErrorTimeout, Status: http.StatusGatewayTimeout, Message: "upstream timeout"}
	case errors.Is(err, context.Canceled):
		return Classification{Kind: ErrorClient, Status: StatusClientClosedRequest, Message: "request canceled"}
	case errors.Is(err, ErrProviderError), errors.Is(err, ErrNoPayload), isUpstream(err):
		return Classification{Kind: ErrorUpstream, Status: http.StatusBadGateway, Message: "upstream provider error"}
	default:
		return Classification{Kind: ErrorInternal, Status: http.StatusInternalServerError, Message: "internal server error"}
	}
}

// upstreamError is implemented by vendor error types (e.g. provider.APIError)
// so this package can classify them without importing the provider layer.
type upstreamError interface {
	HTTPStatus() int
}

func isUpstream(err error) bool {
	var ue upstreamError
	return errors.As(err, &ue)
}
