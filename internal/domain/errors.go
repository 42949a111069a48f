package domain

import "errors"

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnsupportedModel  = errors.New("unsupported model")
	ErrNoCookieAvailable = errors.New("no cookie available")
	ErrNoProxyAvailable  = errors.New("no proxy available")
	ErrStreamClosed      = errors.New("stream closed")
	ErrStreamTimeout     = errors.New("stream timeout")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrUnauthorized      = errors.New("unauthorized")
)
