package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEmptyResponse is returned when an upstream answers 2xx without text.
	ErrEmptyResponse = errors.New("empty response")

	// ErrExhausted marks a dispatch where every candidate failed or was
	// unavailable. It is recorded in Result.Error and never returned.
	ErrExhausted = errors.New("no provider available")

	// ErrUnknownFormat is a programming error: a descriptor names a format
	// with no registered adapter.
	ErrUnknownFormat = errors.New("unknown provider format")

	// ErrUnknownProvider is a programming error: the caller asked for a
	// provider id that is not in the registry.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrStreamingUnsupported is returned when a stream is requested from an
	// adapter that cannot stream.
	ErrStreamingUnsupported = errors.New("streaming not supported")
)

// ConfigurationError reports a backend that cannot be called because its
// credential variable is empty.
type ConfigurationError struct {
	Provider string
	Env      string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: credential %s is not set", e.Provider, e.Env)
}

// ProviderError is a structured upstream failure (transport or non-2xx).
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// StatusOf returns the upstream HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// IsRateLimited reports whether err is an upstream 429.
func IsRateLimited(err error) bool {
	return StatusOf(err) == http.StatusTooManyRequests
}

// IsNotOK reports whether err carries any non-2xx upstream status.
func IsNotOK(err error) bool {
	s := StatusOf(err)
	return s != 0 && (s < 200 || s > 299)
}

// Classify converts an error into a short category used in log fields and
// metrics labels.
func Classify(err error) string {
	var cfgErr *ConfigurationError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrEmptyResponse):
		return "empty"
	case errors.As(err, &cfgErr):
		return "unconfigured"
	}
	if s := StatusOf(err); s != 0 {
		return fmt.Sprintf("http_%d", s)
	}
	return "unknown"
}
