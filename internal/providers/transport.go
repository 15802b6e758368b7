package providers

import (
	"context"
	"net"
	"net/http"
	"time"
)

// NewHTTPClient builds the *http.Client shared by all adapters. A pooled
// client keeps idle connections per host; a plain one opens a fresh
// connection for every request. Timeouts are left to the per-attempt
// context deadline.
func NewHTTPClient(pooled bool) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if pooled {
		tr.MaxIdleConns = 100
		tr.MaxIdleConnsPerHost = 16
		tr.IdleConnTimeout = 90 * time.Second
	} else {
		tr.DisableKeepAlives = true
	}
	return &http.Client{Transport: tr}
}

// ChatWithFallback runs do with call.Model and, when retry accepts the error
// and the descriptor defines a different fallback model, once more with the
// fallback model. The second outcome is returned as is.
func ChatWithFallback(
	ctx context.Context,
	call *Call,
	retry func(error) bool,
	do func(ctx context.Context, model string) (*Result, error),
) (*Result, error) {
	res, err := do(ctx, call.Model)
	if err == nil || !retry(err) {
		return res, err
	}
	fb := call.Descriptor.FallbackModel
	if fb == "" || fb == call.Model || ctx.Err() != nil {
		return res, err
	}
	return do(ctx, fb)
}
