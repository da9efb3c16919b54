// Package recovery classifies external-call failures into retry decisions.
// The managed-provider client and the remote-execution adapter judge every
// failure through the same classifier, so a broken pipe, a rate limit, or a
// protocol rejection means the same thing on both paths.
package recovery

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

// Action is what the caller may do about a failed call.
type Action int

const (
	// NoRetry: surface to the caller. Covers context cancellation, deadline
	// expiry, protocol-level rejections, and anything unrecognised (an
	// unknown error is not safe to re-run against an external system).
	NoRetry Action = iota

	// RetrySameProvider: the connection is fine, the call was unlucky.
	// Retry against the same provider after a pause.
	RetrySameProvider

	// RetryNewProvider: the transport itself broke. Rebuild the connection,
	// or move to the next candidate, before retrying.
	RetryNewProvider
)

func (a Action) String() string {
	switch a {
	case RetrySameProvider:
		return "retry_same_provider"
	case RetryNewProvider:
		return "retry_new_provider"
	default:
		return "no_retry"
	}
}

// transportMarkers are substrings of connection-level failures as surfaced
// by the net package and subprocess transports.
var transportMarkers = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"broken pipe",
	"no such host",
}

// throttleMarkers indicate the remote side pushed back on call volume.
var throttleMarkers = []string{
	"rate limit",
	"too many requests",
	"429",
}

// rejectionMarkers are JSON-RPC protocol rejections: the request itself is
// bad and will be bad again.
var rejectionMarkers = []string{
	"method not found",
	"invalid params",
	"invalid request",
	"parse error",
}

// Classify decides the recovery action for a failed call.
func Classify(err error) Action {
	if err == nil {
		return NoRetry
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			// A slow server stays slow; burning a retry on it steals time
			// from the engine's own iteration budget.
			return NoRetry
		}
		return RetryNewProvider
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return RetryNewProvider
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, transportMarkers) {
		return RetryNewProvider
	}
	if containsAny(msg, throttleMarkers) {
		return RetrySameProvider
	}
	if containsAny(msg, rejectionMarkers) {
		return NoRetry
	}
	return NoRetry
}

// ClassifyStatus decides the recovery action for an HTTP response that
// completed with a non-success status. Rate limits retry in place,
// server-side failures retry fresh, everything else is the caller's problem.
func ClassifyStatus(statusCode int) Action {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return RetrySameProvider
	case statusCode >= 500:
		return RetryNewProvider
	default:
		return NoRetry
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
