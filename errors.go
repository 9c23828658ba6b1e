package ksis

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyRequest is returned when the client closed or timed out
	// before sending a single byte.
	ErrEmptyRequest = errors.New("empty request")

	// ErrMalformedRequest is returned when the request line is neither an
	// absolute-URI request nor a CONNECT request.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrRequestTooLarge is returned when the client sends more than the
	// configured maximum before the request is complete.
	ErrRequestTooLarge = errors.New("request too large")

	// ErrUnsupportedTunnel is returned for CONNECT requests.
	ErrUnsupportedTunnel = errors.New("CONNECT tunneling not supported")

	// ErrBlocked is recorded when the blacklist rejects a target.
	ErrBlocked = errors.New("blocked by blacklist")

	// ErrBind is returned when the listening socket cannot be acquired.
	ErrBind = errors.New("bind")

	// ErrProxyClosed is returned by Serve after Shutdown.
	ErrProxyClosed = errors.New("proxy closed")
)

// UpstreamError describes a failure talking to the upstream server.
// Stage is one of "connect", "send" or "read".
type UpstreamError struct {
	Host  string
	Port  int
	Stage string
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Stage, e.Addr(), e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Addr returns the host:port that was attempted.
func (e *UpstreamError) Addr() string {
	return joinHostPort(e.Host, e.Port)
}
