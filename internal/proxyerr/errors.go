// Package proxyerr defines the error taxonomy shared by the dialers, the
// timeout orchestrator and the agent.
//
// Every error carries a stable machine-readable code. Low-level socket errors
// are never converted into these types; they are wrapped with %w so callers
// can still reach them with errors.Is and errors.As.
package proxyerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Stable error codes.
const (
	CodeInvalidProxy    = "EINVALIDPROXY"
	CodeInvalidResponse = "EINVALIDRESPONSE"
	CodeConnTimeout     = "ECONNECTIONTIMEOUT"
	CodeIdleTimeout     = "EIDLETIMEOUT"
	CodeResponseTimeout = "ERESPONSETIMEOUT"
	CodeTransferTimeout = "ETRANSFERTIMEOUT"
	CodeConnRefused     = "ECONNREFUSED"
	CodeTimedOut        = "ETIMEDOUT"
	CodeUnknown         = "EUNKNOWN"
)

// Coder is implemented by every error in this package.
type Coder interface {
	error
	Code() string
}

// InvalidProxyProtocolError reports a proxy URL whose scheme is not supported.
type InvalidProxyProtocolError struct {
	Protocol string
}

func (e *InvalidProxyProtocolError) Error() string {
	return fmt.Sprintf("invalid proxy protocol: %q", e.Protocol)
}

func (e *InvalidProxyProtocolError) Code() string { return CodeInvalidProxy }

// InvalidProxyResponseError reports a CONNECT response other than 200.
type InvalidProxyResponseError struct {
	StatusCode int
}

func (e *InvalidProxyResponseError) Error() string {
	return fmt.Sprintf("invalid proxy response: %d", e.StatusCode)
}

func (e *InvalidProxyResponseError) Code() string { return CodeInvalidResponse }

// ConnectionTimeoutError reports a dial or proxy handshake that did not
// finish in time. Host is the peer being waited on.
type ConnectionTimeoutError struct {
	Host string
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("timeout connecting to host: %s", e.Host)
}

func (e *ConnectionTimeoutError) Code() string { return CodeConnTimeout }
func (e *ConnectionTimeoutError) Timeout() bool { return true }
func (e *ConnectionTimeoutError) Temporary() bool { return false }

// IdleTimeoutError reports an established socket that saw no activity for
// longer than the idle timeout.
type IdleTimeoutError struct {
	Host string
}

func (e *IdleTimeoutError) Error() string {
	return fmt.Sprintf("idle timeout reached for host: %s", e.Host)
}

func (e *IdleTimeoutError) Code() string { return CodeIdleTimeout }
func (e *IdleTimeoutError) Timeout() bool { return true }
func (e *IdleTimeoutError) Temporary() bool { return false }

// RequestContext describes the in-flight request a response or transfer
// timeout fired for.
type RequestContext struct {
	// Host is the origin the request was sent to.
	Host string
	// Proxy is the redacted proxy URL, empty when the request was direct.
	Proxy string
	// RequestHost and Path identify the request target.
	RequestHost string
	Path        string
}

func (c RequestContext) describe() string {
	if c.Proxy == "" {
		return c.Host
	}
	return fmt.Sprintf("%s (via %s, %s%s)", c.Host, c.Proxy, c.RequestHost, c.Path)
}

// ResponseTimeoutError reports that no response arrived in time after the
// request was fully written.
type ResponseTimeoutError struct {
	RequestContext
}

func (e *ResponseTimeoutError) Error() string {
	return "response timeout from host: " + e.describe()
}

func (e *ResponseTimeoutError) Code() string { return CodeResponseTimeout }
func (e *ResponseTimeoutError) Timeout() bool { return true }
func (e *ResponseTimeoutError) Temporary() bool { return false }

// TransferTimeoutError reports a response body that was not delivered in
// time.
type TransferTimeoutError struct {
	RequestContext
}

func (e *TransferTimeoutError) Error() string {
	return "transfer timeout from host: " + e.describe()
}

func (e *TransferTimeoutError) Code() string { return CodeTransferTimeout }
func (e *TransferTimeoutError) Timeout() bool { return true }
func (e *TransferTimeoutError) Temporary() bool { return false }

// Code returns the stable code for err. Errors outside the taxonomy map to
// ECONNREFUSED or ETIMEDOUT when they wrap those conditions.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return CodeConnRefused
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return CodeTimedOut
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CodeTimedOut
	}
	return CodeUnknown
}

// IsTimeout reports whether err is one of the four timeout classes.
func IsTimeout(err error) bool {
	switch Code(err) {
	case CodeConnTimeout, CodeIdleTimeout, CodeResponseTimeout, CodeTransferTimeout:
		return true
	}
	return false
}
