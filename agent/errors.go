package agent

import "github.com/die-net/proxyagent/internal/proxyerr"

type (
	InvalidProxyProtocolError = proxyerr.InvalidProxyProtocolError
	InvalidProxyResponseError = proxyerr.InvalidProxyResponseError
	ConnectionTimeoutError    = proxyerr.ConnectionTimeoutError
	IdleTimeoutError          = proxyerr.IdleTimeoutError
	ResponseTimeoutError      = proxyerr.ResponseTimeoutError
	TransferTimeoutError      = proxyerr.TransferTimeoutError
	RequestContext            = proxyerr.RequestContext
)

const (
	CodeInvalidProxy    = proxyerr.CodeInvalidProxy
	CodeInvalidResponse = proxyerr.CodeInvalidResponse
	CodeConnTimeout     = proxyerr.CodeConnTimeout
	CodeIdleTimeout     = proxyerr.CodeIdleTimeout
	CodeResponseTimeout = proxyerr.CodeResponseTimeout
	CodeTransferTimeout = proxyerr.CodeTransferTimeout
	CodeConnRefused     = proxyerr.CodeConnRefused
	CodeTimedOut        = proxyerr.CodeTimedOut
	CodeUnknown         = proxyerr.CodeUnknown
)

// Code returns the stable error code carried by err, such as
// "ECONNECTIONTIMEOUT". Native refused and timed out errors map to
// "ECONNREFUSED" and "ETIMEDOUT"; anything else is "EUNKNOWN".
func Code(err error) string { return proxyerr.Code(err) }

// IsTimeout reports whether err is a connection, idle, response or transfer
// timeout.
func IsTimeout(err error) bool { return proxyerr.IsTimeout(err) }
