package socks5

import (
	"fmt"
	"syscall"
)

// ReplyError is returned when the proxy answers the handshake but refuses to
// open the tunnel.
type ReplyError struct {
	Version int
	Code    byte
	Reason  string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks%d: %s (code 0x%02x)", e.Version, e.Reason, e.Code)
}

// Unwrap reports every refusal as a refused connection.
func (e *ReplyError) Unwrap() error { return syscall.ECONNREFUSED }
