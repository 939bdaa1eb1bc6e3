package socks5

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	txsocks5 "github.com/txthinking/socks5"
)

// Auth holds SOCKS credentials. For SOCKS4 only Username is used, as the
// user id.
type Auth struct {
	Username string
	Password string
}

// WriteFailureReply answers a CONNECT whose destination could not be dialed,
// choosing the reply code from dialErr so the client sees the same failure
// the relay did.
func WriteFailureReply(w io.Writer, atyp byte, dialErr error) error {
	if _, err := zeroAddrReply(failureCode(dialErr), atyp).WriteTo(w); err != nil {
		return fmt.Errorf("failure reply: %w", err)
	}
	return nil
}

func failureCode(err error) byte {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return txsocks5.RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return txsocks5.RepNetworkUnreachable
	case errors.As(err, &dnsErr), errors.Is(err, syscall.EHOSTUNREACH):
		return txsocks5.RepHostUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		return txsocks5.RepTTLExpired
	default:
		return txsocks5.RepServerFailure
	}
}

// WriteSuccessReply grants a CONNECT, reporting bound as the relay's address.
func WriteSuccessReply(w io.Writer, bound net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(bound.String())
	if err != nil {
		return fmt.Errorf("parse bound address %q: %w", bound.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(w); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func zeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}
