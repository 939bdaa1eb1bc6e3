package socks5

import (
	"fmt"
	"io"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// ServerHandshake runs the relay side of a SOCKS5 CONNECT up to the point
// where the destination must be dialed. It negotiates a method, checks
// credentials when auth.Username is set, and reads the request. Any command
// other than CONNECT is answered with "command not supported" and returned
// as an error. rw must not have had the version byte consumed.
//
// The loopback proxy fixtures use it to drive ClientDial end to end.
func ServerHandshake(rw io.ReadWriter, auth Auth) (*txsocks5.Request, error) {
	if err := negotiate(rw, auth); err != nil {
		return nil, err
	}

	req, err := txsocks5.NewRequestFrom(rw)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if req.Cmd != txsocks5.CmdConnect {
		_, _ = zeroAddrReply(txsocks5.RepCommandNotSupported, req.Atyp).WriteTo(rw)
		return nil, fmt.Errorf("unsupported command %#x", req.Cmd)
	}
	return req, nil
}

func negotiate(rw io.ReadWriter, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(rw)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	method := txsocks5.MethodNone
	if auth.Username != "" {
		method = txsocks5.MethodUsernamePassword
	}
	if !slices.Contains(neg.Methods, method) {
		// RFC 1928: 0xFF means no acceptable methods.
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(rw)
		return fmt.Errorf("client did not offer method %#x", method)
	}
	if _, err := txsocks5.NewNegotiationReply(method).WriteTo(rw); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	if method == txsocks5.MethodNone {
		return nil
	}

	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(rw)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	status := txsocks5.UserPassStatusSuccess
	if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
		status = txsocks5.UserPassStatusFailure
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(status).WriteTo(rw); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	if status != txsocks5.UserPassStatusSuccess {
		return fmt.Errorf("auth failed for %q", auth.Username)
	}
	return nil
}
