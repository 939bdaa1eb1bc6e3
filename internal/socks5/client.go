package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ClientDial runs the SOCKS5 negotiation and CONNECT for address on an
// already connected proxy socket. The host part of address is sent as an IP
// when it is a literal and as a domain name otherwise.
func ClientDial(conn net.Conn, auth Auth, address string) error {
	if err := ClientNegotiate(conn, auth); err != nil {
		return err
	}
	if err := ClientConnect(conn, address); err != nil {
		return err
	}
	return nil
}

func ClientNegotiate(conn net.Conn, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return &ReplyError{Version: 5, Code: neg.Method, Reason: "server requires username/password"}
		}

		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return &ReplyError{Version: 5, Code: rep.Status, Reason: "authentication failed"}
		}
		return nil
	default:
		return &ReplyError{Version: 5, Code: neg.Method, Reason: "no acceptable authentication method"}
	}
}

func ClientConnect(conn net.Conn, address string) error {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Version: 5, Code: rep.Rep, Reason: replyReason(rep.Rep)}
	}
	return nil
}

func replyReason(rep byte) string {
	switch rep {
	case txsocks5.RepServerFailure:
		return "general server failure"
	case txsocks5.RepNotAllowed:
		return "connection not allowed by ruleset"
	case txsocks5.RepNetworkUnreachable:
		return "network unreachable"
	case txsocks5.RepHostUnreachable:
		return "host unreachable"
	case txsocks5.RepConnectionRefused:
		return "connection refused"
	case txsocks5.RepTTLExpired:
		return "TTL expired"
	case txsocks5.RepCommandNotSupported:
		return "command not supported"
	case txsocks5.RepAddressNotSupported:
		return "address type not supported"
	default:
		return "connect failed"
	}
}
