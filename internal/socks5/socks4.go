package socks5

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
)

// SOCKS4 reply codes.
const (
	Socks4Granted       byte = 0x5a
	Socks4Rejected      byte = 0x5b
	Socks4NoIdentd      byte = 0x5c
	Socks4IdentMismatch byte = 0x5d
)

const (
	socks4Version    = 0x04
	socks4CmdConnect = 0x01
	maxSocks4Field   = 255
)

// ClientConnect4 performs a SOCKS4 CONNECT for address on an already
// connected proxy socket. An IPv4 literal host is sent as-is. Any other host
// is passed to the proxy by name using the 4a extension when remoteResolve is
// set, and rejected otherwise.
func ClientConnect4(conn net.Conn, userID, address string, remoteResolve bool) error {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("parse port %q: %w", portStr, err)
	}
	if len(userID) > maxSocks4Field {
		return errors.New("socks4: user id too long")
	}

	req := make([]byte, 0, 9+len(userID)+len(host)+1)
	req = append(req, socks4Version, socks4CmdConnect)
	req = binary.BigEndian.AppendUint16(req, uint16(port))

	if ip, err := netip.ParseAddr(host); err == nil && ip.Unmap().Is4() {
		ip4 := ip.Unmap().As4()
		req = append(req, ip4[:]...)
		req = append(req, userID...)
		req = append(req, 0)
	} else {
		if !remoteResolve {
			return fmt.Errorf("socks4: %q is not an IPv4 address", host)
		}
		if len(host) > maxSocks4Field {
			return errors.New("socks4: host name too long")
		}
		// 0.0.0.x with x != 0 tells a 4a proxy to resolve the trailing name.
		req = append(req, 0, 0, 0, 1)
		req = append(req, userID...)
		req = append(req, 0)
		req = append(req, host...)
		req = append(req, 0)
	}

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	var rep [8]byte
	if _, err := io.ReadFull(conn, rep[:]); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep[1] != Socks4Granted {
		return &ReplyError{Version: 4, Code: rep[1], Reason: socks4Reason(rep[1])}
	}
	return nil
}

func socks4Reason(code byte) string {
	switch code {
	case Socks4Rejected:
		return "request rejected or failed"
	case Socks4NoIdentd:
		return "identd not reachable"
	case Socks4IdentMismatch:
		return "identd could not confirm user id"
	default:
		return "unknown reply"
	}
}

// Socks4Request is a parsed SOCKS4 or SOCKS4a CONNECT request.
type Socks4Request struct {
	Port   uint16
	IP     netip.Addr
	UserID string
	// Host is set for 4a requests, where IP is the 0.0.0.x marker.
	Host string
}

// Address returns the destination as host:port.
func (r *Socks4Request) Address() string {
	host := r.IP.String()
	if r.Host != "" {
		host = r.Host
	}
	return net.JoinHostPort(host, strconv.Itoa(int(r.Port)))
}

// ServerReadRequest4 reads a SOCKS4 request whose version byte has already
// been consumed.
func ServerReadRequest4(r *bufio.Reader) (*Socks4Request, error) {
	var hdr [7]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	if hdr[0] != socks4CmdConnect {
		return nil, fmt.Errorf("unsupported command: %d", hdr[0])
	}

	req := &Socks4Request{
		Port: binary.BigEndian.Uint16(hdr[1:3]),
		IP:   netip.AddrFrom4([4]byte(hdr[3:7])),
	}

	user, err := readNulTerminated(r)
	if err != nil {
		return nil, fmt.Errorf("read user id: %w", err)
	}
	req.UserID = user

	if ip4 := req.IP.As4(); ip4[0] == 0 && ip4[1] == 0 && ip4[2] == 0 && ip4[3] != 0 {
		host, err := readNulTerminated(r)
		if err != nil {
			return nil, fmt.Errorf("read host: %w", err)
		}
		req.Host = host
	}
	return req, nil
}

// WriteReply4 writes an eight-byte SOCKS4 reply with the given code.
func WriteReply4(w io.Writer, code byte) error {
	_, err := w.Write([]byte{0, code, 0, 0, 0, 0, 0, 0})
	return err
}

func readNulTerminated(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	if len(s) > maxSocks4Field+1 {
		return "", errors.New("field too long")
	}
	return s[:len(s)-1], nil
}
