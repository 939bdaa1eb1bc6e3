// Package dialer provides the outbound connection strategies used by the
// agent.
//
// Each strategy implements DialContext and returns a plain TCP stream to the
// destination: a direct socket, a tunnel opened with HTTP CONNECT, or a
// stream relayed by a SOCKS4, SOCKS4a, SOCKS5 or SOCKS5h proxy. TLS to the
// destination is layered on top by the caller. The strategy is picked once,
// from the proxy descriptor, by New.
package dialer
