// Package agent is a proxy-aware connection engine for outbound HTTP and
// HTTPS clients.
//
// An Agent is an http.RoundTripper. Its pooled transport dials each
// destination directly or through the configured HTTP CONNECT or SOCKS
// proxy, layers TLS for https destinations, and supervises every exchange
// with four independent timeouts:
//
//   - connection: establishing the socket, proxy handshake and TLS
//   - idle: no bytes in either direction on an established socket
//   - response: from the request being fully written to the first response byte
//   - transfer: from the first response byte until the body is read or closed
//
// Proxies come from Config.Proxy or, when that is empty, from the
// http_proxy, https_proxy, proxy and all_proxy environment variables, with
// no_proxy exclusions applied per destination.
//
// A Registry memoizes agents so that callers sharing a destination scheme,
// proxy and pooling options share one connection pool:
//
//	client, err := agent.Client("https://example.com/", agent.Config{
//		Proxy:    "socks5h://127.0.0.1:1080",
//		Timeouts: agent.Timeouts{Connection: 5 * time.Second, Response: 10 * time.Second},
//	})
//
// Every error from this package carries a stable code; see Code.
package agent
