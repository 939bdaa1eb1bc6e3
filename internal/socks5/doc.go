// Package socks5 implements the client side of the SOCKS CONNECT handshake
// (versions 4, 4a and 5) plus the minimal server-side helpers the test
// fixtures need.
//
// SOCKS5 framing is delegated to github.com/txthinking/socks5. SOCKS4 is a
// fixed-layout request and an eight-byte reply, so it is written directly.
//
// A proxy that refuses a request, rejects credentials or offers no usable
// auth method produces a *ReplyError, which matches syscall.ECONNREFUSED
// under errors.Is. Transport errors are wrapped unchanged.
package socks5
