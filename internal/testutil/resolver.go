package testutil

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
)

// FakeResolver answers lookups from a static table and counts calls. It
// satisfies dnscache.Resolver.
type FakeResolver struct {
	mu    sync.Mutex
	hosts map[string][]netip.Addr
	fail  map[string]error
	calls map[string]int
}

func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		hosts: make(map[string][]netip.Addr),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

// Set registers the addresses returned for host.
func (r *FakeResolver) Set(host string, addrs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	host = strings.ToLower(host)
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, netip.MustParseAddr(a))
	}
	r.hosts[host] = out
	delete(r.fail, host)
}

// Fail makes lookups of host return err until Set is called again.
func (r *FakeResolver) Fail(host string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[strings.ToLower(host)] = err
}

// Calls returns how many times host has been resolved.
func (r *FakeResolver) Calls(host string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[strings.ToLower(host)]
}

func (r *FakeResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	host = strings.ToLower(host)
	r.calls[host]++
	if err, ok := r.fail[host]; ok {
		return nil, err
	}

	var out []netip.Addr
	for _, a := range r.hosts[host] {
		switch {
		case network == "ip4" && !a.Is4():
		case network == "ip6" && !a.Is6():
		default:
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return out, nil
}
