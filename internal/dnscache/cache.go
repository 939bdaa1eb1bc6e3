// Package dnscache caches hostname lookups for a fixed TTL.
//
// Entries are keyed by the hostname together with the lookup options, so a
// family-4 lookup and an all-families lookup of the same name are stored
// independently. Failed lookups are never stored. Concurrent misses for the
// same key share a single resolver call.
package dnscache

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a successful lookup is reused.
const DefaultTTL = 5 * time.Minute

// DefaultLookupTimeout bounds a single resolver call shared by concurrent
// callers.
const DefaultLookupTimeout = 30 * time.Second

// Resolver is the lookup backend. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// LookupOptions select which addresses a lookup returns.
type LookupOptions struct {
	// Family restricts results to IPv4 (4) or IPv6 (6). Zero means either.
	Family int
	// All returns every address instead of just the first.
	All bool
	// Verbatim keeps the resolver's ordering instead of placing IPv4 first.
	Verbatim bool
}

func (o LookupOptions) network() string {
	switch o.Family {
	case 4:
		return "ip4"
	case 6:
		return "ip6"
	default:
		return "ip"
	}
}

// Stats are monotonic counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Errors  uint64
	Entries int
}

type entry struct {
	addrs     []netip.Addr
	expiresAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the entry lifetime. Non-positive values keep the default.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithLookupTimeout bounds each resolver call. Non-positive values keep the
// default.
func WithLookupTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.lookupTimeout = d
		}
	}
}

// WithResolver replaces the lookup backend.
func WithResolver(r Resolver) Option { return func(c *Cache) { c.resolver = r } }

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// Cache is a TTL cache of hostname lookups. It is safe for concurrent use.
type Cache struct {
	ttl           time.Duration
	lookupTimeout time.Duration
	resolver      Resolver
	now           func() time.Time

	store *cache.Cache
	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
}

// Default is the process-wide cache used when no explicit instance is given.
var Default = New()

// New returns a cache using net.DefaultResolver and DefaultTTL unless
// overridden.
func New(opts ...Option) *Cache {
	c := &Cache{
		ttl:           DefaultTTL,
		lookupTimeout: DefaultLookupTimeout,
		resolver:      net.DefaultResolver,
		now:           time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	// go-cache expires on wall-clock time; the janitor keeps abandoned
	// entries from accumulating. Freshness is decided by entry.expiresAt.
	c.store = cache.New(c.ttl, 2*c.ttl)
	return c
}

func cacheKey(host string, o LookupOptions) string {
	return fmt.Sprintf("%s|%d|%t|%t", host, o.Family, o.All, o.Verbatim)
}

// Lookup resolves host, serving a stored result when one is fresh.
//
// Without opts.All the returned slice has exactly one element. Resolver
// errors are returned unchanged and are not stored.
func (c *Cache) Lookup(ctx context.Context, host string, opts LookupOptions) ([]netip.Addr, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if opts.Family != 4 && opts.Family != 6 {
		opts.Family = 0
	}

	// Literals never touch the resolver.
	if ip, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		ip = ip.Unmap()
		if !familyMatches(ip, opts.Family) {
			return nil, &net.DNSError{Err: "no suitable address found", Name: host, IsNotFound: true}
		}
		return []netip.Addr{ip}, nil
	}

	key := cacheKey(host, opts)
	if v, ok := c.store.Get(key); ok {
		if e := v.(entry); c.now().Before(e.expiresAt) {
			c.hits.Add(1)
			return slices.Clone(e.addrs), nil
		}
		c.store.Delete(key)
	}
	c.misses.Add(1)

	// The shared lookup outlives any one caller; each caller stops waiting
	// when its own context ends.
	lctx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(lctx, c.lookupTimeout)
		defer cancel()

		addrs, err := c.resolve(rctx, host, opts)
		if err != nil {
			return nil, err
		}
		c.store.Set(key, entry{addrs: addrs, expiresAt: c.now().Add(c.ttl)}, c.ttl)
		return addrs, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			c.errors.Add(1)
			return nil, r.Err
		}
		return slices.Clone(r.Val.([]netip.Addr)), nil
	case <-ctx.Done():
		c.errors.Add(1)
		return nil, context.Cause(ctx)
	}
}

// LookupOne returns the first address Lookup would return.
func (c *Cache) LookupOne(ctx context.Context, host string, family int) (netip.Addr, error) {
	addrs, err := c.Lookup(ctx, host, LookupOptions{Family: family})
	if err != nil {
		return netip.Addr{}, err
	}
	return addrs[0], nil
}

func (c *Cache) resolve(ctx context.Context, host string, opts LookupOptions) ([]netip.Addr, error) {
	raw, err := c.resolver.LookupNetIP(ctx, opts.network(), host)
	if err != nil {
		return nil, err
	}

	addrs := make([]netip.Addr, 0, len(raw))
	for _, a := range raw {
		a = a.Unmap()
		if a.IsValid() && familyMatches(a, opts.Family) {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no suitable address found", Name: host, IsNotFound: true}
	}

	if !opts.Verbatim {
		slices.SortStableFunc(addrs, func(a, b netip.Addr) int {
			return cmp.Compare(familyRank(a), familyRank(b))
		})
	}
	if !opts.All {
		addrs = addrs[:1]
	}
	return addrs, nil
}

func familyMatches(a netip.Addr, family int) bool {
	switch family {
	case 4:
		return a.Is4()
	case 6:
		return a.Is6()
	default:
		return true
	}
}

func familyRank(a netip.Addr) int {
	if a.Is4() {
		return 0
	}
	return 1
}

// Clear drops every entry.
func (c *Cache) Clear() { c.store.Flush() }

// Len returns the number of stored entries, including ones past their TTL
// that have not been read since.
func (c *Cache) Len() int { return c.store.ItemCount() }

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Errors:  c.errors.Load(),
		Entries: c.store.ItemCount(),
	}
}
