package dnscache_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/die-net/proxyagent/internal/dnscache"
	"github.com/die-net/proxyagent/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCache(t *testing.T, opts ...dnscache.Option) (*dnscache.Cache, *testutil.FakeResolver, *fakeClock) {
	t.Helper()

	r := testutil.NewFakeResolver()
	r.Set("example.test", "2001:db8::1", "192.0.2.1", "192.0.2.2")
	r.Set("v6only.test", "2001:db8::2")

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	opts = append([]dnscache.Option{dnscache.WithResolver(r), dnscache.WithClock(clk.Now)}, opts...)
	return dnscache.New(opts...), r, clk
}

func TestLookupCachesWithinTTL(t *testing.T) {
	t.Parallel()

	c, r, clk := newCache(t, dnscache.WithTTL(time.Second))
	ctx := context.Background()

	first, err := c.Lookup(ctx, "example.test", dnscache.LookupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Lookup(ctx, "EXAMPLE.test", dnscache.LookupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if first[0] != second[0] {
		t.Fatalf("cached result differs: %v vs %v", first, second)
	}
	if got := r.Calls("example.test"); got != 1 {
		t.Fatalf("resolver calls=%d want 1", got)
	}

	clk.Advance(1500 * time.Millisecond)
	if _, err := c.Lookup(ctx, "example.test", dnscache.LookupOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := r.Calls("example.test"); got != 2 {
		t.Fatalf("resolver calls after expiry=%d want 2", got)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestLookupErrorsNotCached(t *testing.T) {
	t.Parallel()

	c, r, _ := newCache(t)
	ctx := context.Background()
	boom := errors.New("lookup failed")
	r.Fail("flaky.test", boom)

	_, err := c.Lookup(ctx, "flaky.test", dnscache.LookupOptions{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected resolver error untouched, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failed lookup was stored")
	}

	r.Set("flaky.test", "192.0.2.9")
	addrs, err := c.Lookup(ctx, "flaky.test", dnscache.LookupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if addrs[0] != netip.MustParseAddr("192.0.2.9") {
		t.Fatalf("got %v", addrs)
	}
	if got := r.Calls("flaky.test"); got != 2 {
		t.Fatalf("resolver calls=%d want 2", got)
	}
}

func TestLookupOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		host    string
		opts    dnscache.LookupOptions
		want    []string
		wantErr bool
	}{
		{name: "ipv4 first", host: "example.test", want: []string{"192.0.2.1"}},
		{name: "all ipv4 first", host: "example.test", opts: dnscache.LookupOptions{All: true}, want: []string{"192.0.2.1", "192.0.2.2", "2001:db8::1"}},
		{name: "verbatim", host: "example.test", opts: dnscache.LookupOptions{Verbatim: true}, want: []string{"2001:db8::1"}},
		{name: "family 6", host: "example.test", opts: dnscache.LookupOptions{Family: 6}, want: []string{"2001:db8::1"}},
		{name: "family 4 all", host: "example.test", opts: dnscache.LookupOptions{Family: 4, All: true}, want: []string{"192.0.2.1", "192.0.2.2"}},
		{name: "family 4 of v6-only host", host: "v6only.test", opts: dnscache.LookupOptions{Family: 4}, wantErr: true},
		{name: "literal", host: "198.51.100.7", want: []string{"198.51.100.7"}},
		{name: "bracketed literal", host: "[::1]", want: []string{"::1"}},
		{name: "literal wrong family", host: "::1", opts: dnscache.LookupOptions{Family: 4}, wantErr: true},
		{name: "unknown host", host: "missing.test", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, _, _ := newCache(t)
			addrs, err := c.Lookup(context.Background(), tt.host, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				var dnsErr *net.DNSError
				if !errors.As(err, &dnsErr) {
					t.Fatalf("expected *net.DNSError, got %T", err)
				}
				return
			}
			if len(addrs) != len(tt.want) {
				t.Fatalf("got %v want %v", addrs, tt.want)
			}
			for i, w := range tt.want {
				if addrs[i] != netip.MustParseAddr(w) {
					t.Fatalf("got %v want %v", addrs, tt.want)
				}
			}
		})
	}
}

func TestOptionVariantsAreIndependent(t *testing.T) {
	t.Parallel()

	c, r, _ := newCache(t)
	ctx := context.Background()

	for _, o := range []dnscache.LookupOptions{{}, {Family: 4}, {All: true}, {}, {Family: 4}, {All: true}} {
		if _, err := c.Lookup(ctx, "example.test", o); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.Calls("example.test"); got != 3 {
		t.Fatalf("resolver calls=%d want 3", got)
	}
	if c.Len() != 3 {
		t.Fatalf("entries=%d want 3", c.Len())
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	c, r, _ := newCache(t)
	ctx := context.Background()

	if _, err := c.Lookup(ctx, "example.test", dnscache.LookupOptions{}); err != nil {
		t.Fatal(err)
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("entries=%d after Clear", c.Len())
	}
	if _, err := c.Lookup(ctx, "example.test", dnscache.LookupOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := r.Calls("example.test"); got != 2 {
		t.Fatalf("resolver calls=%d want 2", got)
	}
}

func TestConcurrentLookups(t *testing.T) {
	t.Parallel()

	c, r, _ := newCache(t)

	var wg sync.WaitGroup
	for range 32 {
		wg.Go(func() {
			if _, err := c.LookupOne(context.Background(), "example.test", 0); err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()

	// Misses racing before the first store may each reach singleflight, but
	// they never multiply resolver calls beyond the number of goroutines.
	if got := r.Calls("example.test"); got < 1 || got > 32 {
		t.Fatalf("resolver calls=%d", got)
	}
	if c.Len() != 1 {
		t.Fatalf("entries=%d want 1", c.Len())
	}
}

func TestResultIsACopy(t *testing.T) {
	t.Parallel()

	c, _, _ := newCache(t)
	ctx := context.Background()

	a, err := c.Lookup(ctx, "example.test", dnscache.LookupOptions{All: true})
	if err != nil {
		t.Fatal(err)
	}
	a[0] = netip.MustParseAddr("203.0.113.1")

	b, err := c.Lookup(ctx, "example.test", dnscache.LookupOptions{All: true})
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != netip.MustParseAddr("192.0.2.1") {
		t.Fatalf("cached entry was mutated: %v", b)
	}
}

// gatedResolver blocks every lookup until release is closed or the lookup
// context ends.
type gatedResolver struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedResolver() *gatedResolver {
	return &gatedResolver{started: make(chan struct{}), release: make(chan struct{})}
}

func (r *gatedResolver) LookupNetIP(ctx context.Context, _, _ string) ([]netip.Addr, error) {
	r.once.Do(func() { close(r.started) })
	select {
	case <-r.release:
		return []netip.Addr{netip.MustParseAddr("192.0.2.1")}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCancelledCallerDoesNotFailOthers(t *testing.T) {
	t.Parallel()

	r := newGatedResolver()
	c := dnscache.New(dnscache.WithResolver(r))

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	shortErr := make(chan error, 1)
	go func() {
		_, err := c.LookupOne(shortCtx, "shared.test", 0)
		shortErr <- err
	}()
	<-r.started

	type result struct {
		addr netip.Addr
		err  error
	}
	patient := make(chan result, 1)
	go func() {
		a, err := c.LookupOne(context.Background(), "shared.test", 0)
		patient <- result{a, err}
	}()

	if err := <-shortErr; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("short caller err=%v", err)
	}

	time.Sleep(100 * time.Millisecond)
	close(r.release)

	res := <-patient
	if res.err != nil {
		t.Fatalf("patient caller failed: %v", res.err)
	}
	if res.addr != netip.MustParseAddr("192.0.2.1") {
		t.Fatalf("patient caller got %v", res.addr)
	}
	if c.Len() != 1 {
		t.Fatalf("entries=%d want 1", c.Len())
	}
}

func TestLookupTimeout(t *testing.T) {
	t.Parallel()

	r := newGatedResolver()
	c := dnscache.New(dnscache.WithResolver(r), dnscache.WithLookupTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := c.LookupOne(context.Background(), "stuck.test", 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("took %v", elapsed)
	}
	if c.Len() != 0 {
		t.Fatal("failed lookup was stored")
	}
}
