package agent

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/die-net/proxyagent/internal/proxyenv"
)

// DefaultCapacity is the number of agents a Registry keeps before evicting
// the least recently used one.
const DefaultCapacity = 100

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCapacity bounds the number of memoized agents.
func WithCapacity(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithLogger sets the logger used for registry events.
func WithLogger(l *zap.SugaredLogger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// Registry memoizes agents by destination scheme, proxy identity and
// pooling options. Timeouts are not part of the identity; they are applied
// per request. A Registry is safe for concurrent use.
type Registry struct {
	capacity int
	log      *zap.SugaredLogger

	// mu serializes creation so racing Gets for one key build one Agent.
	mu     sync.Mutex
	agents *lru.Cache[string, *Agent]
}

// DefaultRegistry backs the package-level Get and Client.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		capacity: DefaultCapacity,
		log:      zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(r)
	}

	// Only fails for a non-positive size, which the option guards against.
	r.agents, _ = lru.NewWithEvict(r.capacity, func(key string, a *Agent) {
		r.log.Debugw("agent evicted", "key", redactKey(a, key))
		a.CloseIdleConnections()
	})
	return r
}

// Get returns the agent for rawURL under cfg, creating it on first use.
// It returns (nil, nil) when cfg.Disabled is set.
func (r *Registry) Get(rawURL string, cfg Config) (*Agent, error) {
	if cfg.Disabled {
		return nil, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("agent: parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	secure := scheme == "https"
	if !secure {
		scheme = "http"
	}

	cfg = cfg.Normalize()
	proxy, err := proxyenv.Resolve(cfg.proxyOptions(), scheme, hostPort(u, secure))
	if err != nil {
		return nil, err
	}
	key := agentKey(scheme, proxy, cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents.Get(key); ok {
		return a, nil
	}

	// The proxy decision for this URL is already made; the agent applies it
	// to everything it dials.
	acfg := cfg
	acfg.NoProxy = []string{}
	acfg.Proxy = Direct
	if proxy != nil {
		acfg.Proxy = proxy.String()
	}

	a, err := New(secure, acfg)
	if err != nil {
		return nil, err
	}
	r.agents.Add(key, a)
	cfg.Logger.Debugw("agent registered", "key", redactKey(a, key))
	return a, nil
}

// Client returns an *http.Client whose requests go through the shared agent
// for rawURL with cfg's own timeouts. When cfg.Disabled is set the client
// uses a plain transport that connects directly and ignores proxy
// environment variables.
func (r *Registry) Client(rawURL string, cfg Config) (*http.Client, error) {
	a, err := r.Get(rawURL, cfg)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return &http.Client{Transport: directTransport()}, nil
	}
	return &http.Client{Transport: &timeoutTransport{agent: a, timeouts: cfg.Normalize().Timeouts}}, nil
}

// Clear drops every memoized agent, closing their idle connections.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents.Purge()
}

// Len returns the number of memoized agents.
func (r *Registry) Len() int { return r.agents.Len() }

// Get returns the agent for rawURL from DefaultRegistry.
func Get(rawURL string, cfg Config) (*Agent, error) {
	return DefaultRegistry.Get(rawURL, cfg)
}

// Client returns an *http.Client backed by DefaultRegistry.
func Client(rawURL string, cfg Config) (*http.Client, error) {
	return DefaultRegistry.Client(rawURL, cfg)
}

// directTransport is shared by every disabled client so they pool
// connections together.
var directTransport = sync.OnceValue(func() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	return t
})

func agentKey(scheme string, proxy *proxyenv.Descriptor, cfg Config) string {
	id := "direct"
	if proxy != nil {
		id = proxy.String()
	}
	return fmt.Sprintf("%s|%s|family=%d|keepalive=%t|maxsockets=%d|reject=%t",
		scheme, id, cfg.Family, *cfg.KeepAlive, cfg.MaxSockets, *cfg.RejectUnauthorized)
}

// redactKey swaps the credential-bearing proxy URL in key for its redacted
// form.
func redactKey(a *Agent, key string) string {
	if p := a.Proxy(); p != nil {
		return strings.Replace(key, p.String(), p.Redacted(), 1)
	}
	return key
}

func hostPort(u *url.URL, secure bool) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if secure {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// timeoutTransport applies one caller's timeouts on top of a shared agent.
type timeoutTransport struct {
	agent    *Agent
	timeouts Timeouts
}

func (t *timeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if _, ok := req.Context().Value(timeoutsKey{}).(Timeouts); !ok {
		req = req.WithContext(WithTimeouts(req.Context(), t.timeouts))
	}
	return t.agent.RoundTrip(req)
}
