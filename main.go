package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/proxyagent/agent"
	"github.com/die-net/proxyagent/internal/dnscache"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", agent.Code(err), err)
		os.Exit(1)
	}
}

type options struct {
	cfg      agent.Config
	dnsTTL   time.Duration
	verbose  bool
	logFile  string
	output   string
	parallel int
	urls     []string
}

func parseFlags(args []string) (*options, error) {
	fs := pflag.NewFlagSet("proxyagent", pflag.ContinueOnError)
	fs.SortFlags = false

	var (
		proxy             = fs.String("proxy", "", "Proxy URL: direct:// | http://[user:pass@]host:port | https://... | socks[4|4a|5|5h]://[user:pass@]host:port. Empty uses the environment.")
		noProxy           = fs.StringSlice("no-proxy", nil, "Hosts reached without the proxy (comma separated). Unset uses no_proxy.")
		connectionTimeout = fs.Duration("connection-timeout", 0, "Timeout for dial, proxy handshake and TLS handshake. 0 disables.")
		idleTimeout       = fs.Duration("idle-timeout", 0, "Timeout for a socket with no reads or writes. 0 disables.")
		responseTimeout   = fs.Duration("response-timeout", 0, "Timeout for the first response byte after the request is sent. 0 disables.")
		transferTimeout   = fs.Duration("transfer-timeout", 0, "Timeout for receiving the response body. 0 disables.")
		legacyTimeout     = fs.Duration("timeout", 0, "Alias for --idle-timeout")
		keepAlive         = fs.Bool("keepalive", true, "Reuse connections and enable TCP keep-alive")
		family            = fs.Int("family", 0, "Restrict name resolution to IPv4 (4) or IPv6 (6)")
		maxSockets        = fs.Int("max-sockets", agent.DefaultMaxSockets, "Maximum concurrent connections per host")
		insecure          = fs.Bool("insecure", false, "Skip TLS certificate verification for destinations and https proxies")
		dnsTTL            = fs.Duration("dns-ttl", dnscache.DefaultTTL, "How long resolved addresses are cached")
		verbose           = fs.Bool("verbose", false, "Enable debug logging")
		logFile           = fs.String("log-file", "", "Write logs to this file, rotated. Empty logs to stderr.")
		output            = fs.String("output", "", "Write response bodies to this file, '-' for stdout. Empty discards them.")
		parallel          = fs.Int("parallel", 8, "Maximum URLs fetched at once")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() == 0 {
		return nil, errors.New("usage: proxyagent [flags] URL...")
	}
	if *family != 0 && *family != 4 && *family != 6 {
		return nil, fmt.Errorf("invalid --family %d: expected 0, 4 or 6", *family)
	}
	if *parallel <= 0 {
		return nil, fmt.Errorf("invalid --parallel %d: must be > 0", *parallel)
	}

	o := &options{
		cfg: agent.Config{
			Proxy: *proxy,
			Timeouts: agent.Timeouts{
				Connection: *connectionTimeout,
				Idle:       *idleTimeout,
				Response:   *responseTimeout,
				Transfer:   *transferTimeout,
			},
			Timeout:            *legacyTimeout,
			KeepAlive:          keepAlive,
			Family:             *family,
			MaxSockets:         *maxSockets,
			RejectUnauthorized: agent.Bool(!*insecure),
		},
		dnsTTL:   *dnsTTL,
		verbose:  *verbose,
		logFile:  *logFile,
		output:   *output,
		parallel: *parallel,
		urls:     fs.Args(),
	}
	if fs.Changed("no-proxy") {
		o.cfg.NoProxy = append([]string{}, *noProxy...)
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	log := initLogger(o.verbose, o.logFile)
	defer func() { _ = log.Sync() }()

	o.cfg.DNS = dnscache.New(dnscache.WithTTL(o.dnsTTL))
	o.cfg.Logger = log

	out, closeOut, err := openOutput(o.output, stdout)
	if err != nil {
		return err
	}
	defer closeOut()

	reg := agent.NewRegistry(agent.WithLogger(log))
	defer reg.Clear()

	f := &fetcher{reg: reg, cfg: o.cfg, log: log, stdout: stdout, out: out}

	var g errgroup.Group
	g.SetLimit(o.parallel)
	for _, u := range o.urls {
		g.Go(func() error { return f.fetch(ctx, u) })
	}
	return g.Wait()
}

// fetcher retrieves URLs and reports one line per URL.
type fetcher struct {
	reg *agent.Registry
	cfg agent.Config
	log *zap.SugaredLogger

	mu     sync.Mutex
	stdout io.Writer
	out    io.Writer
}

func (f *fetcher) fetch(ctx context.Context, rawURL string) error {
	status, body, err := f.get(ctx, rawURL)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err != nil {
		f.log.Debugw("fetch failed", "url", rawURL, "code", agent.Code(err), "error", err)
		fmt.Fprintf(f.stdout, "%s %s %v\n", agent.Code(err), rawURL, err)
		return fmt.Errorf("%s: %w", rawURL, err)
	}

	fmt.Fprintf(f.stdout, "%d %s %d\n", status, rawURL, len(body))
	if _, err := f.out.Write(body); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func (f *fetcher) get(ctx context.Context, rawURL string) (int, []byte, error) {
	client, err := f.reg.Client(rawURL, f.cfg)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func openOutput(path string, stdout io.Writer) (io.Writer, func(), error) {
	switch path {
	case "":
		return io.Discard, func() {}, nil
	case "-":
		return stdout, func() {}, nil
	}
	fh, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("output: %w", err)
	}
	return fh, func() { _ = fh.Close() }, nil
}
