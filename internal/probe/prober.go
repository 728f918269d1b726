// ABOUTME: Network reachability prober combining the OS link signal with a cached HTTP probe
// ABOUTME: Offline fast path, short-TTL result cache and a bounded-timeout HEAD request

package probe

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Defaults for the probe timing
const (
	DefaultTimeout  = 5 * time.Second
	DefaultCacheTTL = 10 * time.Second
)

const resultKey = "reachable"

// LinkSignal reports the OS-level connectivity flag. It is trusted when it says
// offline and verified with a probe when it says online.
type LinkSignal func() bool

// AlwaysUp is a LinkSignal that never reports offline
func AlwaysUp() bool { return true }

// InterfaceSignal reports online when at least one non-loopback interface is up
// and carries an address.
func InterfaceSignal() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// Config configures a Prober
type Config struct {
	BaseURL   string
	ProbePath string
	Timeout   time.Duration
	CacheTTL  time.Duration
	Signal    LinkSignal
	Client    *http.Client
	Logger    *slog.Logger
}

// Prober answers whether the server is actually reachable
type Prober struct {
	url     string
	timeout time.Duration
	signal  LinkSignal
	client  *http.Client
	results *cache.Cache
	logger  *slog.Logger
}

// New creates a Prober, filling unset fields with defaults
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Signal == nil {
		cfg.Signal = InterfaceSignal
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = "/favicon.ico"
	}

	return &Prober{
		url:     strings.TrimRight(cfg.BaseURL, "/") + cfg.ProbePath,
		timeout: cfg.Timeout,
		signal:  cfg.Signal,
		client:  cfg.Client,
		results: cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:  cfg.Logger.With("component", "probe"),
	}
}

// IsOnline reports whether the server is reachable. An offline link signal
// returns false without touching the network; otherwise a cached result younger
// than the TTL is reused, and a fresh probe runs when there is none.
func (p *Prober) IsOnline(ctx context.Context) bool {
	if !p.signal() {
		return false
	}

	if v, ok := p.results.Get(resultKey); ok {
		return v.(bool)
	}

	online := p.probe(ctx)
	if ctx.Err() != nil {
		// cut short by the caller, says nothing about the server
		return online
	}
	p.results.SetDefault(resultKey, online)
	return online
}

// Invalidate drops the cached probe result so the next IsOnline probes afresh.
// Call it whenever the link signal transitions.
func (p *Prober) Invalidate() {
	p.results.Delete(resultKey)
}

func (p *Prober) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("building probe request", "url", p.url, "error", err)
		return false
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "url", p.url, "error", err)
		return false
	}
	resp.Body.Close()

	online := resp.StatusCode < 400
	p.logger.Debug("probe complete", "status", resp.StatusCode, "online", online)
	return online
}

// Watch polls the link signal every interval and calls onChange on each
// transition. The initial state is taken at start and not reported.
// Blocks until ctx is done.
func Watch(ctx context.Context, signal LinkSignal, interval time.Duration, onChange func(online bool)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := signal()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := signal()
			if now != last {
				last = now
				onChange(now)
			}
		}
	}
}
