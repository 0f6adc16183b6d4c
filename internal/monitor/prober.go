package monitor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

const (
	defaultProbeInterval = 5 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober stands in for the browser's online/offline events: it dials the
// server host periodically and reports reachability to the Monitor.
type Prober struct {
	Address  string
	Interval time.Duration
	Timeout  time.Duration
	Dial     DialFunc
}

// NewProber builds a prober for the host of serverURL. The port defaults
// to the scheme's well-known port.
func NewProber(serverURL string, interval time.Duration) (*Prober, error) {
	addr, err := hostPort(serverURL)
	if err != nil {
		return nil, err
	}
	return &Prober{Address: addr, Interval: interval}, nil
}

// Probe performs one reachability check.
func (p *Prober) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	dial := p.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dial(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context, m *Monitor) {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		online := p.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if online != m.Online() {
			m.SetOnline(online)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func hostPort(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", serverURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "https", "wss":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	default:
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
}
