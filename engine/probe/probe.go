// Package probe implements the RTT sampler: ICMP-preferred
// primary targets, an ICMP gateway fallback that proves local path health,
// and a TCP handshake fallback that is itself a legitimate RTT proxy.
package probe

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"
)

// Kind classifies how a Measurement's RTT was obtained.
type Kind int

const (
	// KindICMP is a successful ICMP round trip to a primary target.
	KindICMP Kind = iota
	// KindGatewayOK is a successful ICMP round trip to the gateway fallback
	// target, proving local path health without proving WAN health.
	KindGatewayOK
	// KindTCPOK is a successful TCP handshake to the fallback target. This
	// IS a legitimate RTT proxy and is used as the loaded-RTT sample for
	// the cycle.
	KindTCPOK
	// KindFail means every target in every fallback tier failed.
	KindFail
)

func (k Kind) String() string {
	switch k {
	case KindICMP:
		return "ICMP"
	case KindGatewayOK:
		return "GATEWAY_OK"
	case KindTCPOK:
		return "TCP_OK"
	default:
		return "FAIL"
	}
}

// Measurement is the outcome of one probe cycle.
type Measurement struct {
	Kind   Kind
	RTTMs  float64
	Target string
}

// Pinger performs a single ICMP echo round trip against host and returns
// the observed latency. Raw-socket ICMP needs privileges, so the concrete
// implementation (e.g. one wrapping golang.org/x/net/icmp) is injected at
// construction. Tests use a fake.
type Pinger interface {
	Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)
}

// Dialer opens a TCP connection, matching net.Dialer's DialContext signature
// so the real implementation needs no adapter.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config parameterizes one probe cycle.
type Config struct {
	PrimaryTargets   []string
	GatewayTarget    string
	TCPFallbackHost  string
	TCPFallbackPort  string
	Timeout          time.Duration
	MedianOfThree    bool
}

// Sampler is the probe surface the control loops consume. Prober is the
// production implementation; tests substitute scripted fakes.
type Sampler interface {
	Run(ctx context.Context) Measurement
}

// Prober runs probe cycles against a fixed configuration.
type Prober struct {
	cfg    Config
	pinger Pinger
	dialer Dialer
}

// New constructs a Prober. dialer may be nil, in which case a default
// net.Dialer is used.
func New(cfg Config, pinger Pinger, dialer Dialer) *Prober {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Prober{cfg: cfg, pinger: pinger, dialer: dialer}
}

// Run executes one full probe cycle: primary ICMP targets in
// turn (optionally median-of-three each), then gateway ICMP, then TCP
// handshake, returning the first tier that succeeds.
func (p *Prober) Run(ctx context.Context) Measurement {
	for _, target := range p.cfg.PrimaryTargets {
		if rtt, ok := p.pingTarget(ctx, target); ok {
			return Measurement{Kind: KindICMP, RTTMs: rtt, Target: target}
		}
	}

	if p.cfg.GatewayTarget != "" {
		if rtt, err := p.pinger.Ping(ctx, p.cfg.GatewayTarget, p.cfg.Timeout); err == nil {
			return Measurement{Kind: KindGatewayOK, RTTMs: msFromDuration(rtt), Target: p.cfg.GatewayTarget}
		}
	}

	if p.cfg.TCPFallbackHost != "" {
		if rtt, ok := p.tcpHandshake(ctx); ok {
			return Measurement{Kind: KindTCPOK, RTTMs: rtt, Target: p.cfg.TCPFallbackHost}
		}
	}

	return Measurement{Kind: KindFail}
}

// pingTarget runs one primary target, taking the median of three samples
// when MedianOfThree is enabled.
func (p *Prober) pingTarget(ctx context.Context, target string) (float64, bool) {
	n := 1
	if p.cfg.MedianOfThree {
		n = 3
	}
	samples := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		rtt, err := p.pinger.Ping(ctx, target, p.cfg.Timeout)
		if err != nil {
			continue
		}
		samples = append(samples, msFromDuration(rtt))
	}
	if len(samples) == 0 {
		return 0, false
	}
	if !p.cfg.MedianOfThree || len(samples) == 1 {
		return samples[0], true
	}
	return median(samples), true
}

func (p *Prober) tcpHandshake(ctx context.Context) (float64, bool) {
	timeout := p.cfg.Timeout
	deadline := time.Now().Add(timeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	addr := net.JoinHostPort(p.cfg.TCPFallbackHost, p.cfg.TCPFallbackPort)
	start := time.Now()
	conn, err := p.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return 0, false
	}
	elapsed := time.Since(start)
	conn.Close()
	return msFromDuration(elapsed), true
}

func msFromDuration(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func median(samples []float64) float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// String renders a Measurement for log lines.
func (m Measurement) String() string {
	if m.Kind == KindFail {
		return "FAIL"
	}
	return fmt.Sprintf("%s target=%s rtt_ms=%.2f", m.Kind, m.Target, m.RTTMs)
}
