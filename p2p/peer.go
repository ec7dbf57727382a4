package p2p

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// recentlyPingedWindow is how long a successful ping suppresses further
// non-forced pings of the same peer.
const recentlyPingedWindow = 2 * time.Minute

// Peer is a remote node. Trusted fields (state, plugins, lastPinged) change
// only through commitPing; latency and the header-derived height are
// observational and may change on any call.
type Peer struct {
	IP   string
	Port int

	mu                 sync.RWMutex
	version            string
	state              PeerState
	plugins            map[string]PluginInfo
	ports              map[string]int
	latency            time.Duration
	lastPinged         time.Time
	verificationResult *VerificationResult
}

// NewPeer returns a peer for the given address.
func NewPeer(ip string, port int) *Peer {
	return &Peer{IP: ip, Port: port, ports: make(map[string]int)}
}

// ParsePeer builds a peer from a host:port string.
func ParsePeer(addr string) (*Peer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	return NewPeer(host, port), nil
}

// Address returns the host:port dial address.
func (p *Peer) Address() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// URL returns the base http URL of the peer, used in log lines.
func (p *Peer) URL() string {
	return "http://" + p.Address()
}

func (p *Peer) Version() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

func (p *Peer) setVersion(v string) {
	p.mu.Lock()
	p.version = v
	p.mu.Unlock()
}

// State returns a copy of the last trusted state.
func (p *Peer) State() PeerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Plugins returns a copy of the last trusted plugin manifest.
func (p *Peer) Plugins() map[string]PluginInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return clonePlugins(p.plugins)
}

// Ports returns a copy of the probed plugin ports.
func (p *Peer) Ports() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]int, len(p.ports))
	for k, v := range p.ports {
		out[k] = v
	}
	return out
}

func (p *Peer) setPort(name string, port int) {
	p.mu.Lock()
	if p.ports == nil {
		p.ports = make(map[string]int)
	}
	p.ports[name] = port
	p.mu.Unlock()
}

func (p *Peer) Latency() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latency
}

func (p *Peer) setLatency(d time.Duration) {
	p.mu.Lock()
	p.latency = d
	p.mu.Unlock()
}

func (p *Peer) setHeight(h uint64) {
	p.mu.Lock()
	p.state.Height = h
	p.mu.Unlock()
}

func (p *Peer) LastPinged() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPinged
}

// RecentlyPinged reports whether a successful ping happened within the
// suppression window before now.
func (p *Peer) RecentlyPinged(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.lastPinged.IsZero() && now.Sub(p.lastPinged) < recentlyPingedWindow
}

// VerificationResult returns the outcome of the last verification, or nil.
func (p *Peer) VerificationResult() *VerificationResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.verificationResult
}

func (p *Peer) setVerificationResult(r *VerificationResult) {
	p.mu.Lock()
	p.verificationResult = r
	p.mu.Unlock()
}

// IsVerified reports whether the last verification accepted the peer's state.
func (p *Peer) IsVerified() bool {
	return p.VerificationResult() != nil
}

// IsForked reports whether the peer is verified but on a different branch.
func (p *Peer) IsForked() bool {
	r := p.VerificationResult()
	return r != nil && r.Forked()
}

// commitPing publishes the result of a fully verified ping in one step.
func (p *Peer) commitPing(now time.Time, state PeerState, plugins map[string]PluginInfo) {
	p.mu.Lock()
	p.lastPinged = now
	p.state = state
	p.plugins = clonePlugins(plugins)
	p.mu.Unlock()
}

// PeerSnapshot is a point-in-time view of a peer for diagnostics.
type PeerSnapshot struct {
	Address    string                `json:"address"`
	Version    string                `json:"version"`
	Height     uint64                `json:"height"`
	LatencyMS  int64                 `json:"latencyMs"`
	LastPinged time.Time             `json:"lastPinged"`
	Verified   bool                  `json:"verified"`
	Forked     bool                  `json:"forked"`
	Plugins    map[string]PluginInfo `json:"plugins,omitempty"`
	Ports      map[string]int        `json:"ports,omitempty"`
}

// Snapshot captures the peer's current fields.
func (p *Peer) Snapshot() PeerSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ports := make(map[string]int, len(p.ports))
	for k, v := range p.ports {
		ports[k] = v
	}
	return PeerSnapshot{
		Address:    p.Address(),
		Version:    p.version,
		Height:     p.state.Height,
		LatencyMS:  p.latency.Milliseconds(),
		LastPinged: p.lastPinged,
		Verified:   p.verificationResult != nil,
		Forked:     p.verificationResult != nil && p.verificationResult.Forked(),
		Plugins:    clonePlugins(p.plugins),
		Ports:      ports,
	}
}
