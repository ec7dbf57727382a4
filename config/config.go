package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"nhbpeer/p2p"
)

const (
	DefaultNetworkName = "nhb-local"
	DefaultDataDir     = "./nhb-peer-data"
	DefaultWatchListen = "127.0.0.1:9190"
)

// Config is the operator configuration consumed by nhb-peer.
type Config struct {
	NetworkName string   `toml:"NetworkName"`
	Nethash     string   `toml:"Nethash"`
	DataDir     string   `toml:"DataDir"`
	LogFile     string   `toml:"LogFile"`
	Peers       []string `toml:"Peers"`

	P2P       P2PConfig       `toml:"P2P"`
	Telemetry TelemetryConfig `toml:"Telemetry"`
	Watch     WatchConfig     `toml:"Watch"`
}

// P2PConfig mirrors p2p.CommunicatorConfig in TOML-friendly units.
type P2PConfig struct {
	PingTimeoutMs          int64    `toml:"PingTimeoutMs"`
	GetBlocksTimeoutMs     int64    `toml:"GetBlocksTimeoutMs"`
	ThrottleIntervalMs     int64    `toml:"ThrottleIntervalMs"`
	PortProbeTimeoutMs     int64    `toml:"PortProbeTimeoutMs"`
	DialTimeoutMs          int64    `toml:"DialTimeoutMs"`
	MaxPayloadBytes        int64    `toml:"MaxPayloadBytes"`
	DefaultMaxPayloadBytes int64    `toml:"DefaultMaxPayloadBytes"`
	MaxDownloadBlocks      int      `toml:"MaxDownloadBlocks"`
	MinimumVersions        []string `toml:"MinimumVersions"`
	SkipStateVerification  bool     `toml:"SkipStateVerification"`
	DebugExtra             bool     `toml:"DebugExtra"`

	MaxProbesPerRequest int `toml:"MaxProbesPerRequest"`
	MaxBlocksToVerify   int `toml:"MaxBlocksToVerify"`

	RateLimit RateLimitConfig `toml:"RateLimit"`
}

// RateLimitConfig configures the outgoing request limiter.
type RateLimitConfig struct {
	Disabled       bool                    `toml:"Disabled"`
	GlobalLimit    int                     `toml:"GlobalLimit"`
	GlobalWindowMs int64                   `toml:"GlobalWindowMs"`
	Endpoints      map[string]EndpointRate `toml:"Endpoints"`
	Whitelist      []string                `toml:"Whitelist"`
}

// EndpointRate is a per-event override. Keys are full event names.
type EndpointRate struct {
	Limit    int   `toml:"Limit"`
	WindowMs int64 `toml:"WindowMs"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string            `toml:"Endpoint"`
	Insecure bool              `toml:"Insecure"`
	Metrics  bool              `toml:"Metrics"`
	Traces   bool              `toml:"Traces"`
	Headers  map[string]string `toml:"Headers"`
}

// WatchConfig controls the watch daemon.
type WatchConfig struct {
	ListenAddress      string `toml:"ListenAddress"`
	IntervalSeconds    int64  `toml:"IntervalSeconds"`
	BanDurationSeconds int64  `toml:"BanDurationSeconds"`
	// Discover adds addresses from getPeers replies to the peer book.
	Discover    bool `toml:"Discover"`
	Concurrency int  `toml:"Concurrency"`
	// SeedDomains publish nhbseed TXT records under _nhbseed.<domain>.
	SeedDomains []string `toml:"SeedDomains"`
	// SeedServer is the DNS server queried for seeds. Empty uses
	// /etc/resolv.conf.
	SeedServer string `toml:"SeedServer"`
}

// Default returns a configuration populated with the stock values.
func Default() *Config {
	comm := p2p.DefaultCommunicatorConfig()
	limits := p2p.DefaultRateLimitConfig()
	endpoints := make(map[string]EndpointRate, len(limits.Endpoints))
	for event, limit := range limits.Endpoints {
		endpoints[event] = EndpointRate{Limit: limit.Limit, WindowMs: limit.Window.Milliseconds()}
	}
	return &Config{
		NetworkName: DefaultNetworkName,
		DataDir:     DefaultDataDir,
		Peers:       []string{},
		P2P: P2PConfig{
			PingTimeoutMs:          5000,
			GetBlocksTimeoutMs:     comm.GetBlocksTimeout.Milliseconds(),
			ThrottleIntervalMs:     comm.ThrottleInterval.Milliseconds(),
			PortProbeTimeoutMs:     comm.PortProbeTimeout.Milliseconds(),
			DialTimeoutMs:          5000,
			MaxPayloadBytes:        comm.MaxPayloadBytes,
			DefaultMaxPayloadBytes: comm.DefaultMaxPayloadBytes,
			MaxDownloadBlocks:      comm.MaxDownloadBlocks,
			MinimumVersions:        []string{},
			MaxProbesPerRequest:    comm.Verifier.MaxProbesPerRequest,
			MaxBlocksToVerify:      int(comm.Verifier.MaxBlocksToVerify),
			RateLimit: RateLimitConfig{
				GlobalLimit:    limits.Global.Limit,
				GlobalWindowMs: limits.Global.Window.Milliseconds(),
				Endpoints:      endpoints,
				Whitelist:      []string{},
			},
		},
		Watch: WatchConfig{
			ListenAddress:      DefaultWatchListen,
			IntervalSeconds:    30,
			BanDurationSeconds: 600,
			Concurrency:        8,
			SeedDomains:        []string{},
		},
	}
}

// Load loads the configuration from the given path. A missing file is
// created with the defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalise() {
	c.NetworkName = strings.TrimSpace(c.NetworkName)
	if c.NetworkName == "" {
		c.NetworkName = DefaultNetworkName
	}
	c.Nethash = strings.ToLower(strings.TrimSpace(c.Nethash))
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	peers := make([]string, 0, len(c.Peers))
	seen := make(map[string]struct{}, len(c.Peers))
	for _, raw := range c.Peers {
		peer := strings.TrimSpace(raw)
		if peer == "" {
			continue
		}
		if _, dup := seen[peer]; dup {
			continue
		}
		seen[peer] = struct{}{}
		peers = append(peers, peer)
	}
	c.Peers = peers
	if strings.TrimSpace(c.Watch.ListenAddress) == "" {
		c.Watch.ListenAddress = DefaultWatchListen
	}
	domains := make([]string, 0, len(c.Watch.SeedDomains))
	for _, domain := range c.Watch.SeedDomains {
		domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
		if domain != "" {
			domains = append(domains, domain)
		}
	}
	c.Watch.SeedDomains = domains
	c.Watch.SeedServer = strings.TrimSpace(c.Watch.SeedServer)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ApplyEnvOverrides applies the operator environment switches. lookup is
// normally os.LookupEnv.
func ApplyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil || lookup == nil {
		return nil
	}
	overrides := []struct {
		name   string
		target *bool
	}{
		{EnvSkipPeerStateVerification, &cfg.P2P.SkipStateVerification},
		{EnvP2PDebugExtra, &cfg.P2P.DebugExtra},
	}
	for _, o := range overrides {
		raw, ok := lookup(o.name)
		if !ok {
			continue
		}
		value, err := parseSwitch(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
		*o.target = value
	}
	return nil
}

const (
	EnvSkipPeerStateVerification = "NHB_SKIP_PEER_STATE_VERIFICATION"
	EnvP2PDebugExtra             = "NHB_P2P_DEBUG_EXTRA"
)

// parseSwitch treats any non-empty value other than an explicit false as on.
func parseSwitch(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "false", "no", "off":
		return false, nil
	case "1", "true", "yes", "on":
		return true, nil
	default:
		return false, fmt.Errorf("unrecognised switch value %q", raw)
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// CommunicatorConfig converts the P2P section.
func (c *Config) CommunicatorConfig() p2p.CommunicatorConfig {
	return p2p.CommunicatorConfig{
		Nethash:                c.Nethash,
		SkipStateVerification:  c.P2P.SkipStateVerification,
		DebugExtra:             c.P2P.DebugExtra,
		GetBlocksTimeout:       millis(c.P2P.GetBlocksTimeoutMs),
		MaxPayloadBytes:        c.P2P.MaxPayloadBytes,
		DefaultMaxPayloadBytes: c.P2P.DefaultMaxPayloadBytes,
		MaxDownloadBlocks:      c.P2P.MaxDownloadBlocks,
		ThrottleInterval:       millis(c.P2P.ThrottleIntervalMs),
		PortProbeTimeout:       millis(c.P2P.PortProbeTimeoutMs),
		Verifier: p2p.VerifierConfig{
			MaxProbesPerRequest: c.P2P.MaxProbesPerRequest,
			MaxBlocksToVerify:   uint64(c.P2P.MaxBlocksToVerify),
		},
	}
}

// RateLimitConfig converts the rate limit section.
func (c *Config) RateLimitConfig() p2p.RateLimitConfig {
	rl := c.P2P.RateLimit
	endpoints := make(map[string]p2p.RateLimit, len(rl.Endpoints))
	for event, limit := range rl.Endpoints {
		endpoints[event] = p2p.RateLimit{Limit: limit.Limit, Window: millis(limit.WindowMs)}
	}
	return p2p.RateLimitConfig{
		Global:    p2p.RateLimit{Limit: rl.GlobalLimit, Window: millis(rl.GlobalWindowMs)},
		Endpoints: endpoints,
		Whitelist: append([]string(nil), rl.Whitelist...),
		Disabled:  rl.Disabled,
	}
}

// PingTimeout returns the end-to-end ping budget.
func (c *Config) PingTimeout() time.Duration {
	return millis(c.P2P.PingTimeoutMs)
}

// DialTimeout returns the websocket dial budget.
func (c *Config) DialTimeout() time.Duration {
	return millis(c.P2P.DialTimeoutMs)
}

// WatchInterval returns the delay between watch rounds.
func (c *Config) WatchInterval() time.Duration {
	return time.Duration(c.Watch.IntervalSeconds) * time.Second
}

// BanDuration returns how long a disconnected peer is skipped by watch.
func (c *Config) BanDuration() time.Duration {
	return time.Duration(c.Watch.BanDurationSeconds) * time.Second
}
