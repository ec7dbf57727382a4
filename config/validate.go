package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"nhbpeer/p2p"
)

const nethashLength = 64

// Validate checks the configuration for values the communicator cannot run
// with.
func (c *Config) Validate() error {
	if c.Nethash != "" {
		if len(c.Nethash) != nethashLength {
			return fmt.Errorf("Nethash: expected %d hex characters, got %d", nethashLength, len(c.Nethash))
		}
		if _, err := hex.DecodeString(c.Nethash); err != nil {
			return fmt.Errorf("Nethash: %w", err)
		}
	}
	for _, peer := range c.Peers {
		if _, err := p2p.ParsePeer(peer); err != nil {
			return fmt.Errorf("Peers: %w", err)
		}
	}
	p := c.P2P
	if p.PingTimeoutMs <= 0 {
		return fmt.Errorf("P2P.PingTimeoutMs must be positive")
	}
	if p.MaxPayloadBytes < 0 || p.DefaultMaxPayloadBytes < 0 {
		return fmt.Errorf("P2P: payload caps must not be negative")
	}
	if p.MaxDownloadBlocks < 0 {
		return fmt.Errorf("P2P.MaxDownloadBlocks must not be negative")
	}
	if p.MaxBlocksToVerify < 0 || p.MaxProbesPerRequest < 0 {
		return fmt.Errorf("P2P: verifier limits must not be negative")
	}
	if _, err := p2p.NewMinimumVersionPolicy(p.MinimumVersions); err != nil {
		return fmt.Errorf("P2P.MinimumVersions: %w", err)
	}
	rl := p.RateLimit
	if !rl.Disabled && rl.GlobalLimit > 0 && rl.GlobalWindowMs <= 0 {
		return fmt.Errorf("P2P.RateLimit.GlobalWindowMs must be positive")
	}
	for event, limit := range rl.Endpoints {
		if !strings.HasPrefix(event, "p2p.") {
			return fmt.Errorf("P2P.RateLimit.Endpoints: %q is not an event name", event)
		}
		if limit.Limit > 0 && limit.WindowMs <= 0 {
			return fmt.Errorf("P2P.RateLimit.Endpoints.%s: WindowMs must be positive", event)
		}
	}
	if c.Watch.IntervalSeconds <= 0 {
		return fmt.Errorf("Watch.IntervalSeconds must be positive")
	}
	if c.Watch.Concurrency <= 0 {
		return fmt.Errorf("Watch.Concurrency must be positive")
	}
	if c.Watch.BanDurationSeconds < 0 {
		return fmt.Errorf("Watch.BanDurationSeconds must not be negative")
	}
	if c.Watch.SeedServer != "" {
		if _, _, err := net.SplitHostPort(c.Watch.SeedServer); err != nil {
			return fmt.Errorf("Watch.SeedServer: %w", err)
		}
	}
	if c.Telemetry.Endpoint == "" && (c.Telemetry.Metrics || c.Telemetry.Traces) {
		return fmt.Errorf("Telemetry.Endpoint required when exporters are enabled")
	}
	return nil
}
