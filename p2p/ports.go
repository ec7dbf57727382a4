package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

const maxProbeBody = 64 * kilobyte

func isAPIPlugin(name string) bool {
	return strings.Contains(name, "core-api") || strings.Contains(name, "core-wallet-api")
}

// PingPorts probes every plugin the peer advertises and records the reachable
// ports. A failed probe marks its plugin port -1 without affecting the others.
// It returns once every probe has settled.
func (c *Communicator) PingPorts(ctx context.Context, peer *Peer) {
	g, ctx := errgroup.WithContext(ctx)
	for name, plugin := range peer.Plugins() {
		name, plugin := name, plugin
		g.Go(func() error {
			c.probePort(ctx, peer, name, plugin)
			return nil
		})
	}
	_ = g.Wait()
}

// RefreshPorts runs PingPorts in the background, bounded by the probe timeout.
func (c *Communicator) RefreshPorts(peer *Peer) {
	c.probes.Add(1)
	go func() {
		defer c.probes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.PortProbeTimeout)
		defer cancel()
		c.PingPorts(ctx, peer)
	}()
}

// Wait blocks until background port probes have finished.
func (c *Communicator) Wait() {
	c.probes.Wait()
}

func (c *Communicator) probePort(ctx context.Context, peer *Peer, name string, plugin PluginInfo) {
	hostPort := net.JoinHostPort(peer.IP, strconv.Itoa(plugin.Port))
	var (
		valid bool
		err   error
	)
	if isAPIPlugin(name) {
		valid, err = c.probeAPI(ctx, peer, hostPort)
	} else {
		valid, err = c.probeRoot(ctx, hostPort)
	}
	if err != nil {
		c.logger.Debug("Plugin port probe failed",
			slog.String("peer", peer.IP),
			slog.String("plugin", name),
			slog.Any("error", err))
		peer.setPort(name, -1)
		return
	}
	if valid {
		peer.setPort(name, plugin.Port)
	}
}

type nodeConfigurationReply struct {
	Data struct {
		Nethash string `json:"nethash"`
	} `json:"data"`
}

func (c *Communicator) probeAPI(ctx context.Context, peer *Peer, hostPort string) (bool, error) {
	status, body, err := c.httpGet(ctx, "http://"+hostPort+"/api/node/configuration")
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, nil
	}
	var reply nodeConfigurationReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return false, fmt.Errorf("decode node configuration: %w", err)
	}
	if reply.Data.Nethash != c.cfg.Nethash {
		c.logger.Warn("Disconnecting from peer with mismatched nethash",
			slog.String("peer", hostPort),
			slog.String("ours", c.cfg.Nethash),
			slog.String("his", reply.Data.Nethash))
		c.disconnect(peer, "nethash mismatch")
		return false, nil
	}
	return true, nil
}

func (c *Communicator) probeRoot(ctx context.Context, hostPort string) (bool, error) {
	status, _, err := c.httpGet(ctx, "http://"+hostPort+"/")
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

func (c *Communicator) httpGet(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
