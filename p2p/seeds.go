package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	seedRecordPrefix  = "nhbseed:v1:"
	seedLookupPrefix  = "_nhbseed."
	defaultResolvConf = "/etc/resolv.conf"
)

// ErrNoSeedServer is returned when no DNS server is configured or listed in
// resolv.conf.
var ErrNoSeedServer = errors.New("p2p: no DNS server for seed lookups")

// SeedResolver discovers peer addresses published as TXT records. Each record
// reads "nhbseed:v1:" followed by comma separated host:port entries.
type SeedResolver struct {
	server string
	client *dns.Client
}

// NewSeedResolver queries server, or the first nameserver in
// /etc/resolv.conf when server is empty.
func NewSeedResolver(server string, timeout time.Duration) (*SeedResolver, error) {
	if server == "" {
		conf, err := dns.ClientConfigFromFile(defaultResolvConf)
		if err != nil {
			return nil, fmt.Errorf("p2p: read resolv.conf: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, ErrNoSeedServer
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SeedResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}, nil
}

// Lookup resolves the seed addresses published for domain. Entries that do
// not parse as peer addresses are skipped.
func (r *SeedResolver) Lookup(ctx context.Context, domain string) ([]string, error) {
	name := dns.Fqdn(seedLookupPrefix + strings.TrimSuffix(domain, "."))
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)
	msg.RecursionDesired = true

	reply, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("p2p: seed lookup %s: %w", name, err)
	}
	if reply.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		if reply, _, err = tcp.ExchangeContext(ctx, msg, r.server); err != nil {
			return nil, fmt.Errorf("p2p: seed lookup %s: %w", name, err)
		}
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("p2p: seed lookup %s: %s", name, dns.RcodeToString[reply.Rcode])
	}

	seen := make(map[string]struct{})
	for _, rr := range reply.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, addr := range parseSeedRecord(strings.Join(txt.Txt, "")) {
			seen[addr] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

func parseSeedRecord(record string) []string {
	record = strings.TrimSpace(record)
	if !strings.HasPrefix(record, seedRecordPrefix) {
		return nil
	}
	var out []string
	for _, part := range strings.Split(strings.TrimPrefix(record, seedRecordPrefix), ",") {
		peer, err := ParsePeer(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, peer.Address())
	}
	return out
}
