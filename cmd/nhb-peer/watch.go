package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"nhbpeer/core/events"
	"nhbpeer/observability"
	"nhbpeer/p2p"
)

const (
	pingOutcomeOK      = "ok"
	pingOutcomeSkipped = "skipped"
	pingOutcomeFailed  = "failed"
	pingOutcomeBanned  = "banned"
)

type disconnector interface {
	Disconnect(peer *p2p.Peer)
}

type seedLookup interface {
	Lookup(ctx context.Context, domain string) ([]string, error)
}

// watcher pings the peer book on an interval and keeps it current.
type watcher struct {
	comm         *p2p.Communicator
	disconnector disconnector
	book         *p2p.PeerBook
	queue        *events.Queue
	metrics      *observability.WatchMetrics
	logger       *slog.Logger
	seeds        seedLookup
	seedDomains  []string

	pingTimeout time.Duration
	banDuration time.Duration
	discover    bool
	concurrency int
	now         func() time.Time

	mu    sync.RWMutex
	peers map[string]*p2p.Peer
}

func runWatch(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("watch", "watch [-listen addr]", stderr)
	listen := fs.String("listen", a.cfg.Watch.ListenAddress, "Address serving /metrics and /peers")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	book, err := p2p.OpenPeerBook(a.peerDir(), a.cfg.WatchInterval(), 0)
	if err != nil {
		return fail(stderr, err)
	}
	defer book.Close()
	for _, addr := range a.cfg.Peers {
		if _, err := book.Add(addr, "config"); err != nil {
			return fail(stderr, err)
		}
	}

	w := newWatcher(a, book)
	if len(w.seedDomains) > 0 {
		resolver, err := p2p.NewSeedResolver(a.cfg.Watch.SeedServer, a.cfg.DialTimeout())
		if err != nil {
			return fail(stderr, err)
		}
		w.seeds = resolver
		w.seed(ctx)
	}
	if book.Len() == 0 {
		return fail(stderr, errors.New("no peers configured"))
	}
	srv := &http.Server{
		Addr:              *listen,
		Handler:           otelhttp.NewHandler(w.router(), "nhb-peer-watch"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		ln, err := net.Listen("tcp", *listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", *listen, err)
		}
		a.logger.Info("Watch endpoint listening", slog.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		w.drain(gctx)
		return nil
	})
	group.Go(func() error {
		return w.loop(gctx, a.cfg.WatchInterval())
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fail(stderr, err)
	}
	return 0
}

func newWatcher(a *app, book *p2p.PeerBook) *watcher {
	return &watcher{
		comm:         a.comm,
		disconnector: a.connector,
		book:         book,
		queue:        a.queue,
		metrics:      observability.Watch(),
		logger:       a.logger.With(slog.String("component", "watch")),
		pingTimeout:  a.cfg.PingTimeout(),
		banDuration:  a.cfg.BanDuration(),
		discover:     a.cfg.Watch.Discover,
		concurrency:  a.cfg.Watch.Concurrency,
		seedDomains:  a.cfg.Watch.SeedDomains,
		now:          time.Now,
		peers:        make(map[string]*p2p.Peer),
	}
}

func (w *watcher) loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.round(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// peer returns the tracked peer for addr, creating it on first use.
func (w *watcher) peer(addr string) (*p2p.Peer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if peer, ok := w.peers[addr]; ok {
		return peer, nil
	}
	peer, err := p2p.ParsePeer(addr)
	if err != nil {
		return nil, err
	}
	w.peers[addr] = peer
	return peer, nil
}

func (w *watcher) lookup(addr string) *p2p.Peer {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.peers[addr]
}

// round pings every peer that is due and refreshes the status gauges.
func (w *watcher) round(ctx context.Context) {
	start := w.now()
	due := w.book.Due(start)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(w.concurrency)
	for _, addr := range due {
		addr := addr
		group.Go(func() error {
			w.metrics.RecordPing(w.pingOne(gctx, addr))
			return nil
		})
	}
	_ = group.Wait()
	w.metrics.ObserveRound(w.now().Sub(start))
	w.metrics.SetPeerCounts(w.statusCounts())
	w.metrics.SetDroppedEvents(w.queue.Dropped())
}

func (w *watcher) pingOne(ctx context.Context, addr string) string {
	logger := w.logger.With(slog.String("peer", addr))
	if w.book.IsBanned(addr, w.now()) {
		return pingOutcomeBanned
	}
	peer, err := w.peer(addr)
	if err != nil {
		logger.Warn("Dropping unparsable peer address", slog.Any("error", err))
		_, _ = w.book.RecordFail(addr, w.now())
		return pingOutcomeFailed
	}
	state, err := w.comm.Ping(ctx, peer, w.pingTimeout, false)
	if err != nil {
		logger.Debug("Peer ping failed", slog.Any("error", err))
		if _, recErr := w.book.RecordFail(addr, w.now()); recErr != nil {
			logger.Warn("Failed to record ping failure", slog.Any("error", recErr))
		}
		return pingOutcomeFailed
	}
	if state == nil {
		return pingOutcomeSkipped
	}
	if _, err := w.book.RecordSuccess(addr, w.now(), *state, peer.Version()); err != nil {
		logger.Warn("Failed to record ping success", slog.Any("error", err))
	}
	w.comm.RefreshPorts(peer)
	if w.discover {
		w.discoverFrom(ctx, peer)
	}
	return pingOutcomeOK
}

func (w *watcher) discoverFrom(ctx context.Context, peer *p2p.Peer) {
	addrs, ok := w.comm.GetPeers(ctx, peer)
	if !ok {
		return
	}
	added := 0
	for _, pa := range addrs {
		addr := net.JoinHostPort(pa.IP, strconv.Itoa(pa.Port))
		if _, err := p2p.ParsePeer(addr); err != nil {
			continue
		}
		ok, err := w.book.Add(addr, "discovered:"+peer.Address())
		if err != nil {
			w.logger.Warn("Failed to add discovered peer", slog.String("peer", addr), slog.Any("error", err))
			continue
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		w.logger.Info("Discovered peers", slog.String("source", peer.Address()), slog.Int("added", added))
	}
}

// seed adds the addresses published by every seed domain. A failing
// domain is logged and skipped.
func (w *watcher) seed(ctx context.Context) {
	for _, domain := range w.seedDomains {
		addrs, err := w.seeds.Lookup(ctx, domain)
		if err != nil {
			w.logger.Warn("Seed lookup failed", slog.String("domain", domain), slog.Any("error", err))
			continue
		}
		added := 0
		for _, addr := range addrs {
			ok, err := w.book.Add(addr, "dns:"+domain)
			if err != nil {
				w.logger.Warn("Failed to add seed peer", slog.String("peer", addr), slog.Any("error", err))
				continue
			}
			if ok {
				added++
			}
		}
		w.logger.Info("Seed domain resolved",
			slog.String("domain", domain),
			slog.Int("records", len(addrs)),
			slog.Int("added", added))
	}
}

// drain consumes communicator events until ctx ends.
func (w *watcher) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.queue.Events():
			w.handleEvent(ev)
		}
	}
}

func (w *watcher) handleEvent(ev events.Event) {
	disconnect, ok := ev.(events.PeerDisconnect)
	if !ok {
		return
	}
	w.metrics.RecordDisconnect(disconnect.Reason)
	if peer := w.lookup(disconnect.Address); peer != nil {
		w.disconnector.Disconnect(peer)
	}
	if _, known := w.book.Get(disconnect.Address); !known {
		w.logger.Debug("Disconnect for unknown peer", slog.String("peer", disconnect.Address))
		return
	}
	if w.banDuration > 0 {
		if err := w.book.SetBan(disconnect.Address, w.now().Add(w.banDuration)); err != nil {
			w.logger.Warn("Failed to ban peer", slog.String("peer", disconnect.Address), slog.Any("error", err))
			return
		}
	}
	w.logger.Info("Peer disconnected",
		slog.String("peer", disconnect.Address),
		slog.String("reason", disconnect.Reason),
		slog.Duration("ban", w.banDuration))
}

func (w *watcher) status(entry p2p.PeerBookEntry, now time.Time) string {
	if entry.BannedUntil.After(now) {
		return "banned"
	}
	if entry.Fails > 0 {
		return "failing"
	}
	peer := w.lookup(entry.Addr)
	switch {
	case peer == nil || peer.LastPinged().IsZero():
		return "pending"
	case peer.IsForked():
		return "forked"
	case peer.IsVerified():
		return "verified"
	default:
		return "unverified"
	}
}

func (w *watcher) statusCounts() map[string]int {
	now := w.now()
	counts := make(map[string]int)
	for _, entry := range w.book.Entries() {
		counts[w.status(entry, now)]++
	}
	return counts
}

type peerView struct {
	Status string            `json:"status"`
	Entry  p2p.PeerBookEntry `json:"book"`
	Peer   *p2p.PeerSnapshot `json:"peer,omitempty"`
	Next   time.Time         `json:"nextPingAt"`
}

func (w *watcher) view(entry p2p.PeerBookEntry, now time.Time) peerView {
	v := peerView{
		Status: w.status(entry, now),
		Entry:  entry,
		Next:   w.book.NextPingAt(entry.Addr, now),
	}
	if peer := w.lookup(entry.Addr); peer != nil {
		snap := peer.Snapshot()
		v.Peer = &snap
	}
	return v
}

func (w *watcher) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(w.observe)
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/peers", w.listPeers)
	r.Get("/peers/{addr}", w.getPeer)
	return r
}

func (w *watcher) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(rw, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		w.metrics.ObserveHTTP(route, status, time.Since(start))
	})
}

func (w *watcher) listPeers(rw http.ResponseWriter, _ *http.Request) {
	now := w.now()
	entries := w.book.Entries()
	out := make([]peerView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, w.view(entry, now))
	}
	writeHTTPJSON(rw, http.StatusOK, out)
}

func (w *watcher) getPeer(rw http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")
	entry, ok := w.book.Get(addr)
	if !ok {
		writeHTTPJSON(rw, http.StatusNotFound, map[string]string{"error": "unknown peer"})
		return
	}
	writeHTTPJSON(rw, http.StatusOK, w.view(entry, w.now()))
}

func writeHTTPJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := writeJSON(rw, v); err != nil {
		slog.Default().Warn("Failed to write response", slog.Any("error", err))
	}
}
