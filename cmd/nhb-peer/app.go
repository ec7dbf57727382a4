package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"nhbpeer/config"
	"nhbpeer/core/events"
	"nhbpeer/p2p"
	"nhbpeer/storage"
)

const eventQueueSize = 256

// app holds the long-lived pieces shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *storage.LevelDB
	chain     *storage.ChainStore
	connector *p2p.WSConnector
	queue     *events.Queue
	comm      *p2p.Communicator
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		return nil, fmt.Errorf("open chain database: %w", err)
	}
	chain, err := storage.NewChainStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	versions, err := p2p.NewMinimumVersionPolicy(cfg.P2P.MinimumVersions)
	if err != nil {
		db.Close()
		return nil, err
	}

	connector := p2p.NewWSConnector(p2p.WSConnectorConfig{
		DialTimeout: cfg.DialTimeout(),
		Logger:      logger.With(slog.String("component", "p2p_connector")),
	})
	queue := events.NewQueue(eventQueueSize)
	comm, err := p2p.NewCommunicator(cfg.CommunicatorConfig(), connector, chain,
		p2p.WithLogger(logger.With(slog.String("component", "p2p_communicator"))),
		p2p.WithDispatcher(queue),
		p2p.WithRateLimiter(p2p.NewRateLimiter(cfg.RateLimitConfig())),
		p2p.WithVersionPolicy(versions),
	)
	if err != nil {
		_ = connector.Close()
		db.Close()
		return nil, err
	}
	if cfg.Nethash == "" && !cfg.P2P.SkipStateVerification {
		logger.Warn("No Nethash configured; every peer will fail verification")
	}
	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		chain:     chain,
		connector: connector,
		queue:     queue,
		comm:      comm,
	}, nil
}

// Close waits for background port probes and releases connections and storage.
func (a *app) Close() {
	a.comm.Wait()
	if err := a.connector.Close(); err != nil {
		a.logger.Warn("Closing connections failed", slog.Any("error", err))
	}
	a.db.Close()
}

// peerDir is where the watch daemon keeps its peer book.
func (a *app) peerDir() string {
	return filepath.Join(a.cfg.DataDir, "p2p", "peerbook")
}
