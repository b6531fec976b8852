package main

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const tickInterval = 100 * time.Millisecond

// Server is the supervisor: it owns the listener, the shared store, and the
// long-running tasks (accept loop, tick loop, persistence loop, and
// optionally the replication bridge). The signal waiter lives in main and
// calls Shutdown.
type Server struct {
	settings *Settings
	logger   zerolog.Logger

	listener net.Listener

	store       *Store
	metrics     *Metrics
	admission   *AdmissionGuard
	connections *ConnectionPool
	replication *ReplicationBridge
	sampler     *SystemSampler
	bufferPool  *BufferPool

	nextClientID int64
	clientsWG    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(settings *Settings, logger zerolog.Logger, store *Store, metrics *Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		settings:    settings,
		logger:      logger,
		store:       store,
		metrics:     metrics,
		admission:   NewAdmissionGuard(settings.MaxConnections, settings.MemoryLimit, logger),
		connections: NewConnectionPool(),
		replication: NewReplicationBridge(settings, store, logger),
		sampler:     NewSystemSampler(settings.MetricsInterval),
		bufferPool:  NewBufferPool(ChunkBytes),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start binds the listener and launches the accept loop, tick loop,
// persistence loop, replication bridge, and system sampler. It returns once
// the listener is bound; the long-running tasks keep running in the
// background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.settings.BindAddress)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handleMetrics)
	mux.HandleFunc("/", s.handleRoot)

	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("listener serve error")
		}
	}()

	go s.tickLoop()
	go s.persistenceLoop()

	if err := s.replication.Start(s.ctx); err != nil {
		s.logger.Warn().Err(err).Msg("replication bridge failed to start, continuing without it")
	}
	s.sampler.Start()

	s.logger.Info().Str("bind_address", s.settings.BindAddress).Msg("server listening")
	return nil
}

// handleRoot routes a non-upgrade GET to the 404 fallback, and everything
// that looks like a WebSocket upgrade request to handleWebSocket. gobwas/ws
// performs its own upgrade validation; a request that isn't actually an
// upgrade fails there and the connection is simply closed, matching the
// "fall through to the HTTP branch" handshake step.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") != "" {
		s.handleWebSocket(w, r)
		return
	}
	http.Error(w, "Not found", http.StatusNotFound)
}

// tickLoop runs the 10 Hz publish pass. Ticks do not try to catch up if
// delayed — a slow tick simply publishes a larger batch next time.
func (s *Server) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.store.PublishAndClear()
		}
	}
}

// persistenceLoop snapshots the bitmap and metrics on settings.PersistenceInterval.
func (s *Server) persistenceLoop() {
	ticker := time.NewTicker(s.settings.PersistenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.snapshot()
		}
	}
}

func (s *Server) snapshot() {
	SaveBitmap(s.store, s.settings.StateFile, s.logger)
	SaveMetrics(s.metrics, s.settings.MetricsFile, s.logger)
}

// Shutdown performs the synchronous snapshot-and-exit sequence triggered by
// SIGINT/SIGTERM/SIGQUIT: stop accepting new work, snapshot, then return.
// It does not wait out a connection drain grace period — the spec's
// shutdown contract is "synchronously snapshot and exit process", not a
// graceful drain.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.cancel()
	s.replication.Stop()
	s.sampler.Stop()
	s.snapshot()
}
