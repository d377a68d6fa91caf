// Package api serves the read-side HTTP surface: JSON dashboards,
// Prometheus metrics, and the push fan-out (SSE and websocket) that
// streams live collection snapshots.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"dln-backfill/internal/config"
	"dln-backfill/internal/eventbus"
	"dln-backfill/internal/metrics"
	"dln-backfill/internal/models"
	"dln-backfill/internal/parser"
	"dln-backfill/internal/rpcpool"
)

// Storage is the read-side slice of the store the API needs.
type Storage interface {
	TotalStats(ctx context.Context) models.TotalStats
	DailyVolumes(ctx context.Context, days int, eventType models.EventType) []models.DailyVolume
	TopTokens(ctx context.Context, limit int) []models.TokenVolume
	RecentOrders(ctx context.Context, limit int) []models.OrderEvent
	GetProgress(ctx context.Context, programID string, eventType models.EventType) (models.Checkpoint, error)
}

// Update is the broadcast payload pushed to connected clients.
type Update struct {
	Stats              models.TotalStats    `json:"stats"`
	CollectionProgress []models.Checkpoint  `json:"collection_progress"`
	RecentOrders       []models.OrderEvent  `json:"recent_orders"`
	PoolStats          rpcpool.Stats        `json:"pool_stats"`
	ParseStats         parser.StatsSnapshot `json:"parse_stats"`
	Timestamp          time.Time            `json:"timestamp"`
}

// Server is the HTTP front of the collector.
type Server struct {
	cfg     *config.Config
	store   Storage
	pool    *rpcpool.Pool
	parser  *parser.Parser
	bus     *eventbus.Bus
	metrics *metrics.Metrics

	sse *SSEHub
	ws  *WSHub

	// stored is subscribed once for the server lifetime; broadcast
	// loops come and go with the client population and share it.
	stored chan eventbus.Event

	mu            sync.Mutex
	clients       int
	stopBroadcast chan struct{}
}

func NewServer(cfg *config.Config, st Storage, pool *rpcpool.Pool, p *parser.Parser, bus *eventbus.Bus, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		pool:    pool,
		parser:  p,
		bus:     bus,
		metrics: m,
	}
	s.stored = make(chan eventbus.Event, 8)
	bus.Subscribe(eventbus.TopicOrdersStored, s.stored)
	s.sse = newSSEHub(s, cfg.Server.HeartbeatPeriod)
	s.ws = newWSHub(s)
	go s.ws.run()
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/volumes/daily", s.handleDailyVolumes).Methods(http.MethodGet)
	r.HandleFunc("/api/tokens/top", s.handleTopTokens).Methods(http.MethodGet)
	r.HandleFunc("/api/orders/recent", s.handleRecentOrders).Methods(http.MethodGet)
	r.HandleFunc("/api/pool", s.handlePool).Methods(http.MethodGet)
	r.HandleFunc("/api/parse-stats", s.handleParseStats).Methods(http.MethodGet)
	r.HandleFunc("/api/stream", s.sse.ServeHTTP).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.ws.ServeHTTP)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.Use(s.corsMiddleware)
	return r
}

// ListenAndServe blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:     s.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Printf("[api] listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.cfg.Server.CORSOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.TotalStats(r.Context()))
}

func (s *Server) handleDailyVolumes(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	eventType := models.EventType(r.URL.Query().Get("type"))
	if !eventType.Valid() {
		eventType = models.EventCreated
	}
	writeJSON(w, s.store.DailyVolumes(r.Context(), days, eventType))
}

func (s *Server) handleTopTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.TopTokens(r.Context(), queryInt(r, "limit", 10)))
}

func (s *Server) handleRecentOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.RecentOrders(r.Context(), queryInt(r, "limit", 20)))
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.pool.Snapshot())
}

func (s *Server) handleParseStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.parser.Stats())
}

// buildUpdate assembles the broadcast snapshot. Store reads tolerate
// failure and come back empty rather than failing the broadcast.
func (s *Server) buildUpdate(ctx context.Context) Update {
	update := Update{
		Stats:        s.store.TotalStats(ctx),
		RecentOrders: s.store.RecentOrders(ctx, 10),
		PoolStats:    s.pool.Snapshot(),
		ParseStats:   s.parser.Stats(),
		Timestamp:    time.Now().UTC(),
	}
	for _, pair := range []struct {
		program   string
		eventType models.EventType
	}{
		{s.cfg.Collection.SourceProgram, models.EventCreated},
		{s.cfg.Collection.DestinationProgram, models.EventFulfilled},
	} {
		if cp, err := s.store.GetProgress(ctx, pair.program, pair.eventType); err == nil {
			update.CollectionProgress = append(update.CollectionProgress, cp)
		}
	}
	return update
}

// clientConnected and clientDisconnected track the fan-out population.
// The broadcast ticker runs only while at least one client is online.
func (s *Server) clientConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients++
	s.metrics.ConnectedClients.Set(float64(s.clients))
	if s.clients == 1 {
		s.stopBroadcast = make(chan struct{})
		go s.broadcastLoop(s.stopBroadcast)
	}
}

func (s *Server) clientDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients--
	s.metrics.ConnectedClients.Set(float64(s.clients))
	if s.clients == 0 && s.stopBroadcast != nil {
		close(s.stopBroadcast)
		s.stopBroadcast = nil
	}
}

// broadcastLoop pushes snapshots on the configured period, plus
// immediately whenever a store batch lands.
func (s *Server) broadcastLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.Server.BroadcastPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-s.stored:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		update := s.buildUpdate(ctx)
		cancel()

		payload, err := json.Marshal(update)
		if err != nil {
			log.Printf("[api] marshal update: %v", err)
			continue
		}
		s.sse.broadcast(payload)
		s.ws.broadcast <- payload
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] write response: %v", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
