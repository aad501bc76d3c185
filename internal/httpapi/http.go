// Package httpapi is the gateway's HTTP surface: the websocket upgrade
// endpoint, health/stats, the server-side broadcast entry point, history
// lookup, and Prometheus metrics — grounded on the teacher's ServeMux
// wiring in its shared server.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/adred-codev/sockets-gateway/internal/broadcast"
	"github.com/adred-codev/sockets-gateway/internal/metrics"
	"github.com/adred-codev/sockets-gateway/internal/store"
	"github.com/adred-codev/sockets-gateway/internal/subscription"
	"github.com/adred-codev/sockets-gateway/internal/supervisor"
	"github.com/adred-codev/sockets-gateway/internal/wsconn"
)

// Server wires the Connection Supervisor, Broadcast Engine, and
// Subscription Registry into an http.Handler.
type Server struct {
	supervisor *supervisor.Supervisor
	engine     *broadcast.Engine
	subs       *subscription.Registry
	store      *store.Store
	collector  *metrics.Collector
	upgrader   websocket.Upgrader
	log        zerolog.Logger
	startedAt  time.Time
}

// New builds the HTTP surface.
func New(sup *supervisor.Supervisor, engine *broadcast.Engine, subs *subscription.Registry, st *store.Store, collector *metrics.Collector, corsOrigin string, log zerolog.Logger) *Server {
	return &Server{
		supervisor: sup,
		engine:     engine,
		subs:       subs,
		store:      st,
		collector:  collector,
		upgrader:   wsconn.Upgrader(corsOrigin),
		log:        log.With().Str("component", "http_api").Logger(),
		startedAt:  time.Now(),
	}
}

// Handler builds the ServeMux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/broadcast", s.handleBroadcast)
	mux.HandleFunc("/history", s.handleHistory)
	mux.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	streamName := r.URL.Query().Get("streamName")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sink := wsconn.New(ws, s.log)
	go sink.RunWriter()

	conn, err := s.supervisor.Accept(r.Context(), r.RemoteAddr, streamName, sink)
	if err != nil {
		s.log.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("connection rejected")
		return
	}

	sink.ReadLoop(
		func(payload []byte) { s.supervisor.Dispatch(context.Background(), conn, payload) },
		conn.TouchAlive,
	)
	s.supervisor.Disconnect(context.Background(), conn.ConnectionID)
}

type healthResponse struct {
	Status      string `json:"status"`
	UptimeMs    int64  `json:"uptimeMs"`
	Connections int    `json:"connections"`
	CPUPercent  float64 `json:"cpuPercent,omitempty"`
	MemPercent  float64 `json:"memPercent,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	cpuPercent := 0.0
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		cpuPercent = percentages[0]
	}
	memPercent := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}
	if cpuPercent > 90 || memPercent > 90 {
		status = "degraded"
	}

	resp := healthResponse{
		Status:      status,
		UptimeMs:    time.Since(s.startedAt).Milliseconds(),
		Connections: s.supervisor.ConnectionCount(),
		CPUPercent:  cpuPercent,
		MemPercent:  memPercent,
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

type statsResponse struct {
	TotalConnections   int            `json:"totalConnections"`
	ActiveConnections  int            `json:"activeConnections"`
	TotalMessages      int64          `json:"totalMessages"`
	MessagesPerSecond  float64        `json:"messagesPerSecond"`
	Channels           map[string]int `json:"channels"`
	UptimeMs           int64          `json:"uptimeMs"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	active := s.supervisor.ConnectionCount()

	var total int64
	if raw, err := s.store.Get(ctx, store.KeyStatsTotalMessages()); err == nil {
		total, _ = strconv.ParseInt(string(raw), 10, 64)
	}

	uptime := time.Since(s.startedAt)
	mps := 0.0
	if uptime.Seconds() > 0 {
		mps = float64(total) / uptime.Seconds()
	}

	resp := statsResponse{
		TotalConnections:  active,
		ActiveConnections: active,
		TotalMessages:     total,
		MessagesPerSecond: mps,
		Channels:          s.subs.ChannelCounts(),
		UptimeMs:          uptime.Milliseconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type broadcastRequest struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type broadcastResponse struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	messageID, err := s.engine.BroadcastToChannel(r.Context(), req.Channel, req.Data, "")
	if err != nil {
		s.log.Warn().Err(err).Str("channel", req.Channel).Msg("http broadcast failed")
		http.Error(w, "broadcast failed", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(broadcastResponse{MessageID: messageID, Timestamp: time.Now().UnixMilli()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = subscription.GlobalChannel
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	history, err := s.engine.GetMessageHistory(r.Context(), channel, limit)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("history lookup failed")
		http.Error(w, "history lookup failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"channel": channel, "messages": history})
}
