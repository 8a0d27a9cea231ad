package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/Anipaleja/cdn-defender/internal/detector"
	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"github.com/Anipaleja/cdn-defender/internal/firewall"
	"github.com/Anipaleja/cdn-defender/internal/logs"
	"github.com/Anipaleja/cdn-defender/internal/metrics"
	"github.com/Anipaleja/cdn-defender/pkg/logparser"
	"github.com/Anipaleja/cdn-defender/pkg/patterns"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	version = "1.0.0"

	defaultSearchLimit = 1000
)

// Notifier receives diagnosis results and applied ACL changes.
type Notifier interface {
	SendDiagnosis(d *detector.Diagnosis)
	SendACLUpdate(req firewall.Request, update *firewall.Update)
}

// Components are the services the API exposes. Any of them may be nil; the
// matching routes then answer 503.
type Components struct {
	Engine   *detector.Engine
	Fetcher  *logs.Fetcher
	ACL      *firewall.Manager
	Metrics  *metrics.Collector
	Notifier Notifier
	// Policy returns the current diagnostic policy.
	Policy func() string
	// Domain is used when a request names none.
	Domain string
}

// Server provides the HTTP API
type Server struct {
	config      config.ServerConfig
	metricsPath string
	logger      *logrus.Logger
	router      *mux.Router
	httpServer  *http.Server
	started     time.Time

	components Components
	parser     *logparser.Parser

	// WebSocket
	upgrader     websocket.Upgrader
	clientsMutex sync.Mutex
	clients      map[*websocket.Conn]*sync.Mutex
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, metricsCfg config.MetricsConfig, components Components, logger *logrus.Logger) *Server {
	server := &Server{
		config:      cfg,
		metricsPath: metricsCfg.Path,
		logger:      logger,
		router:      mux.NewRouter(),
		started:     time.Now(),
		components:  components,
		parser:      logparser.NewParser("cdn"),
		clients:     make(map[*websocket.Conn]*sync.Mutex),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if server.metricsPath == "" {
		server.metricsPath = "/metrics"
	}

	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:      server.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return server
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes sets up all HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.jsonMiddleware)

	api.HandleFunc("/health", s.healthHandler).Methods("GET")
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	api.HandleFunc("/diagnose", s.diagnoseHandler).Methods("POST")
	api.HandleFunc("/logs/search", s.logSearchHandler).Methods("GET")
	api.HandleFunc("/acl", s.aclHistoryHandler).Methods("GET")
	api.HandleFunc("/acl", s.aclApplyHandler).Methods("POST")
	api.HandleFunc("/acl/{domain}", s.aclCurrentHandler).Methods("GET")

	// Real-time updates via WebSocket
	s.router.HandleFunc("/ws", s.websocketHandler)

	// Prometheus metrics endpoint
	if s.components.Metrics != nil {
		s.router.Handle(s.metricsPath, s.components.Metrics.Handler())
	}
}

// Middleware
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrConfig):
		status = http.StatusBadRequest
	case errors.Is(err, errdefs.ErrTransport):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": what + " not available"})
}

// API handlers
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   version,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"timestamp":         time.Now().UTC(),
		"websocket_clients": s.clientCount(),
	}

	if s.components.Metrics != nil {
		stats["stats"] = s.components.Metrics.GetStats()
		if exported, err := s.components.Metrics.ExportMetrics(); err == nil {
			stats["metrics"] = exported
		}
	}

	if s.components.ACL != nil {
		stats["acl"] = s.components.ACL.GetStats()
	}

	s.writeJSON(w, http.StatusOK, stats)
}

type diagnoseRequest struct {
	Domain string `json:"domain"`
	Policy string `json:"policy"`
	Day    string `json:"day"`
	Apply  bool   `json:"apply"`
	// Rewrite replaces the live blacklist instead of merging with it.
	Rewrite bool `json:"rewrite"`
}

// DiagnoseResult is a diagnosis and, when applied, the ACL change it made.
type DiagnoseResult struct {
	Diagnosis *detector.Diagnosis `json:"diagnosis"`
	Update    *firewall.Update    `json:"update,omitempty"`
}

func (s *Server) diagnoseHandler(w http.ResponseWriter, r *http.Request) {
	if s.components.Engine == nil {
		s.unavailable(w, "diagnostic engine")
		return
	}

	var req diagnoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errdefs.Configf("invalid request body: %v", err))
		return
	}
	if req.Domain == "" {
		req.Domain = s.components.Domain
	}
	if req.Policy == "" && s.components.Policy != nil {
		req.Policy = s.components.Policy()
	}

	day := time.Now()
	if req.Day != "" {
		var err error
		if day, err = time.ParseInLocation(logs.DayLayout, req.Day, time.Local); err != nil {
			s.writeError(w, errdefs.Configf("invalid day %q", req.Day))
			return
		}
	}

	resp, err := s.Diagnose(r.Context(), req.Domain, req.Policy, day, req.Apply, req.Rewrite)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// Diagnose evaluates policy for domain and, when apply is set, blacklists
// the flagged IPs. Results are broadcast and handed to the notifier.
func (s *Server) Diagnose(ctx context.Context, domain, policy string, day time.Time, apply, rewrite bool) (*DiagnoseResult, error) {
	if domain == "" {
		return nil, errdefs.Configf("domain is required")
	}

	d, err := s.components.Engine.Diagnose(ctx, policy, day, domain)
	if err != nil {
		return nil, err
	}
	s.BroadcastUpdate("diagnosis", d)
	if s.components.Notifier != nil {
		s.components.Notifier.SendDiagnosis(d)
	}

	resp := &DiagnoseResult{Diagnosis: d}
	if !apply || len(d.IPs) == 0 {
		return resp, nil
	}
	if s.components.ACL == nil {
		return nil, fmt.Errorf("acl manager not available")
	}

	req := firewall.Request{
		Domain:  domain,
		Mode:    firewall.ModeBlack,
		Entries: d.IPs.Sorted(),
		Rewrite: rewrite,
		Reason:  "diagnosis " + d.ID,
	}
	if resp.Update, err = s.applyACL(ctx, req); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) applyACL(ctx context.Context, req firewall.Request) (*firewall.Update, error) {
	update, err := s.components.ACL.Apply(ctx, req)
	if err != nil {
		return nil, err
	}
	s.BroadcastUpdate("acl_update", update)
	if s.components.Notifier != nil {
		s.components.Notifier.SendACLUpdate(req, update)
	}
	return update, nil
}

type searchResponse struct {
	Domain  string                `json:"domain"`
	Start   string                `json:"start"`
	End     string                `json:"end"`
	Terms   []patterns.Term       `json:"terms"`
	Objects int                   `json:"objects"`
	Total   int                   `json:"total"`
	Lines   []string              `json:"lines"`
	Entries []*logparser.LogEntry `json:"entries,omitempty"`
	Errors  []string              `json:"errors,omitempty"`
}

// logSearchHandler filters a date range of logs. Every q parameter is a
// term; a leading "!!" excludes.
func (s *Server) logSearchHandler(w http.ResponseWriter, r *http.Request) {
	if s.components.Fetcher == nil {
		s.unavailable(w, "log fetcher")
		return
	}

	query := r.URL.Query()
	domain := query.Get("domain")
	if domain == "" {
		domain = s.components.Domain
	}
	if domain == "" {
		s.writeError(w, errdefs.Configf("domain is required"))
		return
	}

	today := time.Now().Format(logs.DayLayout)
	startStr, endStr := valueOr(query.Get("start"), today), valueOr(query.Get("end"), today)
	start, err := time.ParseInLocation(logs.DayLayout, startStr, time.Local)
	if err != nil {
		s.writeError(w, errdefs.Configf("invalid start %q", startStr))
		return
	}
	end, err := time.ParseInLocation(logs.DayLayout, endStr, time.Local)
	if err != nil {
		s.writeError(w, errdefs.Configf("invalid end %q", endStr))
		return
	}

	limit := defaultSearchLimit
	if l := query.Get("limit"); l != "" {
		if limit, err = strconv.Atoi(l); err != nil || limit <= 0 {
			s.writeError(w, errdefs.Configf("invalid limit %q", l))
			return
		}
	}
	parsed := query.Get("parsed") == "true"

	filter := patterns.NewFilter(query["q"])
	stream, err := s.components.Fetcher.FetchRange(r.Context(), start, end, domain)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := searchResponse{
		Domain:  domain,
		Start:   startStr,
		End:     endStr,
		Terms:   filter.Terms(),
		Objects: stream.Objects(),
		Lines:   []string{},
	}
	for _, line := range filter.Collect(stream.Lines()) {
		resp.Total++
		if len(resp.Lines) >= limit {
			continue
		}
		resp.Lines = append(resp.Lines, line)
		if parsed {
			if entry, err := s.parser.ParseLine(line); err == nil {
				resp.Entries = append(resp.Entries, entry)
			}
		}
	}

	if err := stream.Err(); err != nil {
		if len(resp.Lines) == 0 && resp.Objects > 0 && !errors.Is(err, errdefs.ErrDecode) {
			s.writeError(w, err)
			return
		}
		resp.Errors = append(resp.Errors, err.Error())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func (s *Server) aclHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.components.ACL == nil {
		s.unavailable(w, "acl manager")
		return
	}
	history := s.components.ACL.History()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"updates": history,
		"total":   len(history),
	})
}

func (s *Server) aclCurrentHandler(w http.ResponseWriter, r *http.Request) {
	if s.components.ACL == nil {
		s.unavailable(w, "acl manager")
		return
	}
	domain := mux.Vars(r)["domain"]
	acl, err := s.components.ACL.Current(r.Context(), domain)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"domain":  domain,
		"mode":    acl.Mode.String(),
		"entries": acl.Entries,
	})
}

func (s *Server) aclApplyHandler(w http.ResponseWriter, r *http.Request) {
	if s.components.ACL == nil {
		s.unavailable(w, "acl manager")
		return
	}

	var request struct {
		Domain  string   `json:"domain"`
		Mode    string   `json:"mode"`
		Entries []string `json:"entries"`
		Rewrite bool     `json:"rewrite"`
		Reason  string   `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, errdefs.Configf("invalid request body: %v", err))
		return
	}

	mode, err := firewall.ParseMode(request.Mode)
	if err != nil {
		s.writeError(w, err)
		return
	}

	update, err := s.applyACL(r.Context(), firewall.Request{
		Domain:  valueOr(request.Domain, s.components.Domain),
		Mode:    mode,
		Entries: request.Entries,
		Rewrite: request.Rewrite,
		Reason:  request.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, update)
}

// WebSocket handler for real-time updates
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	writeMutex := &sync.Mutex{}
	s.clientsMutex.Lock()
	s.clients[conn] = writeMutex
	total := len(s.clients)
	s.clientsMutex.Unlock()
	s.logger.Infof("New WebSocket client connected. Total clients: %d", total)

	writeMutex.Lock()
	conn.WriteJSON(map[string]interface{}{
		"type":      "connected",
		"timestamp": time.Now().UTC(),
		"message":   "Connected to cdn-defender real-time updates",
	})
	writeMutex.Unlock()

	// Keep connection alive and handle client disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.removeClient(conn)
			break
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMutex.Lock()
	delete(s.clients, conn)
	total := len(s.clients)
	s.clientsMutex.Unlock()
	s.logger.Infof("WebSocket client disconnected. Total clients: %d", total)
}

func (s *Server) clientCount() int {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	return len(s.clients)
}

// BroadcastUpdate broadcasts an update to all WebSocket clients
func (s *Server) BroadcastUpdate(updateType string, data interface{}) {
	message := map[string]interface{}{
		"type":      updateType,
		"data":      data,
		"timestamp": time.Now().UTC(),
	}

	s.clientsMutex.Lock()
	clients := make(map[*websocket.Conn]*sync.Mutex, len(s.clients))
	for conn, m := range s.clients {
		clients[conn] = m
	}
	s.clientsMutex.Unlock()

	for client, writeMutex := range clients {
		writeMutex.Lock()
		err := client.WriteJSON(message)
		writeMutex.Unlock()
		if err != nil {
			client.Close()
			s.removeClient(client)
		}
	}
}

// Watch runs a diagnosis for every domain on each tick until ctx is done.
// Failures are logged and do not stop the loop.
func (s *Server) Watch(ctx context.Context, interval time.Duration, domains []string, apply, rewrite bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			policy := ""
			if s.components.Policy != nil {
				policy = s.components.Policy()
			}
			for _, domain := range domains {
				if _, err := s.Diagnose(ctx, domain, policy, time.Now(), apply, rewrite); err != nil {
					s.logger.WithError(err).WithField("domain", domain).Error("Scheduled diagnosis failed")
				}
			}
		}
	}
}

// Start starts the web server
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")

	s.clientsMutex.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clientsMutex.Unlock()

	return s.httpServer.Shutdown(ctx)
}
