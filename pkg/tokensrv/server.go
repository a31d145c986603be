// Package tokensrv implements the dev token service: it mints room access
// tokens for callers so the console client can run end to end without an
// external backend.
package tokensrv

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves token requests over HTTP.
type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
	now    func() time.Time

	registry       *prometheus.Registry
	requestsTotal  *prometheus.CounterVec
	tokensIssued   prometheus.Counter
	tokensRejected prometheus.Counter
}

// New creates a token server.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vai_token",
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		},
		[]string{"endpoint", "status"},
	)
	tokensIssued := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vai_token",
		Name:      "tokens_issued_total",
		Help:      "Access tokens minted",
	})
	tokensRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vai_token",
		Name:      "tokens_rejected_total",
		Help:      "Token requests rejected",
	})
	registry.MustRegister(requestsTotal, tokensIssued, tokensRejected)

	s := &Server{
		cfg:            cfg,
		logger:         logger,
		mux:            http.NewServeMux(),
		now:            time.Now,
		registry:       registry,
		requestsTotal:  requestsTotal,
		tokensIssued:   tokensIssued,
		tokensRejected: tokensRejected,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/get-token", s.handleGetToken)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Handler returns the HTTP handler with CORS applied. The original browser
// front end calls the endpoint cross-origin, so responses are permissive.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":                 "ok",
		"timestamp":              s.now().UTC().Format(time.RFC3339),
		"room_server_configured": s.cfg.RoomServerURL != "",
	})
	s.requestsTotal.WithLabelValues("/healthz", "200").Inc()
}

type tokenRequest struct {
	Identity string `json:"identity"`
	Room     string `json:"room"`
}

type tokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url,omitempty"`
	Room  string `json:"room"`
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	endpoint := "/api/get-token"
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		s.requestsTotal.WithLabelValues(endpoint, "405").Inc()
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.tokensRejected.Inc()
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		s.requestsTotal.WithLabelValues(endpoint, "400").Inc()
		return
	}

	identity := strings.TrimSpace(req.Identity)
	room := strings.TrimSpace(req.Room)
	if identity == "" || room == "" {
		s.tokensRejected.Inc()
		s.writeError(w, http.StatusBadRequest, "missing identity or room")
		s.requestsTotal.WithLabelValues(endpoint, "400").Inc()
		return
	}

	token, err := s.mintToken(identity, room)
	if err != nil {
		s.logger.Error("token generation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "token generation failed")
		s.requestsTotal.WithLabelValues(endpoint, "500").Inc()
		return
	}

	s.logger.Info("token generated", "identity", identity, "room", room)
	s.tokensIssued.Inc()
	s.writeJSON(w, http.StatusOK, tokenResponse{
		Token: token,
		URL:   s.cfg.RoomServerURL,
		Room:  room,
	})
	s.requestsTotal.WithLabelValues(endpoint, strconv.Itoa(http.StatusOK)).Inc()
}

// mintToken signs an HS256 access token granting join/publish/subscribe for
// the requested room.
func (s *Server) mintToken(identity, room string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":           s.cfg.APIKey,
		"sub":           identity,
		"name":          identity,
		"room":          room,
		"can_publish":   true,
		"can_subscribe": true,
		"iat":           now.Unix(),
		"nbf":           now.Unix(),
		"exp":           now.Add(s.cfg.TokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.APISecret))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
