// Package api serves the HTTP surface: health, monitoring and staff
// queries. The websocket endpoint is mounted here as well.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"carebridge/internal/audit"
	"carebridge/internal/rooms"
	"carebridge/pkg/interfaces"
	"carebridge/pkg/types"
)

// Registry is the read side of the connection registry.
type Registry interface {
	GetStats() map[string]int
	CountByRole() map[types.Role]int
	IsOnline(identity string) bool
}

// Rooms is the read side of the room manager.
type Rooms interface {
	Room(roomID string) (rooms.Info, bool)
	Stats() map[string]int
}

// Calls is the read side of call signaling.
type Calls interface {
	Stats() map[string]int
}

// AlertLog is the read side of the audit store.
type AlertLog interface {
	RecentAlerts(ctx context.Context, limit int) ([]*types.Alert, error)
	HealthCheck(ctx context.Context) error
}

// Deps are the components the API reads from. WebSocket is optional.
type Deps struct {
	Registry  Registry
	Rooms     Rooms
	Calls     Calls
	Alerts    AlertLog
	Resolver  interfaces.IdentityResolver
	WebSocket http.Handler
}

// Server routes HTTP requests. It holds no state of its own.
type Server struct {
	deps           Deps
	router         chi.Router
	allowedOrigins []string
	started        time.Time
	log            zerolog.Logger
}

// NewServer builds the router.
func NewServer(deps Deps, allowedOrigins []string, logger zerolog.Logger) *Server {
	s := &Server{
		deps:           deps,
		allowedOrigins: allowedOrigins,
		started:        time.Now(),
		log:            logger.With().Str("component", "api").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if s.deps.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", s.deps.WebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.corsMiddleware)
		r.Use(jsonMiddleware)

		r.Get("/health", s.healthCheck)
		r.Route("/api", func(api chi.Router) {
			api.Get("/stats", s.stats)

			api.With(s.requireAuth(false)).Get("/presence/{identity}", s.presence)

			api.Group(func(staff chi.Router) {
				staff.Use(s.requireAuth(true))
				staff.Get("/rooms/{roomId}/participants", s.participants)
				staff.Get("/alerts", s.recentAlerts)
			})
		})
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	System      SystemInfo     `json:"system"`
}

type SystemInfo struct {
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	ProcessRSSMB  float64 `json:"process_rss_mb"`
}

type StatsResponse struct {
	Timestamp   time.Time          `json:"timestamp"`
	Connections map[string]int     `json:"connections"`
	ByRole      map[types.Role]int `json:"by_role"`
	Rooms       map[string]int     `json:"rooms"`
	Calls       map[string]int     `json:"calls"`
}

type PresenceResponse struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

type AlertsResponse struct {
	Alerts []*types.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health. Returns 503 when the audit store is unreachable.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.deps.Alerts.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.deps.Registry.GetStats(),
		System:      s.systemInfo(),
	}
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

// systemInfo is best effort: host metrics that cannot be read stay zero.
func (s *Server) systemInfo() SystemInfo {
	info := SystemInfo{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		info.CPUPercent = pct[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		info.MemoryUsedMB = float64(vmem.Used) / 1024 / 1024
		info.MemoryPercent = vmem.UsedPercent
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if m, err := proc.MemoryInfo(); err == nil {
			info.ProcessRSSMB = float64(m.RSS) / 1024 / 1024
		}
	}
	return info
}

// GET /api/stats
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Timestamp:   time.Now(),
		Connections: s.deps.Registry.GetStats(),
		ByRole:      s.deps.Registry.CountByRole(),
		Rooms:       s.deps.Rooms.Stats(),
		Calls:       s.deps.Calls.Stats(),
	})
}

// GET /api/presence/{identity}
func (s *Server) presence(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if !types.IsValidIdentity(identity) {
		s.sendError(w, types.ErrInvalidIdentity.Message, http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, PresenceResponse{Identity: identity, Online: s.deps.Registry.IsOnline(identity)})
}

// GET /api/rooms/{roomId}/participants. Unknown rooms are empty, not 404:
// rooms exist only while occupied.
func (s *Server) participants(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	kind, ok := types.KindOf(roomID)
	if !ok {
		s.sendError(w, types.ErrInvalidRoomID.Message, http.StatusBadRequest)
		return
	}
	if err := types.ValidateRoom(roomID, kind); err != nil {
		s.sendError(w, types.ErrInvalidRoomID.Message, http.StatusBadRequest)
		return
	}
	info, ok := s.deps.Rooms.Room(roomID)
	if !ok {
		info = rooms.Info{ID: roomID, Kind: kind, Participants: []string{}}
	}
	s.writeJSON(w, http.StatusOK, info)
}

// GET /api/alerts?limit=N
func (s *Server) recentAlerts(w http.ResponseWriter, r *http.Request) {
	limit := audit.DefaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	alerts, err := s.deps.Alerts.RecentAlerts(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read alerts")
		s.sendError(w, "Failed to read alerts", http.StatusInternalServerError)
		return
	}
	if alerts == nil {
		alerts = []*types.Alert{}
	}
	s.writeJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts, Count: len(alerts)})
}

type principalKey struct{}

// PrincipalFrom returns the principal attached by requireAuth.
func PrincipalFrom(ctx context.Context) (types.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(types.Principal)
	return p, ok
}

// requireAuth resolves the bearer token; staffOnly additionally requires a
// counsellor, admin or moderator role.
func (s *Server) requireAuth(staffOnly bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				s.sendError(w, "bearer token required", http.StatusUnauthorized)
				return
			}
			p, err := s.deps.Resolver.Resolve(strings.TrimSpace(token))
			if err != nil {
				var te *types.Error
				msg := "invalid credential"
				if errors.As(err, &te) {
					msg = te.Message
				}
				s.sendError(w, msg, http.StatusUnauthorized)
				return
			}
			if staffOnly && !p.Role.IsStaff() {
				s.sendError(w, "staff role required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin. No
// configured origins means any origin.
func (s *Server) allowOrigin(origin string) string {
	if len(s.allowedOrigins) == 0 {
		return "*"
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
