package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"carebridge/internal/auth"
	"carebridge/internal/conntest"
	"carebridge/internal/rooms"
	"carebridge/internal/websocket"
	"carebridge/pkg/types"
)

type fakeAlertLog struct {
	alerts    []*types.Alert
	healthErr error
	lastLimit int
}

func (f *fakeAlertLog) RecentAlerts(_ context.Context, limit int) ([]*types.Alert, error) {
	f.lastLimit = limit
	if limit < len(f.alerts) {
		return f.alerts[:limit], nil
	}
	return f.alerts, nil
}

func (f *fakeAlertLog) HealthCheck(context.Context) error { return f.healthErr }

type fakeCalls struct{}

func (fakeCalls) Stats() map[string]int {
	return map[string]int{"active_calls": 1, "ringing": 1, "connected": 0}
}

type testServer struct {
	server   *Server
	registry *websocket.Registry
	rooms    *rooms.Manager
	alerts   *fakeAlertLog
	resolver *auth.Resolver
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	registry := websocket.NewRegistry(true, zerolog.Nop())
	roomManager := rooms.NewManager(registry, rooms.DefaultPolicy(), zerolog.Nop())
	resolver, err := auth.NewResolver(auth.Config{Secret: "api-test-secret-0123"})
	if err != nil {
		t.Fatal(err)
	}
	alerts := &fakeAlertLog{}
	server := NewServer(Deps{
		Registry: registry,
		Rooms:    roomManager,
		Calls:    fakeCalls{},
		Alerts:   alerts,
		Resolver: resolver,
	}, nil, zerolog.Nop())
	return &testServer{server: server, registry: registry, rooms: roomManager, alerts: alerts, resolver: resolver}
}

func (ts *testServer) token(t *testing.T, identity string, role types.Role) string {
	t.Helper()
	token, err := ts.resolver.Issue(identity, role, "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (ts *testServer) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) connect(t *testing.T, identity string, role types.Role) *conntest.Recorder {
	t.Helper()
	conn := conntest.New(identity, role)
	if _, err := ts.registry.Register(conn); err != nil {
		t.Fatal(err)
	}
	return conn
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v (body %q)", v, err, rec.Body.String())
	}
	return v
}

func TestServer_HealthCheck(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "s1", types.RoleStudent)

	rec := ts.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	health := decode[HealthResponse](t, rec)
	if health.Status != "healthy" || health.Database != "healthy" {
		t.Errorf("health = %+v", health)
	}
	if health.Connections["total_connections"] != 1 {
		t.Errorf("connections = %v", health.Connections)
	}
	if health.System.Goroutines <= 0 {
		t.Errorf("system = %+v", health.System)
	}

	ts.alerts.healthErr = errors.New("disk gone")
	rec = ts.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d", rec.Code)
	}
	if health := decode[HealthResponse](t, rec); health.Status != "unhealthy" {
		t.Errorf("health = %+v", health)
	}
}

func TestServer_Stats(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "s1", types.RoleStudent)
	ts.connect(t, "c1", types.RoleCounsellor)
	ts.connect(t, "c2", types.RoleCounsellor)
	if _, err := ts.rooms.Join(types.Principal{Identity: "c1", Role: types.RoleCounsellor}, types.RoomCounsellors, types.RoomKindRole); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	stats := decode[StatsResponse](t, rec)
	if stats.ByRole[types.RoleCounsellor] != 2 || stats.ByRole[types.RoleStudent] != 1 || stats.ByRole[types.RoleAdmin] != 0 {
		t.Errorf("by role = %v", stats.ByRole)
	}
	if stats.Connections["online_identities"] != 3 {
		t.Errorf("connections = %v", stats.Connections)
	}
	if stats.Calls["active_calls"] != 1 {
		t.Errorf("calls = %v", stats.Calls)
	}
	if len(stats.Rooms) == 0 {
		t.Error("room stats missing")
	}
}

func TestServer_Presence(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "c1", types.RoleCounsellor)
	student := ts.token(t, "s1", types.RoleStudent)

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
		wantOnline bool
	}{
		{"online", "/api/presence/c1", student, http.StatusOK, true},
		{"offline", "/api/presence/c9", student, http.StatusOK, false},
		{"invalid identity", "/api/presence/bad%20id", student, http.StatusBadRequest, false},
		{"no token", "/api/presence/c1", "", http.StatusUnauthorized, false},
		{"bad token", "/api/presence/c1", "garbage", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, tt.path, tt.token)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if p := decode[PresenceResponse](t, rec); p.Online != tt.wantOnline {
				t.Errorf("presence = %+v", p)
			}
		})
	}
}

func TestServer_Participants(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "c1", types.RoleCounsellor)
	ts.connect(t, "c2", types.RoleCounsellor)
	for _, id := range []string{"c1", "c2"} {
		if _, err := ts.rooms.Join(types.Principal{Identity: id, Role: types.RoleCounsellor}, types.RoomCounsellors, types.RoomKindRole); err != nil {
			t.Fatal(err)
		}
	}
	admin := ts.token(t, "a1", types.RoleAdmin)
	student := ts.token(t, "s1", types.RoleStudent)

	rec := ts.do(http.MethodGet, "/api/rooms/role:counsellors/participants", admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	info := decode[rooms.Info](t, rec)
	if info.Kind != types.RoomKindRole || len(info.Participants) != 2 || info.Participants[0] != "c1" || info.Participants[1] != "c2" {
		t.Errorf("info = %+v", info)
	}

	rec = ts.do(http.MethodGet, "/api/rooms/appointment:a9/participants", admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("empty room status = %d", rec.Code)
	}
	if info := decode[rooms.Info](t, rec); len(info.Participants) != 0 || info.Kind != types.RoomKindEphemeralSession {
		t.Errorf("empty room = %+v", info)
	}

	if rec := ts.do(http.MethodGet, "/api/rooms/nonsense/participants", admin); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed room status = %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/api/rooms/role:counsellors/participants", student); rec.Code != http.StatusForbidden {
		t.Errorf("student status = %d, want 403", rec.Code)
	}
}

func TestServer_RecentAlerts(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now().UTC()
	for _, id := range []string{"a3", "a2", "a1"} {
		ts.alerts.alerts = append(ts.alerts.alerts, &types.Alert{ID: id, Type: types.AlertCrisis, Severity: types.SeverityCritical, Timestamp: now})
	}
	moderator := ts.token(t, "m1", types.RoleModerator)

	rec := ts.do(http.MethodGet, "/api/alerts?limit=2", moderator)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	resp := decode[AlertsResponse](t, rec)
	if resp.Count != 2 || resp.Alerts[0].ID != "a3" || ts.alerts.lastLimit != 2 {
		t.Errorf("resp = %+v, limit %d", resp, ts.alerts.lastLimit)
	}

	ts.do(http.MethodGet, "/api/alerts", moderator)
	if ts.alerts.lastLimit != 50 {
		t.Errorf("default limit = %d", ts.alerts.lastLimit)
	}

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"bad limit", "/api/alerts?limit=abc", moderator, http.StatusBadRequest},
		{"zero limit", "/api/alerts?limit=0", moderator, http.StatusBadRequest},
		{"student", "/api/alerts", ts.token(t, "s1", types.RoleStudent), http.StatusForbidden},
		{"anonymous", "/api/alerts", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(http.MethodGet, tt.path, tt.token); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestServer_CORS(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodOptions, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	restricted := NewServer(ts.server.deps, []string{"https://app.example"}, zerolog.Nop())
	for origin, want := range map[string]string{
		"https://app.example":  "https://app.example",
		"https://evil.example": "",
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		restricted.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Errorf("origin %s: allow = %q, want %q", origin, got, want)
		}
	}
}

func TestServer_WebSocketMount(t *testing.T) {
	ts := newTestServer(t)
	called := false
	deps := ts.server.deps
	deps.WebSocket = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	server := NewServer(deps, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !called {
		t.Error("websocket handler not mounted at /ws")
	}
	if ct := rec.Header().Get("Content-Type"); ct == "application/json" {
		t.Error("json middleware must not wrap the websocket endpoint")
	}
}
