package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"carebridge/internal/alerts"
	"carebridge/internal/api"
	"carebridge/internal/auth"
	"carebridge/internal/config"
	"carebridge/pkg/types"
)

const (
	testSecret = "app-test-secret-0123456789"
	testSDP    = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 1
	cfg.Auth.Secret = testSecret
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.db")
	cfg.Audit.RetryDelay = 10 * time.Millisecond
	return cfg
}

// startApp binds an ephemeral port and serves until the test ends.
func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	application, err := NewApplication(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	application.httpServer.Addr = "127.0.0.1:0"
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- application.Serve() }()
	t.Cleanup(func() {
		_ = application.Close()
		if err := <-served; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return application
}

func issue(t *testing.T, identity string, role types.Role) string {
	t.Helper()
	r, err := auth.NewResolver(auth.Config{Secret: testSecret, Issuer: "carebridge"})
	if err != nil {
		t.Fatal(err)
	}
	token, err := r.Issue(identity, role, identity, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func dial(t *testing.T, application *Application, token string) *websocket.Conn {
	t.Helper()
	url := "ws://" + application.Addr() + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// expect reads frames until one named event arrives.
func expect(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event == event {
			return f
		}
	}
}

// never asserts that event does not arrive within d.
func never(t *testing.T, conn *websocket.Conn, event string, d time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(d))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			t.Fatalf("read: %v", err)
		}
		if f.Event == event {
			t.Fatalf("unexpected %s: %s", event, f.Data)
		}
	}
}

// waitOnline polls presence so tests do not race the hub's connect.
func waitOnline(t *testing.T, application *Application, identities ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for _, id := range identities {
		for !application.registry.IsOnline(id) {
			if time.Now().After(deadline) {
				t.Fatalf("%s never came online", id)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestNewApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Secret = ""
	if _, err := NewApplication(cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for missing secret")
	}
	if _, err := NewApplication(nil, zerolog.Nop()); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestApplication_ExampleScenario(t *testing.T) {
	application := startApp(t, testConfig(t))

	student := dial(t, application, issue(t, "S", types.RoleStudent))
	counsellor := dial(t, application, issue(t, "C", types.RoleCounsellor))
	waitOnline(t, application, "S", "C")

	if !application.rooms.IsMember("C", types.RoomCounsellors) {
		t.Fatal("counsellor did not auto-join role:counsellors")
	}

	send(t, student, types.EventPrivateMessage, map[string]any{"recipientId": "C", "payload": "hello"})

	var msg types.Message
	if err := json.Unmarshal(expect(t, counsellor, types.EventPrivateMessage).Data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Payload != "hello" || msg.SenderID != "S" || msg.ID == "" {
		t.Errorf("message = %+v", msg)
	}

	var ack types.Ack
	if err := json.Unmarshal(expect(t, student, types.EventMessageSent).Data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.MessageID != msg.ID {
		t.Errorf("ack id %q != message id %q", ack.MessageID, msg.ID)
	}

	delivery, err := application.Notifier().EmitCrisisAlert(context.Background(), alerts.CrisisInput{
		UserID: "S",
		Source: types.SourceScreening,
	})
	if err != nil {
		t.Fatalf("EmitCrisisAlert: %v", err)
	}
	if delivery.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivery.Delivered)
	}

	var alert types.Alert
	if err := json.Unmarshal(expect(t, counsellor, "notification:crisis_alert").Data, &alert); err != nil {
		t.Fatal(err)
	}
	if alert.Severity != types.SeverityCritical || alert.SubjectID != "S" {
		t.Errorf("alert = %+v", alert)
	}
	never(t, student, "notification:crisis_alert", 200*time.Millisecond)

	req, _ := http.NewRequest(http.MethodGet, "http://"+application.Addr()+"/api/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, "A", types.RoleAdmin))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var audited api.AlertsResponse
	if err := json.NewDecoder(resp.Body).Decode(&audited); err != nil {
		t.Fatal(err)
	}
	if audited.Count != 1 || audited.Alerts[0].ID != alert.ID {
		t.Errorf("audited = %+v", audited)
	}
}

func TestApplication_CallOverWebsocket(t *testing.T) {
	application := startApp(t, testConfig(t))

	student := dial(t, application, issue(t, "S", types.RoleStudent))
	counsellor := dial(t, application, issue(t, "C", types.RoleCounsellor))
	waitOnline(t, application, "S", "C")

	offer := map[string]any{"type": "offer", "sdp": testSDP}
	send(t, student, types.EventInitiateCall, map[string]any{"calleeId": "C", "offer": offer, "callType": "video"})
	expect(t, counsellor, types.EventIncomingCall)

	answer := map[string]any{"type": "answer", "sdp": testSDP}
	send(t, counsellor, types.EventCallAccepted, map[string]any{"callerId": "S", "answer": answer})
	expect(t, student, types.EventCallAccepted)

	// Dropping the student's socket ends the call for the counsellor.
	_ = student.Close()
	expect(t, counsellor, types.EventCallEnded)
}

func TestApplication_RejectsBadCredential(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.AllowAnonymous = false
	application := startApp(t, cfg)

	for name, token := range map[string]string{"missing": "", "invalid": "not-a-jwt"} {
		t.Run(name, func(t *testing.T) {
			url := "ws://" + application.Addr() + "/ws"
			if token != "" {
				url += "?token=" + token
			}
			_, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if err == nil {
				t.Fatal("dial should fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("response = %v", resp)
			}
		})
	}
}

func TestApplication_StopClosesConnections(t *testing.T) {
	application := startApp(t, testConfig(t))
	conn := dial(t, application, issue(t, "S", types.RoleStudent))
	waitOnline(t, application, "S")

	if err := application.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("connection still open after shutdown")
			}
			break
		}
	}
	if len(application.registry.All()) != 0 {
		t.Error("registry not cleared")
	}
}

func TestApplication_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	application, err := NewApplication(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	application.httpServer.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for application.Addr() == "127.0.0.1:0" {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + application.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
