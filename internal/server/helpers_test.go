package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardrelay/internal/auth"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/board"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/database"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/ink"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "boardrelay-test-secret"
	testIssuer        = "boardrelay"
	testCookieName    = "app_session"
	testSessionID     = "lesson-1"
	frameWait         = 2 * time.Second
	quietWait         = 150 * time.Millisecond
)

type testServer struct {
	server  *httptest.Server
	issuer  *auth.TokenIssuer
	service *board.Service
	hub     *relay.Hub
	metrics *metrics.Collector
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "boardrelay.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	service, err := board.NewService(board.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build board service: %v", err)
	}

	collector := metrics.New()
	registry := relay.NewRegistry(relay.RegistryConfig{SendBuffer: 32})
	hub, err := relay.NewHub(relay.HubConfig{
		Registry: registry,
		Engine:   ink.NewEngine(ink.EngineConfig{MaxUpdateBytes: 1024}),
		Metrics:  collector,
	})
	if err != nil {
		t.Fatalf("failed to build hub: %v", err)
	}
	t.Cleanup(registry.Close)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		BoardService:     service,
		Hub:              hub,
		Metrics:          collector,
		Logger:           zap.NewNop(),
		Relay:            RelayConfig{WriteTimeout: time.Second, PingInterval: time.Second, MaxMessageBytes: 4096},
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testServer{server: server, issuer: issuer, service: service, hub: hub, metrics: collector}
}

func (s *testServer) mintToken(t *testing.T, subject string, sessionIDs ...string) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(context.Background(), auth.TokenRequest{
		Subject:    subject,
		Roles:      []string{"tutor"},
		SessionIDs: sessionIDs,
	})
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return token
}

func (s *testServer) socketURL(sessionID, channel, token string) string {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/sessions/" + sessionID + "/" + channel
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func (s *testServer) dial(t *testing.T, sessionID, channel, token string) *websocket.Conn {
	t.Helper()
	socket, response, err := websocket.DefaultDialer.Dial(s.socketURL(sessionID, channel, token), nil)
	if err != nil {
		t.Fatalf("failed to dial %s socket: %v", channel, err)
	}
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	t.Cleanup(func() { _ = socket.Close() })
	return socket
}

func (s *testServer) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := s.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func readFrame(t *testing.T, socket *websocket.Conn) (int, []byte) {
	t.Helper()
	_ = socket.SetReadDeadline(time.Now().Add(frameWait))
	messageType, payload, err := socket.ReadMessage()
	if err != nil {
		t.Fatalf("expected a frame, got error: %v", err)
	}
	return messageType, payload
}

// expectSilence leaves the socket unusable for further reads.
func expectSilence(t *testing.T, socket *websocket.Conn) {
	t.Helper()
	_ = socket.SetReadDeadline(time.Now().Add(quietWait))
	if _, payload, err := socket.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, got %q", payload)
	}
}

func expectCloseCode(t *testing.T, socket *websocket.Conn, code int) {
	t.Helper()
	_ = socket.SetReadDeadline(time.Now().Add(frameWait))
	_, _, err := socket.ReadMessage()
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("expected close code %d, got %v", code, err)
	}
}
