package api

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/srcquery/internal/config"
	"github.com/energizer-project/srcquery/internal/events"
	"github.com/energizer-project/srcquery/internal/protocol"
	"github.com/energizer-project/srcquery/internal/server"
	"github.com/energizer-project/srcquery/internal/telemetry"
)

const testToken = "s3cret"

// udpResponder answers every datagram with reply(request).
func udpResponder(t *testing.T, reply func(req []byte) []byte) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			if out := reply(append([]byte(nil), buf[:n]...)); out != nil {
				conn.WriteToUDPAddrPort(out, from)
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func infoReply(req []byte) []byte {
	if len(req) < 5 || req[4] != protocol.A2SInfoRequest {
		return nil
	}
	return protocol.NewPacketBuilder().
		WriteInt32(protocol.HeaderSingle).
		WriteUint8(protocol.A2SInfoResponse).
		WriteUint8(17).
		WriteString("Test Server").
		WriteString("de_inferno").
		WriteString("csgo").
		WriteString("Counter-Strike").
		WriteUint16(730).
		WriteUint8(3).
		WriteUint8(10).
		WriteUint8(0).
		WriteUint8('d').
		WriteUint8('l').
		WriteUint8(0).
		WriteUint8(1).
		WriteString("1.38").
		Build()
}

func masterReply(req []byte) []byte {
	if len(req) < 2 || req[0] != protocol.MasterQueryRequest {
		return nil
	}
	return protocol.NewPacketBuilder().
		WriteInt32(protocol.HeaderSingle).
		WriteUint8(protocol.MasterQueryResponse).
		WriteUint8(protocol.MasterResponseSeparator).
		WriteBytes([]byte{10, 0, 0, 1}).WriteUint16BE(27015).
		WriteBytes([]byte{10, 0, 0, 2}).WriteUint16BE(27016).
		WriteBytes([]byte{0, 0, 0, 0, 0, 0}).
		Build()
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *server.Manager) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.Token = testToken
	cfg.API.RateLimitRPS = 0
	cfg.Query.TimeoutMS = 300
	cfg.Query.InfoGraceMS = 20
	if mutate != nil {
		mutate(cfg)
	}

	bus := events.NewEventBus()
	mgr := server.NewManager(cfg, bus)
	t.Cleanup(func() {
		mgr.Shutdown()
		bus.Stop()
	})
	return NewServer(cfg, bus, mgr, server.NewLatencyMonitor(bus)), mgr
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %s", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response %q: %s", w.Body.String(), err)
	}
	return out
}

func TestPublicPing(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := doRequest(t, s, http.MethodGet, "/api/public/ping", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode(t, w)["status"]; got != "ok" {
		t.Fatalf("unexpected status %v", got)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}
}

func TestTokenRequired(t *testing.T) {
	s, _ := newTestServer(t, nil)

	t.Run("missing", func(t *testing.T) {
		w := doRequest(t, s, http.MethodGet, "/api/servers", nil, "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})
	t.Run("wrong", func(t *testing.T) {
		w := doRequest(t, s, http.MethodGet, "/api/servers", nil, "nope")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})
	t.Run("valid", func(t *testing.T) {
		w := doRequest(t, s, http.MethodGet, "/api/servers", nil, testToken)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	})
}

func TestServerLifecycle(t *testing.T) {
	port := udpResponder(t, infoReply)
	s, mgr := newTestServer(t, nil)

	addr := "127.0.0.1:" + strconv.Itoa(port)
	persist := false
	w := doRequest(t, s, http.MethodPost, "/api/servers", addServerRequest{Name: "test", Address: addr, Persist: &persist}, testToken)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodPost, "/api/servers", addServerRequest{Address: addr, Persist: &persist}, testToken)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", w.Code)
	}

	w = doRequest(t, s, http.MethodGet, "/api/servers/"+addr+"/info", nil, testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["app_id"] != float64(730) {
		t.Fatalf("unexpected app id %v", body["app_id"])
	}
	info := body["info"].(map[string]interface{})
	if info["map"] != "de_inferno" {
		t.Fatalf("unexpected map %v", info["map"])
	}

	w = doRequest(t, s, http.MethodGet, "/api/servers", nil, testToken)
	list := decode(t, w)
	if list["total"] != float64(1) {
		t.Fatalf("expected 1 server, got %v", list["total"])
	}

	w = doRequest(t, s, http.MethodPost, "/api/servers/"+addr+"/rcon", map[string]string{"command": "status"}, testToken)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 without rcon, got %d", w.Code)
	}

	w = doRequest(t, s, http.MethodDelete, "/api/servers/"+addr+"?persist=false", nil, testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(mgr.List()) != 0 {
		t.Fatalf("server still monitored")
	}

	w = doRequest(t, s, http.MethodGet, "/api/servers/"+addr+"/info", nil, testToken)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAddServerRejectsHostname(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := doRequest(t, s, http.MethodPost, "/api/servers", addServerRequest{Address: "example.com:27015"}, testToken)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMasterListing(t *testing.T) {
	port := udpResponder(t, masterReply)
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Master.Address = "127.0.0.1"
		cfg.Master.Port = port
	})

	q := url.Values{"region": {"europe"}, "filter": {`\appid\730`}}
	w := doRequest(t, s, http.MethodGet, "/api/master?"+q.Encode(), nil, testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["count"] != float64(2) || body["region"] != "europe" {
		t.Fatalf("unexpected listing %v", body)
	}

	w = doRequest(t, s, http.MethodGet, "/api/master?region=mars", nil, testToken)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad region, got %d", w.Code)
	}
}

func TestGetConfigRedactsPasswords(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Servers = []config.ServerConfig{{IP: "10.0.0.1", Port: 27015, RCONPassword: "hunter2"}}
	})
	w := doRequest(t, s, http.MethodGet, "/api/config", nil, testToken)
	if bytes.Contains(w.Body.Bytes(), []byte("hunter2")) {
		t.Fatalf("password leaked: %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, mgr := newTestServer(t, nil)

	if w := doRequest(t, s, http.MethodGet, "/api/metrics", nil, testToken); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", w.Code)
	}

	s.SetMetrics(telemetry.NewMetrics(s.eventBus, mgr).Handler())
	w := doRequest(t, s, http.MethodGet, "/api/metrics", nil, testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "srcquery_servers 0") {
		t.Fatalf("missing fleet gauge: %s", w.Body.String())
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()
	if !rl.allow("a", now) || !rl.allow("a", now) {
		t.Fatalf("burst of 2 should be allowed")
	}
	if rl.allow("a", now) {
		t.Fatalf("third request should be limited")
	}
	if !rl.allow("b", now) {
		t.Fatalf("limits are per client")
	}
	if !rl.allow("a", now.Add(time.Second)) {
		t.Fatalf("bucket should refill")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := map[string]string{
		"":           "",
		"Bearer abc": "abc",
		"bearer abc": "abc",
		"Basic abc":  "",
		"Bearerabc":  "",
		"Bearer a b": "a b",
	}
	for header, want := range tests {
		if got := extractBearerToken(header); got != want {
			t.Fatalf("extractBearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
