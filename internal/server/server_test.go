package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/srcquery/internal/a2s"
	"github.com/energizer-project/srcquery/internal/config"
	"github.com/energizer-project/srcquery/internal/events"
	"github.com/energizer-project/srcquery/internal/protocol"
	"github.com/energizer-project/srcquery/internal/rcon"
)

var testToken = []byte{0x01, 0x02, 0x03, 0x04}

// gameServer answers A2S requests on loopback. INFO is answered directly;
// PLAYER and RULES require a challenge.
type gameServer struct {
	conn *net.UDPConn
}

func newGameServer(t *testing.T) *gameServer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	t.Cleanup(func() { conn.Close() })
	g := &gameServer{conn: conn}
	go g.serve()
	return g
}

func (g *gameServer) addr() netip.AddrPort {
	return g.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (g *gameServer) serve() {
	buf := make([]byte, 1400)
	for {
		n, from, err := g.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		req := buf[:n]
		if n < 5 {
			continue
		}
		var reply []byte
		switch req[4] {
		case protocol.A2SInfoRequest:
			reply = infoPayload()
		case protocol.A2SChallengeRequest:
			reply = append([]byte{protocol.A2SChallengeResponse}, testToken...)
		case protocol.A2SPlayerRequest:
			if bytes.HasSuffix(req, testToken) {
				reply = protocol.NewPacketBuilder().
					WriteUint8(protocol.A2SPlayerResponse).
					WriteUint8(2).
					WriteUint8(0).WriteString("alice").WriteInt32(5).WriteFloat32(12).
					WriteUint8(1).WriteString("bob").WriteInt32(3).WriteFloat32(30).
					Build()
			} else {
				reply = append([]byte{protocol.A2SChallengeResponse}, testToken...)
			}
		case protocol.A2SRulesRequest:
			if bytes.HasSuffix(req, testToken) {
				reply = protocol.NewPacketBuilder().
					WriteUint8(protocol.A2SRulesResponse).
					WriteUint16(1).
					WriteString("sv_cheats").WriteString("0").
					Build()
			} else {
				reply = append([]byte{protocol.A2SChallengeResponse}, testToken...)
			}
		}
		if reply != nil {
			g.conn.WriteToUDPAddrPort(append([]byte{0xFF, 0xFF, 0xFF, 0xFF}, reply...), from)
		}
	}
}

func infoPayload() []byte {
	return protocol.NewPacketBuilder().
		WriteUint8(protocol.A2SInfoResponse).
		WriteUint8(17).
		WriteString("Arena").
		WriteString("cp_badlands").
		WriteString("tf").
		WriteString("Team Fortress").
		WriteUint16(440).
		WriteUint8(2).
		WriteUint8(24).
		WriteUint8(0).
		WriteUint8('d').
		WriteUint8('l').
		WriteUint8(0).
		WriteUint8(1).
		WriteString("1.0").
		Build()
}

// rconServer accepts one password and answers every command with "ok".
type rconServer struct {
	ln       net.Listener
	password string
}

func newRCONServer(t *testing.T, password string) *rconServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	s := &rconServer{ln: ln, password: password}
	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go s.handle(conn)
		}
	}()
	return s
}

func (s *rconServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *rconServer) handle(conn net.Conn) {
	var f rcon.Framer
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		packets, _ := f.Feed(buf[:n])
		for _, p := range packets {
			var replies []rcon.Packet
			switch p.Type {
			case rcon.TypeAuth:
				id := p.ID
				if string(p.Body) != s.password {
					id = -1
				}
				replies = []rcon.Packet{
					{ID: p.ID, Type: rcon.TypeResponseValue},
					{ID: id, Type: rcon.TypeAuthResponse},
				}
			case rcon.TypeExecCommand:
				body := []byte("ok")
				if len(p.Body) == 0 {
					body = nil
				}
				replies = []rcon.Packet{{ID: p.ID, Type: rcon.TypeResponseValue, Body: body}}
			}
			for _, r := range replies {
				data, _ := r.MarshalBinary()
				conn.Write(data)
			}
		}
	}
}

func newTestManager(t *testing.T) (*Manager, *events.EventBus) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Query.TimeoutMS = 300
	cfg.Query.InfoGraceMS = 20
	cfg.RCON.TimeoutMS = 1000
	cfg.RCON.BackoffMS = 10

	bus := events.NewEventBus()
	m := NewManager(cfg, bus)
	t.Cleanup(func() {
		m.Shutdown()
		bus.Stop()
	})
	return m, bus
}

func serverConfig(addr netip.AddrPort) config.ServerConfig {
	return config.ServerConfig{IP: addr.Addr().String(), Port: int(addr.Port())}
}

func TestManagerRefreshAll(t *testing.T) {
	g := newGameServer(t)
	m, bus := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statuses := bus.Watch(ctx, 4, events.EventServerStatus)

	inst, err := m.Add(ctx, serverConfig(g.addr()), false)
	if err != nil {
		t.Fatalf("add failed: %s", err)
	}

	results := m.RefreshAll(ctx, true)
	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Status != events.StatusOnline || results[0].Previous != events.StatusUnknown {
		t.Fatalf("status = %s (was %s), error %q", results[0].Status, results[0].Previous, results[0].Error)
	}

	snap := inst.State().Snapshot()
	if snap.Name != "Arena" || snap.Map != "cp_badlands" || snap.AppID != 440 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Players == nil || len(snap.Players.Players) != 2 {
		t.Fatalf("players = %+v", snap.Players)
	}
	if snap.Rules == nil || snap.Rules.Map()["sv_cheats"] != "0" {
		t.Fatalf("rules = %+v", snap.Rules)
	}

	select {
	case e := <-statuses:
		p := e.Payload.(events.ServerStatusPayload)
		if p.Address != inst.Address() || p.MaxPlayers != 24 {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}

	info := m.GetAllInfo()
	if len(info) != 1 || info[0].Name != "Arena" || info[0].RCON != "none" {
		t.Fatalf("info = %+v", info)
	}
}

func TestManagerOfflineServer(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	// Bound but never answering.
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr).AddrPort()

	m, _ := newTestManager(t)
	inst, err := m.Add(context.Background(), serverConfig(addr), false)
	if err != nil {
		t.Fatalf("add failed: %s", err)
	}

	p := inst.Refresh(context.Background(), false)
	if p.Status != events.StatusOffline || p.Error == "" {
		t.Fatalf("payload = %+v", p)
	}
	total, online, _ := m.Counts()
	if total != 1 || online != 0 {
		t.Fatalf("counts = %d/%d", total, online)
	}
}

func TestManagerAddRemove(t *testing.T) {
	g := newGameServer(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	sc := serverConfig(g.addr())
	if _, err := m.Add(ctx, sc, false); err != nil {
		t.Fatalf("add failed: %s", err)
	}
	if _, err := m.Add(ctx, sc, false); !errors.Is(err, ErrServerExists) {
		t.Fatalf("duplicate add err = %v", err)
	}
	if m.Registry().Count() != 1 {
		t.Fatalf("registry holds %d connections", m.Registry().Count())
	}

	if _, err := m.Lookup(g.addr().String()); err != nil {
		t.Fatalf("lookup failed: %s", err)
	}
	if err := m.Remove(ctx, g.addr().String(), false); err != nil {
		t.Fatalf("remove failed: %s", err)
	}
	if err := m.Remove(ctx, g.addr().String(), false); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("second remove err = %v", err)
	}
	if m.Registry().Count() != 0 {
		t.Fatalf("registry still holds %d connections", m.Registry().Count())
	}
}

func TestManagerRejectsHostname(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Add(context.Background(), config.ServerConfig{IP: "example.com", Port: 27015}, false)
	if err == nil {
		t.Fatal("expected error for hostname")
	}
}

func TestInstanceRCON(t *testing.T) {
	g := newGameServer(t)
	r := newRCONServer(t, "secret")
	m, _ := newTestManager(t)
	ctx := context.Background()

	sc := serverConfig(g.addr())
	sc.RCONPort = r.port()
	sc.RCONPassword = "secret"

	inst, err := m.Add(ctx, sc, false)
	if err != nil {
		t.Fatalf("add failed: %s", err)
	}
	if inst.RCONState() != "authenticated" {
		t.Fatalf("rcon state = %s", inst.RCONState())
	}
	out, err := inst.Exec(ctx, "status")
	if err != nil {
		t.Fatalf("exec failed: %s", err)
	}
	if out != "ok" {
		t.Fatalf("output = %q", out)
	}
	if _, _, sessions := m.Counts(); sessions != 1 {
		t.Fatalf("sessions = %d", sessions)
	}
}

func TestInstanceRCONWrongPassword(t *testing.T) {
	g := newGameServer(t)
	r := newRCONServer(t, "secret")
	m, _ := newTestManager(t)
	ctx := context.Background()

	sc := serverConfig(g.addr())
	sc.RCONPort = r.port()
	sc.RCONPassword = "wrong"

	inst, err := m.Add(ctx, sc, false)
	if err != nil {
		t.Fatalf("add failed: %s", err)
	}
	if inst.RCONState() != "password rejected" {
		t.Fatalf("rcon state = %s", inst.RCONState())
	}
	if n := m.KeepAliveRCON(ctx); n != 0 {
		t.Fatalf("keepalive retried a rejected session %d times", n)
	}
	if _, err := inst.Exec(ctx, "status"); !errors.Is(err, rcon.ErrNotAuthenticated) {
		t.Fatalf("exec err = %v", err)
	}

	if err := m.SetRCONPassword(ctx, inst.Address(), "secret", false); err != nil {
		t.Fatalf("set password failed: %s", err)
	}
	if inst.RCONState() != "authenticated" {
		t.Fatalf("rcon state after update = %s", inst.RCONState())
	}
}

func TestInstanceWithoutRCON(t *testing.T) {
	g := newGameServer(t)
	m, _ := newTestManager(t)

	inst, err := m.Add(context.Background(), serverConfig(g.addr()), false)
	if err != nil {
		t.Fatalf("add failed: %s", err)
	}
	if _, err := inst.Exec(context.Background(), "status"); !errors.Is(err, ErrNoRCON) {
		t.Fatalf("exec err = %v", err)
	}
}

func TestServerStateTransitions(t *testing.T) {
	s := NewServerState()
	failure := errors.New("timeout")

	if prev := s.RecordFailure(failure); prev != events.StatusUnknown {
		t.Fatalf("previous = %s", prev)
	}
	if s.GetStatus() != events.StatusOffline {
		t.Fatalf("never-seen server status = %s", s.GetStatus())
	}

	info := &a2s.InfoResult{Info: &a2s.SourceInfo{Name: "x"}}
	s.RecordSuccess(info, nil, nil, 20*time.Millisecond)
	if s.GetStatus() != events.StatusOnline {
		t.Fatalf("status = %s", s.GetStatus())
	}

	for i := 1; i < offlineAfter; i++ {
		s.RecordFailure(failure)
		if s.GetStatus() != events.StatusDegraded {
			t.Fatalf("after %d failures status = %s", i, s.GetStatus())
		}
	}
	s.RecordFailure(failure)
	if s.GetStatus() != events.StatusOffline {
		t.Fatalf("status = %s", s.GetStatus())
	}
	if snap := s.Snapshot(); snap.Failures != offlineAfter || snap.LastError != "timeout" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		in     string
		ip     string
		port   int
		family string
		ok     bool
	}{
		{"10.0.0.1:27015", "10.0.0.1", 27015, "ipv4", true},
		{"[::1]:27016", "::1", 27016, "ipv6", true},
		{"[::ffff:10.0.0.1]:27015", "10.0.0.1", 27015, "ipv4", true},
		{"example.com:27015", "", 0, "", false},
		{"10.0.0.1", "", 0, "", false},
		{"10.0.0.1:0", "", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			sc, err := ParseServerAddress(tt.in)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v", err)
			}
			if !tt.ok {
				return
			}
			if sc.IP != tt.ip || sc.Port != tt.port || sc.Family != tt.family {
				t.Fatalf("got %+v", sc)
			}
		})
	}
}

func TestLatencyMonitor(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	lm := NewLatencyMonitor(bus)

	now := time.Now()
	lm.now = func() time.Time { return now }

	lm.record("a", 10*time.Millisecond, false)
	lm.record("a", 30*time.Millisecond, false)
	for i := 0; i < TimeoutWarningThreshold; i++ {
		lm.record("a", 0, true)
	}
	lm.record("b", 300*time.Millisecond, false)

	a, ok := lm.Get("a")
	if !ok {
		t.Fatal("no data for a")
	}
	if a.AvgPing != 20*time.Millisecond || a.MaxPing != 30*time.Millisecond {
		t.Fatalf("a = %+v", a)
	}
	if a.TimeoutsLastHour != TimeoutWarningThreshold {
		t.Fatalf("timeouts = %d", a.TimeoutsLastHour)
	}

	alerts := lm.CheckThresholds()
	if len(alerts) != 2 {
		t.Fatalf("alerts = %+v", alerts)
	}
	for _, alert := range alerts {
		if alert.Level != "warning" {
			t.Fatalf("alert = %+v", alert)
		}
	}

	// Old timeouts age out of the hourly window.
	now = now.Add(2 * time.Hour)
	lm.record("a", 10*time.Millisecond, false)
	if a, _ := lm.Get("a"); a.TimeoutsLastHour != 0 {
		t.Fatalf("timeouts = %d", a.TimeoutsLastHour)
	}

	if err := bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventServerRemoved,
		Payload: events.ServerPayload{Address: "b"},
	}); err != nil {
		t.Fatalf("emit failed: %s", err)
	}
	if _, ok := lm.Get("b"); ok {
		t.Fatal("removed server still tracked")
	}
}
