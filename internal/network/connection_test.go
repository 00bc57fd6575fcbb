package network

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"
)

// fakePeer is a UDP endpoint answering with handler's replies.
type fakePeer struct {
	conn     *net.UDPConn
	received atomic.Int32
}

func newFakePeer(t *testing.T, handler func(n int32, req []byte) [][]byte) *fakePeer {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	p := &fakePeer{conn: conn}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65535)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			count := p.received.Add(1)
			for _, reply := range handler(count, append([]byte(nil), buf[:n]...)) {
				conn.WriteToUDPAddrPort(reply, from)
			}
		}
	}()
	return p
}

func (p *fakePeer) addr() netip.AddrPort {
	return p.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func single(payload ...byte) []byte {
	return append([]byte{0xFF, 0xFF, 0xFF, 0xFF}, payload...)
}

func TestConnectionQuery(t *testing.T) {
	peer := newFakePeer(t, func(_ int32, req []byte) [][]byte {
		if bytes.Equal(req, single(0x69)) {
			return [][]byte{single(0x6A, 0x00)}
		}
		return nil
	})

	reg := NewRegistry(RegistryConfig{QueryTimeout: time.Second})
	defer reg.CloseAll()

	c, err := reg.Connect(peer.addr(), IPv4)
	if err != nil {
		t.Fatalf("failed to connect: %s", err)
	}

	payload, err := c.Query(context.Background(), single(0x69), []byte{0x6A}, 0)
	if err != nil {
		t.Fatalf("query failed: %s", err)
	}
	if !bytes.Equal(payload, []byte{0x6A, 0x00}) {
		t.Fatalf("payload = %x", payload)
	}
	if c.LastPing() <= 0 {
		t.Fatalf("last ping not recorded: %v", c.LastPing())
	}
}

func TestConnectionRetransmit(t *testing.T) {
	// Ignore the first request; answer the retransmission.
	peer := newFakePeer(t, func(n int32, _ []byte) [][]byte {
		if n < 2 {
			return nil
		}
		return [][]byte{single(0x49, 0x11)}
	})

	reg := NewRegistry(RegistryConfig{QueryTimeout: 400 * time.Millisecond})
	defer reg.CloseAll()

	c, err := reg.Connect(peer.addr(), IPv4)
	if err != nil {
		t.Fatalf("failed to connect: %s", err)
	}

	payload, err := c.Query(context.Background(), single(0x54), []byte{0x49}, 0)
	if err != nil {
		t.Fatalf("query failed: %s", err)
	}
	if payload[0] != 0x49 {
		t.Fatalf("payload = %x", payload)
	}
	if got := peer.received.Load(); got != 2 {
		t.Fatalf("peer received %d requests, want 2", got)
	}
}

func TestConnectionTimeout(t *testing.T) {
	peer := newFakePeer(t, func(int32, []byte) [][]byte { return nil })

	reg := NewRegistry(RegistryConfig{})
	defer reg.CloseAll()

	c, err := reg.Connect(peer.addr(), IPv4)
	if err != nil {
		t.Fatalf("failed to connect: %s", err)
	}

	start := time.Now()
	_, err = c.Query(context.Background(), single(0x54), []byte{0x49}, 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("timed out early after %v", elapsed)
	}
	if got := peer.received.Load(); got != 2 {
		t.Fatalf("peer received %d requests, want 2", got)
	}
}

func TestConnectionSplitResponse(t *testing.T) {
	parts := splitPayload(logicalPayload, 3)
	peer := newFakePeer(t, func(int32, []byte) [][]byte {
		return [][]byte{
			sourceFragment(42, 3, 2, true, parts[2]),
			sourceFragment(42, 3, 0, true, parts[0]),
			{},
			sourceFragment(42, 3, 1, true, parts[1]),
		}
	})

	reg := NewRegistry(RegistryConfig{})
	defer reg.CloseAll()

	c, err := reg.Connect(peer.addr(), IPv4)
	if err != nil {
		t.Fatalf("failed to connect: %s", err)
	}

	payload, err := c.Query(context.Background(), single(0x56, 1, 2, 3, 4), []byte{0x45}, time.Second)
	if err != nil {
		t.Fatalf("query failed: %s", err)
	}
	if !bytes.Equal(payload, logicalPayload[4:]) {
		t.Fatalf("payload = %q", payload)
	}
	if c.Framing() != FramingSource {
		t.Fatalf("framing = %s", c.Framing())
	}
}

func TestConnectionExpectOverlap(t *testing.T) {
	peer := newFakePeer(t, func(int32, []byte) [][]byte { return nil })

	reg := NewRegistry(RegistryConfig{})
	defer reg.CloseAll()

	c, err := reg.Connect(peer.addr(), IPv4)
	if err != nil {
		t.Fatalf("failed to connect: %s", err)
	}

	p, err := c.Expect(0x49, 0x41)
	if err != nil {
		t.Fatalf("failed to expect: %s", err)
	}
	if _, err := c.Expect(0x41); !errors.Is(err, ErrOverlappingHeaders) {
		t.Fatalf("expected ErrOverlappingHeaders, got %v", err)
	}
	if _, err := c.Expect(0x6D); err != nil {
		t.Fatalf("disjoint expect failed: %s", err)
	}

	p.Cancel()
	if _, err := c.Expect(0x41); err != nil {
		t.Fatalf("expect after cancel failed: %s", err)
	}
}

func TestConnectionCloseRejectsWaiters(t *testing.T) {
	peer := newFakePeer(t, func(int32, []byte) [][]byte { return nil })

	reg := NewRegistry(RegistryConfig{})
	c, err := reg.Connect(peer.addr(), IPv4)
	if err != nil {
		t.Fatalf("failed to connect: %s", err)
	}

	p, err := c.Expect(0x44)
	if err != nil {
		t.Fatalf("failed to expect: %s", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("failed to close: %s", err)
	}

	if _, err := p.Wait(context.Background(), time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRegistrySocketRefs(t *testing.T) {
	a := newFakePeer(t, func(int32, []byte) [][]byte { return nil })
	b := newFakePeer(t, func(int32, []byte) [][]byte { return nil })

	reg := NewRegistry(RegistryConfig{})

	ca, err := reg.Connect(a.addr(), IPv4)
	if err != nil {
		t.Fatalf("failed to connect: %s", err)
	}
	cb, err := reg.Connect(b.addr(), IPv4)
	if err != nil {
		t.Fatalf("failed to connect: %s", err)
	}
	again, err := reg.Connect(a.addr(), IPv4)
	if err != nil {
		t.Fatalf("failed to connect: %s", err)
	}
	if again != ca {
		t.Fatal("second connect to the same peer returned a new connection")
	}

	if refs := reg.SocketRefs(IPv4); refs != 2 {
		t.Fatalf("socket refs = %d, want 2", refs)
	}

	ca.Close()
	if reg.Count() != 2 {
		t.Fatalf("connection destroyed while still in use")
	}
	ca.Close()
	if refs := reg.SocketRefs(IPv4); refs != 1 {
		t.Fatalf("socket refs = %d, want 1", refs)
	}
	cb.Close()
	if refs := reg.SocketRefs(IPv4); refs != 0 {
		t.Fatalf("socket still open with %d refs", refs)
	}
}

func TestRegistryFamilyMismatch(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	if _, err := reg.Connect(netip.MustParseAddrPort("127.0.0.1:27015"), IPv6); err == nil {
		t.Fatal("expected error connecting an IPv4 peer over IPv6")
	}
	if _, err := reg.Connect(netip.MustParseAddrPort("[::1]:27015"), IPv4); err == nil {
		t.Fatal("expected error connecting an IPv6 peer over IPv4")
	}
}

func TestSinkSeesTraffic(t *testing.T) {
	peer := newFakePeer(t, func(int32, []byte) [][]byte { return [][]byte{single(0x6A)} })

	var in, out atomic.Int32
	reg := NewRegistry(RegistryConfig{
		Sink: SinkFunc(func(_ string, dir Direction, _ []byte) {
			if dir == Inbound {
				in.Add(1)
			} else {
				out.Add(1)
			}
		}),
	})
	defer reg.CloseAll()

	c, err := reg.Connect(peer.addr(), IPv4)
	if err != nil {
		t.Fatalf("failed to connect: %s", err)
	}
	if _, err := c.Query(context.Background(), single(0x69), []byte{0x6A}, time.Second); err != nil {
		t.Fatalf("query failed: %s", err)
	}
	if in.Load() < 1 || out.Load() < 1 {
		t.Fatalf("sink saw in=%d out=%d", in.Load(), out.Load())
	}
}

func TestReadBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{4, 80 * time.Millisecond},
		{6, 320 * time.Millisecond},
		{7, readBackoffMax},
		{100, readBackoffMax},
	}
	for _, tt := range tests {
		if got := readBackoff(tt.failures); got != tt.want {
			t.Fatalf("readBackoff(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}

func TestSocketReadErrorsBackOff(t *testing.T) {
	s, err := openSharedSocket(IPv4, nil)
	if err != nil {
		t.Fatalf("failed to open socket: %s", err)
	}

	// Every read now fails immediately with a deadline error.
	s.conn.SetReadDeadline(time.Now().Add(-time.Second))
	time.Sleep(100 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- s.close() }()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("socket did not close while backing off")
	}
}
