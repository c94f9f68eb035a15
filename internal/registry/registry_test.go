package registry

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// countingConn counts Close calls on the wrapped net.Conn.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func TestInsertLookupRemove(t *testing.T) {
	r := New()
	id := uuid.New()
	r.Insert(id, &Entry{Kind: TCP, TunnelID: "1"})

	if e := r.Lookup(id); e == nil {
		t.Fatalf("expected entry to be found")
	}
	if !r.Lookup(id).Active() {
		t.Fatalf("expected freshly inserted entry to be active")
	}

	r.Remove(id)
	if e := r.Lookup(id); e != nil {
		t.Fatalf("expected entry to be gone after Remove")
	}
}

func TestCloseConnExactlyOnce(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	cc := &countingConn{Conn: server}
	e := &Entry{Kind: TCP, Conn: cc}

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			e.CloseConn()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	// A second direct call must still be safe — sync.Once guarantees the
	// underlying Close only actually runs once, regardless of how many
	// goroutines raced to call CloseConn.
	e.CloseConn()

	if got := cc.closes.Load(); got != 1 {
		t.Fatalf("expected the underlying conn to be closed exactly once, got %d", got)
	}
}

func TestRemoveWhereClosesAndDeactivatesTCP(t *testing.T) {
	r := New()
	server, client := net.Pipe()
	defer client.Close()

	id := uuid.New()
	e := &Entry{Kind: TCP, Conn: server, TunnelID: "42"}
	r.Insert(id, e)

	other := uuid.New()
	r.Insert(other, &Entry{Kind: TCP, TunnelID: "99"})

	r.RemoveWhere("42")

	if r.Lookup(id) != nil {
		t.Fatalf("expected tunnel 42's entry to be removed")
	}
	if r.Lookup(other) == nil {
		t.Fatalf("expected tunnel 99's entry to survive")
	}
	if e.Active() {
		t.Fatalf("expected tunnel 42's entry to be deactivated")
	}

	// Writing to the now-closed pipe's server side should fail.
	if _, err := server.Write([]byte("x")); err == nil {
		t.Fatalf("expected write to closed conn to fail")
	}
}

func TestRemoveWhereNeverTouchesUDPPacketConn(t *testing.T) {
	r := New()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer pc.Close()

	id := uuid.New()
	r.Insert(id, &Entry{Kind: UDP, PacketConn: pc, TunnelID: "7"})

	r.RemoveWhere("7")

	// The shared listening socket must still be usable; only a dedicated
	// StopListener call is allowed to close it.
	if err := pc.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("expected UDP listening socket to remain open, got: %v", err)
	}
}

func TestCountByTunnelAndLen(t *testing.T) {
	r := New()
	r.Insert(uuid.New(), &Entry{Kind: TCP, TunnelID: "a"})
	r.Insert(uuid.New(), &Entry{Kind: TCP, TunnelID: "a"})
	r.Insert(uuid.New(), &Entry{Kind: TCP, TunnelID: "b"})

	if got := r.CountByTunnel("a"); got != 2 {
		t.Fatalf("expected 2 entries for tunnel a, got %d", got)
	}
	if got := r.Len(); got != 3 {
		t.Fatalf("expected 3 total entries, got %d", got)
	}
}
