package session

import (
	"net"
	"testing"
	"time"

	"github.com/taoyao-code/remoting-gateway/internal/packet"
)

type stubSession struct {
	id     uint64
	closed int
}

func (s *stubSession) ID() uint64 { return s.id }
func (s *stubSession) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(s.id)}
}
func (s *stubSession) Write(packet.Packet) error { return nil }
func (s *stubSession) Close() error              { s.closed++; return nil }

func TestRegistry_AddRemoveCount(t *testing.T) {
	r := New(time.Minute)
	now := time.Now()
	a, b := &stubSession{id: 2}, &stubSession{id: 1}
	r.Add(a, now)
	r.Add(b, now)
	if r.Count() != 2 {
		t.Fatalf("count=%d", r.Count())
	}
	if got, ok := r.Get(2); !ok || got != a {
		t.Fatalf("get: %v %v", got, ok)
	}
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].ID != 1 || snap[1].RemoteAddr != "127.0.0.1:2" {
		t.Fatalf("snapshot: %+v", snap)
	}
	r.Remove(2)
	if _, ok := r.Get(2); ok {
		t.Fatalf("expected removed")
	}
}

func TestRegistry_Liveness(t *testing.T) {
	r := New(500 * time.Millisecond)
	ts := time.Now()
	r.Add(&stubSession{id: 7}, ts)
	if !r.IsAlive(7, ts.Add(400*time.Millisecond)) {
		t.Fatalf("should be alive before timeout")
	}
	if r.IsAlive(7, ts.Add(600*time.Millisecond)) {
		t.Fatalf("should be idle after timeout")
	}
	r.OnSeen(7, ts.Add(550*time.Millisecond))
	if !r.IsAlive(7, ts.Add(600*time.Millisecond)) {
		t.Fatalf("activity should refresh liveness")
	}
	if idle := r.Idle(ts.Add(2 * time.Second)); len(idle) != 1 {
		t.Fatalf("idle=%d", len(idle))
	}
	if r.IsAlive(99, ts) {
		t.Fatalf("unknown session is not alive")
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := New(0)
	a, b := &stubSession{id: 1}, &stubSession{id: 2}
	r.Add(a, time.Now())
	r.Add(b, time.Now())
	if n := r.CloseAll(); n != 2 {
		t.Fatalf("closed=%d", n)
	}
	if a.closed != 1 || b.closed != 1 {
		t.Fatalf("close counts: %d %d", a.closed, b.closed)
	}
}
