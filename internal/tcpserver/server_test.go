package tcpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/taoyao-code/remoting-gateway/internal/config"
	"github.com/taoyao-code/remoting-gateway/internal/dispatch"
	"github.com/taoyao-code/remoting-gateway/internal/metrics"
	"github.com/taoyao-code/remoting-gateway/internal/packet"
	"github.com/taoyao-code/remoting-gateway/internal/remoting"
)

type failureSink struct {
	mu      sync.Mutex
	records []*remoting.RemotingError
}

func (f *failureSink) FireFailure(err *remoting.RemotingError) {
	f.mu.Lock()
	f.records = append(f.records, err)
	f.mu.Unlock()
}

func (f *failureSink) snapshot() []*remoting.RemotingError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*remoting.RemotingError(nil), f.records...)
}

type testEnv struct {
	srv        *Server
	dispatcher *dispatch.PacketDispatcher
	sink       *failureSink
	metrics    *metrics.AppMetrics
	dispatched atomic.Int32
}

func testTCPConfig() cfgpkg.TCPConfig {
	return cfgpkg.TCPConfig{
		Addr:         "127.0.0.1:0",
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		WriteQueue:   16,
	}
}

func startServer(t *testing.T, closeOnException bool, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		dispatcher: dispatch.New(),
		sink:       &failureSink{},
		metrics:    metrics.NewAppMetrics(prometheus.NewRegistry()),
	}
	dispatch.RegisterDefaults(env.dispatcher)
	env.dispatcher.Register(0x0100, func(*packet.Application, remoting.PacketSender) error {
		env.dispatched.Add(1)
		return nil
	})

	bridge, err := remoting.New(env.dispatcher, env.sink, closeOnException, remoting.WithMetrics(env.metrics))
	require.NoError(t, err)

	opts = append([]Option{
		WithMetrics(env.metrics),
		WithObserver(NewKeepAliveResponder(nil)),
	}, opts...)
	env.srv = New(testTCPConfig(), bridge, opts...)
	require.NoError(t, env.srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.srv.Shutdown(ctx)
	})
	return env
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c net.Conn, p packet.Packet) {
	t.Helper()
	b, err := packet.Encode(p)
	require.NoError(t, err)
	_, err = c.Write(b)
	require.NoError(t, err)
}

func readPacket(t *testing.T, c net.Conn) packet.Packet {
	t.Helper()
	dec := packet.NewStreamDecoder(0)
	buf := make([]byte, 1024)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, err := c.Read(buf)
		require.NoError(t, err)
		pkts, _ := dec.Feed(buf[:n])
		if len(pkts) > 0 {
			return pkts[0]
		}
	}
}

func TestServer_PingPong(t *testing.T) {
	env := startServer(t, true)
	c := dial(t, env.srv)

	send(t, c, &packet.Application{Type: packet.TypePingRequest, CorrelationID: 9})

	got := readPacket(t, c)
	assert.Equal(t, &packet.Application{Type: packet.TypePong, CorrelationID: 9, Payload: []byte{}}, got)
	assert.Empty(t, env.sink.snapshot())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.DispatchTotal.WithLabelValues("PING_REQUEST", "ok")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServer_KeepAliveAnsweredNotDispatched(t *testing.T) {
	env := startServer(t, true)
	c := dial(t, env.srv)

	send(t, c, &packet.KeepAlive{})
	assert.Equal(t, &packet.KeepAlive{Reply: true}, readPacket(t, c))

	send(t, c, &packet.Application{Type: 0x0100})
	require.Eventually(t, func() bool { return env.dispatched.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.InboundTotal.WithLabelValues("keep_alive")))
	assert.Empty(t, env.sink.snapshot())
}

func TestServer_UnknownKindClosesSession(t *testing.T) {
	env := startServer(t, true)
	c := dial(t, env.srv)

	send(t, c, &packet.Unknown{RawKind: 0x09, Body: []byte{1, 2}})

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)

	records := env.sink.snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, remoting.CodeInternalError, records[0].Code)
	assert.Equal(t, "1", records[0].SessionID)
	assert.ErrorIs(t, records[0], remoting.ErrUnknownMessage)

	require.Eventually(t, func() bool { return env.srv.Registry().Count() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SessionsClosed.WithLabelValues("exception")))
}

func TestServer_ExceptionWithoutCloseKeepsSession(t *testing.T) {
	env := startServer(t, false)
	c := dial(t, env.srv)

	send(t, c, &packet.Application{Type: 0x7777})
	require.Eventually(t, func() bool { return len(env.sink.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, env.sink.snapshot()[0], dispatch.ErrNoHandler)

	send(t, c, &packet.Application{Type: packet.TypePingRequest, CorrelationID: 3})
	assert.Equal(t, packet.TypePong, readPacket(t, c).(*packet.Application).Type)
	assert.Equal(t, 1, env.srv.Registry().Count())
}

func TestServer_HandlerPanicBecomesException(t *testing.T) {
	env := startServer(t, false)
	env.dispatcher.Register(0x0200, func(*packet.Application, remoting.PacketSender) error {
		panic("boom")
	})
	c := dial(t, env.srv)

	send(t, c, &packet.Application{Type: 0x0200})
	require.Eventually(t, func() bool { return len(env.sink.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, env.sink.snapshot()[0], ErrHandlerPanic)
}

func TestServer_AdmissionRejects(t *testing.T) {
	env := startServer(t, true, WithAdmission(NewAdmission(1, 10*time.Millisecond, 0, 0)))

	first := dial(t, env.srv)
	send(t, first, &packet.KeepAlive{})
	readPacket(t, first)

	second := dial(t, env.srv)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := second.Read(make([]byte, 16))
	assert.True(t, errors.Is(err, io.EOF) || isReset(err), "unexpected error: %v", err)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.TCPRejected.WithLabelValues("limit")))
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	env := startServer(t, true)
	c := dial(t, env.srv)
	send(t, c, &packet.KeepAlive{})
	readPacket(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))

	assert.Equal(t, 0, env.srv.Registry().Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SessionsClosed.WithLabelValues("shutdown")))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.SessionsOpen))
}

func isReset(err error) bool {
	var ne *net.OpError
	return errors.As(err, &ne)
}

type stubHandler struct{}

func (stubHandler) OnMessage(remoting.Session, packet.Packet) error { return nil }
func (stubHandler) OnException(remoting.Session, error)             {}

func TestServer_GarbageBytesSkippedAndCounted(t *testing.T) {
	env := startServer(t, true)
	c := dial(t, env.srv)

	_, err := c.Write([]byte{0x00, 0x11, 0x22})
	require.NoError(t, err)
	send(t, c, &packet.Application{Type: packet.TypePingRequest, CorrelationID: 4})

	got := readPacket(t, c)
	assert.Equal(t, packet.TypePong, got.(*packet.Application).Type)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.TCPBytesDropped) == 3
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, env.sink.snapshot())
}

func TestConnContext_WriteAfterCloseNeverEnqueues(t *testing.T) {
	srv := New(testTCPConfig(), stubHandler{})
	a, b := net.Pipe()
	t.Cleanup(func() { _ = b.Close() })
	cc := newConnContext(srv, a)
	require.NoError(t, cc.closeWith(reasonLocal))

	// 写队列仍有空位，关闭状态必须优先
	for i := 0; i < 1000; i++ {
		require.ErrorIs(t, cc.Write(&packet.KeepAlive{}), ErrConnClosed)
	}
	assert.Empty(t, cc.writeC)
}

func TestServer_TrackAfterShutdownClosesConn(t *testing.T) {
	m := metrics.NewAppMetrics(prometheus.NewRegistry())
	srv := New(testTCPConfig(), stubHandler{}, WithMetrics(m))
	srv.stopping.Store(true)

	a, b := net.Pipe()
	t.Cleanup(func() { _ = b.Close() })
	cc := newConnContext(srv, a)

	assert.False(t, srv.track(cc))
	assert.Equal(t, 0, srv.Registry().Count())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsClosed.WithLabelValues("shutdown")))

	_ = b.SetReadDeadline(time.Now().Add(time.Second))
	_, err := b.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_TrackRegistersWhileRunning(t *testing.T) {
	m := metrics.NewAppMetrics(prometheus.NewRegistry())
	srv := New(testTCPConfig(), stubHandler{}, WithMetrics(m))

	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	cc := newConnContext(srv, a)

	assert.True(t, srv.track(cc))
	assert.Equal(t, 1, srv.Registry().Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsOpen))
}
