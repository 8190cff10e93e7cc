package dispatch

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/remoting-gateway/internal/metrics"
	"github.com/taoyao-code/remoting-gateway/internal/packet"
	"github.com/taoyao-code/remoting-gateway/internal/remoting"
)

// captureSender 记录发送的报文，经过分发器的过滤链
type captureSender struct {
	d    *PacketDispatcher
	sent []packet.Packet
}

func (s *captureSender) Send(p packet.Packet) error {
	out, err := s.d.CallFilters(p)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, out)
	return nil
}

func (s *captureSender) SessionID() string     { return "1" }
func (s *captureSender) RemoteAddress() string { return "127.0.0.1:1" }

func TestDispatcher_RegisterAndRoute(t *testing.T) {
	d := New()
	var got *packet.Application
	d.Register(0x0100, func(p *packet.Application, _ remoting.PacketSender) error {
		got = p
		return nil
	})

	in := &packet.Application{Type: 0x0100}
	require.NoError(t, d.Dispatch(in, &captureSender{d: d}))
	assert.Same(t, in, got)

	d.Unregister(0x0100)
	err := d.Dispatch(in, &captureSender{d: d})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestDispatcher_HandlerErrorPropagates(t *testing.T) {
	d := New()
	boom := errors.New("boom")
	d.Register(0x0100, func(*packet.Application, remoting.PacketSender) error { return boom })
	assert.ErrorIs(t, d.Dispatch(&packet.Application{Type: 0x0100}, &captureSender{d: d}), boom)
}

func TestDefaults_PingAndEcho(t *testing.T) {
	d := New()
	RegisterDefaults(d)
	s := &captureSender{d: d}

	require.NoError(t, d.Dispatch(&packet.Application{Type: packet.TypePingRequest, CorrelationID: 5}, s))
	require.NoError(t, d.Dispatch(&packet.Application{Type: packet.TypeEchoRequest, CorrelationID: 6, Payload: []byte("hey")}, s))

	require.Len(t, s.sent, 2)
	assert.Equal(t, &packet.Application{Type: packet.TypePong, CorrelationID: 5}, s.sent[0])
	assert.Equal(t, &packet.Application{Type: packet.TypeEchoResponse, CorrelationID: 6, Payload: []byte("hey")}, s.sent[1])
}

func TestCallFilters(t *testing.T) {
	t.Run("按顺序执行并可替换报文", func(t *testing.T) {
		d := New()
		var order []int
		d.AddFilter(func(p packet.Packet) (packet.Packet, error) { order = append(order, 1); return p, nil })
		d.AddFilter(func(p packet.Packet) (packet.Packet, error) {
			order = append(order, 2)
			return &packet.Application{Type: packet.TypeException}, nil
		})

		out, err := d.CallFilters(&packet.KeepAlive{})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, order)
		assert.Equal(t, &packet.Application{Type: packet.TypeException}, out)
	})

	t.Run("超长载荷被拒绝", func(t *testing.T) {
		d := New()
		d.AddFilter(MaxPayload(4))

		_, err := d.CallFilters(&packet.Application{Payload: []byte("12345")})
		assert.ErrorIs(t, err, ErrFiltered)

		out, err := d.CallFilters(&packet.Application{Payload: []byte("1234")})
		require.NoError(t, err)
		assert.NotNil(t, out)
	})

	t.Run("过滤器返回nil视为拒绝", func(t *testing.T) {
		d := New()
		d.AddFilter(func(packet.Packet) (packet.Packet, error) { return nil, nil })
		_, err := d.CallFilters(&packet.KeepAlive{})
		assert.ErrorIs(t, err, ErrFiltered)
	})

	t.Run("nil报文", func(t *testing.T) {
		_, err := New().CallFilters(nil)
		assert.ErrorIs(t, err, packet.ErrNil)
	})
}

func TestCountOutbound(t *testing.T) {
	m := metrics.NewAppMetrics(prometheus.NewRegistry())
	d := New()
	d.AddFilter(CountOutbound(m))

	_, _ = d.CallFilters(&packet.Application{Type: packet.TypePong})
	_, _ = d.CallFilters(&packet.KeepAlive{Reply: true})
	_, _ = d.CallFilters(&packet.Application{Type: 0x7001})
	_, _ = d.CallFilters(&packet.Application{Type: 0x7002})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboundTotal.WithLabelValues("PONG")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboundTotal.WithLabelValues("keep_alive")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutboundTotal.WithLabelValues(packet.UnregisteredLabel)))
	assert.Equal(t, 3, testutil.CollectAndCount(m.OutboundTotal))
}
