package dispatch

import (
	"fmt"

	"github.com/taoyao-code/remoting-gateway/internal/metrics"
	"github.com/taoyao-code/remoting-gateway/internal/packet"
	"github.com/taoyao-code/remoting-gateway/internal/remoting"
)

// RegisterDefaults 注册内置处理器：PING_REQUEST -> PONG，ECHO_REQUEST -> ECHO_RESPONSE
func RegisterDefaults(d *PacketDispatcher) {
	d.Register(packet.TypePingRequest, func(p *packet.Application, s remoting.PacketSender) error {
		return s.Send(p.Reply(packet.TypePong, nil))
	})
	d.Register(packet.TypeEchoRequest, func(p *packet.Application, s remoting.PacketSender) error {
		return s.Send(p.Reply(packet.TypeEchoResponse, p.Payload))
	})
}

// MaxPayload 拒绝载荷超过 n 字节的应用报文
func MaxPayload(n int) Filter {
	return func(p packet.Packet) (packet.Packet, error) {
		if app, ok := p.(*packet.Application); ok && len(app.Payload) > n {
			return nil, fmt.Errorf("%w: payload %d exceeds %d", ErrFiltered, len(app.Payload), n)
		}
		return p, nil
	}
}

// CountOutbound 统计通过过滤链的出站报文，应放在过滤链末尾
func CountOutbound(m *metrics.AppMetrics) Filter {
	return func(p packet.Packet) (packet.Packet, error) {
		if m == nil {
			return p, nil
		}
		label := p.Kind().String()
		if app, ok := p.(*packet.Application); ok {
			label = app.Type.MetricLabel()
		}
		m.OutboundTotal.WithLabelValues(label).Inc()
		return p, nil
	}
}
