package remoting

import (
	"github.com/taoyao-code/remoting-gateway/internal/packet"
)

// replySender 单次入站报文的回复能力：先过出站过滤链，再写回来源会话。
// 会话关闭后 Send 由 Session.Write 返回错误。
type replySender struct {
	session    Session
	dispatcher Dispatcher
}

func newReplySender(s Session, d Dispatcher) *replySender {
	return &replySender{session: s, dispatcher: d}
}

func (r *replySender) Send(p packet.Packet) error {
	filtered, err := r.dispatcher.CallFilters(p)
	if err != nil {
		return err
	}
	return r.session.Write(filtered)
}

func (r *replySender) SessionID() string { return SessionID(r.session) }

func (r *replySender) RemoteAddress() string { return RemoteAddress(r.session) }
