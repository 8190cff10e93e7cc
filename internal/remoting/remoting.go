// Package remoting 连接传输会话与应用分发层的桥接：
// 对入站报文分类，协议内部帧交给下层，应用报文连同会话绑定的回复能力交给分发器；
// 传输故障转换为与会话解耦的失败通知。
package remoting

import (
	"net"
	"strconv"

	"github.com/taoyao-code/remoting-gateway/internal/packet"
)

// Session 传输层会话（由传输层拥有，桥接层只引用）
type Session interface {
	// ID 连接生命周期内唯一且不变
	ID() uint64
	// RemoteAddr 远端地址；会话失效后可能返回 nil
	RemoteAddr() net.Addr
	// Write 线程安全写入，会话关闭后返回错误
	Write(p packet.Packet) error
	// Close 幂等关闭
	Close() error
}

// PacketSender 分发目标使用的回复能力，绑定到来源会话
type PacketSender interface {
	Send(p packet.Packet) error
	SessionID() string
	RemoteAddress() string
}

// Dispatcher 应用分发器
type Dispatcher interface {
	// Dispatch 把应用报文路由到已注册的处理器
	Dispatch(p *packet.Application, sender PacketSender) error
	// CallFilters 执行出站过滤链，返回（可能被替换的）报文或拒绝错误
	CallFilters(p packet.Packet) (packet.Packet, error)
}

// FailureNotifier 传输故障观察者。实现不得无限阻塞。
type FailureNotifier interface {
	FireFailure(err *RemotingError)
}

// FailureNotifierFunc 函数适配器
type FailureNotifierFunc func(err *RemotingError)

func (f FailureNotifierFunc) FireFailure(err *RemotingError) { f(err) }

type nopNotifier struct{}

func (nopNotifier) FireFailure(*RemotingError) {}

// SessionID 会话标识的稳定字符串形式
func SessionID(s Session) string {
	return strconv.FormatUint(s.ID(), 10)
}

// RemoteAddress 会话远端地址字符串，没有可用地址时返回空串
func RemoteAddress(s Session) string {
	addr := s.RemoteAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}
