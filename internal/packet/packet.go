package packet

import "fmt"

// Kind 帧类型判别字节
type Kind uint8

const (
	KindApplication Kind = 0x01 // 应用报文，交由分发器路由
	KindControlAck  Kind = 0x02 // 请求完成应答，由关联层消费
	KindKeepAlive   Kind = 0x03 // 保活探测，由保活层消费
)

func (k Kind) String() string {
	switch k {
	case KindApplication:
		return "application"
	case KindControlAck:
		return "control_ack"
	case KindKeepAlive:
		return "keep_alive"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(k))
	}
}

// Packet 线上报文。仅本包内的类型可以实现该接口。
type Packet interface {
	Kind() Kind
	sealed()
}

// Application 应用层报文
type Application struct {
	Type          Type
	CorrelationID uint32
	Payload       []byte
}

func (*Application) Kind() Kind { return KindApplication }
func (*Application) sealed()    {}

func (p *Application) String() string {
	return fmt.Sprintf("Application[type=%s, correlation=%d, len=%d]", p.Type, p.CorrelationID, len(p.Payload))
}

// Reply 构造同一关联号的应答报文
func (p *Application) Reply(t Type, payload []byte) *Application {
	return &Application{Type: t, CorrelationID: p.CorrelationID, Payload: payload}
}

// ControlAck 挂起请求的完成标记
type ControlAck struct {
	CorrelationID uint32
	Status        uint8
}

func (*ControlAck) Kind() Kind { return KindControlAck }
func (*ControlAck) sealed()    {}

func (a *ControlAck) String() string {
	return fmt.Sprintf("ControlAck[correlation=%d, status=%d]", a.CorrelationID, a.Status)
}

// KeepAlive 保活探测；Reply=true 表示对端的回应
type KeepAlive struct {
	Reply bool
}

func (*KeepAlive) Kind() Kind { return KindKeepAlive }
func (*KeepAlive) sealed()    {}

func (k *KeepAlive) String() string {
	if k.Reply {
		return "KeepAlive[pong]"
	}
	return "KeepAlive[ping]"
}

// Unknown 解码出的未识别帧，保留原始类型与载荷
type Unknown struct {
	RawKind Kind
	Body    []byte
}

func (u *Unknown) Kind() Kind { return u.RawKind }
func (*Unknown) sealed()      {}

func (u *Unknown) String() string {
	return fmt.Sprintf("Unknown[kind=%s, len=%d]", u.RawKind, len(u.Body))
}

// Describe 返回报文的日志描述，nil 安全
func Describe(p Packet) string {
	if p == nil {
		return "<nil>"
	}
	if s, ok := p.(fmt.Stringer); ok {
		return s.String()
	}
	return p.Kind().String()
}
