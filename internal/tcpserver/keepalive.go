package tcpserver

import (
	"go.uber.org/zap"

	"github.com/taoyao-code/remoting-gateway/internal/packet"
	"github.com/taoyao-code/remoting-gateway/internal/remoting"
)

// KeepAliveResponder 保活层：应答对端的保活探测
type KeepAliveResponder struct {
	logger *zap.Logger
}

// NewKeepAliveResponder logger 可为 nil
func NewKeepAliveResponder(logger *zap.Logger) *KeepAliveResponder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeepAliveResponder{logger: logger}
}

// Observe 收到探测（Reply=false）时回写 Reply=true；对端的回应只用于刷新活跃时间
func (k *KeepAliveResponder) Observe(sess remoting.Session, p packet.Packet) {
	ka, ok := p.(*packet.KeepAlive)
	if !ok || ka.Reply {
		return
	}
	if err := sess.Write(&packet.KeepAlive{Reply: true}); err != nil {
		k.logger.Warn("keep-alive reply failed",
			zap.String("session_id", remoting.SessionID(sess)),
			zap.Error(err),
		)
	}
}
