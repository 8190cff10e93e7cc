package remoting

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/taoyao-code/remoting-gateway/internal/metrics"
	"github.com/taoyao-code/remoting-gateway/internal/packet"
)

// Handler 传输事件桥接器。
// 只持有不可变配置，不保存任何会话状态，可被多个会话的 goroutine 并发调用。
type Handler struct {
	dispatcher       Dispatcher
	notifier         FailureNotifier
	closeOnException bool
	logger           *zap.Logger
	metrics          *metrics.AppMetrics
}

// Option 构造选项
type Option func(*Handler)

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics 设置业务指标（可选）
func WithMetrics(m *metrics.AppMetrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New 创建桥接器。dispatcher 必填；notifier 为 nil 时故障只记录日志。
func New(dispatcher Dispatcher, notifier FailureNotifier, closeSessionOnException bool, opts ...Option) (*Handler, error) {
	if dispatcher == nil {
		return nil, ErrNilDispatcher
	}
	h := &Handler{
		dispatcher:       dispatcher,
		notifier:         notifier,
		closeOnException: closeSessionOnException,
		logger:           zap.NewNop(),
	}
	if h.notifier == nil {
		h.notifier = nopNotifier{}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// OnMessage 处理一条已解码的入站报文。
// ControlAck 与 KeepAlive 由下层各自消费，这里直接丢弃；
// 未识别的报文返回 ErrUnknownMessage；应用报文连同回复能力交给分发器。
func (h *Handler) OnMessage(sess Session, event packet.Packet) error {
	switch p := event.(type) {
	case *packet.ControlAck:
		h.countInbound(packet.KindControlAck)
		h.trace("received response", sess, p)
		return nil

	case *packet.KeepAlive:
		h.countInbound(packet.KindKeepAlive)
		h.trace("received keep-alive", sess, p)
		return nil

	case *packet.Application:
		if p == nil {
			break
		}
		h.countInbound(packet.KindApplication)
		h.trace("received packet", sess, p)

		err := h.dispatcher.Dispatch(p, newReplySender(sess, h.dispatcher))
		h.countDispatch(p.Type, err)
		if err != nil {
			return fmt.Errorf("dispatch %s: %w", p.Type, err)
		}
		return nil
	}

	h.countInbound(0)
	return fmt.Errorf("%w: %s", ErrUnknownMessage, packet.Describe(event))
}

// OnException 处理传输故障：记录日志，通知观察者，按策略关闭会话。
// 通知先于关闭；关闭失败只记录日志，不会回到本方法。
func (h *Handler) OnException(sess Session, cause error) {
	sessionID := SessionID(sess)
	h.logger.Error("caught exception for session",
		zap.String("session_id", sessionID),
		zap.String("remote_addr", RemoteAddress(sess)),
		zap.Error(cause),
	)

	rerr := NewRemotingError(CodeInternalError, "unexpected exception", sessionID, cause)
	if h.metrics != nil {
		h.metrics.FailureTotal.WithLabelValues(rerr.Code.String()).Inc()
	}
	h.fireFailure(rerr)

	if h.closeOnException {
		h.closeQuietly(sess, sessionID)
	}
}

func (h *Handler) fireFailure(rerr *RemotingError) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("failure notifier panicked",
				zap.String("session_id", rerr.SessionID),
				zap.Any("panic", r),
			)
		}
	}()
	h.notifier.FireFailure(rerr)
}

func (h *Handler) closeQuietly(sess Session, sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("session close panicked",
				zap.String("session_id", sessionID),
				zap.Any("panic", r),
			)
		}
	}()
	if err := sess.Close(); err != nil {
		h.logger.Warn("close session after exception failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func (h *Handler) trace(msg string, sess Session, p packet.Packet) {
	if !h.logger.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	h.logger.Debug(msg,
		zap.String("session_id", SessionID(sess)),
		zap.String("packet", packet.Describe(p)),
	)
}

func (h *Handler) countInbound(k packet.Kind) {
	if h.metrics == nil {
		return
	}
	label := "unknown"
	switch k {
	case packet.KindApplication, packet.KindControlAck, packet.KindKeepAlive:
		label = k.String()
	}
	h.metrics.InboundTotal.WithLabelValues(label).Inc()
}

func (h *Handler) countDispatch(t packet.Type, err error) {
	if h.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.metrics.DispatchTotal.WithLabelValues(t.MetricLabel(), result).Inc()
}
