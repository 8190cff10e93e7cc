package notify

import (
	"go.uber.org/zap"

	"github.com/taoyao-code/remoting-gateway/internal/remoting"
)

// Sink 命名的下游，名称用于日志与指标标签
type Sink struct {
	Name     string
	Notifier remoting.FailureNotifier
}

// Multi 按顺序把失败通知扇出到全部下游；单个下游 panic 不影响其余下游
type Multi struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewMulti logger 可为 nil
func NewMulti(logger *zap.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{sinks: sinks, logger: logger}
}

// Len 下游数量
func (m *Multi) Len() int { return len(m.sinks) }

// FireFailure 实现 remoting.FailureNotifier
func (m *Multi) FireFailure(err *remoting.RemotingError) {
	for _, s := range m.sinks {
		m.fire(s, err)
	}
}

func (m *Multi) fire(s Sink, err *remoting.RemotingError) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("failure sink panicked",
				zap.String("sink", s.Name),
				zap.String("session_id", err.SessionID),
				zap.Any("panic", r),
			)
		}
	}()
	s.Notifier.FireFailure(err)
}
