package remoting

import (
	"errors"
	"fmt"
)

var (
	ErrNilDispatcher  = errors.New("remoting: dispatcher is required")
	ErrUnknownMessage = errors.New("remoting: unknown message type")
)

// ErrorCode 失败记录的错误类别
type ErrorCode int

const (
	CodeInternalError     ErrorCode = 0
	CodeConnectionFailure ErrorCode = 2
	CodeUnknownMessage    ErrorCode = 3
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInternalError:
		return "internal_error"
	case CodeConnectionFailure:
		return "connection_failure"
	case CodeUnknownMessage:
		return "unknown_message"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// RemotingError 失败记录：只携带会话的稳定标识，不持有会话引用
type RemotingError struct {
	Code      ErrorCode
	Message   string
	SessionID string
	cause     error
}

// NewRemotingError 创建失败记录，cause 以错误链保留
func NewRemotingError(code ErrorCode, message, sessionID string, cause error) *RemotingError {
	return &RemotingError{Code: code, Message: message, SessionID: sessionID, cause: cause}
}

func (e *RemotingError) Error() string {
	s := fmt.Sprintf("%s: %s (session %s)", e.Code, e.Message, e.SessionID)
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

func (e *RemotingError) Unwrap() error { return e.cause }
