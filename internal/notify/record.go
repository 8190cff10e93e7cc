// Package notify 传输故障的下游投递：Redis 列表、PostgreSQL 表、签名 Webhook，以及扇出组合。
// 所有实现都有超时上限，故障路径不会被下游无限阻塞。
package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/taoyao-code/remoting-gateway/internal/remoting"
)

// Record 失败记录的持久化/传输形式
type Record struct {
	ID         string    `json:"id"`
	Code       int       `json:"code"`
	CodeName   string    `json:"code_name"`
	Message    string    `json:"message"`
	SessionID  string    `json:"session_id"`
	Cause      string    `json:"cause,omitempty"`
	ServerID   string    `json:"server_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewRecord 由失败通知构造记录
func NewRecord(err *remoting.RemotingError, serverID string, now time.Time) Record {
	r := Record{
		ID:         uuid.NewString(),
		Code:       int(err.Code),
		CodeName:   err.Code.String(),
		Message:    err.Message,
		SessionID:  err.SessionID,
		ServerID:   serverID,
		OccurredAt: now.UTC(),
	}
	if cause := err.Unwrap(); cause != nil {
		r.Cause = cause.Error()
	}
	return r
}

// JSON 序列化记录
func (r Record) JSON() ([]byte, error) {
	return json.Marshal(r)
}
