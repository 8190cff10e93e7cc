package app

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// ServerID 返回网关实例ID
// 优先使用配置值，其次环境变量 SERVER_ID，否则生成 {name}-{hostname}-{uuid前8位}
func ServerID(configured, name string) string {
	if configured != "" {
		return configured
	}
	if id := os.Getenv("SERVER_ID"); id != "" {
		return id
	}
	if name == "" {
		name = "remoting-gateway"
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", name, hostname, uuid.NewString()[:8])
}
