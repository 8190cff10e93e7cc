package health

import (
	"context"
	"fmt"
	"time"

	"github.com/taoyao-code/remoting-gateway/internal/tcpserver"
)

// PingChecker 通过 ping 函数检查下游（Redis、PostgreSQL）
// 失败时返回 failStatus：可选下游用 Degraded，必需下游用 Unhealthy
type PingChecker struct {
	name       string
	ping       func(ctx context.Context) error
	timeout    time.Duration
	failStatus Status
}

// NewPingChecker timeout<=0 时默认 2 秒
func NewPingChecker(name string, ping func(ctx context.Context) error, timeout time.Duration, failStatus Status) *PingChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PingChecker{name: name, ping: ping, timeout: timeout, failStatus: failStatus}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.ping(ctx); err != nil {
		return CheckResult{Status: c.failStatus, Message: err.Error(), Latency: time.Since(start)}
	}
	return CheckResult{Status: StatusHealthy, Message: "ok", Latency: time.Since(start)}
}

// TCPChecker TCP 网关检查：监听状态与连接占用率
type TCPChecker struct {
	server    *tcpserver.Server
	admission *tcpserver.Admission
}

// NewTCPChecker admission 可为 nil
func NewTCPChecker(server *tcpserver.Server, admission *tcpserver.Admission) *TCPChecker {
	return &TCPChecker{server: server, admission: admission}
}

func (c *TCPChecker) Name() string { return "tcp" }

func (c *TCPChecker) Check(context.Context) CheckResult {
	start := time.Now()
	addr := c.server.Addr()
	if addr == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "not listening", Latency: time.Since(start)}
	}

	details := map[string]any{
		"addr":     addr.String(),
		"sessions": c.server.Registry().Count(),
	}
	status, message := StatusHealthy, "ok"

	if c.admission != nil {
		active, maxConns := c.admission.Active(), c.admission.MaxConnections()
		utilization := float64(active) / float64(maxConns)
		details["active_connections"] = active
		details["max_connections"] = maxConns
		details["rejected_total"] = c.admission.Rejected()
		details["utilization"] = fmt.Sprintf("%.1f%%", utilization*100)

		if utilization > 0.8 {
			status, message = StatusDegraded, "high connection usage"
		}
		if utilization > 0.95 {
			status, message = StatusUnhealthy, "connection limit near exhausted"
		}
	}

	return CheckResult{Status: status, Message: message, Details: details, Latency: time.Since(start)}
}
