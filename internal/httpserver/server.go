package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	cfgpkg "github.com/taoyao-code/remoting-gateway/internal/config"
	"github.com/taoyao-code/remoting-gateway/internal/health"
	"github.com/taoyao-code/remoting-gateway/internal/packet"
	"github.com/taoyao-code/remoting-gateway/internal/remoting"
	"github.com/taoyao-code/remoting-gateway/internal/session"
)

// Sessions 在线会话查询（由 session.Registry 实现）
type Sessions interface {
	Snapshot() []session.Info
	Get(id uint64) (remoting.Session, bool)
	Count() int
}

// Requester 下行请求并等待应答（由 tcpserver.Correlator 实现）
type Requester interface {
	Request(ctx context.Context, sess remoting.Session, p *packet.Application) (*packet.ControlAck, error)
}

// HealthReporter 健康报告（由 health.Aggregator 实现）
type HealthReporter interface {
	Report(ctx context.Context) health.HealthReport
}

// Server HTTP 服务封装
type Server struct {
	srv            *http.Server
	health         HealthReporter
	sessions       Sessions
	requester      Requester
	requestTimeout time.Duration
}

// Option 构造选项
type Option func(*Server)

// WithSessions 注册 /sessions 运维接口
func WithSessions(s Sessions) Option {
	return func(srv *Server) { srv.sessions = s }
}

// WithHealth 注册 /health 详细报告
func WithHealth(h HealthReporter) Option {
	return func(srv *Server) { srv.health = h }
}

// WithRequester 注册 /sessions/:id/ping，timeout<=0 时默认 5 秒
func WithRequester(r Requester, timeout time.Duration) Option {
	return func(srv *Server) {
		srv.requester = r
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		srv.requestTimeout = timeout
	}
}

// New 创建并配置 Gin + HTTP Server，注册健康检查与指标路由
func New(cfg cfgpkg.HTTPConfig, metricsPath string, metricsHandler http.Handler, readyFn func() bool, opts ...Option) *Server {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/readyz", func(c *gin.Context) {
		if readyFn == nil || readyFn() {
			c.String(http.StatusOK, "ready")
			return
		}
		c.String(http.StatusServiceUnavailable, "not-ready")
	})
	if s.health != nil {
		r.GET("/health", func(c *gin.Context) {
			report := s.health.Report(c.Request.Context())
			code := http.StatusOK
			if report.Status == health.StatusUnhealthy {
				code = http.StatusServiceUnavailable
			}
			c.JSON(code, report)
		})
	}
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if metricsHandler != nil {
		r.GET(metricsPath, gin.WrapH(metricsHandler))
	}
	if s.sessions != nil {
		r.GET("/sessions", s.listSessions)
		r.DELETE("/sessions/:id", s.closeSession)
		if s.requester != nil {
			r.POST("/sessions/:id/ping", s.pingSession)
		}
	}

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start 启动 HTTP 服务（阻塞）
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"count":    s.sessions.Count(),
		"sessions": s.sessions.Snapshot(),
	})
}

func (s *Server) lookup(c *gin.Context) (remoting.Session, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return nil, false
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return sess, true
}

func (s *Server) closeSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := sess.Close(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pingSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.requestTimeout)
	defer cancel()

	start := time.Now()
	ack, err := s.requester.Request(ctx, sess, &packet.Application{Type: packet.TypePingRequest})
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusGatewayTimeout
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"correlation_id": ack.CorrelationID,
		"status":         ack.Status,
		"rtt_ms":         time.Since(start).Milliseconds(),
	})
}
