package tcpserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/remoting-gateway/internal/config"
	"github.com/taoyao-code/remoting-gateway/internal/metrics"
	"github.com/taoyao-code/remoting-gateway/internal/packet"
	"github.com/taoyao-code/remoting-gateway/internal/remoting"
	"github.com/taoyao-code/remoting-gateway/internal/session"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrWriteTimeout   = errors.New("write queue timeout")
	ErrRequestTimeout = errors.New("request timeout")
	ErrHandlerPanic   = errors.New("handler panic")
)

// Handler 会话事件处理器（由 remoting.Handler 实现）
type Handler interface {
	OnMessage(sess remoting.Session, p packet.Packet) error
	OnException(sess remoting.Session, cause error)
}

// Observer 入站观察者：在处理器之前看到同一报文流，不拦截报文
type Observer interface {
	Observe(sess remoting.Session, p packet.Packet)
}

// ObserverFunc 函数适配器
type ObserverFunc func(sess remoting.Session, p packet.Packet)

func (f ObserverFunc) Observe(sess remoting.Session, p packet.Packet) { f(sess, p) }

// Server TCP 网关
type Server struct {
	cfg        cfgpkg.TCPConfig
	handler    Handler
	observers  []Observer
	admission  *Admission
	registry   *session.Registry
	logger     *zap.Logger
	metrics    *metrics.AppMetrics
	nextConnID atomic.Uint64
	stopping   atomic.Bool

	mu    sync.Mutex
	ln    net.Listener
	wg    sync.WaitGroup
	stopC chan struct{}
}

// Option 构造选项
type Option func(*Server)

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics 设置业务指标
func WithMetrics(m *metrics.AppMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRegistry 使用外部会话表（运维接口共享）
func WithRegistry(r *session.Registry) Option {
	return func(s *Server) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithAdmission 设置准入控制
func WithAdmission(a *Admission) Option {
	return func(s *Server) { s.admission = a }
}

// WithObserver 追加入站观察者，按追加顺序执行
func WithObserver(o ...Observer) Option {
	return func(s *Server) { s.observers = append(s.observers, o...) }
}

// New 创建 TCP 网关
func New(cfg cfgpkg.TCPConfig, handler Handler, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  zap.NewNop(),
		stopC:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = session.New(cfg.IdleTimeout)
	}
	return s
}

// Registry 在线会话表
func (s *Server) Registry() *session.Registry { return s.registry }

// Addr 监听地址，未启动时为 nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start 监听并接受连接（非阻塞，内部 goroutine）
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("tcp server listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(ln)

	if s.cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.sweepIdle(s.cfg.IdleTimeout)
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopC:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// 短暂错误等待后重试
			s.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if s.admission != nil {
			if err := s.admission.Admit(context.Background()); err != nil {
				s.reject(c, err)
				continue
			}
		}
		if s.metrics != nil {
			s.metrics.TCPAccepted.Inc()
		}

		cc := newConnContext(s, c)
		if !s.track(cc) {
			if s.admission != nil {
				s.admission.Release()
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.admission != nil {
				defer s.admission.Release()
			}
			cc.run()
		}()
	}
}

// track 登记会话；停机开始后才登记的连接直接关闭
func (s *Server) track(cc *ConnContext) bool {
	s.registry.Add(cc, time.Now())
	if s.stopping.Load() {
		s.registry.Remove(cc.id)
		_ = cc.closeWith(reasonShutdown)
		return false
	}
	if s.metrics != nil {
		s.metrics.SessionsOpen.Inc()
	}
	return true
}

func (s *Server) reject(c net.Conn, err error) {
	reason := "limit"
	if errors.Is(err, ErrAcceptRate) {
		reason = "rate"
	}
	if s.metrics != nil {
		s.metrics.TCPRejected.WithLabelValues(reason).Inc()
	}
	s.logger.Warn("connection rejected",
		zap.String("remote_addr", c.RemoteAddr().String()),
		zap.String("reason", reason),
	)
	_ = c.Close()
}

// sweepIdle 周期性关闭超过空闲窗口的会话
func (s *Server) sweepIdle(timeout time.Duration) {
	defer s.wg.Done()
	interval := timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopC:
			return
		case now := <-ticker.C:
			for _, sess := range s.registry.Idle(now) {
				if cc, ok := sess.(*ConnContext); ok {
					s.logger.Info("closing idle session",
						zap.Uint64("session_id", cc.ID()),
						zap.String("remote_addr", remoting.RemoteAddress(cc)),
					)
					_ = cc.closeWith(reasonIdle)
					continue
				}
				_ = sess.Close()
			}
		}
	}
}

// Shutdown 关闭监听与全部会话，并等待连接 goroutine 退出
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopC)
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()

	n := s.registry.CloseAll()
	s.logger.Info("tcp server shutting down", zap.Int("sessions", n))

	ch := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
