package tcpserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/remoting-gateway/internal/packet"
)

// 会话关闭原因（指标标签）
const (
	reasonRemote    = "remote"
	reasonLocal     = "local"
	reasonException = "exception"
	reasonReadError = "read_error"
	reasonIdle      = "idle"
	reasonShutdown  = "shutdown"
)

// ConnContext 每个 TCP 连接的会话：读循环解码报文，写队列异步发送
type ConnContext struct {
	s      *Server
	c      net.Conn
	id     uint64
	dec    *packet.StreamDecoder
	writeC chan []byte

	closeOnce   sync.Once
	closeErr    error
	closed      atomic.Bool
	inException atomic.Bool
	closeC      chan struct{}
	doneC       chan struct{}
}

func newConnContext(s *Server, c net.Conn) *ConnContext {
	queue := s.cfg.WriteQueue
	if queue <= 0 {
		queue = 128
	}
	return &ConnContext{
		s:      s,
		c:      c,
		id:     s.nextConnID.Add(1),
		dec:    packet.NewStreamDecoder(s.cfg.MaxFrameSize),
		writeC: make(chan []byte, queue),
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// ID 返回连接ID（单进程唯一递增）
func (cc *ConnContext) ID() uint64 { return cc.id }

// RemoteAddr 返回远端地址
func (cc *ConnContext) RemoteAddr() net.Addr { return cc.c.RemoteAddr() }

// Write 编码后异步写入，受写队列与写超时影响
func (cc *ConnContext) Write(p packet.Packet) error {
	// 已关闭优先于入队
	select {
	case <-cc.closeC:
		return ErrConnClosed
	default:
	}
	b, err := packet.Encode(p)
	if err != nil {
		return err
	}
	to := cc.s.cfg.WriteTimeout
	if to <= 0 {
		to = 5 * time.Second
	}
	timer := time.NewTimer(to)
	defer timer.Stop()
	select {
	case cc.writeC <- b:
		// 入队与关闭并发时，写循环可能已退出
		if cc.closed.Load() {
			return ErrConnClosed
		}
		return nil
	case <-cc.closeC:
		return ErrConnClosed
	case <-timer.C:
		return ErrWriteTimeout
	}
}

// Close 幂等关闭；尚未发出的写队列内容被丢弃
func (cc *ConnContext) Close() error {
	switch {
	case cc.inException.Load():
		return cc.closeWith(reasonException)
	case cc.s.stopping.Load():
		return cc.closeWith(reasonShutdown)
	default:
		return cc.closeWith(reasonLocal)
	}
}

func (cc *ConnContext) closeWith(reason string) error {
	cc.closeOnce.Do(func() {
		cc.closed.Store(true)
		close(cc.closeC)
		cc.closeErr = cc.c.Close()
		if cc.s.metrics != nil {
			cc.s.metrics.SessionsClosed.WithLabelValues(reason).Inc()
		}
		cc.s.logger.Debug("session closed",
			zap.Uint64("session_id", cc.id),
			zap.String("reason", reason),
		)
	})
	return cc.closeErr
}

// Done 返回连接结束通知通道
func (cc *ConnContext) Done() <-chan struct{} { return cc.doneC }

// run 启动读/写循环，阻塞直至连接结束
func (cc *ConnContext) run() {
	doneW := make(chan struct{})
	go func() {
		defer close(doneW)
		cc.writeLoop()
	}()

	cc.readLoop()

	<-doneW
	cc.s.registry.Remove(cc.id)
	if cc.s.metrics != nil {
		cc.s.metrics.SessionsOpen.Dec()
	}
	close(cc.doneC)
}

func (cc *ConnContext) writeLoop() {
	for {
		select {
		case <-cc.closeC:
			return
		case b := <-cc.writeC:
			if cc.s.cfg.WriteTimeout > 0 {
				_ = cc.c.SetWriteDeadline(time.Now().Add(cc.s.cfg.WriteTimeout))
			}
			if _, err := cc.c.Write(b); err != nil {
				if !cc.closed.Load() {
					cc.s.logger.Warn("write failed",
						zap.Uint64("session_id", cc.id),
						zap.Error(err),
					)
				}
				_ = cc.closeWith(reasonLocal)
				return
			}
		}
	}
}

func (cc *ConnContext) readLoop() {
	buf := make([]byte, 4096)
	for {
		if cc.s.cfg.ReadTimeout > 0 {
			_ = cc.c.SetReadDeadline(time.Now().Add(cc.s.cfg.ReadTimeout))
		}
		n, err := cc.c.Read(buf)
		if n > 0 {
			if cc.s.metrics != nil {
				cc.s.metrics.TCPBytesReceived.Add(float64(n))
			}
			cc.s.registry.OnSeen(cc.id, time.Now())
			pkts, dropped := cc.dec.Feed(buf[:n])
			if dropped > 0 {
				if cc.s.metrics != nil {
					cc.s.metrics.TCPBytesDropped.Add(float64(dropped))
				}
				cc.s.logger.Debug("frame decoder resynchronized",
					zap.Uint64("session_id", cc.id),
					zap.Int("dropped_bytes", dropped),
				)
			}
			for _, p := range pkts {
				if cc.closed.Load() {
					return
				}
				cc.deliver(p)
			}
		}
		if err == nil {
			continue
		}
		if cc.closed.Load() {
			return
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// 读超时，空闲由会话表判定
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			_ = cc.closeWith(reasonRemote)
			return
		}
		cc.fault(fmt.Errorf("read: %w", err))
		_ = cc.closeWith(reasonReadError)
		return
	}
}

// deliver 观察者链 -> 处理器；处理器错误或 panic 转交异常回调
func (cc *ConnContext) deliver(p packet.Packet) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		for _, o := range cc.s.observers {
			o.Observe(cc, p)
		}
		err = cc.s.handler.OnMessage(cc, p)
	}()
	if err != nil {
		cc.fault(err)
	}
}

// fault 每个故障只投递一次，异常回调自身的 panic 只记录日志
func (cc *ConnContext) fault(err error) {
	defer func() {
		if r := recover(); r != nil {
			cc.s.logger.Error("exception handler panicked",
				zap.Uint64("session_id", cc.id),
				zap.Any("panic", r),
			)
		}
	}()
	cc.inException.Store(true)
	defer cc.inException.Store(false)
	cc.s.handler.OnException(cc, err)
}
