package tcpserver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/taoyao-code/remoting-gateway/internal/packet"
	"github.com/taoyao-code/remoting-gateway/internal/remoting"
)

type pendingKey struct {
	session uint64
	id      uint32
}

// Correlator 请求/应答关联层：下行请求分配关联号，等待对端的 ControlAck
type Correlator struct {
	mu      sync.Mutex
	pending map[pendingKey]chan *packet.ControlAck
	next    atomic.Uint32
	logger  *zap.Logger
}

// NewCorrelator logger 可为 nil
func NewCorrelator(logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		pending: make(map[pendingKey]chan *packet.ControlAck),
		logger:  logger,
	}
}

// Observe 完成与应答匹配的挂起请求；无匹配的应答忽略
func (c *Correlator) Observe(sess remoting.Session, p packet.Packet) {
	ack, ok := p.(*packet.ControlAck)
	if !ok {
		return
	}
	key := pendingKey{session: sess.ID(), id: ack.CorrelationID}
	c.mu.Lock()
	ch, found := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	if !found {
		c.logger.Debug("unmatched control ack",
			zap.Uint64("session_id", key.session),
			zap.Uint32("correlation_id", ack.CorrelationID),
		)
		return
	}
	ch <- ack
}

// Request 发送应用报文并等待对应的 ControlAck。
// 请求报文被复制后分配新的关联号，调用方的报文不被修改。
func (c *Correlator) Request(ctx context.Context, sess remoting.Session, p *packet.Application) (*packet.ControlAck, error) {
	if p == nil {
		return nil, packet.ErrNil
	}
	req := *p
	req.CorrelationID = c.nextID()

	key := pendingKey{session: sess.ID(), id: req.CorrelationID}
	ch := make(chan *packet.ControlAck, 1)
	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()
	defer c.forget(key)

	if err := sess.Write(&req); err != nil {
		return nil, err
	}

	var done <-chan struct{}
	if d, ok := sess.(interface{ Done() <-chan struct{} }); ok {
		done = d.Done()
	}
	select {
	case ack := <-ch:
		return ack, nil
	case <-done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: correlation %d: %w", ErrRequestTimeout, req.CorrelationID, ctx.Err())
	}
}

// Pending 挂起中的请求数
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) forget(key pendingKey) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Correlator) nextID() uint32 {
	for {
		if id := c.next.Add(1); id != 0 {
			return id
		}
	}
}
