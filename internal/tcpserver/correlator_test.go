package tcpserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/remoting-gateway/internal/packet"
)

// pipeSession 记录写出的报文，可选地在写入时回调
type pipeSession struct {
	id       uint64
	mu       sync.Mutex
	written  []packet.Packet
	onWrite  func(packet.Packet)
	writeErr error
	done     chan struct{}
}

func newPipeSession(id uint64) *pipeSession {
	return &pipeSession{id: id, done: make(chan struct{})}
}

func (s *pipeSession) ID() uint64            { return s.id }
func (s *pipeSession) RemoteAddr() net.Addr  { return nil }
func (s *pipeSession) Close() error          { return nil }
func (s *pipeSession) Done() <-chan struct{} { return s.done }

func (s *pipeSession) Write(p packet.Packet) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	s.written = append(s.written, p)
	s.mu.Unlock()
	if s.onWrite != nil {
		go s.onWrite(p)
	}
	return nil
}

func TestCorrelator_RequestCompletedByAck(t *testing.T) {
	c := NewCorrelator(nil)
	sess := newPipeSession(1)
	sess.onWrite = func(p packet.Packet) {
		app := p.(*packet.Application)
		c.Observe(sess, &packet.ControlAck{CorrelationID: app.CorrelationID, Status: 7})
	}

	req := &packet.Application{Type: packet.TypePingRequest}
	ack, err := c.Request(context.Background(), sess, req)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), ack.Status)
	assert.Equal(t, uint32(0), req.CorrelationID, "caller's packet must not be modified")
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_AckFromOtherSessionIgnored(t *testing.T) {
	c := NewCorrelator(nil)
	sess := newPipeSession(1)
	other := newPipeSession(2)
	sess.onWrite = func(p packet.Packet) {
		c.Observe(other, &packet.ControlAck{CorrelationID: p.(*packet.Application).CorrelationID})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, sess, &packet.Application{Type: packet.TypePingRequest})
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_SessionClosed(t *testing.T) {
	c := NewCorrelator(nil)
	sess := newPipeSession(1)
	sess.onWrite = func(packet.Packet) { close(sess.done) }

	_, err := c.Request(context.Background(), sess, &packet.Application{})
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestCorrelator_WriteError(t *testing.T) {
	c := NewCorrelator(nil)
	sess := newPipeSession(1)
	sess.writeErr = errors.New("queue full")

	_, err := c.Request(context.Background(), sess, &packet.Application{})
	assert.EqualError(t, err, "queue full")
	assert.Equal(t, 0, c.Pending())

	_, err = c.Request(context.Background(), sess, nil)
	assert.ErrorIs(t, err, packet.ErrNil)
}

func TestCorrelator_IgnoresOtherPackets(t *testing.T) {
	c := NewCorrelator(nil)
	sess := newPipeSession(1)
	c.Observe(sess, &packet.KeepAlive{})
	c.Observe(sess, &packet.ControlAck{CorrelationID: 42})
	assert.Equal(t, 0, c.Pending())
}

func TestKeepAliveResponder(t *testing.T) {
	k := NewKeepAliveResponder(nil)
	sess := newPipeSession(1)

	k.Observe(sess, &packet.KeepAlive{})
	k.Observe(sess, &packet.KeepAlive{Reply: true})
	k.Observe(sess, &packet.Application{})

	require.Len(t, sess.written, 1)
	assert.Equal(t, &packet.KeepAlive{Reply: true}, sess.written[0])
}
