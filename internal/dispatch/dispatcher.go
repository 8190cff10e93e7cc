package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/taoyao-code/remoting-gateway/internal/packet"
	"github.com/taoyao-code/remoting-gateway/internal/remoting"
)

var (
	ErrNoHandler = errors.New("dispatch: no handler registered")
	ErrFiltered  = errors.New("dispatch: packet rejected by filter")
)

// Handler 应用报文处理器
type Handler func(p *packet.Application, sender remoting.PacketSender) error

// Filter 出站过滤器：返回（可能替换后的）报文；返回错误则拒绝发送
type Filter func(p packet.Packet) (packet.Packet, error)

// PacketDispatcher 按类型码路由应用报文的处理器表，附带出站过滤链。
// 注册与分发可并发进行。
type PacketDispatcher struct {
	mu       sync.RWMutex
	handlers map[packet.Type]Handler
	filters  []Filter
}

// New 创建空分发器
func New() *PacketDispatcher {
	return &PacketDispatcher{handlers: make(map[packet.Type]Handler)}
}

// Register 注册处理器，重复注册覆盖
func (d *PacketDispatcher) Register(t packet.Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// Unregister 移除处理器
func (d *PacketDispatcher) Unregister(t packet.Type) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, t)
}

// AddFilter 追加出站过滤器，按添加顺序执行
func (d *PacketDispatcher) AddFilter(f Filter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filters = append(d.filters, f)
}

// Dispatch 路由应用报文；未注册类型返回 ErrNoHandler
func (d *PacketDispatcher) Dispatch(p *packet.Application, sender remoting.PacketSender) error {
	d.mu.RLock()
	h := d.handlers[p.Type]
	d.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("%w: type %s", ErrNoHandler, p.Type)
	}
	return h(p, sender)
}

// CallFilters 依次执行出站过滤器
func (d *PacketDispatcher) CallFilters(p packet.Packet) (packet.Packet, error) {
	if p == nil {
		return nil, packet.ErrNil
	}
	d.mu.RLock()
	filters := d.filters
	d.mu.RUnlock()

	var err error
	for _, f := range filters {
		p, err = f(p)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, ErrFiltered
		}
	}
	return p, nil
}
