package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrConnLimit 并发连接数已满
	ErrConnLimit = errors.New("connection limit exceeded")
	// ErrAcceptRate 接入速率超限
	ErrAcceptRate = errors.New("accept rate exceeded")
)

// Admission 连接准入：令牌桶限制接入速率，信号量限制并发连接数
type Admission struct {
	sem     chan struct{}
	timeout time.Duration
	maxConn int
	limiter *rate.Limiter

	active   atomic.Int64
	rejected atomic.Int64
}

// NewAdmission 创建准入控制
// maxConn<=0 时默认 10000；ratePerSec<=0 时不限速；burst<=0 时为速率的 2 倍
func NewAdmission(maxConn int, acquireTimeout time.Duration, ratePerSec, burst int) *Admission {
	if maxConn <= 0 {
		maxConn = 10000
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 100 * time.Millisecond
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		if burst <= 0 {
			burst = ratePerSec * 2
		}
	}
	return &Admission{
		sem:     make(chan struct{}, maxConn),
		timeout: acquireTimeout,
		maxConn: maxConn,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Admit 申请一个连接许可，成功后必须调用 Release
func (a *Admission) Admit(ctx context.Context) error {
	if !a.limiter.Allow() {
		a.rejected.Add(1)
		return ErrAcceptRate
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	select {
	case a.sem <- struct{}{}:
		a.active.Add(1)
		return nil
	case <-ctx.Done():
		a.rejected.Add(1)
		return fmt.Errorf("%w: max=%d", ErrConnLimit, a.maxConn)
	}
}

// Release 释放连接许可
func (a *Admission) Release() {
	select {
	case <-a.sem:
		a.active.Add(-1)
	default:
	}
}

// Active 当前持有许可的连接数
func (a *Admission) Active() int { return int(a.active.Load()) }

// MaxConnections 最大连接数
func (a *Admission) MaxConnections() int { return a.maxConn }

// Rejected 累计拒绝次数
func (a *Admission) Rejected() int64 { return a.rejected.Load() }
