package session

import (
	"sort"
	"sync"
	"time"

	"github.com/taoyao-code/remoting-gateway/internal/remoting"
)

// Info 会话快照
type Info struct {
	ID         uint64    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	OpenedAt   time.Time `json:"opened_at"`
	LastSeen   time.Time `json:"last_seen"`
}

type entry struct {
	sess     remoting.Session
	openedAt time.Time
	lastSeen time.Time
}

// Registry 传输层的在线会话表：打开/关闭、最近活跃时间、统计与批量关闭。
// 桥接器不使用它，它只服务于传输层与运维接口。
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*entry
	timeout  time.Duration
}

// New timeout 为空闲判定窗口，<=0 时默认 5 分钟
func New(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Registry{sessions: make(map[uint64]*entry), timeout: timeout}
}

// Add 登记会话，重复登记覆盖
func (r *Registry) Add(s remoting.Session, now time.Time) {
	r.mu.Lock()
	r.sessions[s.ID()] = &entry{sess: s, openedAt: now, lastSeen: now}
	r.mu.Unlock()
}

// Remove 注销会话
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// OnSeen 刷新会话最近活跃时间
func (r *Registry) OnSeen(id uint64, t time.Time) {
	r.mu.Lock()
	if e, ok := r.sessions[id]; ok {
		e.lastSeen = t
	}
	r.mu.Unlock()
}

// Get 返回已登记会话
func (r *Registry) Get(id uint64) (remoting.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// IsAlive 会话已登记且在超时窗口内有活动
func (r *Registry) IsAlive(id uint64, now time.Time) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return now.Sub(e.lastSeen) <= r.timeout
}

// Count 当前登记的会话数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Idle 返回超过超时窗口未活动的会话
func (r *Registry) Idle(now time.Time) []remoting.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []remoting.Session
	for _, e := range r.sessions {
		if now.Sub(e.lastSeen) > r.timeout {
			out = append(out, e.sess)
		}
	}
	return out
}

// Snapshot 按 ID 排序的会话快照
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, Info{
			ID:         id,
			RemoteAddr: remoting.RemoteAddress(e.sess),
			OpenedAt:   e.openedAt,
			LastSeen:   e.lastSeen,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll 关闭全部会话（停机时使用），返回关闭数量。
// 关闭在锁外进行，会话的关闭回调可以安全地调用 Remove。
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	all := make([]remoting.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		all = append(all, e.sess)
	}
	r.mu.RUnlock()
	for _, s := range all {
		_ = s.Close()
	}
	return len(all)
}
