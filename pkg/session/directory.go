package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultIdleTTL 是 Actor 空闲多久后被回收的默认值。
const DefaultIdleTTL = 10 * time.Minute

// Directory 将会话标识映射到唯一的 Actor。
// Actor 在首次引用时创建；同一标识在任意时刻最多只有一个存活的 Actor。
// 会话标识由客户端提供，不做任何校验或鉴权。
type Directory struct {
	store      Store
	maxHistory int
	idleTTL    time.Duration
	logger     *zap.Logger

	mu     sync.Mutex // 保护 actors 与 closed，同时串行化 Actor 的创建与回收
	actors map[string]*Actor
	closed bool
}

// DirectoryOption 自定义 Directory 行为。
type DirectoryOption func(*Directory)

// WithMaxHistory 设置每个会话保留的最大消息数，非正值时使用 DefaultMaxHistory。
func WithMaxHistory(n int) DirectoryOption {
	return func(d *Directory) {
		if n > 0 {
			d.maxHistory = n
		}
	}
}

// WithIdleTTL 设置空闲回收时长，0 表示不回收。
func WithIdleTTL(ttl time.Duration) DirectoryOption {
	return func(d *Directory) {
		d.idleTTL = ttl
	}
}

// WithLogger 注入日志记录器。
func WithLogger(l *zap.Logger) DirectoryOption {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDirectory 绑定存储并返回空的 Directory。
func NewDirectory(store Store, opts ...DirectoryOption) *Directory {
	d := &Directory{
		store:      store,
		maxHistory: DefaultMaxHistory,
		idleTTL:    DefaultIdleTTL,
		logger:     zap.NewNop(),
		actors:     make(map[string]*Actor),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolve 返回指定会话的 Handle。
func (d *Directory) Resolve(sessionID string) (Handle, error) {
	if _, err := d.actor(sessionID); err != nil {
		return Handle{}, err
	}
	return Handle{dir: d, id: sessionID}, nil
}

// actor 返回（必要时创建）会话对应的 Actor。
func (d *Directory) actor(sessionID string) (*Actor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDirectoryClosed
	}
	if a, ok := d.actors[sessionID]; ok {
		return a, nil
	}
	a := newActor(sessionID, d.store, d.maxHistory, d.logger)
	d.actors[sessionID] = a
	d.logger.Debug("session actor created", zap.String("session_id", sessionID))
	return a, nil
}

// with 在当前 Actor 上执行 fn；若 Actor 恰好被回收，则重新解析后重试。
func (d *Directory) with(sessionID string, fn func(*Actor) error) error {
	for {
		a, err := d.actor(sessionID)
		if err != nil {
			return err
		}
		err = fn(a)
		if errors.Is(err, errActorStopped) {
			continue
		}
		return err
	}
}

// Sweep 回收空闲超过 idleTTL 的 Actor，返回回收数量。
//
// 流程图：
//
//	[遍历actors]
//	     |
//	[有未完成请求 或 未超时?] --是--> [跳过]
//	     |
//	    否
//	     |
//	[停止Actor并从映射删除]
func (d *Directory) Sweep(now time.Time) int {
	if d.idleTTL <= 0 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	evicted := 0
	for id, a := range d.actors {
		if !a.tryStop(d.idleTTL, now) {
			continue
		}
		delete(d.actors, id)
		evicted++
	}
	if evicted > 0 {
		d.logger.Debug("idle session actors evicted", zap.Int("count", evicted))
	}
	return evicted
}

// Run 按 interval 周期性调用 Sweep，直到 ctx 结束。
func (d *Directory) Run(ctx context.Context, interval time.Duration) error {
	if d.idleTTL <= 0 {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = d.idleTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			d.Sweep(now)
		}
	}
}

// Len 返回当前存活的 Actor 数量。
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.actors)
}

// Close 停止所有 Actor。已接受的请求会先执行完。
func (d *Directory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	actors := make([]*Actor, 0, len(d.actors))
	for _, a := range d.actors {
		actors = append(actors, a)
	}
	d.actors = make(map[string]*Actor)
	d.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
	return nil
}

// Handle 将操作路由到某个会话当前的 Actor。
type Handle struct {
	dir *Directory
	id  string
}

// ID 返回会话标识。
func (h Handle) ID() string { return h.id }

// GetHistory 见 Actor.GetHistory。
func (h Handle) GetHistory(ctx context.Context) ([]Message, error) {
	var out []Message
	err := h.dir.with(h.id, func(a *Actor) error {
		var err error
		out, err = a.GetHistory(ctx)
		return err
	})
	return out, err
}

// AppendExchange 见 Actor.AppendExchange。
func (h Handle) AppendExchange(ctx context.Context, userMessage, assistantMessage string) ([]Message, error) {
	var out []Message
	err := h.dir.with(h.id, func(a *Actor) error {
		var err error
		out, err = a.AppendExchange(ctx, userMessage, assistantMessage)
		return err
	})
	return out, err
}

// Reset 见 Actor.Reset。
func (h Handle) Reset(ctx context.Context) error {
	return h.dir.with(h.id, func(a *Actor) error {
		return a.Reset(ctx)
	})
}
