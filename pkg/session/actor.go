package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State 描述 Actor 缓存的加载状态。
type State int32

const (
	StateUnloaded State = iota // 缓存为空，下一次操作从存储加载
	StateLoading               // 正在从存储加载
	StateReady                 // 缓存与存储一致
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

const actorInboxSize = 16

type opKind int

const (
	opGetHistory opKind = iota
	opAppendExchange
	opReset
)

// request 是投递到 Actor 邮箱的一次操作。
type request struct {
	ctx       context.Context
	kind      opKind
	user      string
	assistant string
	reply     chan result
}

type result struct {
	history []Message
	err     error
}

// Actor 是单个会话历史的唯一权威持有者。
// 所有操作经由邮箱按到达顺序逐个执行，不会交错。
//
// 状态机：
//
//	Unloaded --(首次操作)--> Loading --(读取成功/不存在)--> Ready
//	    ^                        |                            |
//	    +------(读取失败)---------+                            |
//	    +---------------------(写入/删除失败，缓存作废)----------+
type Actor struct {
	id         string
	store      Store
	maxHistory int
	logger     *zap.Logger

	inbox chan request
	quit  chan struct{}
	done  chan struct{}

	mu         sync.Mutex // 保护 pending/stopped/lastActive
	pending    int        // 已接受但尚未完成的请求数
	stopped    bool
	lastActive time.Time
	quitOnce   sync.Once

	state   atomic.Int32
	history []Message // 仅由 loop goroutine 访问
}

func newActor(id string, store Store, maxHistory int, logger *zap.Logger) *Actor {
	a := &Actor{
		id:         id,
		store:      store,
		maxHistory: maxHistory,
		logger:     logger.With(zap.String("session_id", id)),
		inbox:      make(chan request, actorInboxSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
	go a.loop()
	return a
}

// ID 返回会话标识。
func (a *Actor) ID() string { return a.id }

// State 返回当前缓存状态。
func (a *Actor) State() State { return State(a.state.Load()) }

// GetHistory 返回当前历史的副本，必要时先从存储加载。
// 存储读取失败返回 *StorageError；会话不存在返回空切片。
func (a *Actor) GetHistory(ctx context.Context) ([]Message, error) {
	return a.submit(ctx, request{kind: opGetHistory})
}

// AppendExchange 以一次逻辑更新追加一条用户消息和一条助手消息，
// 超出上限时丢弃最旧的消息，然后写入存储。写入失败返回 *PersistenceError，
// 此时缓存不会包含这一轮对话。
func (a *Actor) AppendExchange(ctx context.Context, userMessage, assistantMessage string) ([]Message, error) {
	return a.submit(ctx, request{kind: opAppendExchange, user: userMessage, assistant: assistantMessage})
}

// Reset 清空缓存并删除存储中的记录。对空会话重复调用是幂等的。
func (a *Actor) Reset(ctx context.Context) error {
	_, err := a.submit(ctx, request{kind: opReset})
	return err
}

// submit 将请求放入邮箱并等待结果。
// 请求一旦入队就会被执行，调用方断开不会中止它。
func (a *Actor) submit(ctx context.Context, req request) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil, errActorStopped
	}
	a.pending++
	a.lastActive = time.Now()
	a.mu.Unlock()

	req.ctx = ctx
	req.reply = make(chan result, 1)
	a.inbox <- req

	res := <-req.reply
	return res.history, res.err
}

// loop 是 Actor 唯一的执行 goroutine。
func (a *Actor) loop() {
	defer close(a.done)
	for {
		select {
		case req := <-a.inbox:
			a.serve(req)
		case <-a.quit:
			a.drain()
			return
		}
	}
}

// drain 在停止后执行已被接受的剩余请求。stopped 置位后 pending 只减不增。
func (a *Actor) drain() {
	for {
		a.mu.Lock()
		remaining := a.pending
		a.mu.Unlock()
		if remaining == 0 {
			return
		}
		a.serve(<-a.inbox)
	}
}

// serve 先更新计数再回复，调用方拿到结果时 Actor 已处于空闲状态。
func (a *Actor) serve(req request) {
	res := a.handle(req)

	a.mu.Lock()
	a.pending--
	a.lastActive = time.Now()
	a.mu.Unlock()

	req.reply <- res
}

func (a *Actor) handle(req request) result {
	switch req.kind {
	case opGetHistory:
		if err := a.ensureLoaded(req.ctx); err != nil {
			return result{err: err}
		}
		return result{history: cloneMessages(a.history)}

	case opAppendExchange:
		if err := a.ensureLoaded(req.ctx); err != nil {
			return result{err: err}
		}
		next := make([]Message, 0, len(a.history)+2)
		next = append(next, a.history...)
		next = append(next, UserMessage(req.user), AssistantMessage(req.assistant))
		next = Truncate(next, a.maxHistory)

		if err := a.store.Put(req.ctx, a.id, next); err != nil {
			a.invalidate()
			a.logger.Warn("persist history failed", zap.Error(err))
			return result{err: &PersistenceError{SessionID: a.id, Op: "put", Err: err}}
		}
		a.history = next
		return result{history: cloneMessages(next)}

	case opReset:
		if err := a.store.Delete(req.ctx, a.id); err != nil {
			a.invalidate()
			a.logger.Warn("delete history failed", zap.Error(err))
			return result{err: &PersistenceError{SessionID: a.id, Op: "delete", Err: err}}
		}
		a.history = []Message{}
		a.state.Store(int32(StateReady))
		a.logger.Debug("history reset")
		return result{}
	}
	return result{err: errors.New("unknown actor operation")}
}

// ensureLoaded 在首次访问或缓存作废后从存储加载历史。
// 只有确认“不存在”时才初始化为空历史，其余读取错误一律上抛。
func (a *Actor) ensureLoaded(ctx context.Context) error {
	if a.State() == StateReady {
		return nil
	}
	a.state.Store(int32(StateLoading))

	msgs, err := a.store.Get(ctx, a.id)
	switch {
	case errors.Is(err, ErrNotFound):
		a.history = []Message{}
	case err != nil:
		a.invalidate()
		a.logger.Warn("load history failed", zap.Error(err))
		return &StorageError{SessionID: a.id, Err: err}
	default:
		a.history = Truncate(msgs, a.maxHistory)
	}

	a.state.Store(int32(StateReady))
	a.logger.Debug("history loaded", zap.Int("messages", len(a.history)))
	return nil
}

// invalidate 丢弃缓存，下一次操作重新从存储加载。
func (a *Actor) invalidate() {
	a.history = nil
	a.state.Store(int32(StateUnloaded))
}

// tryStop 在 Actor 空闲超过 idle 时停止它。有未完成请求时不会停止。
func (a *Actor) tryStop(idle time.Duration, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return true
	}
	if a.pending > 0 || now.Sub(a.lastActive) < idle {
		return false
	}
	a.stopped = true
	a.quitOnce.Do(func() { close(a.quit) })
	return true
}

// stop 拒绝新请求，执行完已接受的请求后退出，并等待 loop 结束。
func (a *Actor) stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.quitOnce.Do(func() { close(a.quit) })
	<-a.done
}
