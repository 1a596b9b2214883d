package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 表示存储中不存在该会话的记录。Store 实现必须返回（或包装）它，
	// 以便 Actor 区分“尚无历史”与“读取失败”。
	ErrNotFound = errors.New("session not found")
	// ErrDirectoryClosed 表示 Directory 已关闭，不再接受新的操作。
	ErrDirectoryClosed = errors.New("session directory closed")

	// errActorStopped 表示 Actor 已被回收；Handle 会重新解析后重试。
	errActorStopped = errors.New("session actor stopped")
)

// StorageError 表示从存储读取会话历史失败（不包括 ErrNotFound）。
type StorageError struct {
	SessionID string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("load session %q: %v", e.SessionID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PersistenceError 表示写入或删除会话历史失败。
// 失败后 Actor 的缓存被视为过期，下一次操作会重新加载。
type PersistenceError struct {
	SessionID string
	Op        string // "put" or "delete"
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s session %q: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
