package session

import (
	"context"
	"sync"
)

// MemoryStore 提供基于内存的会话历史存储实现。
// 进程重启即丢失，适合开发与测试。
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]Message
}

// NewMemoryStore 创建内存存储实例。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]Message)}
}

// Get 返回指定会话历史的副本。
func (s *MemoryStore) Get(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.data[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessages(msgs), nil
}

// Put 覆盖写入会话历史（存储副本，避免调用方修改底层数据）。
func (s *MemoryStore) Put(ctx context.Context, sessionID string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sessionID] = cloneMessages(msgs)
	return nil
}

// Delete 删除会话历史，不存在时静默成功。
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}

// Len 返回当前保存的会话数量。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
