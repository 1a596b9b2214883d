package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// FileStore 实现了基于文件系统的 Store (JSONL 格式)。
// 每个会话的历史记录存储在单独的文件中，每行一个 JSON 对象。
// Put 先写临时文件再 rename，保证单个会话的写入是原子的。
type FileStore struct {
	baseDir string
	mu      sync.RWMutex // 全局锁，保护文件系统操作并发安全
}

// NewFileStore 创建一个新的 FileStore。
// baseDir: 存储历史记录的目录路径。
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
	}, nil
}

// getFilePath 返回指定 sessionID 的文件路径。
// sessionID 由客户端提供，经过转义后不会包含路径分隔符。
func (s *FileStore) getFilePath(sessionID string) string {
	return filepath.Join(s.baseDir, url.PathEscape(sessionID)+".jsonl")
}

// Get 逐行读取文件获取历史记录。
// 文件不存在返回 ErrNotFound；坏行视为读取失败，不做跳过。
func (s *FileStore) Get(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.getFilePath(sessionID)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	messages := make([]Message, 0, DefaultMaxHistory)
	scanner := bufio.NewScanner(f)

	// 增加 Buffer 大小以支持超长单行（默认 64KB 可能不够）
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 5*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("malformed line %d in %s: %w", lineNum, path, err)
		}
		if !msg.Role.Valid() {
			return nil, fmt.Errorf("unknown role %q on line %d in %s", msg.Role, lineNum, path)
		}
		messages = append(messages, msg)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning history file: %w", err)
	}

	return messages, nil
}

// Put 重写整个会话文件。
func (s *FileStore) Put(ctx context.Context, sessionID string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.getFilePath(sessionID)
	tmp, err := os.CreateTemp(s.baseDir, ".tmp-*.jsonl")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	// rename 成功后 Remove 会返回 not-exist，可忽略
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	// json.Encoder 默认会在末尾加 \n，符合 JSONL 规范
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false) // 保持原始字符，不转义 <, >, &
	for _, msg := range msgs {
		if err := encoder.Encode(msg); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Delete 删除会话文件，不存在时静默成功。
func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.getFilePath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
