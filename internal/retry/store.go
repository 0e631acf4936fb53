package retry

import (
	"context"
	"sync"
	"time"

	"Warden/internal/storage/durable"
)

// Store 持久化整个队列，每次迁移后整体重写。
type Store interface {
	Load(ctx context.Context) ([]*Action, error)
	Save(ctx context.Context, actions []*Action) error
}

// MemoryStore 以内存方式保存队列，主要用于测试。
type MemoryStore struct {
	mu      sync.Mutex
	actions []*Action
	saves   int
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Load 实现 Store 接口。
func (m *MemoryStore) Load(context.Context) ([]*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Action, 0, len(m.actions))
	for _, a := range m.actions {
		out = append(out, a.clone())
	}
	return out, nil
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, actions []*Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = make([]*Action, 0, len(actions))
	for _, a := range actions {
		m.actions = append(m.actions, a.clone())
	}
	m.saves++
	return nil
}

// Saves 返回写入次数。
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FileStore 把队列写入带校验和与备份的 retry_queue.json。
type FileStore struct {
	mu   sync.Mutex
	file *durable.File
	seq  uint64
}

// NewFileStore 创建文件存储。
func NewFileStore(path string) *FileStore {
	return &FileStore{file: durable.NewFile(path, "retry_queue", true)}
}

// Load 实现 Store 接口，主副本损坏时自动回退到备份。
func (f *FileStore) Load(context.Context) ([]*Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var actions []*Action
	header, _, err := f.file.Load(&actions)
	if err != nil {
		if durable.IsMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	f.seq = header.Sequence
	return actions, nil
}

// Save 实现 Store 接口。
func (f *FileStore) Save(_ context.Context, actions []*Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if actions == nil {
		actions = []*Action{}
	}
	return f.file.Save(f.seq, time.Now(), actions)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)
