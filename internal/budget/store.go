package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "Warden/internal/errors"
	"Warden/internal/storage/durable"
	"Warden/pkg/logger"
)

// MemoryStore 只在进程内保存计数，用于测试与无持久化部署。
type MemoryStore struct {
	mu    sync.Mutex
	state State
	ok    bool
}

// NewMemoryStore 创建内存计数存储。
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Load 实现 CounterStore。
func (s *MemoryStore) Load(context.Context) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.ok, nil
}

// Save 实现 CounterStore。
func (s *MemoryStore) Save(_ context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state, s.ok = state, true
	return nil
}

// FileStore 把计数写入带校验和的 budget.json。
type FileStore struct {
	file *durable.File
	seq  uint64
}

// NewFileStore 创建文件计数存储。
func NewFileStore(path string) *FileStore {
	return &FileStore{file: durable.NewFile(path, "budget", false)}
}

// Load 实现 CounterStore。文件损坏时从零开始计数并不视为错误。
func (s *FileStore) Load(context.Context) (State, bool, error) {
	var state State
	header, _, err := s.file.Load(&state)
	if err != nil {
		if durable.IsMissing(err) {
			return State{}, false, nil
		}
		if isCorrupt(err) {
			logger.L().Warn("预算计数文件损坏，从零开始计数", slog.String("path", s.file.Path()), slog.Any("error", err))
			return State{}, false, nil
		}
		return State{}, false, err
	}
	s.seq = header.Sequence
	return state, true, nil
}

// Save 实现 CounterStore。
func (s *FileStore) Save(_ context.Context, state State) error {
	s.seq++
	return s.file.Save(s.seq, time.Now(), state)
}

var (
	_ CounterStore = (*MemoryStore)(nil)
	_ CounterStore = (*FileStore)(nil)
	_ CounterStore = (*RedisStore)(nil)
)

func isCorrupt(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeCorruption)
}
