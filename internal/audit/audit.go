// Package audit 实现追加写的治理审计日志，每一次被治理的动作恰好对应一条记录。
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "Warden/internal/errors"
	"Warden/pkg/logger"
)

// Status 描述一条审计记录的结果。
type Status string

const (
	StatusExecuted        Status = "executed"
	StatusFailed          Status = "failed"
	StatusBlocked         Status = "blocked"
	StatusPendingApproval Status = "pending_approval"
	StatusUnknownTool     Status = "unknown_tool"
	StatusDenied          Status = "denied"
	StatusApproved        Status = "approved"

	StatusRecovered Status = "recovered"
	StatusDegraded  Status = "degraded"
	StatusCorrupted Status = "corrupted"

	StatusScheduled Status = "scheduled"
	StatusDeferred  Status = "deferred"
	StatusSucceeded Status = "succeeded"
	StatusAbandoned Status = "abandoned"
)

// Entry 是审计日志中的一行。
type Entry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	ActionID  string    `json:"action_id"`
	Type      string    `json:"type"`
	Level     string    `json:"level,omitempty"`
	Status    Status    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Recorder 是各组件写审计的最小接口。
type Recorder interface {
	Record(ctx context.Context, entry Entry) (Entry, error)
}

// Sink 接收已落盘的审计记录副本，例如 MySQL。
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Option 配置 Log。
type Option func(*Log)

// WithClock 注入时间源，便于测试。
func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithSink 追加一个审计副本接收方。
func WithSink(sink Sink) Option {
	return func(l *Log) {
		if sink != nil {
			l.sinks = append(l.sinks, sink)
		}
	}
}

// WithRetain 设置内存中保留的最近记录条数。
func WithRetain(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.retain = n
		}
	}
}

// Log 以 JSON Lines 追加写审计文件，序号严格递增。
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	seq    uint64
	recent []Entry
	retain int
	sinks  []Sink
	clock  func() time.Time
}

var _ Recorder = (*Log)(nil)

// Open 打开或创建审计文件，恢复最后的序号。末尾不完整的一行会被截掉。
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{path: path, retain: 512, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建审计目录失败")
	}
	if err := l.restore(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开审计日志失败")
	}
	l.file = file
	return l, nil
}

func (l *Log) restore() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审计日志失败")
	}

	valid := 0
	for offset := 0; offset < len(data); {
		idx := bytes.IndexByte(data[offset:], '\n')
		if idx < 0 {
			break
		}
		line := data[offset : offset+idx]
		offset += idx + 1
		valid = offset

		var entry Entry
		if len(bytes.TrimSpace(line)) == 0 || json.Unmarshal(line, &entry) != nil {
			continue
		}
		if entry.Seq > l.seq {
			l.seq = entry.Seq
		}
		l.remember(entry)
	}

	if valid < len(data) {
		logger.L().Warn("审计日志末尾存在不完整记录，已截断", slog.String("path", l.path), slog.Int("bytes", len(data)-valid))
		if err := os.Truncate(l.path, int64(valid)); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "截断审计日志失败")
		}
	}
	return nil
}

func (l *Log) remember(entry Entry) {
	l.recent = append(l.recent, entry)
	if len(l.recent) > l.retain {
		l.recent = l.recent[len(l.recent)-l.retain:]
	}
}

// Record 分配序号并追加一条记录，同时镜像到审计 logger 与各 Sink。
func (l *Log) Record(ctx context.Context, entry Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return Entry{}, xerrors.New(xerrors.CodeInitializationFailure, "审计日志已关闭")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock().UTC()
	}
	entry.Seq = l.seq + 1

	encoded, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化审计记录失败")
	}
	if _, err := l.file.Write(append(encoded, '\n')); err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计日志失败")
	}
	l.seq = entry.Seq
	l.remember(entry)

	logger.Audit().Info("governed action",
		slog.Uint64("seq", entry.Seq),
		slog.String("action_id", entry.ActionID),
		slog.String("type", entry.Type),
		slog.String("level", entry.Level),
		slog.String("status", string(entry.Status)),
		slog.String("error", entry.Error),
	)
	for _, sink := range l.sinks {
		if err := sink.Write(ctx, entry); err != nil {
			logger.L().Warn("审计副本写入失败", slog.Uint64("seq", entry.Seq), slog.Any("error", err))
		}
	}
	return entry, nil
}

// List 返回最近的记录，按序号倒序。limit<=0 时返回全部保留记录。
func (l *Log) List(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.recent) {
		limit = len(l.recent)
	}
	out := make([]Entry, 0, limit)
	for i := len(l.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.recent[i])
	}
	return out
}

// Seq 返回最后分配的序号。
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Name 实现记忆检查点参与者接口。
func (l *Log) Name() string { return "audit" }

// Flush 将审计文件刷到磁盘，在每次 Layer 2 检查点时调用。
func (l *Log) Flush(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("刷新审计日志 %s 失败", l.path))
	}
	return nil
}

// Close 刷盘并关闭文件。
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_ = l.file.Sync()
	err := l.file.Close()
	l.file = nil
	return err
}
