// Package memory 管理三层持久化记忆：原子覆盖的工作记忆、带校验与备份的情景检查点、
// 以及 git 版本化的知识库，并在启动时按固定顺序恢复。
package memory

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"Warden/internal/audit"
	xerrors "Warden/internal/errors"
	"Warden/internal/observability/alerting"
	"Warden/internal/storage/durable"
	"Warden/pkg/logger"
)

const (
	workingFile  = "working.json"
	episodicFile = "episodic.ckpt"
)

// Config 描述记忆子系统的目录与节奏。
type Config struct {
	Dir                     string
	KnowledgeDir            string
	KnowledgeCommitInterval time.Duration
	// EpisodicRetain 为检查点中保留的记录上限，只会裁掉最旧的终态记录。
	EpisodicRetain int
	AuthorName     string
	AuthorEmail    string
}

// Option 配置 Manager。
type Option func(*Manager)

// WithRecorder 设置审计日志。
func WithRecorder(r audit.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithNotifier 设置操作员通知。
func WithNotifier(d alerting.Dispatcher) Option {
	return func(m *Manager) { m.notifier = d }
}

// WithClock 注入时间源。
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// Manager 独占所有持久化层。所有方法都可并发调用。
type Manager struct {
	mu  sync.Mutex
	cfg Config

	working   *durable.File
	episodic  *durable.File
	knowledge *KnowledgeBase

	recorder     audit.Recorder
	notifier     alerting.Dispatcher
	participants []Participant

	current  WorkingSnapshot
	episodes []EpisodicRecord
	index    map[string]int

	seq            uint64
	ckptSeq        uint64
	lastSnapshot   time.Time
	lastCheckpoint time.Time
	source         RecoverySource
	degraded       bool

	clock func() time.Time
	log   *slog.Logger
}

// NewManager 创建 Manager。调用 Load 之前状态为空。
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "记忆目录不能为空")
	}
	if cfg.KnowledgeDir == "" {
		cfg.KnowledgeDir = filepath.Join(cfg.Dir, "knowledge")
	}
	if cfg.KnowledgeCommitInterval <= 0 {
		cfg.KnowledgeCommitInterval = time.Hour
	}
	if cfg.EpisodicRetain <= 0 {
		cfg.EpisodicRetain = 2000
	}
	m := &Manager{
		cfg:      cfg,
		working:  durable.NewFile(filepath.Join(cfg.Dir, workingFile), "working", false),
		episodic: durable.NewFile(filepath.Join(cfg.Dir, episodicFile), "episodic", true),
		index:    make(map[string]int),
		current:  WorkingSnapshot{}.Clone(),
		clock:    time.Now,
		log:      logger.Named("memory"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.knowledge = OpenKnowledge(cfg.KnowledgeDir, cfg.AuthorName, cfg.AuthorEmail, m.clock)
	return m, nil
}

// Knowledge 返回 Layer 3 知识库。
func (m *Manager) Knowledge() *KnowledgeBase { return m.knowledge }

// RegisterParticipant 登记随检查点刷盘的结构。
func (m *Manager) RegisterParticipant(p Participant) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants = append(m.participants, p)
}

// Load 按 working → episodic → episodic_backup → knowledge 的固定顺序恢复状态，
// 结果来源总会被记录。
func (m *Manager) Load(ctx context.Context) (*LoadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &LoadResult{}
	anyFile := m.working.Exists() || m.episodic.Exists()

	var primary episodicCheckpoint
	primaryHeader, primaryErr := m.episodic.LoadFrom(durable.SourcePrimary, &primary)
	if primaryErr != nil && !durable.IsMissing(primaryErr) {
		m.reportCorruption(ctx, "episodic", primaryErr, result)
	}

	// Layer 2 取有效副本中序号最高者：主检查点有效时以它为准，否则回落到备份。
	checkpoint, ckptHeader, ckptSource := primary, primaryHeader, SourceEpisodic
	ckptOK := primaryErr == nil
	if !ckptOK {
		var backup episodicCheckpoint
		backupHeader, backupErr := m.episodic.LoadFrom(durable.SourceBackup, &backup)
		if backupErr != nil && !durable.IsMissing(backupErr) {
			m.reportCorruption(ctx, "episodic_backup", backupErr, result)
		}
		if backupErr == nil {
			checkpoint, ckptHeader, ckptSource = backup, backupHeader, SourceEpisodicBackup
			ckptOK = true
		}
	}

	var working WorkingSnapshot
	header, workingErr := m.working.LoadFrom(durable.SourcePrimary, &working)
	switch {
	case workingErr == nil && ckptOK && header.Sequence < ckptHeader.Sequence:
		issue := fmt.Sprintf("working 序号 %d 落后于检查点 %d", header.Sequence, ckptHeader.Sequence)
		result.Issues = append(result.Issues, issue)
		m.log.Warn("工作记忆已过期，改用情景检查点",
			slog.Uint64("working_seq", header.Sequence),
			slog.Uint64("checkpoint_seq", ckptHeader.Sequence),
			slog.String("checkpoint", string(ckptSource)),
		)
	case workingErr == nil:
		result.Source = SourceWorking
		result.Working = working
		if ckptOK {
			result.Episodes = checkpoint.Episodes
			m.ckptSeq = ckptHeader.Sequence
		}
	case durable.IsMissing(workingErr):
		result.Issues = append(result.Issues, "working 不存在")
	default:
		result.Issues = append(result.Issues, "working 校验失败: "+workingErr.Error())
		m.log.Warn("工作记忆损坏，继续瀑布恢复", slog.Any("error", workingErr))
		m.record(ctx, audit.Entry{
			ActionID: "memory.working",
			Type:     "memory.integrity",
			Status:   audit.StatusCorrupted,
			Error:    workingErr.Error(),
		})
	}

	if result.Source == "" && ckptOK {
		result.Source = ckptSource
		result.Working = checkpoint.Working
		result.Episodes = checkpoint.Episodes
		m.ckptSeq = ckptHeader.Sequence
	}
	if result.Source == "" {
		if anyFile {
			result.Source = SourceKnowledge
			result.Degraded = true
		} else {
			result.Source = SourceFresh
		}
	}

	m.adopt(result)

	if result.Source == SourceEpisodic || result.Source == SourceEpisodicBackup {
		if err := m.writeWorkingLocked(); err != nil {
			m.log.Warn("恢复后重写工作记忆失败", slog.Any("error", err))
			result.Issues = append(result.Issues, "重写 working 失败: "+err.Error())
		}
	}

	m.log.Info("记忆恢复完成",
		slog.String("source", string(result.Source)),
		slog.Bool("degraded", result.Degraded),
		slog.Uint64("sequence", m.seq),
		slog.Int("episodes", len(m.episodes)),
	)
	status := audit.StatusRecovered
	if result.Degraded {
		status = audit.StatusDegraded
	}
	m.record(ctx, audit.Entry{
		ActionID: "memory.recovery",
		Type:     "memory.recovery",
		Status:   status,
		Result:   string(result.Source),
	})
	if result.Degraded {
		alerting.Notify(ctx, m.notifier, alerting.Event{
			Kind:       alerting.KindMemoryDegraded,
			Code:       xerrors.CodeCorruption,
			Severity:   xerrors.SeverityCritical,
			Message:    "工作记忆与情景检查点均不可用，仅凭知识库降级启动",
			OccurredAt: m.clock().UTC(),
		})
	}
	return result, nil
}

func (m *Manager) adopt(result *LoadResult) {
	m.source = result.Source
	m.degraded = result.Degraded
	m.current = result.Working.Clone()
	m.seq = m.current.Sequence
	if m.ckptSeq > m.seq {
		m.seq = m.ckptSeq
	}
	m.episodes = append([]EpisodicRecord(nil), result.Episodes...)
	m.index = make(map[string]int, len(m.episodes))
	for i, rec := range m.episodes {
		m.index[rec.ID] = i
	}
	result.Working = m.current.Clone()
}

// reportCorruption 处理 Layer 2 校验失败：审计并通知操作员。
func (m *Manager) reportCorruption(ctx context.Context, layer string, err error, result *LoadResult) {
	result.Issues = append(result.Issues, layer+" 校验失败: "+err.Error())
	m.log.Error("情景检查点损坏", slog.String("layer", layer), slog.Any("error", err))
	m.record(ctx, audit.Entry{
		ActionID: "memory." + layer,
		Type:     "memory.integrity",
		Status:   audit.StatusCorrupted,
		Error:    err.Error(),
	})
	alerting.Notify(ctx, m.notifier, alerting.Event{
		Kind:       alerting.KindMemoryCorruption,
		Code:       xerrors.CodeCorruption,
		Severity:   xerrors.SeverityCritical,
		Message:    fmt.Sprintf("%s 未通过完整性校验", layer),
		Metadata:   map[string]string{"layer": layer},
		OccurredAt: m.clock().UTC(),
	})
}

func (m *Manager) record(ctx context.Context, entry audit.Entry) {
	if m.recorder == nil {
		return
	}
	if _, err := m.recorder.Record(ctx, entry); err != nil {
		m.log.Warn("写入记忆审计失败", slog.String("type", entry.Type), slog.Any("error", err))
	}
}

// Working 返回当前工作记忆的副本。
func (m *Manager) Working() WorkingSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

// Snapshot 只写 Layer 1：分配新序号后原子覆盖 working.json。
func (m *Manager) Snapshot(_ context.Context, snap WorkingSnapshot) (WorkingSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	next := snap.Clone()
	next.Sequence = m.seq
	next.Timestamp = m.clock().UTC()
	m.current = next
	if err := m.writeWorkingLocked(); err != nil {
		return next.Clone(), err
	}
	return next.Clone(), nil
}

func (m *Manager) writeWorkingLocked() error {
	if err := m.working.Save(m.current.Sequence, m.clock(), m.current); err != nil {
		return err
	}
	m.lastSnapshot = m.clock()
	return nil
}

// Checkpoint 把当前工作记忆与情景记录写入 Layer 2：主副本写入并回读校验后才更新备份，
// 随后刷新所有已登记的参与者。
func (m *Manager) Checkpoint(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.compactLocked()
	body := episodicCheckpoint{Working: m.current.Clone(), Episodes: append([]EpisodicRecord(nil), m.episodes...)}
	if err := m.episodic.Save(m.current.Sequence, m.clock(), body); err != nil {
		m.log.Error("情景检查点写入失败", slog.Any("error", err))
		return err
	}
	m.ckptSeq = m.current.Sequence
	m.lastCheckpoint = m.clock()

	var errs []error
	for _, p := range m.participants {
		if err := p.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodeStorageFailure, stdErrors.Join(errs...), "检查点参与者刷盘失败")
	}
	m.log.Debug("情景检查点完成", slog.Uint64("sequence", m.ckptSeq), slog.Int("episodes", len(m.episodes)))
	return nil
}

// compactLocked 超出保留上限时从最旧处丢弃终态记录，open 状态的记录总是保留。
func (m *Manager) compactLocked() {
	excess := len(m.episodes) - m.cfg.EpisodicRetain
	if excess <= 0 {
		return
	}
	kept := m.episodes[:0]
	for _, rec := range m.episodes {
		if excess > 0 && rec.Status.Terminal() {
			excess--
			continue
		}
		kept = append(kept, rec)
	}
	m.episodes = kept
	m.index = make(map[string]int, len(m.episodes))
	for i, rec := range m.episodes {
		m.index[rec.ID] = i
	}
}

// AppendEpisode 追加一条情景记录，status 为空时为 open。
func (m *Manager) AppendEpisode(_ context.Context, kind string, payload any, status EpisodeStatus) (EpisodicRecord, error) {
	if status == "" {
		status = EpisodeOpen
	}
	if status != EpisodeOpen && !status.Terminal() {
		return EpisodicRecord{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的情景状态 %q", status))
	}
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return EpisodicRecord{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化情景记录失败")
		}
		raw = encoded
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().UTC()
	rec := EpisodicRecord{ID: uuid.NewString(), Timestamp: now, Type: kind, Payload: raw, Status: status, UpdatedAt: now}
	m.index[rec.ID] = len(m.episodes)
	m.episodes = append(m.episodes, rec)
	return rec, nil
}

// UpdateEpisodeStatus 把 open 记录推进到终态，终态不可再改。
func (m *Manager) UpdateEpisodeStatus(_ context.Context, id string, status EpisodeStatus) (EpisodicRecord, error) {
	if !status.Terminal() {
		return EpisodicRecord{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("只能推进到终态，收到 %q", status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.index[id]
	if !ok {
		return EpisodicRecord{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("情景记录 %s 不存在", id))
	}
	rec := &m.episodes[idx]
	if rec.Status != EpisodeOpen {
		return *rec, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("情景记录 %s 已是 %s", id, rec.Status))
	}
	rec.Status = status
	rec.UpdatedAt = m.clock().UTC()
	return *rec, nil
}

// Episodes 返回最近 limit 条情景记录，按时间倒序。
func (m *Manager) Episodes(limit int) []EpisodicRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.episodes) {
		limit = len(m.episodes)
	}
	out := make([]EpisodicRecord, 0, limit)
	for i := len(m.episodes) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.episodes[i])
	}
	return out
}

// PersistKnowledge 写入并暂存一份知识文档，到期时顺带提交。
func (m *Manager) PersistKnowledge(_ context.Context, path, content string) error {
	if err := m.knowledge.Write(path, content); err != nil {
		return err
	}
	if m.knowledge.CommitDue(m.cfg.KnowledgeCommitInterval) {
		if _, err := m.knowledge.Commit(""); err != nil {
			m.log.Warn("知识库提交失败", slog.Any("error", err))
		}
	}
	return nil
}

// CommitKnowledge 在有暂存修改且到期时提交。force 为 true 时忽略间隔。
func (m *Manager) CommitKnowledge(_ context.Context, force bool) (string, error) {
	if !force && !m.knowledge.CommitDue(m.cfg.KnowledgeCommitInterval) {
		return "", nil
	}
	if !m.knowledge.Available() {
		return "", nil
	}
	return m.knowledge.Commit("")
}

// ReadKnowledge 读取知识文档，与 Layer 1/2 的健康状态无关。
func (m *Manager) ReadKnowledge(path string) (KnowledgeDocument, error) {
	return m.knowledge.Read(path)
}

// SearchKnowledge 检索知识库。
func (m *Manager) SearchKnowledge(limit int, terms ...string) ([]KnowledgeHit, error) {
	return m.knowledge.Search(limit, terms...)
}

// Status 返回状态报告，降级启动后 Degraded 在整个进程生命周期内保持为 true。
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := 0
	for _, rec := range m.episodes {
		if rec.Status == EpisodeOpen {
			open++
		}
	}
	return Status{
		Source:              m.source,
		Degraded:            m.degraded,
		Sequence:            m.seq,
		CheckpointSequence:  m.ckptSeq,
		LastSnapshot:        m.lastSnapshot,
		LastCheckpoint:      m.lastCheckpoint,
		Episodes:            len(m.episodes),
		OpenEpisodes:        open,
		KnowledgeAvailable:  m.knowledge.Available(),
		KnowledgeDirty:      m.knowledge.Dirty(),
		LastKnowledgeCommit: m.knowledge.LastCommit(),
	}
}
