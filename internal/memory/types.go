package memory

import (
	"context"
	"encoding/json"
	"time"

	xerrors "Warden/internal/errors"
)

// CodeKnowledgeUnavailable 知识库仓库不可用，只影响写入。
const CodeKnowledgeUnavailable xerrors.Code = "KNOWLEDGE_UNAVAILABLE"

func init() {
	xerrors.Register(CodeKnowledgeUnavailable, xerrors.Attributes{
		Message:  "knowledge repository unavailable",
		Severity: xerrors.SeverityWarning,
	})
}

// WorkingSnapshot 是 Layer 1 的工作记忆，整体原子覆盖。
type WorkingSnapshot struct {
	Sequence       uint64               `json:"sequence"`
	Timestamp      time.Time            `json:"timestamp"`
	CurrentTask    string               `json:"current_task"`
	PendingActions []string             `json:"pending_actions"`
	Counters       map[string]int64     `json:"counters"`
	CronNextDue    map[string]time.Time `json:"cron_next_due"`
}

// Clone 深拷贝快照，避免调用方修改内部状态。
func (s WorkingSnapshot) Clone() WorkingSnapshot {
	out := s
	out.PendingActions = append([]string(nil), s.PendingActions...)
	out.Counters = make(map[string]int64, len(s.Counters))
	for k, v := range s.Counters {
		out.Counters[k] = v
	}
	out.CronNextDue = make(map[string]time.Time, len(s.CronNextDue))
	for k, v := range s.CronNextDue {
		out.CronNextDue[k] = v
	}
	return out
}

// EpisodeStatus 是情景记录的状态，只能前进。
type EpisodeStatus string

const (
	EpisodeOpen      EpisodeStatus = "open"
	EpisodeCompleted EpisodeStatus = "completed"
	EpisodeFailed    EpisodeStatus = "failed"
)

// Terminal 判断状态是否为终态。
func (s EpisodeStatus) Terminal() bool {
	return s == EpisodeCompleted || s == EpisodeFailed
}

// EpisodicRecord 是 Layer 2 中追加写的一行历史。
type EpisodicRecord struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    EpisodeStatus   `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// episodicCheckpoint 是 episodic.ckpt 的正文。
type episodicCheckpoint struct {
	Working  WorkingSnapshot  `json:"working"`
	Episodes []EpisodicRecord `json:"episodes"`
}

// RecoverySource 标识启动时状态来自哪一层。
type RecoverySource string

const (
	SourceWorking        RecoverySource = "working"
	SourceEpisodic       RecoverySource = "episodic"
	SourceEpisodicBackup RecoverySource = "episodic_backup"
	SourceKnowledge      RecoverySource = "knowledge"
	SourceFresh          RecoverySource = "fresh"
)

// LoadResult 是 Load 的返回值。
type LoadResult struct {
	Source   RecoverySource   `json:"source"`
	Working  WorkingSnapshot  `json:"working"`
	Episodes []EpisodicRecord `json:"episodes"`
	Degraded bool             `json:"degraded"`
	// Issues 记录恢复过程中被跳过的层及原因。
	Issues []string `json:"issues,omitempty"`
}

// Participant 是随检查点一起刷盘的 Layer 2 级结构，例如重试队列与审计日志。
type Participant interface {
	Name() string
	Flush(ctx context.Context) error
}

// Status 是记忆子系统的状态报告。
type Status struct {
	Source              RecoverySource `json:"source"`
	Degraded            bool           `json:"degraded"`
	Sequence            uint64         `json:"sequence"`
	CheckpointSequence  uint64         `json:"checkpoint_sequence"`
	LastSnapshot        time.Time      `json:"last_snapshot"`
	LastCheckpoint      time.Time      `json:"last_checkpoint"`
	Episodes            int            `json:"episodes"`
	OpenEpisodes        int            `json:"open_episodes"`
	KnowledgeAvailable  bool           `json:"knowledge_available"`
	KnowledgeDirty      bool           `json:"knowledge_dirty"`
	LastKnowledgeCommit time.Time      `json:"last_knowledge_commit"`
}
