package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	xerrors "Warden/internal/errors"
	"Warden/internal/storage/durable"
)

const (
	// CodeApprovalNotFound 审批单不存在。
	CodeApprovalNotFound xerrors.Code = "APPROVAL_NOT_FOUND"
	// CodeApprovalInvalid 令牌无效、已使用或与调用不匹配。
	CodeApprovalInvalid xerrors.Code = "APPROVAL_INVALID"
)

func init() {
	xerrors.Register(CodeApprovalNotFound, xerrors.Attributes{
		Message:  "approval not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeApprovalInvalid, xerrors.Attributes{
		Message:  "approval token invalid",
		Severity: xerrors.SeverityWarning,
	})
}

// ApprovalStatus 是审批单的状态。
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalConsumed ApprovalStatus = "consumed"
)

// Approval 是一条 L2 调用的审批单。相同 (工具, 参数) 的待审批请求共享一张单。
type Approval struct {
	ID          string          `json:"id"`
	CallID      string          `json:"call_id"`
	Tool        string          `json:"tool"`
	Arguments   json.RawMessage `json:"arguments"`
	Hash        string          `json:"hash"`
	Status      ApprovalStatus  `json:"status"`
	Requests    int             `json:"requests"`
	Token       string          `json:"token,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	DecidedAt   time.Time       `json:"decided_at,omitempty"`
}

// CallHash 计算 (工具, 规范化参数) 的 SHA-256。
func CallHash(tool string, args json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(canonicalJSON(args))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON 通过解码再编码得到键有序、无多余空白的表示。
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// approvalBook 保存审批单，可选持久化到 approvals.json。
type approvalBook struct {
	mu    sync.Mutex
	items map[string]*Approval
	file  *durable.File
	seq   uint64
}

func newApprovalBook(path string) (*approvalBook, error) {
	b := &approvalBook{items: make(map[string]*Approval)}
	if path == "" {
		return b, nil
	}
	b.file = durable.NewFile(path, "approvals", true)
	var stored []*Approval
	header, _, err := b.file.Load(&stored)
	switch {
	case err == nil:
		b.seq = header.Sequence
		for _, a := range stored {
			b.items[a.ID] = a
		}
	case durable.IsMissing(err):
	default:
		return nil, err
	}
	return b, nil
}

func (b *approvalBook) pendingByHash(hash string) *Approval {
	for _, a := range b.items {
		if a.Status == ApprovalPending && a.Hash == hash {
			return a
		}
	}
	return nil
}

// consumedByHash 返回已执行过的同一调用的审批单，重试据此沿用原审批。
func (b *approvalBook) consumedByHash(hash string) *Approval {
	for _, a := range b.items {
		if a.Status == ApprovalConsumed && a.Hash == hash {
			return a
		}
	}
	return nil
}

func (b *approvalBook) byToken(token string) *Approval {
	for _, a := range b.items {
		if a.Token != "" && a.Token == token {
			return a
		}
	}
	return nil
}

func (b *approvalBook) persist(now time.Time) error {
	if b.file == nil {
		return nil
	}
	b.seq++
	return b.file.Save(b.seq, now, b.sortedLocked())
}

func (b *approvalBook) sortedLocked() []*Approval {
	out := make([]*Approval, 0, len(b.items))
	for _, a := range b.items {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

func (b *approvalBook) list(status ApprovalStatus) []Approval {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Approval
	for _, a := range b.sortedLocked() {
		if status == "" || a.Status == status {
			out = append(out, *a)
		}
	}
	return out
}
