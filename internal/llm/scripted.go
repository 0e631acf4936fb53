package llm

import (
	"context"
	"sync"

	xerrors "Warden/internal/errors"
)

// Scripted 按顺序回放预先写好的回答，用于测试与无推理服务的演练模式。
type Scripted struct {
	mu        sync.Mutex
	responses []Response
	next      int
	loop      bool
	requests  []Request
}

// NewScripted 创建回放器。回答耗尽后返回 EXECUTOR_FAILURE。
func NewScripted(responses ...Response) *Scripted {
	return &Scripted{responses: responses}
}

// NewLooping 创建循环回放器，回答耗尽后从头开始。
func NewLooping(responses ...Response) *Scripted {
	return &Scripted{responses: responses, loop: true}
}

// Complete 实现 Oracle 接口。
func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, cloneRequest(req))
	if len(s.responses) == 0 || (!s.loop && s.next >= len(s.responses)) {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "scripted oracle exhausted", xerrors.WithRetryable(false))
	}
	resp := s.responses[s.next%len(s.responses)]
	s.next++
	out := resp
	out.ToolCalls = append([]ToolCall(nil), resp.ToolCalls...)
	return &out, nil
}

// Requests 返回已收到的请求副本。
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls 返回被调用的次数。
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func cloneRequest(req Request) Request {
	out := req
	out.Messages = append([]Message(nil), req.Messages...)
	out.Tools = append([]ToolSpec(nil), req.Tools...)
	return out
}

var _ Oracle = (*Scripted)(nil)
