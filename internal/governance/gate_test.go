package governance

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Warden/internal/audit"
	xerrors "Warden/internal/errors"
	"Warden/internal/observability/alerting"
)

type memoryRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *memoryRecorder) Record(_ context.Context, e audit.Entry) (audit.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Seq = uint64(len(r.entries) + 1)
	r.entries = append(r.entries, e)
	return e, nil
}

type countingDispatcher struct{ events []alerting.Event }

func (d *countingDispatcher) Notify(_ context.Context, e alerting.Event) error {
	d.events = append(d.events, e)
	return nil
}

type countingTool struct {
	FuncTool
	calls int
}

func newCountingTool(name string, level Level, err error) *countingTool {
	t := &countingTool{}
	t.FuncTool = FuncTool{
		ToolName:  name,
		ToolLevel: level,
		Retryable: true,
		Handler: func(context.Context, json.RawMessage) (string, error) {
			t.calls++
			if err != nil {
				return "", err
			}
			return "ok", nil
		},
	}
	return t
}

func newTestGate(t *testing.T, opts []Option, tools ...Tool) (*Gate, *memoryRecorder, *countingDispatcher) {
	t.Helper()
	registry, err := NewRegistry(tools...)
	require.NoError(t, err)
	rec := &memoryRecorder{}
	notes := &countingDispatcher{}
	gate, err := NewGate(registry, rec, append([]Option{WithNotifier(notes)}, opts...)...)
	require.NoError(t, err)
	return gate, rec, notes
}

func TestL2WithoutTokenIsPendingAndNeverInvoked(t *testing.T) {
	post := newCountingTool("social_post", L2, nil)
	gate, rec, notes := newTestGate(t, nil, post)

	res, err := gate.Dispatch(context.Background(), Call{Tool: "social_post", Arguments: json.RawMessage(`{"text":"hi"}`)})
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, res.Outcome)
	assert.Zero(t, post.calls)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, audit.StatusPendingApproval, rec.entries[0].Status)
	assert.Equal(t, "L2", rec.entries[0].Level)
	require.NotNil(t, res.Approval)
	assert.Len(t, notes.events, 1)
	assert.Contains(t, res.Message(), "pending_approval")
}

func TestPendingApprovalsAreDeduplicated(t *testing.T) {
	post := newCountingTool("social_post", L2, nil)
	gate, rec, notes := newTestGate(t, nil, post)
	ctx := context.Background()

	first, err := gate.Dispatch(ctx, Call{Tool: "social_post", Arguments: json.RawMessage(`{"a":1,"b":"x"}`)})
	require.NoError(t, err)
	second, err := gate.Dispatch(ctx, Call{Tool: "social_post", Arguments: json.RawMessage(`{ "b":"x", "a":1 }`)})
	require.NoError(t, err)

	assert.Equal(t, first.Approval.ID, second.Approval.ID)
	assert.Equal(t, 2, second.Approval.Requests)
	assert.Len(t, notes.events, 1)
	assert.Len(t, rec.entries, 2)
	assert.Len(t, gate.Approvals(ApprovalPending), 1)
}

func TestApproveThenResumeExecutesOnce(t *testing.T) {
	post := newCountingTool("social_post", L2, nil)
	gate, rec, _ := newTestGate(t, nil, post)
	ctx := context.Background()

	pending, err := gate.Dispatch(ctx, Call{ID: "call-1", Tool: "social_post", Arguments: json.RawMessage(`{"text":"hi"}`)})
	require.NoError(t, err)

	approved, err := gate.Approve(ctx, pending.Approval.ID)
	require.NoError(t, err)
	require.NotEmpty(t, approved.Token)

	res, err := gate.ResumeApproved(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Equal(t, "call-1", res.CallID)
	assert.Equal(t, 1, post.calls)

	_, err = gate.ResumeApproved(ctx, approved.ID)
	assert.True(t, xerrors.HasCode(err, CodeApprovalInvalid))

	reused, err := gate.Dispatch(ctx, Call{Tool: "social_post", Arguments: json.RawMessage(`{"text":"hi"}`), ApprovalToken: approved.Token})
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, reused.Outcome)
	assert.True(t, xerrors.HasCode(reused.Err, CodeApprovalInvalid))
	assert.Equal(t, 1, post.calls)

	statuses := make([]audit.Status, 0, len(rec.entries))
	for _, e := range rec.entries {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []audit.Status{audit.StatusPendingApproval, audit.StatusApproved, audit.StatusExecuted, audit.StatusPendingApproval}, statuses)
}

func TestTokenDoesNotTransferToOtherArguments(t *testing.T) {
	post := newCountingTool("social_post", L2, nil)
	gate, _, _ := newTestGate(t, nil, post)
	ctx := context.Background()

	pending, err := gate.Dispatch(ctx, Call{Tool: "social_post", Arguments: json.RawMessage(`{"text":"a"}`)})
	require.NoError(t, err)
	approved, err := gate.Approve(ctx, pending.Approval.ID)
	require.NoError(t, err)

	res, err := gate.Dispatch(ctx, Call{Tool: "social_post", Arguments: json.RawMessage(`{"text":"b"}`), ApprovalToken: approved.Token})
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, res.Outcome)
	assert.Zero(t, post.calls)
}

func TestDenyClosesApproval(t *testing.T) {
	post := newCountingTool("social_post", L2, nil)
	gate, _, _ := newTestGate(t, nil, post)
	ctx := context.Background()

	pending, err := gate.Dispatch(ctx, Call{Tool: "social_post", Arguments: json.RawMessage(`{}`)})
	require.NoError(t, err)
	denied, err := gate.Deny(ctx, pending.Approval.ID, "off-brand")
	require.NoError(t, err)
	assert.Equal(t, ApprovalDenied, denied.Status)

	_, err = gate.Approve(ctx, pending.Approval.ID)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))
	_, err = gate.Approve(ctx, "missing")
	assert.True(t, xerrors.HasCode(err, CodeApprovalNotFound))
}

func TestL3IsNeverInvokedEvenWithPolicyOverride(t *testing.T) {
	self := newCountingTool("self_modify", L3, nil)
	gate, rec, _ := newTestGate(t, []Option{WithPolicy(Policy{Levels: map[string]Level{"self_modify": L1}})}, self)

	for i := 0; i < 3; i++ {
		res, err := gate.Dispatch(context.Background(), Call{Tool: "self_modify", Arguments: json.RawMessage(`{}`)})
		require.NoError(t, err)
		assert.Equal(t, OutcomeBlocked, res.Outcome)
		assert.True(t, xerrors.HasCode(res.Err, xerrors.CodeGovernanceViolation))
	}
	assert.Zero(t, self.calls)
	assert.Len(t, rec.entries, 3)
	assert.Equal(t, audit.StatusBlocked, rec.entries[0].Status)
}

func TestPolicyCanRaiseLevel(t *testing.T) {
	fetch := newCountingTool("web_fetch", L1, nil)
	gate, _, _ := newTestGate(t, []Option{WithPolicy(Policy{Levels: map[string]Level{"web_fetch": L2}})}, fetch)

	level, ok := gate.LevelOf("web_fetch")
	require.True(t, ok)
	assert.Equal(t, L2, level)
	assert.Equal(t, L2, gate.Specs()[0].Level)
}

func TestUnknownToolIsRejectedAndAudited(t *testing.T) {
	gate, rec, _ := newTestGate(t, nil)

	res, err := gate.Dispatch(context.Background(), Call{Tool: "launch_rocket"})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUnknownCapability))
	assert.Equal(t, OutcomeUnknownTool, res.Outcome)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, audit.StatusUnknownTool, rec.entries[0].Status)
	assert.Empty(t, rec.entries[0].Level)
}

func TestFailedIdempotentCallIsRetryable(t *testing.T) {
	transient := xerrors.Wrap(xerrors.CodeRecoverableIO, stdErrors.New("503"), "fetch failed")
	fetch := newCountingTool("web_fetch", L1, transient)
	fatal := newCountingTool("notify_operator", L1, xerrors.New(xerrors.CodeInvalidArgument, "bad"))
	gate, rec, _ := newTestGate(t, nil, fetch, fatal)
	ctx := context.Background()

	res, err := gate.Dispatch(ctx, Call{Tool: "web_fetch"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, res.Retryable)

	res, err = gate.Dispatch(ctx, Call{Tool: "notify_operator"})
	require.NoError(t, err)
	assert.False(t, res.Retryable)
	assert.Equal(t, audit.StatusFailed, rec.entries[1].Status)
	assert.NotEmpty(t, rec.entries[1].Error)
}

func TestPanickingToolIsReportedAsFailure(t *testing.T) {
	boom := &FuncTool{ToolName: "boom", ToolLevel: L1, Handler: func(context.Context, json.RawMessage) (string, error) {
		panic("kaboom")
	}}
	gate, _, _ := newTestGate(t, nil, boom)

	res, err := gate.Dispatch(context.Background(), Call{Tool: "boom"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Err.Error(), "kaboom")
}

func TestApprovalsSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.json")
	post := newCountingTool("social_post", L2, nil)
	gate, _, _ := newTestGate(t, []Option{WithApprovalFile(path)}, post)

	res, err := gate.Dispatch(context.Background(), Call{Tool: "social_post", Arguments: json.RawMessage(`{"text":"x"}`)})
	require.NoError(t, err)

	reopened, _, notes := newTestGate(t, []Option{WithApprovalFile(path)}, newCountingTool("social_post", L2, nil))
	got, ok := reopened.Approval(res.Approval.ID)
	require.True(t, ok)
	assert.Equal(t, ApprovalPending, got.Status)

	again, err := reopened.Dispatch(context.Background(), Call{Tool: "social_post", Arguments: json.RawMessage(`{"text":"x"}`)})
	require.NoError(t, err)
	assert.Equal(t, res.Approval.ID, again.Approval.ID)
	assert.Empty(t, notes.events, "duplicate request after restart does not notify again")
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("levels:\n  social_post: L2\n  web_fetch: l1\n  self_modify: 3\n"), 0o644))

	p, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]Level{"social_post": L2, "web_fetch": L1, "self_modify": L3}, p.Levels)

	require.NoError(t, os.WriteFile(path, []byte("levels:\n  x: L9\n"), 0o644))
	_, err = LoadPolicyFile(path)
	assert.Error(t, err)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(newCountingTool("a", L1, nil), newCountingTool("a", L1, nil))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))
	_, err = NewRegistry(&FuncTool{ToolName: "b"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestRedispatchReusesConsumedApproval(t *testing.T) {
	failing := xerrors.New(xerrors.CodeRecoverableIO, "platform down")
	post := newCountingTool("social_post", L2, failing)
	gate, _, _ := newTestGate(t, nil, post)
	ctx := context.Background()
	args := json.RawMessage(`{"text":"hi"}`)

	stranger, err := gate.Redispatch(ctx, Call{Tool: "social_post", Arguments: args})
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, stranger.Outcome)
	assert.Zero(t, post.calls)

	approved, err := gate.Approve(ctx, stranger.Approval.ID)
	require.NoError(t, err)
	first, err := gate.ResumeApproved(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, first.Outcome)
	assert.True(t, first.Retryable)

	again, err := gate.Redispatch(ctx, Call{Tool: "social_post", Arguments: json.RawMessage(`{ "text": "hi" }`)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, again.Outcome)
	assert.Equal(t, 2, post.calls)

	plain, err := gate.Dispatch(ctx, Call{Tool: "social_post", Arguments: args})
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, plain.Outcome)
	assert.Equal(t, 2, post.calls)
}
