package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
	"Warden/internal/memory"
	"Warden/internal/observability/alerting"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func TestWebFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(strings.Repeat("a", 32)))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/busy":
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	t.Cleanup(srv.Close)

	fetcher := NewFetcher(HTTPConfig{Timeout: 2 * time.Second, MaxBytes: 16})
	tool := fetcher.Tool()
	assert.Equal(t, governance.L1, tool.Level())
	assert.True(t, tool.Idempotent())

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`/ok"}`))
	require.NoError(t, err)
	var res FetchResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Len(t, res.Body, 16)
	assert.True(t, res.Truncated)

	missing, err := fetcher.Fetch(context.Background(), srv.URL+"/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, missing.Status)

	_, err = fetcher.Fetch(context.Background(), srv.URL+"/broken")
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeRecoverableIO))
	assert.True(t, xerrors.RetryableError(err))

	_, err = fetcher.Fetch(context.Background(), srv.URL+"/busy")
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeRateLimited))
	assert.Equal(t, "120", xerrors.MetadataOf(err, "retry_after_seconds"))

	_, err = fetcher.Fetch(context.Background(), "file:///etc/passwd")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = tool.Invoke(context.Background(), json.RawMessage(`{}`))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestSocialPost(t *testing.T) {
	var (
		mu     sync.Mutex
		auth   string
		bodies []string
		status = http.StatusOK
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		auth = r.Header.Get("Authorization")
		bodies = append(bodies, body["text"])
		code := status
		mu.Unlock()
		if code == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "900")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = w.Write([]byte(`{"id":"post-1"}`))
		}
	}))
	t.Cleanup(srv.Close)

	assert.Nil(t, NewSocialPoster(SocialConfig{}))
	poster := NewSocialPoster(SocialConfig{Webhook: srv.URL + "/post", Token: "tok"})
	require.NotNil(t, poster)
	tool := poster.Tool()
	assert.Equal(t, governance.L2, tool.Level())

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"text":"gm"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200,"id":"post-1"}`, out)

	mu.Lock()
	status = http.StatusTooManyRequests
	mu.Unlock()
	_, err = poster.Post(context.Background(), "again")
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeRateLimited))
	assert.Equal(t, "900", xerrors.MetadataOf(err, "retry_after_seconds"))

	mu.Lock()
	status = http.StatusBadRequest
	mu.Unlock()
	_, err = poster.Post(context.Background(), "bad")
	require.Error(t, err)
	assert.False(t, xerrors.RetryableError(err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, []string{"gm", "again", "bad"}, bodies)
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(30), retryAfterSeconds("30", now))
	assert.Equal(t, int64(0), retryAfterSeconds("", now))
	assert.Equal(t, int64(0), retryAfterSeconds("-5", now))
	assert.Equal(t, int64(60), retryAfterSeconds(now.Add(time.Minute).Format(http.TimeFormat), now))
}

func TestKnowledgeTools(t *testing.T) {
	dir := t.TempDir()
	mgr, err := memory.NewManager(memory.Config{Dir: dir, KnowledgeDir: filepath.Join(dir, "knowledge")})
	require.NoError(t, err)
	ctx := context.Background()

	write := KnowledgeWrite(mgr)
	assert.Equal(t, governance.L2, write.Level())
	_, err = write.Invoke(ctx, json.RawMessage(`{"path":"ops/runbook.md","content":"Restart the relay when the queue stalls."}`))
	require.NoError(t, err)

	out, err := KnowledgeRead(mgr).Invoke(ctx, json.RawMessage(`{"path":"ops/runbook.md"}`))
	require.NoError(t, err)
	var doc memory.KnowledgeDocument
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Contains(t, doc.Content, "relay")

	out, err = KnowledgeSearch(mgr).Invoke(ctx, json.RawMessage(`{"query":"queue relay"}`))
	require.NoError(t, err)
	var hits []memory.KnowledgeHit
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, "ops/runbook.md", hits[0].Path)

	out, err = KnowledgeSearch(mgr).Invoke(ctx, json.RawMessage(`{"query":"zebra"}`))
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestNotifyOperator(t *testing.T) {
	n := &recordingNotifier{}
	tool := NotifyOperator(n)
	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"message":"treasury low","severity":"warning"}`))
	require.NoError(t, err)
	require.Len(t, n.events, 1)
	assert.Equal(t, alerting.KindOperator, n.events[0].Kind)
	assert.Equal(t, xerrors.SeverityWarning, n.events[0].Severity)

	_, err = tool.Invoke(context.Background(), json.RawMessage(`{"message":" "}`))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestHandlersTools(t *testing.T) {
	tools := Handlers{Operator: &recordingNotifier{}, Fetcher: NewFetcher(HTTPConfig{})}.Tools()
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{NameNotifyOperator, NameWebFetch, NameSelfModify}, names)

	_, err := governance.NewRegistry(tools...)
	require.NoError(t, err)
	assert.Equal(t, governance.L3, SelfModify().Level())
}
