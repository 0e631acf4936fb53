package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Warden/internal/errors"
	"Warden/internal/llm"
)

func TestNewOracleValidation(t *testing.T) {
	_, err := NewOracle(Config{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestCompleteReturnsToolCalls(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		captured.Authorization = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &captured.Body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "test-model",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "web_fetch", "arguments": "{\"url\":\"https://example.org\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	oracle, err := NewOracle(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "test-model"})
	require.NoError(t, err)

	resp, err := oracle.Complete(context.Background(), llm.Request{
		System: "you are the agent",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "check the site"},
		},
		Tools: []llm.ToolSpec{{Name: "web_fetch", Description: "fetch a page"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", captured.Authorization)
	assert.Equal(t, "test-model", captured.Body["model"])
	messages, ok := captured.Body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	tools, ok := captured.Body["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, 1)

	require.True(t, resp.HasToolCalls())
	assert.Equal(t, "web_fetch", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"url":"https://example.org"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestCompleteMapsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	oracle, err := NewOracle(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = oracle.Complete(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeRateLimited))
	assert.True(t, xerrors.RetryableError(err))
}

func TestCompleteMapsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"error":{"message":"upstream","type":"server_error"}}`)
	}))
	defer srv.Close()

	oracle, err := NewOracle(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = oracle.Complete(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeRecoverableIO))
}

func TestRawArgumentsWrapsInvalidJSON(t *testing.T) {
	assert.JSONEq(t, `{}`, string(rawArguments("")))
	assert.JSONEq(t, `"not json"`, string(rawArguments("not json")))
}
