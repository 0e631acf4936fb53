package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Warden/internal/errors"
)

func TestScriptedReplaysInOrder(t *testing.T) {
	s := NewScripted(
		Response{ToolCalls: []ToolCall{{ID: "1", Name: "web_fetch"}}},
		Response{Content: "done"},
	)
	ctx := context.Background()

	first, err := s.Complete(ctx, Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.True(t, first.HasToolCalls())

	second, err := s.Complete(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", second.Content)
	assert.False(t, second.HasToolCalls())

	_, err = s.Complete(ctx, Request{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeExecutorFailure))
	assert.Equal(t, 3, s.Calls())
	assert.Equal(t, "hi", s.Requests()[0].Messages[0].Content)
}

func TestLoopingNeverExhausts(t *testing.T) {
	s := NewLooping(Response{Content: "a"}, Response{Content: "b"})
	var got []string
	for i := 0; i < 5; i++ {
		resp, err := s.Complete(context.Background(), Request{})
		require.NoError(t, err)
		got = append(got, resp.Content)
	}
	assert.Equal(t, []string{"a", "b", "a", "b", "a"}, got)
}

func TestScriptedHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLooping(Response{Content: "a"}).Complete(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}
