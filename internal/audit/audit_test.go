package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	entries []Entry
	err     error
}

func (s *recordingSink) Write(_ context.Context, entry Entry) error {
	s.entries = append(s.entries, entry)
	return s.err
}

func TestRecordAssignsIncreasingSequence(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	sink := &recordingSink{err: errors.New("mysql down")}
	log, err := Open(filepath.Join(t.TempDir(), "audit.log"), WithClock(func() time.Time { return fixed }), WithSink(sink))
	require.NoError(t, err)
	defer log.Close()

	first, err := log.Record(ctx, Entry{ActionID: "a1", Type: "web_fetch", Level: "L1", Status: StatusExecuted})
	require.NoError(t, err)
	second, err := log.Record(ctx, Entry{ActionID: "a2", Type: "self_modify", Level: "L3", Status: StatusBlocked})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.True(t, first.Timestamp.Equal(fixed))
	assert.Len(t, sink.entries, 2)

	listed := log.List(0)
	require.Len(t, listed, 2)
	assert.Equal(t, "a2", listed[0].ActionID)
	assert.Len(t, log.List(1), 1)
}

func TestOpenResumesSequenceAndDropsTornTail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.log")

	log, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := log.Record(ctx, Entry{ActionID: "x", Type: "notify_operator", Status: StatusExecuted})
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":4,"timestamp":"2026-`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(3), reopened.Seq())

	next, err := reopened.Record(ctx, Entry{ActionID: "y", Type: "notify_operator", Status: StatusExecuted})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.Seq)
	require.NoError(t, reopened.Flush(ctx))

	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, uint64(4), again.Seq())
	assert.Len(t, again.List(0), 4)
}

func TestRecordAfterCloseFails(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	_, err = log.Record(context.Background(), Entry{ActionID: "z", Status: StatusExecuted})
	require.Error(t, err)
}
