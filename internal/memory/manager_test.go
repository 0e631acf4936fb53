package memory

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

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

func (r *memoryRecorder) statuses(kind string) []audit.Status {
	var out []audit.Status
	for _, e := range r.entries {
		if e.Type == kind {
			out = append(out, e.Status)
		}
	}
	return out
}

type memoryDispatcher struct{ events []alerting.Event }

func (d *memoryDispatcher) Notify(_ context.Context, e alerting.Event) error {
	d.events = append(d.events, e)
	return nil
}

type flushCounter struct{ flushes int }

func (f *flushCounter) Name() string                  { return "retry" }
func (f *flushCounter) Flush(context.Context) error { f.flushes++; return nil }

func newManager(t *testing.T, dir string) (*Manager, *memoryRecorder, *memoryDispatcher) {
	t.Helper()
	rec := &memoryRecorder{}
	notes := &memoryDispatcher{}
	m, err := NewManager(Config{Dir: dir, KnowledgeCommitInterval: time.Minute}, WithRecorder(rec), WithNotifier(notes))
	require.NoError(t, err)
	return m, rec, notes
}

func snapshotWithTask(task string) WorkingSnapshot {
	return WorkingSnapshot{CurrentTask: task, Counters: map[string]int64{"rounds": 1}}
}

func TestFreshStartIsNotDegraded(t *testing.T) {
	m, rec, notes := newManager(t, t.TempDir())
	res, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceFresh, res.Source)
	assert.False(t, res.Degraded)
	assert.Empty(t, notes.events)
	assert.Equal(t, []audit.Status{audit.StatusRecovered}, rec.statuses("memory.recovery"))
}

func TestLoadPrefersValidWorkingMemory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, _, _ := newManager(t, dir)
	_, err := m.Load(ctx)
	require.NoError(t, err)

	_, err = m.Snapshot(ctx, snapshotWithTask("draft"))
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint(ctx))
	_, err = m.Snapshot(ctx, snapshotWithTask("publish"))
	require.NoError(t, err)

	restarted, _, _ := newManager(t, dir)
	res, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceWorking, res.Source)
	assert.Equal(t, "publish", res.Working.CurrentTask)
	assert.Equal(t, uint64(2), res.Working.Sequence)

	next, err := restarted.Snapshot(ctx, res.Working)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.Sequence)
}

func TestDeletedWorkingFileRecoversFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, _, _ := newManager(t, dir)
	_, err := m.Load(ctx)
	require.NoError(t, err)

	_, err = m.Snapshot(ctx, snapshotWithTask("checkpointed"))
	require.NoError(t, err)
	_, err = m.AppendEpisode(ctx, "round", map[string]string{"goal": "x"}, EpisodeCompleted)
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint(ctx))
	require.NoError(t, os.Remove(filepath.Join(dir, workingFile)))

	restarted, _, notes := newManager(t, dir)
	res, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceEpisodic, res.Source)
	assert.Equal(t, "checkpointed", res.Working.CurrentTask)
	assert.Len(t, res.Episodes, 1)
	assert.Empty(t, notes.events)
	assert.FileExists(t, filepath.Join(dir, workingFile), "working memory is re-snapshotted")

	again, _, _ := newManager(t, dir)
	res, err = again.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceWorking, res.Source)
}

func TestCrashBetweenWorkingWritesNeverLosesCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, _, _ := newManager(t, dir)
	_, err := m.Load(ctx)
	require.NoError(t, err)

	_, err = m.Snapshot(ctx, snapshotWithTask("old"))
	require.NoError(t, err)
	stale, err := os.ReadFile(filepath.Join(dir, workingFile))
	require.NoError(t, err)

	_, err = m.Snapshot(ctx, snapshotWithTask("checkpointed"))
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint(ctx))

	// 工作记忆回退到检查点之前的版本。
	require.NoError(t, os.WriteFile(filepath.Join(dir, workingFile), stale, 0o644))
	restarted, _, _ := newManager(t, dir)
	res, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceEpisodic, res.Source)
	assert.Equal(t, "checkpointed", res.Working.CurrentTask)

	// 工作记忆被写坏。
	require.NoError(t, os.WriteFile(filepath.Join(dir, workingFile), []byte(`{"version":1,"kind":"work`), 0o644))
	restarted, rec, notes := newManager(t, dir)
	res, err = restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceEpisodic, res.Source)
	assert.GreaterOrEqual(t, res.Working.Sequence, uint64(2))
	assert.Equal(t, []audit.Status{audit.StatusCorrupted}, rec.statuses("memory.integrity"))
	assert.Empty(t, notes.events, "layer 1 corruption does not page the operator")
}

func TestStaleWorkingLosesToNewerBackupWhenPrimaryIsTorn(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, _, _ := newManager(t, dir)
	_, err := m.Load(ctx)
	require.NoError(t, err)

	_, err = m.Snapshot(ctx, snapshotWithTask("old"))
	require.NoError(t, err)
	stale, err := os.ReadFile(filepath.Join(dir, workingFile))
	require.NoError(t, err)
	_, err = m.Snapshot(ctx, snapshotWithTask("new"))
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, workingFile), stale, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, episodicFile), []byte(`{"version":1,"kind":"epi`), 0o644))

	restarted, _, _ := newManager(t, dir)
	res, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceEpisodicBackup, res.Source)
	assert.Equal(t, "new", res.Working.CurrentTask)
	assert.Equal(t, uint64(2), restarted.Status().CheckpointSequence)
}

func TestCorruptPrimaryFallsBackToBackupAndNotifies(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, _, _ := newManager(t, dir)
	_, err := m.Load(ctx)
	require.NoError(t, err)
	_, err = m.Snapshot(ctx, snapshotWithTask("cp"))
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint(ctx))

	require.NoError(t, os.Remove(filepath.Join(dir, workingFile)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, episodicFile), []byte("garbage"), 0o644))

	restarted, rec, notes := newManager(t, dir)
	res, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceEpisodicBackup, res.Source)
	assert.Equal(t, "cp", res.Working.CurrentTask)
	assert.False(t, res.Degraded)
	require.Len(t, notes.events, 1)
	assert.Equal(t, alerting.KindMemoryCorruption, notes.events[0].Kind)
	assert.Equal(t, []audit.Status{audit.StatusCorrupted}, rec.statuses("memory.integrity"))
}

func TestLosingEveryLayerStartsDegraded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, _, _ := newManager(t, dir)
	_, err := m.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, m.PersistKnowledge(ctx, "notes/charter.md", "stay kind"))
	_, err = m.CommitKnowledge(ctx, true)
	require.NoError(t, err)
	_, err = m.Snapshot(ctx, snapshotWithTask("lost"))
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint(ctx))

	for _, name := range []string{workingFile, episodicFile, episodicFile + ".bak"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	restarted, rec, notes := newManager(t, dir)
	res, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceKnowledge, res.Source)
	assert.True(t, res.Degraded)
	assert.True(t, restarted.Status().Degraded)
	assert.Equal(t, []audit.Status{audit.StatusDegraded}, rec.statuses("memory.recovery"))

	kinds := make([]alerting.Kind, 0, len(notes.events))
	for _, e := range notes.events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, alerting.KindMemoryDegraded)

	doc, err := restarted.ReadKnowledge("notes/charter.md")
	require.NoError(t, err)
	assert.Equal(t, "stay kind", doc.Content)
	assert.NotEmpty(t, doc.Revision)

	require.NoError(t, restarted.Checkpoint(ctx))
	assert.True(t, restarted.Status().Degraded)
}

func TestCheckpointFlushesParticipants(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t, t.TempDir())
	p := &flushCounter{}
	m.RegisterParticipant(p)

	require.NoError(t, m.Checkpoint(ctx))
	require.NoError(t, m.Checkpoint(ctx))
	assert.Equal(t, 2, p.flushes)
	assert.FileExists(t, filepath.Join(m.cfg.Dir, episodicFile+".bak"))
}

func TestEpisodeStatusMovesForwardOnly(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t, t.TempDir())

	rec, err := m.AppendEpisode(ctx, "round", nil, "")
	require.NoError(t, err)
	assert.Equal(t, EpisodeOpen, rec.Status)

	done, err := m.UpdateEpisodeStatus(ctx, rec.ID, EpisodeCompleted)
	require.NoError(t, err)
	assert.Equal(t, EpisodeCompleted, done.Status)

	_, err = m.UpdateEpisodeStatus(ctx, rec.ID, EpisodeFailed)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))
	_, err = m.UpdateEpisodeStatus(ctx, rec.ID, EpisodeOpen)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	_, err = m.UpdateEpisodeStatus(ctx, "missing", EpisodeFailed)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	assert.Equal(t, 0, m.Status().OpenEpisodes)
}

func TestCompactionKeepsOpenEpisodes(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{Dir: t.TempDir(), EpisodicRetain: 2})
	require.NoError(t, err)

	open, err := m.AppendEpisode(ctx, "round", nil, EpisodeOpen)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.AppendEpisode(ctx, "note", nil, EpisodeCompleted)
		require.NoError(t, err)
	}
	require.NoError(t, m.Checkpoint(ctx))

	episodes := m.Episodes(0)
	require.Len(t, episodes, 2)
	assert.Equal(t, open.ID, episodes[1].ID)

	_, err = m.UpdateEpisodeStatus(ctx, open.ID, EpisodeFailed)
	assert.NoError(t, err)
}
