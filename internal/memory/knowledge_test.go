package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Warden/internal/errors"
)

func TestKnowledgeWriteCommitAndRevision(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	kb := OpenKnowledge(t.TempDir(), "tester", "t@example.com", clock)
	require.True(t, kb.Available())

	require.NoError(t, kb.Write("values.md", "be honest"))
	assert.True(t, kb.Dirty())
	assert.True(t, kb.CommitDue(time.Hour), "first commit is always due")

	doc, err := kb.Read("values.md")
	require.NoError(t, err)
	assert.Empty(t, doc.Revision)

	rev, err := kb.Commit("")
	require.NoError(t, err)
	require.NotEmpty(t, rev)
	assert.False(t, kb.Dirty())

	doc, err = kb.Read("values.md")
	require.NoError(t, err)
	assert.Equal(t, rev, doc.Revision)

	require.NoError(t, kb.Write("values.md", "be honest and brief"))
	assert.False(t, kb.CommitDue(time.Hour))
	now = now.Add(time.Hour)
	assert.True(t, kb.CommitDue(time.Hour))

	empty, err := OpenKnowledge(t.TempDir(), "", "", nil).Commit("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestKnowledgeRejectsEscapingPaths(t *testing.T) {
	kb := OpenKnowledge(t.TempDir(), "", "", nil)
	for _, p := range []string{"../etc/passwd", "/abs", ".git/config", "", "a/../../b"} {
		err := kb.Write(p, "x")
		assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), p)
	}
	_, err := kb.Read("missing.md")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestUnavailableRepositoryStillReads(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.md"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git"), []byte("not a repo"), 0o644))

	kb := OpenKnowledge(root, "", "", nil)
	assert.False(t, kb.Available())

	doc, err := kb.Read("readme.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Content)

	err = kb.Write("new.md", "x")
	assert.True(t, xerrors.HasCode(err, CodeKnowledgeUnavailable))
}

func TestSearchRanksByTermFrequency(t *testing.T) {
	kb := OpenKnowledge(t.TempDir(), "", "", nil)
	require.NoError(t, kb.Write("posting.md", "Posting cadence: post twice a day. Never post at night."))
	require.NoError(t, kb.Write("budget.md", "The budget allows one post per hour."))
	require.NoError(t, kb.Write("misc.md", "unrelated"))

	hits, err := kb.Search(5, "post")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "posting.md", hits[0].Path)
	assert.Contains(t, hits[0].Excerpt, "post")

	none, err := kb.Search(5, " ")
	require.NoError(t, err)
	assert.Empty(t, none)

	paths, err := kb.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"budget.md", "misc.md", "posting.md"}, paths)
}

func TestSearchExcerptSurvivesCaseFoldingThatGrowsText(t *testing.T) {
	kb := OpenKnowledge(t.TempDir(), "", "", nil)
	require.NoError(t, kb.Write("notes.md", strings.Repeat("Ⱥ", 200)+" Budget review"))

	var hits []KnowledgeHit
	require.NotPanics(t, func() {
		var err error
		hits, err = kb.Search(3, "budget")
		require.NoError(t, err)
	})
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Excerpt, "Budget review")
	assert.True(t, strings.HasPrefix(hits[0].Excerpt, "Ⱥ"))
}

func TestFoldCaseMapsOffsetsToOriginal(t *testing.T) {
	lower, offsets := foldCase("ȺB")
	assert.Equal(t, "ⱥb", lower)
	require.Len(t, offsets, len(lower)+1)
	assert.Equal(t, 2, offsets[strings.Index(lower, "b")])
	assert.Equal(t, 3, offsets[len(lower)])
}
