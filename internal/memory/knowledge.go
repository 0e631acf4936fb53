package memory

import (
	stdErrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	xerrors "Warden/internal/errors"
	"Warden/internal/storage/durable"
	"Warden/pkg/logger"
)

// KnowledgeDocument 是 Layer 3 中的一份文档。Revision 为最近一次包含该文件的提交，
// 尚未提交时为空。
type KnowledgeDocument struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Revision string `json:"revision,omitempty"`
}

// KnowledgeHit 是检索结果。
type KnowledgeHit struct {
	Path    string `json:"path"`
	Score   int    `json:"score"`
	Excerpt string `json:"excerpt"`
}

// KnowledgeBase 是基于 git 工作树的知识库。仓库打不开时仍可读取工作树文件。
type KnowledgeBase struct {
	mu         sync.Mutex
	root       string
	repo       *git.Repository
	openErr    error
	dirty      bool
	lastCommit time.Time
	author     string
	email      string
	clock      func() time.Time
	log        *slog.Logger
}

// OpenKnowledge 打开 root 下的 git 仓库，不存在时初始化。
func OpenKnowledge(root, author, email string, clock func() time.Time) *KnowledgeBase {
	if clock == nil {
		clock = time.Now
	}
	if author == "" {
		author = "warden"
	}
	if email == "" {
		email = "warden@localhost"
	}
	kb := &KnowledgeBase{root: root, author: author, email: email, clock: clock, log: logger.Named("knowledge")}

	if err := os.MkdirAll(root, 0o755); err != nil {
		kb.openErr = err
		kb.log.Error("创建知识库目录失败", slog.String("root", root), slog.Any("error", err))
		return kb
	}
	repo, err := git.PlainOpen(root)
	if stdErrors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(root, false)
	}
	if err != nil {
		kb.openErr = err
		kb.log.Error("知识库仓库不可用，仅支持只读", slog.String("root", root), slog.Any("error", err))
		return kb
	}
	kb.repo = repo
	if head, err := repo.Head(); err == nil {
		if commit, err := repo.CommitObject(head.Hash()); err == nil {
			kb.lastCommit = commit.Author.When
		}
	}
	if wt, err := repo.Worktree(); err == nil {
		if status, err := wt.Status(); err == nil && !status.IsClean() {
			kb.dirty = true
		}
	}
	return kb
}

// Available 判断写入是否可用。
func (kb *KnowledgeBase) Available() bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return kb.repo != nil
}

func (kb *KnowledgeBase) resolve(rel string) (string, string, error) {
	clean := path.Clean(filepath.ToSlash(strings.TrimSpace(rel)))
	if clean == "." || clean == "" || strings.HasPrefix(clean, "../") || clean == ".." || path.IsAbs(clean) {
		return "", "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的知识库路径 %q", rel))
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return "", "", xerrors.New(xerrors.CodeInvalidArgument, "不能访问 .git 目录")
	}
	return clean, filepath.Join(kb.root, filepath.FromSlash(clean)), nil
}

// Read 读取工作树中的文档，不依赖仓库是否可用。
func (kb *KnowledgeBase) Read(rel string) (KnowledgeDocument, error) {
	clean, full, err := kb.resolve(rel)
	if err != nil {
		return KnowledgeDocument{}, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return KnowledgeDocument{}, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("知识文档 %s 不存在", clean))
		}
		return KnowledgeDocument{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取知识文档 %s 失败", clean))
	}
	return KnowledgeDocument{Path: clean, Content: string(data), Revision: kb.revision(clean)}, nil
}

func (kb *KnowledgeBase) revision(clean string) string {
	kb.mu.Lock()
	repo := kb.repo
	kb.mu.Unlock()
	if repo == nil {
		return ""
	}
	iter, err := repo.Log(&git.LogOptions{FileName: &clean})
	if err != nil {
		return ""
	}
	defer iter.Close()
	commit, err := iter.Next()
	if err != nil {
		return ""
	}
	return commit.Hash.String()
}

// Write 写入文档并暂存，提交由 Commit 按间隔完成。
func (kb *KnowledgeBase) Write(rel, content string) error {
	clean, full, err := kb.resolve(rel)
	if err != nil {
		return err
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if kb.repo == nil {
		return xerrors.Wrap(CodeKnowledgeUnavailable, kb.openErr, "知识库仓库不可用，拒绝写入")
	}
	wt, err := kb.repo.Worktree()
	if err != nil {
		return xerrors.Wrap(CodeKnowledgeUnavailable, err, "打开知识库工作树失败")
	}
	if err := durable.WriteAtomic(full, []byte(content)); err != nil {
		return err
	}
	if _, err := wt.Add(clean); err != nil {
		return xerrors.Wrap(CodeKnowledgeUnavailable, err, fmt.Sprintf("暂存 %s 失败", clean))
	}
	kb.dirty = true
	return nil
}

// CommitDue 判断是否有暂存内容且距上次提交已超过 interval。
func (kb *KnowledgeBase) CommitDue(interval time.Duration) bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if kb.repo == nil || !kb.dirty {
		return false
	}
	return kb.lastCommit.IsZero() || kb.clock().Sub(kb.lastCommit) >= interval
}

// Commit 提交暂存的修改，没有修改时返回空字符串。
func (kb *KnowledgeBase) Commit(message string) (string, error) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if kb.repo == nil {
		return "", xerrors.Wrap(CodeKnowledgeUnavailable, kb.openErr, "知识库仓库不可用，无法提交")
	}
	if !kb.dirty {
		return "", nil
	}
	wt, err := kb.repo.Worktree()
	if err != nil {
		return "", xerrors.Wrap(CodeKnowledgeUnavailable, err, "打开知识库工作树失败")
	}
	now := kb.clock()
	if message == "" {
		message = fmt.Sprintf("knowledge update %s", now.UTC().Format(time.RFC3339))
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: kb.author, Email: kb.email, When: now},
	})
	if err != nil {
		return "", xerrors.Wrap(CodeKnowledgeUnavailable, err, "提交知识库失败")
	}
	kb.dirty = false
	kb.lastCommit = now
	kb.log.Info("知识库已提交", slog.String("revision", hash.String()))
	return hash.String(), nil
}

// Dirty 判断是否有未提交的修改。
func (kb *KnowledgeBase) Dirty() bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return kb.dirty
}

// LastCommit 返回最近一次提交时间。
func (kb *KnowledgeBase) LastCommit() time.Time {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return kb.lastCommit
}

// List 返回工作树中的全部文档路径。
func (kb *KnowledgeBase) List() ([]string, error) {
	var out []string
	err := filepath.WalkDir(kb.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(kb.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历知识库失败")
	}
	sort.Strings(out)
	return out, nil
}

// Search 按关键词出现次数打分，返回得分最高的 limit 篇。
func (kb *KnowledgeBase) Search(limit int, terms ...string) ([]KnowledgeHit, error) {
	if limit <= 0 {
		limit = 3
	}
	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		for _, field := range strings.Fields(strings.ToLower(term)) {
			if len(field) > 1 {
				normalized = append(normalized, field)
			}
		}
	}
	if len(normalized) == 0 {
		return nil, nil
	}

	paths, err := kb.List()
	if err != nil {
		return nil, err
	}
	var hits []KnowledgeHit
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(kb.root, filepath.FromSlash(p)))
		if err != nil {
			continue
		}
		content := string(data)
		lower, offsets := foldCase(content)
		score := 0
		first := -1
		for _, term := range normalized {
			n := strings.Count(lower, term)
			score += n
			if n > 0 {
				if idx := offsets[strings.Index(lower, term)]; first < 0 || idx < first {
					first = idx
				}
			}
			if strings.Contains(strings.ToLower(p), term) {
				score += 2
			}
		}
		if score == 0 {
			continue
		}
		hits = append(hits, KnowledgeHit{Path: p, Score: score, Excerpt: excerpt(content, first)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].Path < hits[j].Path
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// foldCase 逐个 rune 转小写，offsets[i] 是小写串第 i 个字节对应的原文字节偏移。
// 转小写可能改变字节长度，匹配位置必须经 offsets 映射回原文。
func foldCase(content string) (string, []int) {
	var b strings.Builder
	b.Grow(len(content))
	offsets := make([]int, 0, len(content)+1)
	for i, r := range content {
		n, _ := b.WriteRune(unicode.ToLower(r))
		for ; n > 0; n-- {
			offsets = append(offsets, i)
		}
	}
	offsets = append(offsets, len(content))
	return b.String(), offsets
}

func excerpt(content string, at int) string {
	const span = 160
	if at < 0 {
		at = 0
	}
	if at > len(content) {
		at = len(content)
	}
	start := at - span/4
	if start < 0 {
		start = 0
	}
	end := start + span
	if end > len(content) {
		end = len(content)
	}
	for start > 0 && start < len(content) && !isRuneStart(content[start]) {
		start--
	}
	for end < len(content) && !isRuneStart(content[end]) {
		end++
	}
	return strings.TrimSpace(content[start:end])
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
