package builtin

import (
	"context"
	"encoding/json"

	"Warden/internal/governance"
	"Warden/internal/memory"
)

// KnowledgeStore 是 memory.Manager 提供给工具的 Layer 3 能力。
type KnowledgeStore interface {
	ReadKnowledge(path string) (memory.KnowledgeDocument, error)
	SearchKnowledge(limit int, terms ...string) ([]memory.KnowledgeHit, error)
	PersistKnowledge(ctx context.Context, path, content string) error
}

var _ KnowledgeStore = (*memory.Manager)(nil)

type knowledgeArgs struct {
	Path    string `json:"path"`
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
	Content string `json:"content"`
}

// KnowledgeRead 读取一篇知识文档。
func KnowledgeRead(store KnowledgeStore) governance.Tool {
	return &governance.FuncTool{
		ToolName:        NameKnowledgeRead,
		ToolDescription: "Read a document from the long-term knowledge base.",
		Parameters:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		ToolLevel:       governance.L1,
		Retryable:       true,
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args knowledgeArgs
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if err := required("path", args.Path); err != nil {
				return "", err
			}
			doc, err := store.ReadKnowledge(args.Path)
			if err != nil {
				return "", err
			}
			return encode(doc)
		},
	}
}

// KnowledgeSearch 按关键词检索知识库。
func KnowledgeSearch(store KnowledgeStore) governance.Tool {
	return &governance.FuncTool{
		ToolName:        NameKnowledgeSearch,
		ToolDescription: "Search the knowledge base by keywords and return the best matching excerpts.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"query":{"type":"string"},"limit":{"type":"integer","minimum":1,"maximum":10}},` +
			`"required":["query"]}`),
		ToolLevel: governance.L1,
		Retryable: true,
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args knowledgeArgs
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if err := required("query", args.Query); err != nil {
				return "", err
			}
			if args.Limit <= 0 || args.Limit > 10 {
				args.Limit = 5
			}
			hits, err := store.SearchKnowledge(args.Limit, args.Query)
			if err != nil {
				return "", err
			}
			if hits == nil {
				hits = []memory.KnowledgeHit{}
			}
			return encode(hits)
		},
	}
}

// KnowledgeWrite 写入或覆盖一篇知识文档，默认需要操作员审批。
func KnowledgeWrite(store KnowledgeStore) governance.Tool {
	return &governance.FuncTool{
		ToolName:        NameKnowledgeWrite,
		ToolDescription: "Create or replace a document in the knowledge base.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"path":{"type":"string"},"content":{"type":"string"}},` +
			`"required":["path","content"]}`),
		ToolLevel: governance.L2,
		Retryable: true,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args knowledgeArgs
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if err := required("path", args.Path); err != nil {
				return "", err
			}
			if err := store.PersistKnowledge(ctx, args.Path, args.Content); err != nil {
				return "", err
			}
			return "stored " + args.Path, nil
		},
	}
}
