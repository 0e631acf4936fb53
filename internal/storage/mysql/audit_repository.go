package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"Warden/internal/audit"
	xerrors "Warden/internal/errors"
)

// erDupEntry 是 MySQL 主键冲突的错误号。
const erDupEntry = 1062

const insertAuditSQL = `INSERT INTO audit_entries
    (seq, recorded_at, action_id, action_type, level, status, result, error)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const listAuditSQL = `SELECT seq, recorded_at, action_id, action_type, level, status, result, error
    FROM audit_entries ORDER BY seq DESC LIMIT ?`

// AuditRepository 把审计记录镜像到 MySQL，本地 JSONL 文件仍是权威来源。
type AuditRepository struct {
	db *sql.DB
}

var _ audit.Sink = (*AuditRepository)(nil)

// NewAuditRepository 建立连接并执行迁移。
func NewAuditRepository(ctx context.Context, cfg Config) (*AuditRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &AuditRepository{db: db}, nil
}

// Write 插入一条审计记录。相同序号重复写入视为成功。
func (r *AuditRepository) Write(ctx context.Context, entry audit.Entry) error {
	_, err := r.db.ExecContext(ctx, insertAuditSQL,
		entry.Seq,
		entry.Timestamp.UnixMilli(),
		entry.ActionID,
		entry.Type,
		entry.Level,
		string(entry.Status),
		nullable(entry.Result),
		nullable(entry.Error),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == erDupEntry {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 audit_entries 失败")
	}
	return nil
}

// ListLatest 按序号倒序返回最近的审计记录。
func (r *AuditRepository) ListLatest(ctx context.Context, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, listAuditSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 audit_entries 失败")
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			entry      audit.Entry
			recordedAt int64
			status     string
			result     sql.NullString
			errText    sql.NullString
		)
		if err := rows.Scan(&entry.Seq, &recordedAt, &entry.ActionID, &entry.Type, &entry.Level, &status, &result, &errText); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 audit_entries 失败")
		}
		entry.Timestamp = time.UnixMilli(recordedAt).UTC()
		entry.Status = audit.Status(status)
		entry.Result = result.String
		entry.Error = errText.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 audit_entries 失败")
	}
	return entries, nil
}

// Close 关闭底层连接池。
func (r *AuditRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
