package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Warden/internal/audit"
)

func TestAuditRepositoryWrite(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertAuditSQL, mockResult{rowsAffected: 1}),
		{typ: opExec, query: insertAuditSQL, err: &mysql.MySQLError{Number: erDupEntry, Message: "Duplicate entry"}},
		{typ: opExec, query: insertAuditSQL, err: &mysql.MySQLError{Number: 1146, Message: "Table doesn't exist"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &AuditRepository{db: db}
	entry := audit.Entry{Seq: 1, Timestamp: time.Now(), ActionID: "a", Type: "web_fetch", Level: "L1", Status: audit.StatusExecuted}

	require.NoError(t, repo.Write(context.Background(), entry))
	require.NoError(t, repo.Write(context.Background(), entry), "duplicate seq is idempotent")
	require.Error(t, repo.Write(context.Background(), entry))
}

func TestAuditRepositoryListLatest(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"seq", "recorded_at", "action_id", "action_type", "level", "status", "result", "error"},
		values: [][]driver.Value{
			{int64(2), int64(2000), "b", "self_modify", "L3", "blocked", nil, "forbidden"},
			{int64(1), int64(1000), "a", "web_fetch", "L1", "executed", "ok", nil},
		},
	}
	db, drv := newMockDB(t, []mockOperation{queryOp(listAuditSQL, rows)})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &AuditRepository{db: db}
	list, err := repo.ListLatest(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(2), list[0].Seq)
	assert.Equal(t, audit.StatusBlocked, list[0].Status)
	assert.Equal(t, "forbidden", list[0].Error)
	assert.Empty(t, list[0].Result)
	assert.Equal(t, "ok", list[1].Result)
	assert.Equal(t, int64(1000), list[1].Timestamp.UnixMilli())
}

func TestRunMigrationsAppliesEmbeddedFiles(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(createMigrationsTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(readMigrationStatement(t), mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	require.NoError(t, runMigrations(context.Background(), db))
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(createMigrationsTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	require.NoError(t, runMigrations(context.Background(), db))
}

func TestParseMigrationVersion(t *testing.T) {
	assert.Equal(t, "0001", parseMigrationVersion("0001_audit_entries.sql"))
	assert.Equal(t, "0002", parseMigrationVersion("0002.sql"))
	assert.Equal(t, []string{"SELECT 1", "SELECT 2"}, splitSQLStatements(" SELECT 1;\n\nSELECT 2; "))
}

func readMigrationStatement(t *testing.T) string {
	t.Helper()
	content, err := embeddedMigrations.ReadFile("0001_audit_entries.sql")
	require.NoError(t, err)
	statements := splitSQLStatements(string(content))
	require.NotEmpty(t, statements)
	return statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()
	assert.Equal(t, len(d.ops), int(atomic.LoadInt32(&d.idx)), "not all operations consumed")
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
