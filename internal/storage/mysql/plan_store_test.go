package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"

	"SwapSentinel/internal/agent"
)

func samplePlanRecord(requestID, planID string, status agent.Status, createdAt int64) *agent.PlanRecord {
	return &agent.PlanRecord{
		RequestID: requestID,
		PlanID:    planID,
		SessionID: "session-1",
		Status:    status,
		Summary:   "swap 1 ETH to USDC",
		RiskLevel: "low",
		Response: agent.PlanResponse{
			RequestID: requestID,
			Status:    status,
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestFilePlanStoreRestoresAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFilePlanStore(dir)
	if err != nil {
		t.Fatalf("create file store: %v", err)
	}

	ctx := context.Background()
	if err := store.Save(ctx, samplePlanRecord("req-1", "plan_ab12cd34", agent.StatusNeedsOwnerSignature, 100)); err != nil {
		t.Fatalf("save req-1: %v", err)
	}
	if err := store.Save(ctx, samplePlanRecord("req-2", "", agent.StatusRejected, 200)); err != nil {
		t.Fatalf("save req-2: %v", err)
	}
	if err := store.Save(ctx, samplePlanRecord("req-1", "", agent.StatusRejected, 300)); !errors.Is(err, agent.ErrPlanConflict) {
		t.Fatalf("expected ErrPlanConflict on duplicate save, got %v", err)
	}

	reopened, err := NewFilePlanStore(dir)
	if err != nil {
		t.Fatalf("reopen file store: %v", err)
	}

	byPlan, err := reopened.GetByPlanID(ctx, "plan_ab12cd34")
	if err != nil {
		t.Fatalf("get by plan id after reopen: %v", err)
	}
	if byPlan.RequestID != "req-1" || byPlan.Status != agent.StatusNeedsOwnerSignature {
		t.Fatalf("unexpected restored record: %+v", byPlan)
	}

	list, err := reopened.List(ctx, agent.ListOptions{})
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(list) != 2 || list[0].RequestID != "req-2" {
		t.Fatalf("unexpected list order after reopen: %+v", list)
	}

	stats, err := reopened.Stats(ctx)
	if err != nil {
		t.Fatalf("stats after reopen: %v", err)
	}
	if stats.Total != 2 || stats.NeedsSignature != 1 || stats.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if err := reopened.Save(ctx, samplePlanRecord("req-1", "", agent.StatusRejected, 400)); !errors.Is(err, agent.ErrPlanConflict) {
		t.Fatalf("expected conflict to survive reopen, got %v", err)
	}
}

func TestSQLPlanStoreSaveMapsDuplicateToConflict(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertPlanSQL, mockResult{rowsAffected: 1}),
		execErrOp(insertPlanSQL, &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewSQLPlanStoreWithDB(db)
	record := samplePlanRecord("req-1", "plan_ab12cd34", agent.StatusNeedsOwnerSignature, 100)
	if err := store.Save(context.Background(), record); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Save(context.Background(), record); !errors.Is(err, agent.ErrPlanConflict) {
		t.Fatalf("expected ErrPlanConflict, got %v", err)
	}
}

func TestSQLPlanStoreGetByRequestID(t *testing.T) {
	t.Parallel()

	response, err := json.Marshal(agent.PlanResponse{RequestID: "req-7", Status: agent.StatusRejected})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	rows := mockRowsData{
		columns: planColumnNames(),
		values: [][]driver.Value{
			{"req-7", nil, "session-1", "REJECTED", "rejected request", "low", string(response), int64(100), int64(100)},
		},
	}

	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+planColumns+` FROM plans WHERE request_id = ?`, rows),
		queryOp(`SELECT `+planColumns+` FROM plans WHERE request_id = ?`, mockRowsData{columns: planColumnNames()}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewSQLPlanStoreWithDB(db)
	record, err := store.GetByRequestID(context.Background(), "req-7")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.RequestID != "req-7" || record.PlanID != "" || record.Status != agent.StatusRejected {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.Response.Status != agent.StatusRejected {
		t.Fatalf("response column not decoded: %+v", record.Response)
	}

	if _, err := store.GetByRequestID(context.Background(), "req-missing"); !errors.Is(err, agent.ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestSQLPlanStoreListWithFilters(t *testing.T) {
	t.Parallel()

	response, err := json.Marshal(agent.PlanResponse{RequestID: "req-2", Status: agent.StatusBlockedByPolicy})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	rows := mockRowsData{
		columns: planColumnNames(),
		values: [][]driver.Value{
			{"req-2", nil, "session-2", "BLOCKED_BY_POLICY", "blocked", "high", string(response), int64(200), int64(200)},
		},
	}

	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+planColumns+` FROM plans WHERE status IN (?,?) AND session_id = ? ORDER BY created_at DESC, request_id ASC LIMIT ?`, rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewSQLPlanStoreWithDB(db)
	list, err := store.List(context.Background(), agent.ListOptions{
		Statuses:  []agent.Status{agent.StatusBlockedByPolicy, agent.StatusRejected},
		SessionID: " session-2 ",
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 || list[0].RequestID != "req-2" || list[0].RiskLevel != "high" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestSQLPlanStoreStats(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"total", "needs_signature", "blocked", "rejected", "internal_errors", "oldest", "newest"},
		values: [][]driver.Value{
			{int64(4), int64(1), int64(1), int64(1), int64(1), int64(100), int64(400)},
		},
	}

	db, drv := newMockDB(t, []mockOperation{
		queryOp(planStatsSQL(), rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewSQLPlanStoreWithDB(db)
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 4 || stats.NeedsSignature != 1 || stats.Blocked != 1 || stats.Rejected != 1 || stats.InternalErrors != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestCreatedAt != 100 || stats.NewestCreatedAt != 400 {
		t.Fatalf("unexpected timestamp range: %+v", stats)
	}
}

func TestRunMigrationsAppliesEmbeddedScripts(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
	}
	for _, name := range []string{"0001_create_plans.sql", "0002_create_eval_runs.sql", "0003_create_api_keys.sql"} {
		ops = append(ops,
			beginOp(),
			execOp(readMigrationStatement(name), mockResult{rowsAffected: 0}),
			execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
			commitOp(),
		)
	}

	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}, {"0002"}},
		}),
		beginOp(),
		execOp(readMigrationStatement("0003_create_api_keys.sql"), mockResult{rowsAffected: 0}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}

	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execErrOp(readMigrationStatement("0001_create_plans.sql"), errors.New("table is locked")),
		rollbackOp(),
	}

	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	err := runMigrations(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "0001_create_plans.sql") {
		t.Fatalf("expected migration failure naming the script, got %v", err)
	}
}

func planColumnNames() []string {
	return []string{"request_id", "plan_id", "session_id", "status", "summary", "risk_level", "response", "created_at", "updated_at"}
}

func planStatsSQL() string {
	return `SELECT
    COUNT(*) AS total,
    COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS needs_signature,
    COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS blocked,
    COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS rejected,
    COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS internal_errors,
    COALESCE(MIN(created_at), 0) AS oldest,
    COALESCE(MAX(created_at), 0) AS newest
    FROM plans`
}

func readMigrationStatement(name string) string {
	content, err := embeddedMigrations.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
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
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func execErrOp(query string, err error) mockOperation {
	return mockOperation{typ: opExec, query: query, err: err}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
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

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
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

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
