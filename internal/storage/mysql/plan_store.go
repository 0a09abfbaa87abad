package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	mysqldriver "github.com/go-sql-driver/mysql"

	"SwapSentinel/internal/agent"
	xerrors "SwapSentinel/internal/errors"
)

// FilePlanStore 使用本地 JSON 行文件模拟 MySQL 的效果，方便单机部署。
// 全量留痕保留在内存索引中，进程重启后从日志恢复；重复或损坏的行
// 在恢复时直接跳过。
type FilePlanStore struct {
	mu       sync.Mutex
	dataFile string
	mem      *agent.MemoryPlanStore
}

// NewFilePlanStore 创建一个基于文件的留痕存储。
func NewFilePlanStore(dataDir string) (*FilePlanStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "plans.log")
	store := &FilePlanStore{dataFile: path, mem: agent.NewMemoryPlanStore()}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Save 以追加写的方式持久化留痕。同一 RequestID 只允许写入一次。
func (f *FilePlanStore) Save(ctx context.Context, record *agent.PlanRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.mem.Save(ctx, record); err != nil {
		return err
	}

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开留痕日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化留痕记录失败")
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入留痕日志失败")
	}
	return nil
}

// GetByPlanID 按计划 ID 返回留痕。
func (f *FilePlanStore) GetByPlanID(ctx context.Context, planID string) (*agent.PlanRecord, error) {
	return f.mem.GetByPlanID(ctx, planID)
}

// GetByRequestID 按请求 ID 返回留痕。
func (f *FilePlanStore) GetByRequestID(ctx context.Context, requestID string) (*agent.PlanRecord, error) {
	return f.mem.GetByRequestID(ctx, requestID)
}

// List 返回最近的留痕记录，按创建时间倒序。
func (f *FilePlanStore) List(ctx context.Context, opts agent.ListOptions) ([]*agent.PlanRecord, error) {
	return f.mem.List(ctx, opts)
}

// Stats 统计留痕记录的终态分布。
func (f *FilePlanStore) Stats(ctx context.Context) (agent.PlanStats, error) {
	return f.mem.Stats(ctx)
}

// Close 对文件存储无需操作，日志文件按调用粒度打开和关闭。
func (f *FilePlanStore) Close() error {
	return nil
}

func (f *FilePlanStore) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取留痕日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// 留痕行携带完整响应，可能超出默认缓冲。
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record agent.PlanRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.RequestID == "" {
			continue
		}
		if err := f.mem.Save(context.Background(), &record); err != nil {
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析留痕日志失败: %w", err)
	}
	return nil
}

// SQLPlanStore 使用真实的 MySQL 数据库存储规划留痕。
type SQLPlanStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewSQLPlanStore 创建连接池、应用迁移并返回存储。
func NewSQLPlanStore(ctx context.Context, cfg Config) (*SQLPlanStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 连接失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "应用数据库迁移失败")
	}
	return &SQLPlanStore{db: db, ownsDB: true}, nil
}

// NewSQLPlanStoreWithDB 复用已有连接构造存储。连接生命周期与表结构
// 迁移均由调用方负责。
func NewSQLPlanStoreWithDB(db *sql.DB) *SQLPlanStore {
	return &SQLPlanStore{db: db}
}

const planColumns = `request_id, plan_id, session_id, status, summary, risk_level, response, created_at, updated_at`

const insertPlanSQL = `INSERT INTO plans
        (request_id, plan_id, session_id, status, summary, risk_level, response, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Save 将留痕写入 MySQL。同一 RequestID 只允许写入一次。
func (s *SQLPlanStore) Save(ctx context.Context, record *agent.PlanRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.RequestID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 不能为空")
	}

	responseValue, err := json.Marshal(record.Response)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化规划结果失败")
	}

	// plan_id 仅在放行时非空，空值以 NULL 落库避免唯一索引冲突。
	planID := sql.NullString{String: record.PlanID, Valid: record.PlanID != ""}

	if _, err := s.db.ExecContext(ctx, insertPlanSQL,
		record.RequestID,
		planID,
		record.SessionID,
		record.Status,
		record.Summary,
		record.RiskLevel,
		string(responseValue),
		record.CreatedAt,
		record.UpdatedAt,
	); err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return agent.ErrPlanConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入规划留痕失败")
	}
	return nil
}

// GetByPlanID 按计划 ID 返回留痕。
func (s *SQLPlanStore) GetByPlanID(ctx context.Context, planID string) (*agent.PlanRecord, error) {
	stmt := `SELECT ` + planColumns + ` FROM plans WHERE plan_id = ?`
	row := s.db.QueryRowContext(ctx, stmt, planID)
	record, err := scanPlanRecord(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, agent.ErrPlanNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询规划留痕失败")
	}
	return record, nil
}

// GetByRequestID 按请求 ID 返回留痕。
func (s *SQLPlanStore) GetByRequestID(ctx context.Context, requestID string) (*agent.PlanRecord, error) {
	stmt := `SELECT ` + planColumns + ` FROM plans WHERE request_id = ?`
	row := s.db.QueryRowContext(ctx, stmt, requestID)
	record, err := scanPlanRecord(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, agent.ErrPlanNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询规划留痕失败")
	}
	return record, nil
}

// List 返回符合过滤条件的留痕，按创建时间倒序。
func (s *SQLPlanStore) List(ctx context.Context, opts agent.ListOptions) ([]*agent.PlanRecord, error) {
	normalizePlanListOptions(&opts)

	query := `SELECT ` + planColumns + ` FROM plans`

	conditions := make([]string, 0, 2)
	args := make([]any, 0, len(opts.Statuses)+2)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC, request_id ASC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询留痕列表失败")
	}
	defer rows.Close()

	records := make([]*agent.PlanRecord, 0, opts.Limit)
	for rows.Next() {
		record, err := scanPlanRecord(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析留痕记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历留痕记录失败")
	}
	return records, nil
}

// Stats 统计留痕记录的终态分布。
func (s *SQLPlanStore) Stats(ctx context.Context) (agent.PlanStats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS needs_signature,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS blocked,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS rejected,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS internal_errors,
        COALESCE(MIN(created_at), 0) AS oldest,
        COALESCE(MAX(created_at), 0) AS newest
        FROM plans`

	row := s.db.QueryRowContext(ctx, query,
		string(agent.StatusNeedsOwnerSignature),
		string(agent.StatusBlockedByPolicy),
		string(agent.StatusRejected),
		string(agent.StatusInternalError),
	)

	var stats agent.PlanStats
	if err := row.Scan(
		&stats.Total,
		&stats.NeedsSignature,
		&stats.Blocked,
		&stats.Rejected,
		&stats.InternalErrors,
		&stats.OldestCreatedAt,
		&stats.NewestCreatedAt,
	); err != nil {
		return agent.PlanStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询留痕统计失败")
	}
	if stats.Total == 0 {
		stats.OldestCreatedAt = 0
		stats.NewestCreatedAt = 0
	}
	return stats, nil
}

// Close 关闭连接池。复用外部连接构造的存储不负责关闭。
func (s *SQLPlanStore) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func scanPlanRecord(scan func(dest ...any) error) (*agent.PlanRecord, error) {
	var record agent.PlanRecord
	var planID sql.NullString
	var response string

	if err := scan(
		&record.RequestID,
		&planID,
		&record.SessionID,
		&record.Status,
		&record.Summary,
		&record.RiskLevel,
		&response,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}

	record.PlanID = planID.String
	if strings.TrimSpace(response) != "" {
		if err := json.Unmarshal([]byte(response), &record.Response); err != nil {
			return nil, fmt.Errorf("解码规划结果失败: %w", err)
		}
	}
	return &record, nil
}

// normalizePlanListOptions 与内存存储保持相同的默认值与上限。
func normalizePlanListOptions(opts *agent.ListOptions) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	opts.SessionID = strings.TrimSpace(opts.SessionID)
	if len(opts.Statuses) == 0 {
		return
	}
	seen := make(map[agent.Status]struct{}, len(opts.Statuses))
	kept := make([]agent.Status, 0, len(opts.Statuses))
	for _, status := range opts.Statuses {
		if !agent.IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		kept = append(kept, status)
	}
	if len(kept) == 0 {
		opts.Statuses = nil
		return
	}
	opts.Statuses = kept
}

var (
	_ agent.PlanStore = (*FilePlanStore)(nil)
	_ agent.PlanStore = (*SQLPlanStore)(nil)
)
