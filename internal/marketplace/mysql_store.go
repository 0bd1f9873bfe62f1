package marketplace

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录交易状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS marketplace_transactions (
        id VARCHAR(64) PRIMARY KEY,
        requester_id VARCHAR(64) NOT NULL,
        provider_id VARCHAR(64) NOT NULL,
        service_type VARCHAR(64) NOT NULL,
        status VARCHAR(32) NOT NULL,
        amount DOUBLE NOT NULL DEFAULT 0,
        metadata TEXT,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        completed_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_tx_status (status),
        INDEX idx_tx_requester (requester_id),
        INDEX idx_tx_provider (provider_id),
        INDEX idx_tx_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 marketplace_transactions 表失败")
	}
	// 旧部署上逐列补齐，重复列错误 1060 视为已迁移。
	if _, err := s.db.Exec(`ALTER TABLE marketplace_transactions ADD COLUMN result TEXT AFTER error_code`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 marketplace_transactions.result 失败")
		}
	}
	if _, err := s.db.Exec(`ALTER TABLE marketplace_transactions ADD COLUMN completed_at BIGINT NOT NULL DEFAULT 0 AFTER updated_at`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 marketplace_transactions.completed_at 失败")
		}
	}
	return nil
}

// Create 插入新的交易记录。
func (s *MySQLStore) Create(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if strings.TrimSpace(tx.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}

	now := time.Now().Unix()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	metadataValue, err := marshalJSONColumn(tx.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易 metadata 失败")
	}

	const stmt = `INSERT INTO marketplace_transactions
        (id, requester_id, provider_id, service_type, status, amount, metadata, attempts, max_retries, last_error, error_code, created_at, updated_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, 0)`

	_, err = s.db.ExecContext(ctx, stmt,
		tx.ID,
		tx.RequesterID,
		tx.ProviderID,
		tx.ServiceType,
		tx.Status,
		tx.Amount,
		metadataValue,
		tx.Attempts,
		tx.MaxRetries,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTransactionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易失败")
	}
	return nil
}

const selectColumns = `id, requester_id, provider_id, service_type, status, amount, metadata, attempts, max_retries, last_error, error_code, result, created_at, updated_at, completed_at`

// Get 查询指定交易。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Transaction, error) {
	stmt := `SELECT ` + selectColumns + ` FROM marketplace_transactions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	tx, err := scanTransaction(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	return tx, nil
}

// Claim 将交易标记为处理中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Transaction, error) {
	const updateStmt = `UPDATE marketplace_transactions SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusProcessing,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		tx, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch tx.Status {
		case StatusCompleted:
			return tx, ErrTransactionCompleted
		case StatusProcessing, StatusCancelled:
			return tx, ErrTransactionConflict
		default:
			if tx.Attempts >= tx.MaxRetries {
				return tx, ErrTransactionExhausted
			}
			return tx, ErrTransactionConflict
		}
	}
	return s.Get(ctx, id)
}

// MarkCompleted 将交易标记为完成并写入结果。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	resultValue, err := marshalJSONColumn(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易结果失败")
	}

	const stmt = `UPDATE marketplace_transactions SET status = ?, result = ?, updated_at = ?, completed_at = ?, last_error = '', error_code = '' WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusCompleted,
		resultValue,
		now,
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记交易完成失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// MarkFailed 将交易标记为失败，并在必要时终止重试。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	const stmt = `UPDATE marketplace_transactions SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记交易失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// MarkCancelled 取消尚未完成的交易。
func (s *MySQLStore) MarkCancelled(ctx context.Context, id string, reason string) error {
	const stmt = `UPDATE marketplace_transactions SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status <> ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusCancelled,
		reason,
		now,
		id,
		StatusCompleted,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消交易失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		tx, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if tx.Status == StatusCompleted {
			return ErrTransactionCompleted
		}
		return nil
	}
	return nil
}

// List 返回符合过滤条件的交易。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	opts.applyDefaults()

	query := `SELECT ` + selectColumns + ` FROM marketplace_transactions`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	transactions := make([]*Transaction, 0, opts.Limit)
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	return transactions, nil
}

// Stats 返回符合过滤条件的交易聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TransactionStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS processing,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS cancelled,
        COALESCE(SUM(CASE WHEN status = ? THEN amount ELSE 0 END), 0) AS volume,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM marketplace_transactions`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending),
		string(StatusProcessing),
		string(StatusCompleted),
		string(StatusFailed),
		string(StatusCancelled),
		string(StatusCompleted),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TransactionStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.Volume,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TransactionStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanTransaction(scan func(dest ...any) error) (*Transaction, error) {
	var tx Transaction
	var metadata sql.NullString
	var result sql.NullString
	var lastError sql.NullString

	if err := scan(
		&tx.ID,
		&tx.RequesterID,
		&tx.ProviderID,
		&tx.ServiceType,
		&tx.Status,
		&tx.Amount,
		&metadata,
		&tx.Attempts,
		&tx.MaxRetries,
		&lastError,
		&tx.ErrorCode,
		&result,
		&tx.CreatedAt,
		&tx.UpdatedAt,
		&tx.CompletedAt,
	); err != nil {
		return nil, err
	}

	tx.LastError = lastError.String

	decodedMetadata, err := unmarshalJSONColumn(metadata)
	if err != nil {
		return nil, err
	}
	tx.Metadata = decodedMetadata

	decodedResult, err := unmarshalJSONColumn(result)
	if err != nil {
		return nil, err
	}
	tx.Result = decodedResult
	return &tx, nil
}

func marshalJSONColumn(value map[string]any) (sql.NullString, error) {
	if len(value) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalJSONColumn(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(raw.String), &value); err != nil {
		return nil, err
	}
	return value, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "(requester_id = ? OR provider_id = ?)")
		args = append(args, opts.AgentID, opts.AgentID)
	}
	if opts.ServiceType != "" {
		conditions = append(conditions, "service_type = ?")
		args = append(args, opts.ServiceType)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result IS NOT NULL AND result <> '')")
		} else {
			conditions = append(conditions, "(result IS NULL OR result = '')")
		}
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
