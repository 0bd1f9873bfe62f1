package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lunar-bby/AgoraAI/internal/marketplace"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// ArchiveRepository 抽象终态交易的归档存储。
type ArchiveRepository interface {
	Save(ctx context.Context, tx *marketplace.Transaction) error
	Find(ctx context.Context, id string) (*marketplace.Transaction, error)
	ListLatest(ctx context.Context, limit int) ([]*marketplace.Transaction, error)
	Close() error
}

// MemoryArchive 使用本地 JSON 文件模拟 MySQL 归档，方便迭代开发。
type MemoryArchive struct {
	mu       sync.RWMutex
	dataFile string
	records  []*marketplace.Transaction
}

// NewMemoryArchive 创建一个内存归档仓库。
func NewMemoryArchive(dataDir string) (*MemoryArchive, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "transactions.log")
	repo := &MemoryArchive{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式归档交易，重复 ID 以最新一次为准。
func (m *MemoryArchive) Save(_ context.Context, tx *marketplace.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("归档交易不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开归档日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("序列化归档交易失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入归档日志失败: %w", err)
	}

	kept := make([]*marketplace.Transaction, 0, len(m.records)+1)
	kept = append(kept, cloneArchived(tx))
	for _, record := range m.records {
		if record.ID != tx.ID {
			kept = append(kept, record)
		}
	}
	if len(kept) > 512 {
		kept = kept[:512]
	}
	m.records = kept
	return nil
}

// Find 按 ID 查询归档交易。
func (m *MemoryArchive) Find(_ context.Context, id string) (*marketplace.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, record := range m.records {
		if record.ID == id {
			return cloneArchived(record), nil
		}
	}
	return nil, marketplace.ErrTransactionNotFound
}

// ListLatest 返回最近归档的交易，按归档顺序倒序排列。
func (m *MemoryArchive) ListLatest(_ context.Context, limit int) ([]*marketplace.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	results := make([]*marketplace.Transaction, 0, limit)
	for _, record := range m.records[:limit] {
		results = append(results, cloneArchived(record))
	}
	return results, nil
}

// Close 实现 ArchiveRepository，内存实现无需释放资源。
func (m *MemoryArchive) Close() error { return nil }

func (m *MemoryArchive) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取归档日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []*marketplace.Transaction
	for scanner.Scan() {
		var record marketplace.Transaction
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]*marketplace.Transaction{&record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析归档日志失败: %w", err)
	}

	// 追加日志里同一交易可能出现多次，保留最新一条。
	seen := make(map[string]struct{}, len(restored))
	deduped := make([]*marketplace.Transaction, 0, len(restored))
	for _, record := range restored {
		if _, ok := seen[record.ID]; ok {
			continue
		}
		seen[record.ID] = struct{}{}
		deduped = append(deduped, record)
	}
	if len(deduped) > 512 {
		deduped = deduped[:512]
	}
	if len(deduped) > 0 {
		m.records = deduped
	}
	return nil
}

// SQLArchive 将终态交易归档到 MySQL。
type SQLArchive struct {
	db *sql.DB
}

// NewSQLArchive 建立连接池并执行归档相关迁移。
func NewSQLArchive(ctx context.Context, cfg Config) (*SQLArchive, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLArchive{db: db}, nil
}

const archiveColumns = `id, requester_id, provider_id, service_type, status, amount, metadata, attempts, max_retries, last_error, error_code, result, created_at, updated_at, completed_at`

// Save 写入或更新归档记录。
func (s *SQLArchive) Save(ctx context.Context, tx *marketplace.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("归档交易不能为空")
	}

	metadata, err := encodeJSONColumn(tx.Metadata)
	if err != nil {
		return fmt.Errorf("编码交易 metadata 失败: %w", err)
	}
	result, err := encodeJSONColumn(tx.Result)
	if err != nil {
		return fmt.Errorf("编码交易结果失败: %w", err)
	}

	const stmt = `INSERT INTO transaction_archive
    (id, requester_id, provider_id, service_type, status, amount, metadata, attempts, max_retries, last_error, error_code, result, created_at, updated_at, completed_at, archived_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE status = VALUES(status), attempts = VALUES(attempts), last_error = VALUES(last_error), error_code = VALUES(error_code), result = VALUES(result), updated_at = VALUES(updated_at), completed_at = VALUES(completed_at), archived_at = VALUES(archived_at)`

	if _, err := s.db.ExecContext(ctx, stmt,
		tx.ID,
		tx.RequesterID,
		tx.ProviderID,
		tx.ServiceType,
		string(tx.Status),
		tx.Amount,
		metadata,
		tx.Attempts,
		tx.MaxRetries,
		tx.LastError,
		tx.ErrorCode,
		result,
		tx.CreatedAt,
		tx.UpdatedAt,
		tx.CompletedAt,
		time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("写入归档失败: %w", err)
	}
	return nil
}

// Find 按 ID 查询归档交易。
func (s *SQLArchive) Find(ctx context.Context, id string) (*marketplace.Transaction, error) {
	stmt := `SELECT ` + archiveColumns + ` FROM transaction_archive WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	tx, err := scanArchived(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, marketplace.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("查询归档交易失败: %w", err)
	}
	return tx, nil
}

// ListLatest 返回最近归档的交易。
func (s *SQLArchive) ListLatest(ctx context.Context, limit int) ([]*marketplace.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}

	stmt := `SELECT ` + archiveColumns + ` FROM transaction_archive ORDER BY archived_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, fmt.Errorf("查询归档列表失败: %w", err)
	}
	defer rows.Close()

	var records []*marketplace.Transaction
	for rows.Next() {
		record, err := scanArchived(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("解析归档记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历归档记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLArchive) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ArchiveSettler 在交易到达终态时写入归档仓库。
// 归档失败不阻断交易流程，只记录日志。
type ArchiveSettler struct {
	repo ArchiveRepository
}

// NewArchiveSettler 创建归档结算器。
func NewArchiveSettler(repo ArchiveRepository) *ArchiveSettler {
	return &ArchiveSettler{repo: repo}
}

// OnClaimed 实现 marketplace.Settler，归档只关心终态。
func (a *ArchiveSettler) OnClaimed(context.Context, *marketplace.Transaction) {}

// OnCompleted 归档完成的交易。
func (a *ArchiveSettler) OnCompleted(ctx context.Context, tx *marketplace.Transaction) {
	a.archive(ctx, tx)
}

// OnFailed 归档终态失败的交易。
func (a *ArchiveSettler) OnFailed(ctx context.Context, tx *marketplace.Transaction, _ error, terminal bool) {
	if !terminal {
		return
	}
	a.archive(ctx, tx)
}

func (a *ArchiveSettler) archive(ctx context.Context, tx *marketplace.Transaction) {
	if a == nil || a.repo == nil || tx == nil {
		return
	}
	if err := a.repo.Save(ctx, tx); err != nil {
		logger.L().Warn("归档交易失败",
			slog.Any("error", err),
			slog.String("transaction_id", tx.ID),
		)
	}
}

func scanArchived(scan func(dest ...any) error) (*marketplace.Transaction, error) {
	var tx marketplace.Transaction
	var status string
	var metadata sql.NullString
	var result sql.NullString
	var lastError sql.NullString

	if err := scan(
		&tx.ID,
		&tx.RequesterID,
		&tx.ProviderID,
		&tx.ServiceType,
		&status,
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

	tx.Status = marketplace.Status(status)
	tx.LastError = lastError.String

	decodedMetadata, err := decodeJSONColumn(metadata)
	if err != nil {
		return nil, err
	}
	tx.Metadata = decodedMetadata

	decodedResult, err := decodeJSONColumn(result)
	if err != nil {
		return nil, err
	}
	tx.Result = decodedResult
	return &tx, nil
}

func encodeJSONColumn(value map[string]any) (sql.NullString, error) {
	if len(value) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func decodeJSONColumn(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(raw.String), &value); err != nil {
		return nil, err
	}
	return value, nil
}

func cloneArchived(tx *marketplace.Transaction) *marketplace.Transaction {
	cloned := *tx
	if tx.Metadata != nil {
		cloned.Metadata = make(map[string]any, len(tx.Metadata))
		for key, value := range tx.Metadata {
			cloned.Metadata[key] = value
		}
	}
	if tx.Result != nil {
		cloned.Result = make(map[string]any, len(tx.Result))
		for key, value := range tx.Result {
			cloned.Result[key] = value
		}
	}
	return &cloned
}

var (
	_ ArchiveRepository   = (*MemoryArchive)(nil)
	_ ArchiveRepository   = (*SQLArchive)(nil)
	_ marketplace.Archive = (*MemoryArchive)(nil)
	_ marketplace.Archive = (*SQLArchive)(nil)
	_ marketplace.Settler = (*ArchiveSettler)(nil)
)
