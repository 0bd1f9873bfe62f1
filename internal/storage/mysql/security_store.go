package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lunar-bby/AgoraAI/internal/security"
)

// SQLAssignmentStore persists agent role assignments in MySQL.
type SQLAssignmentStore struct {
	db *sql.DB
}

// NewSQLAssignmentStore creates the store using the provided connection settings.
func NewSQLAssignmentStore(ctx context.Context, cfg Config) (*SQLAssignmentStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAssignmentStore{db: db}, nil
}

// Close releases the underlying database connection pool.
func (s *SQLAssignmentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRoleAssignment implements security.AssignmentStore.
func (s *SQLAssignmentStore) SaveRoleAssignment(ctx context.Context, agentID, role string) error {
	agentID = strings.TrimSpace(agentID)
	role = strings.TrimSpace(role)
	if agentID == "" || role == "" {
		return errors.New("agent id and role cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启授权事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().Unix()
	var agentRef int64
	agentRef, err = upsertAgent(ctx, tx, agentID, now)
	if err != nil {
		return err
	}
	var roleRef int64
	roleRef, err = upsertRole(ctx, tx, role, now)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT IGNORE INTO rbac_agent_roles (agent_id, role_id, assigned_at) VALUES (?, ?, ?)`, agentRef, roleRef, now); err != nil {
		err = fmt.Errorf("绑定角色失败: %w", err)
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交授权事务失败: %w", err)
	}
	return nil
}

// DeleteRoleAssignment implements security.AssignmentStore.
func (s *SQLAssignmentStore) DeleteRoleAssignment(ctx context.Context, agentID, role string) error {
	const stmt = `DELETE ar FROM rbac_agent_roles ar
JOIN rbac_agents a ON a.id = ar.agent_id
JOIN rbac_roles r ON r.id = ar.role_id
WHERE a.agent_id = ? AND r.name = ?`

	if _, err := s.db.ExecContext(ctx, stmt, strings.TrimSpace(agentID), strings.TrimSpace(role)); err != nil {
		return fmt.Errorf("删除授权失败: %w", err)
	}
	return nil
}

// ListRoleAssignments implements security.AssignmentStore.
func (s *SQLAssignmentStore) ListRoleAssignments(ctx context.Context) (map[string][]string, error) {
	const stmt = `SELECT a.agent_id, r.name FROM rbac_agent_roles ar
JOIN rbac_agents a ON a.id = ar.agent_id
JOIN rbac_roles r ON r.id = ar.role_id
ORDER BY a.agent_id, r.name`

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("查询授权列表失败: %w", err)
	}
	defer rows.Close()

	assignments := make(map[string][]string)
	for rows.Next() {
		var agentID, role string
		if err := rows.Scan(&agentID, &role); err != nil {
			return nil, fmt.Errorf("解析授权记录失败: %w", err)
		}
		assignments[agentID] = append(assignments[agentID], role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历授权记录失败: %w", err)
	}
	return assignments, nil
}

// ApplySeed upserts the default role assignments for one agent.
func (s *SQLAssignmentStore) ApplySeed(ctx context.Context, seed security.Seed) error {
	agentID := strings.TrimSpace(seed.AgentID)
	if agentID == "" {
		return errors.New("seed agent id cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启种子事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().Unix()
	var agentRef int64
	agentRef, err = upsertAgent(ctx, tx, agentID, now)
	if err != nil {
		return err
	}

	for _, role := range dedupeValues(seed.Roles) {
		var roleRef int64
		roleRef, err = upsertRole(ctx, tx, role, now)
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `INSERT IGNORE INTO rbac_agent_roles (agent_id, role_id, assigned_at) VALUES (?, ?, ?)`, agentRef, roleRef, now); err != nil {
			err = fmt.Errorf("绑定角色失败: %w", err)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交种子数据失败: %w", err)
	}
	return nil
}

func upsertAgent(ctx context.Context, tx *sql.Tx, agentID string, now int64) (int64, error) {
	const stmt = `INSERT INTO rbac_agents (agent_id, created_at, updated_at)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	res, err := tx.ExecContext(ctx, stmt, agentID, now, now)
	if err != nil {
		return 0, fmt.Errorf("保存智能体失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取智能体ID失败: %w", err)
	}
	return id, nil
}

func upsertRole(ctx context.Context, tx *sql.Tx, role string, now int64) (int64, error) {
	const stmt = `INSERT INTO rbac_roles (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	res, err := tx.ExecContext(ctx, stmt, role, now, now)
	if err != nil {
		return 0, fmt.Errorf("保存角色失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取角色ID失败: %w", err)
	}
	return id, nil
}

func dedupeValues(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}

var _ security.AssignmentStore = (*SQLAssignmentStore)(nil)
