package mysql

import (
	"context"
	"database/sql/driver"
	stdErrors "errors"
	"reflect"
	"testing"

	"github.com/lunar-bby/AgoraAI/internal/security"
)

func TestSQLAssignmentStoreSaveRoleAssignment(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		beginOp(),
		execOp(upsertAgentSQL(), mockResult{lastInsertID: 1, rowsAffected: 1}),
		execOp(upsertRoleSQL(), mockResult{lastInsertID: 2, rowsAffected: 1}),
		execOp(`INSERT IGNORE INTO rbac_agent_roles (agent_id, role_id, assigned_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &SQLAssignmentStore{db: db}
	if err := store.SaveRoleAssignment(context.Background(), "agent-a", "admin"); err != nil {
		t.Fatalf("save assignment failed: %v", err)
	}
}

func TestSQLAssignmentStoreSaveRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		beginOp(),
		execOp(upsertAgentSQL(), mockResult{lastInsertID: 1, rowsAffected: 1}),
		execErrOp(upsertRoleSQL(), stdErrors.New("duplicate entry")),
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &SQLAssignmentStore{db: db}
	if err := store.SaveRoleAssignment(context.Background(), "agent-a", "admin"); err == nil {
		t.Fatalf("expected error when role upsert fails")
	}
}

func TestSQLAssignmentStoreDeleteRoleAssignment(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`DELETE ar FROM rbac_agent_roles ar
JOIN rbac_agents a ON a.id = ar.agent_id
JOIN rbac_roles r ON r.id = ar.role_id
WHERE a.agent_id = ? AND r.name = ?`, mockResult{rowsAffected: 1}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &SQLAssignmentStore{db: db}
	if err := store.DeleteRoleAssignment(context.Background(), "agent-a", "admin"); err != nil {
		t.Fatalf("delete assignment failed: %v", err)
	}
}

func TestSQLAssignmentStoreListRoleAssignments(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"agent_id", "name"},
		values: [][]driver.Value{
			{"agent-a", "admin"},
			{"agent-a", "user"},
			{"agent-b", "user"},
		},
	}
	ops := []mockOperation{
		queryOp(`SELECT a.agent_id, r.name FROM rbac_agent_roles ar
JOIN rbac_agents a ON a.id = ar.agent_id
JOIN rbac_roles r ON r.id = ar.role_id
ORDER BY a.agent_id, r.name`, rows),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &SQLAssignmentStore{db: db}
	assignments, err := store.ListRoleAssignments(context.Background())
	if err != nil {
		t.Fatalf("list assignments failed: %v", err)
	}
	expected := map[string][]string{
		"agent-a": {"admin", "user"},
		"agent-b": {"user"},
	}
	if !reflect.DeepEqual(assignments, expected) {
		t.Fatalf("unexpected assignments: %+v", assignments)
	}
}

func TestSQLAssignmentStoreApplySeed(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		beginOp(),
		execOp(upsertAgentSQL(), mockResult{lastInsertID: 7, rowsAffected: 1}),
		// 角色去重后按字母序执行。
		execOp(upsertRoleSQL(), mockResult{lastInsertID: 1, rowsAffected: 1}),
		execOp(`INSERT IGNORE INTO rbac_agent_roles (agent_id, role_id, assigned_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 1}),
		execOp(upsertRoleSQL(), mockResult{lastInsertID: 2, rowsAffected: 1}),
		execOp(`INSERT IGNORE INTO rbac_agent_roles (agent_id, role_id, assigned_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &SQLAssignmentStore{db: db}
	seed := security.Seed{AgentID: "agent-a", Roles: []string{"user", "admin", "user", " "}}
	if err := store.ApplySeed(context.Background(), seed); err != nil {
		t.Fatalf("apply seed failed: %v", err)
	}
}

func TestSQLAssignmentStoreRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	store := &SQLAssignmentStore{}
	if err := store.SaveRoleAssignment(context.Background(), "", "admin"); err == nil {
		t.Fatalf("expected error for empty agent id")
	}
	if err := store.SaveRoleAssignment(context.Background(), "agent-a", " "); err == nil {
		t.Fatalf("expected error for empty role")
	}
	if err := store.ApplySeed(context.Background(), security.Seed{}); err == nil {
		t.Fatalf("expected error for empty seed")
	}
}

func upsertAgentSQL() string {
	return `INSERT INTO rbac_agents (agent_id, created_at, updated_at)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
}

func upsertRoleSQL() string {
	return `INSERT INTO rbac_roles (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
}
