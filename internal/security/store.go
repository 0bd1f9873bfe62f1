package security

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// AssignmentStore 持久化全局角色授权，实现须并发安全。
type AssignmentStore interface {
	SaveRoleAssignment(ctx context.Context, agentID, role string) error
	DeleteRoleAssignment(ctx context.Context, agentID, role string) error
	ListRoleAssignments(ctx context.Context) (map[string][]string, error)
}

// MemoryAssignmentStore provides an in-memory implementation of the
// AssignmentStore interface, intended for development and testing.
type MemoryAssignmentStore struct {
	mu          sync.RWMutex
	assignments map[string]map[string]struct{}
}

// NewMemoryAssignmentStore 创建内存授权存储。
func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{assignments: make(map[string]map[string]struct{})}
}

// SaveRoleAssignment 记录一条授权。
func (s *MemoryAssignmentStore) SaveRoleAssignment(_ context.Context, agentID, role string) error {
	agentID = strings.TrimSpace(agentID)
	role = strings.TrimSpace(role)
	if agentID == "" || role == "" {
		return ErrUnknownRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assignments[agentID] == nil {
		s.assignments[agentID] = make(map[string]struct{})
	}
	s.assignments[agentID][role] = struct{}{}
	return nil
}

// DeleteRoleAssignment 删除一条授权。
func (s *MemoryAssignmentStore) DeleteRoleAssignment(_ context.Context, agentID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if roles, ok := s.assignments[agentID]; ok {
		delete(roles, role)
		if len(roles) == 0 {
			delete(s.assignments, agentID)
		}
	}
	return nil
}

// ListRoleAssignments 返回全部授权，角色按名称排序。
func (s *MemoryAssignmentStore) ListRoleAssignments(_ context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.assignments))
	for agentID, roles := range s.assignments {
		names := make([]string, 0, len(roles))
		for role := range roles {
			names = append(names, role)
		}
		sort.Strings(names)
		out[agentID] = names
	}
	return out, nil
}

var _ AssignmentStore = (*MemoryAssignmentStore)(nil)
