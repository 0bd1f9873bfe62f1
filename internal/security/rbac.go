package security

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Permission 枚举系统支持的操作权限。
type Permission string

const (
	PermissionRead    Permission = "read"
	PermissionWrite   Permission = "write"
	PermissionExecute Permission = "execute"
	PermissionAdmin   Permission = "admin"
)

// ParsePermission 把字符串解析为权限。
func ParsePermission(value string) (Permission, error) {
	switch Permission(strings.ToLower(strings.TrimSpace(value))) {
	case PermissionRead:
		return PermissionRead, nil
	case PermissionWrite:
		return PermissionWrite, nil
	case PermissionExecute:
		return PermissionExecute, nil
	case PermissionAdmin:
		return PermissionAdmin, nil
	default:
		return "", fmt.Errorf("unknown permission %q", value)
	}
}

// Role 描述一组权限，可以链式继承父角色的权限。
type Role struct {
	Name        string
	Description string
	permissions map[Permission]struct{}
	parent      *Role
}

// HasPermission 判断角色（含父角色）是否具备某项权限。
func (r *Role) HasPermission(p Permission) bool {
	if r == nil {
		return false
	}
	if _, ok := r.permissions[p]; ok {
		return true
	}
	return r.parent.HasPermission(p)
}

// Permissions 返回角色自身声明的权限，按名称排序。
func (r *Role) Permissions() []Permission {
	out := make([]Permission, 0, len(r.permissions))
	for p := range r.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// accessControl 记录单个资源的归属与授权。
type accessControl struct {
	resourceID string
	ownerID    string
	roles      map[string]map[string]struct{}
	direct     map[string]map[Permission]struct{}
}

// PermissionManager 维护角色、全局授权与资源级访问控制。
// 权限判定顺序：资源属主、资源直授、资源角色，最后回落到全局角色。
type PermissionManager struct {
	mu        sync.RWMutex
	roles     map[string]*Role
	userRoles map[string]map[string]struct{}
	acls      map[string]*accessControl
}

// NewPermissionManager 创建权限管理器并注入默认角色
// admin、user 与 observer。
func NewPermissionManager() *PermissionManager {
	m := &PermissionManager{
		roles:     make(map[string]*Role),
		userRoles: make(map[string]map[string]struct{}),
		acls:      make(map[string]*accessControl),
	}
	m.roles["admin"] = &Role{
		Name:        "admin",
		Description: "Full system access",
		permissions: permissionSet(PermissionRead, PermissionWrite, PermissionExecute, PermissionAdmin),
	}
	m.roles["user"] = &Role{
		Name:        "user",
		Description: "Standard user access",
		permissions: permissionSet(PermissionRead, PermissionWrite),
	}
	m.roles["observer"] = &Role{
		Name:        "observer",
		Description: "Read-only access",
		permissions: permissionSet(PermissionRead),
	}
	return m
}

func permissionSet(perms ...Permission) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// CreateRole 定义新角色，parent 为空时不继承。
func (m *PermissionManager) CreateRole(name string, perms []Permission, description, parent string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("role name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var parentRole *Role
	if parent != "" {
		var ok bool
		parentRole, ok = m.roles[parent]
		if !ok {
			return nil, ErrUnknownRole
		}
	}
	role := &Role{
		Name:        name,
		Description: description,
		permissions: permissionSet(perms...),
		parent:      parentRole,
	}
	m.roles[name] = role
	return role, nil
}

// Role 按名称返回角色。
func (m *PermissionManager) Role(name string) (*Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[name]
	return role, ok
}

// AssignRole 给调用方授予全局角色。
func (m *PermissionManager) AssignRole(userID, roleName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleName]; !ok {
		return ErrUnknownRole
	}
	if m.userRoles[userID] == nil {
		m.userRoles[userID] = make(map[string]struct{})
	}
	m.userRoles[userID][roleName] = struct{}{}
	return nil
}

// RemoveRole 收回调用方的全局角色。
func (m *PermissionManager) RemoveRole(userID, roleName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if roles, ok := m.userRoles[userID]; ok {
		delete(roles, roleName)
		if len(roles) == 0 {
			delete(m.userRoles, userID)
		}
	}
}

// UserRoles 返回调用方持有的全局角色，按名称排序。
func (m *PermissionManager) UserRoles(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roles := m.userRoles[userID]
	out := make([]string, 0, len(roles))
	for name := range roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasPermission 判定调用方对资源是否具备权限。resourceID 为空时只看全局角色。
func (m *PermissionManager) HasPermission(userID string, p Permission, resourceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasPermissionLocked(userID, p, resourceID)
}

func (m *PermissionManager) hasPermissionLocked(userID string, p Permission, resourceID string) bool {
	if resourceID != "" {
		if ac, ok := m.acls[resourceID]; ok {
			if ac.ownerID == userID {
				return true
			}
			if perms, ok := ac.direct[userID]; ok {
				if _, ok := perms[p]; ok {
					return true
				}
			}
			for roleName := range ac.roles[userID] {
				if role, ok := m.roles[roleName]; ok && role.HasPermission(p) {
					return true
				}
			}
		}
	}
	for roleName := range m.userRoles[userID] {
		if role, ok := m.roles[roleName]; ok && role.HasPermission(p) {
			return true
		}
	}
	return false
}

// CreateAccessControl 登记资源及其属主。
func (m *PermissionManager) CreateAccessControl(resourceID, ownerID string) error {
	if strings.TrimSpace(resourceID) == "" {
		return fmt.Errorf("resource id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acls[resourceID] = &accessControl{
		resourceID: resourceID,
		ownerID:    ownerID,
		roles:      make(map[string]map[string]struct{}),
		direct:     make(map[string]map[Permission]struct{}),
	}
	return nil
}

// GrantPermission 给调用方直授资源权限，资源必须已登记。
func (m *PermissionManager) GrantPermission(userID string, p Permission, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ac, ok := m.acls[resourceID]
	if !ok {
		return ErrUnknownResource
	}
	if ac.direct[userID] == nil {
		ac.direct[userID] = make(map[Permission]struct{})
	}
	ac.direct[userID][p] = struct{}{}
	return nil
}

// RevokePermission 收回调用方的资源直授权限。
func (m *PermissionManager) RevokePermission(userID string, p Permission, resourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac, ok := m.acls[resourceID]; ok {
		if perms, ok := ac.direct[userID]; ok {
			delete(perms, p)
		}
	}
}

// GrantResourceRole 在资源范围内给调用方授予角色。
func (m *PermissionManager) GrantResourceRole(resourceID, userID, roleName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ac, ok := m.acls[resourceID]
	if !ok {
		return ErrUnknownResource
	}
	if _, ok := m.roles[roleName]; !ok {
		return ErrUnknownRole
	}
	if ac.roles[userID] == nil {
		ac.roles[userID] = make(map[string]struct{})
	}
	ac.roles[userID][roleName] = struct{}{}
	return nil
}

// RevokeResourceRole 收回资源范围内的角色。
func (m *PermissionManager) RevokeResourceRole(resourceID, userID, roleName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac, ok := m.acls[resourceID]; ok {
		if roles, ok := ac.roles[userID]; ok {
			delete(roles, roleName)
		}
	}
}

// TransferOwnership 变更资源属主。
func (m *PermissionManager) TransferOwnership(resourceID, newOwnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ac, ok := m.acls[resourceID]
	if !ok {
		return ErrUnknownResource
	}
	ac.ownerID = newOwnerID
	return nil
}

// Owner 返回资源属主。
func (m *PermissionManager) Owner(resourceID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ac, ok := m.acls[resourceID]; ok {
		return ac.ownerID, true
	}
	return "", false
}

// AccessibleResources 列出调用方具备指定权限的全部资源，按 ID 排序。
func (m *PermissionManager) AccessibleResources(userID string, p Permission) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0)
	for resourceID := range m.acls {
		if m.hasPermissionLocked(userID, p, resourceID) {
			out = append(out, resourceID)
		}
	}
	sort.Strings(out)
	return out
}
