// Package hangout 定义 hangout 的角色体系、消息完整性判定与实时事件结构。
// 这里只有纯逻辑，持久化与传输由 service / ws 层负责。
package hangout

import "fmt"

// Role 是成员角色，只允许下面三个取值。
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleCoAdmin Role = "co-admin"
	RoleMember  Role = "member"
)

// ParseRole 把存储或请求中的字符串转换为 Role。
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleCoAdmin, RoleMember:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Rank 按 admin > co-admin > member 返回可比较的等级。
func (r Role) Rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleCoAdmin:
		return 2
	case RoleMember:
		return 1
	}
	return 0
}

// IsModerator 表示该角色是否拥有管理消息的权限。
func (r Role) IsModerator() bool {
	return r == RoleAdmin || r == RoleCoAdmin
}

func (r Role) Valid() bool { return r.Rank() > 0 }

func (r Role) String() string { return string(r) }

// CanManageRole 是所有变更操作共用的权限判定：
// admin 可以管理任何角色，co-admin 只能管理 member。
func CanManageRole(actor, target Role) bool {
	switch actor {
	case RoleAdmin:
		return true
	case RoleCoAdmin:
		return target == RoleMember
	}
	return false
}
