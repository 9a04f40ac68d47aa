package hangout

// Permissions 描述某个角色在 hangout 中可执行的操作，供前端渲染按钮。
type Permissions struct {
	Role                 Role `json:"role"`
	IsMember             bool `json:"is_member"`
	CanSendMessages      bool `json:"can_send_messages"`
	CanManageSettings    bool `json:"can_manage_settings"`
	CanAssignCoAdmin     bool `json:"can_assign_co_admin"`
	CanBan               bool `json:"can_ban"`
	CanRemoveMembers     bool `json:"can_remove_members"`
	CanHandleRequests    bool `json:"can_handle_requests"`
	CanInvite            bool `json:"can_invite"`
	CanLockMessages      bool `json:"can_lock_messages"`
	CanTransferOwnership bool `json:"can_transfer_ownership"`
}

// PermissionsFor 计算角色的权限集合；role 为空表示非成员。
func PermissionsFor(role Role, banned bool) Permissions {
	p := Permissions{Role: role, IsMember: role.Valid()}
	if !p.IsMember {
		return p
	}
	p.CanSendMessages = !banned
	switch role {
	case RoleAdmin:
		p.CanManageSettings = true
		p.CanAssignCoAdmin = true
		p.CanBan = true
		p.CanRemoveMembers = true
		p.CanHandleRequests = true
		p.CanInvite = true
		p.CanLockMessages = true
		p.CanTransferOwnership = true
	case RoleCoAdmin:
		p.CanManageSettings = true
		p.CanRemoveMembers = true
		p.CanHandleRequests = true
		p.CanInvite = true
		p.CanLockMessages = true
	}
	return p
}
