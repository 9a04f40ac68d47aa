package server

import (
	"net/http"

	"nexus/internal/auth"
	"nexus/internal/service"

	"github.com/gin-gonic/gin"
)

// CreateHangout 创建 hangout，创建者成为 admin。
func (h *Handler) CreateHangout(c *gin.Context) {
	var req service.CreateParams
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	dto, err := h.hangoutSvc.Create(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, dto)
}

func (h *Handler) ListHangouts(c *gin.Context) {
	out, err := h.hangoutSvc.List(c.Request.Context(), queryInt(c, "limit", 100))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (h *Handler) GetHangout(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	dto, err := h.hangoutSvc.Get(c.Request.Context(), roomID, auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, dto)
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	var req service.SettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	dto, err := h.hangoutSvc.UpdateSettings(c.Request.Context(), roomID, auth.GetUserID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, dto)
}

func (h *Handler) DeactivateHangout(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	if err := h.hangoutSvc.Deactivate(c.Request.Context(), roomID, auth.GetUserID(c)); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (h *Handler) JoinByCode(c *gin.Context) {
	var req struct {
		JoinCode string `json:"join_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.JoinCode == "" {
		badRequest(c, "join_code is required")
		return
	}
	dto, err := h.hangoutSvc.JoinByCode(c.Request.Context(), auth.GetUserID(c), req.JoinCode)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, dto)
}

func (h *Handler) LeaveHangout(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	if err := h.hangoutSvc.Leave(c.Request.Context(), roomID, auth.GetUserID(c)); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

type targetUser struct {
	UserID uint `json:"user_id"`
}

func bindTarget(c *gin.Context) (uint, bool) {
	var req targetUser
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		badRequest(c, "user_id is required")
		return 0, false
	}
	return req.UserID, true
}

func (h *Handler) AssignCoAdmin(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	target, ok := bindTarget(c)
	if !ok {
		return
	}
	if err := h.hangoutSvc.AssignCoAdmin(c.Request.Context(), roomID, auth.GetUserID(c), target); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (h *Handler) RemoveCoAdmin(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	target, ok := idParam(c, "userId")
	if !ok {
		return
	}
	if err := h.hangoutSvc.RemoveCoAdmin(c.Request.Context(), roomID, auth.GetUserID(c), target); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (h *Handler) TransferOwnership(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	var req struct {
		NewAdminID uint `json:"new_admin_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.NewAdminID == 0 {
		badRequest(c, "new_admin_id is required")
		return
	}
	if err := h.hangoutSvc.TransferOwnership(c.Request.Context(), roomID, auth.GetUserID(c), req.NewAdminID); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (h *Handler) InitiateTransfer(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	st, err := h.hangoutSvc.InitiateOwnershipTransfer(c.Request.Context(), roomID, auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, st)
}

func (h *Handler) AcceptTransfer(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	if err := h.hangoutSvc.AcceptOwnershipTransfer(c.Request.Context(), roomID, auth.GetUserID(c)); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (h *Handler) CancelTransfer(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	if err := h.hangoutSvc.CancelOwnershipTransfer(c.Request.Context(), roomID, auth.GetUserID(c)); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

// PendingTransfer 返回进行中的移交，没有时 data 为 null。
func (h *Handler) PendingTransfer(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	st, err := h.hangoutSvc.PendingTransfer(c.Request.Context(), roomID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": st})
}

func (h *Handler) BanUser(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	var req struct {
		UserID        uint   `json:"user_id"`
		DurationHours int    `json:"duration_hours"`
		Reason        string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		badRequest(c, "user_id is required")
		return
	}
	if err := h.hangoutSvc.BanUser(c.Request.Context(), roomID, auth.GetUserID(c), req.UserID, req.DurationHours, req.Reason); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (h *Handler) UnbanUser(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	target, ok := bindTarget(c)
	if !ok {
		return
	}
	if err := h.hangoutSvc.UnbanUser(c.Request.Context(), roomID, auth.GetUserID(c), target); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (h *Handler) RemoveMember(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	target, ok := idParam(c, "userId")
	if !ok {
		return
	}
	if err := h.hangoutSvc.RemoveMember(c.Request.Context(), roomID, auth.GetUserID(c), target); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (h *Handler) ListMembers(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	out, err := h.hangoutSvc.ListMembers(c.Request.Context(), roomID, auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (h *Handler) ListRequests(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	out, err := h.hangoutSvc.ListRequests(c.Request.Context(), roomID, auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (h *Handler) HandleJoinRequest(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	requestID, ok := idParam(c, "requestId")
	if !ok {
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	if err := h.hangoutSvc.HandleJoinRequest(c.Request.Context(), roomID, auth.GetUserID(c), requestID, req.Action); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (h *Handler) RequestToJoin(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if !bindOptional(c, &req) {
		return
	}
	out, err := h.hangoutSvc.RequestToJoin(c.Request.Context(), roomID, auth.GetUserID(c), req.Message)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, out)
}

func (h *Handler) InviteUser(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	target, ok := bindTarget(c)
	if !ok {
		return
	}
	out, err := h.hangoutSvc.InviteUser(c.Request.Context(), roomID, auth.GetUserID(c), target)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, out)
}

func (h *Handler) AcceptInvitation(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	out, err := h.hangoutSvc.AcceptInvitation(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (h *Handler) UserRole(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	userID, ok := idParam(c, "userId")
	if !ok {
		return
	}
	role, err := h.hangoutSvc.UserRole(c.Request.Context(), roomID, auth.GetUserID(c), userID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"role": role})
}

func (h *Handler) Permissions(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	userID, ok := idParam(c, "userId")
	if !ok {
		return
	}
	perms, err := h.hangoutSvc.Permissions(c.Request.Context(), roomID, auth.GetUserID(c), userID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, perms)
}
