package server

import (
	"net/http"

	"nexus/internal/auth"

	"github.com/gin-gonic/gin"
)

// ListMessages 分页读取历史消息，limit 默认 50、上限 200。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	limit := queryInt(c, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var beforeID uint
	if v := queryInt(c, "before_id", 0); v > 0 {
		beforeID = uint(v)
	}
	msgs, err := h.msgSvc.ListByHangout(c.Request.Context(), roomID, auth.GetUserID(c), limit, beforeID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, msgs)
}

func (h *Handler) SendMessage(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	v, err := h.msgSvc.Send(c.Request.Context(), roomID, auth.GetUserID(c), req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, v)
}

type reasonBody struct {
	Reason            string `json:"reason"`
	AllowAuthorDelete bool   `json:"allow_author_delete"`
}

func (h *Handler) LockMessage(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req reasonBody
	if !bindOptional(c, &req) {
		return
	}
	if err := h.integritySvc.Lock(c.Request.Context(), id, auth.GetUserID(c), req.Reason); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (h *Handler) UnlockMessage(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.integritySvc.Unlock(c.Request.Context(), id, auth.GetUserID(c)); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (h *Handler) RestrictDeletion(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req reasonBody
	if !bindOptional(c, &req) {
		return
	}
	if err := h.integritySvc.RestrictDeletion(c.Request.Context(), id, auth.GetUserID(c), req.Reason, req.AllowAuthorDelete); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (h *Handler) UnrestrictDeletion(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.integritySvc.UnrestrictDeletion(c.Request.Context(), id, auth.GetUserID(c)); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

// CanDelete 返回删除判定；判定为否时仍是 200，原因放在 reason 中。
func (h *Handler) CanDelete(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	d, err := h.integritySvc.CanDelete(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, d)
}

func (h *Handler) MessageStatus(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	st, err := h.integritySvc.Status(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, st)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.integritySvc.Delete(c.Request.Context(), id, auth.GetUserID(c)); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}
