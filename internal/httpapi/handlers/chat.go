package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/suPer8Hu/legalfunnel/internal/chat"
	"github.com/suPer8Hu/legalfunnel/internal/common"
	"github.com/suPer8Hu/legalfunnel/internal/funnel"
	"github.com/suPer8Hu/legalfunnel/internal/httpapi/middleware"
)

const (
	quotaCookie  = "questionsUsed"
	anonCookie   = "anon_id"
	cookieMaxAge = 30 * 24 * 3600
)

func (h *Handler) setCookie(c *gin.Context, name, value string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, cookieMaxAge, "/", "", h.Cfg.IsProduction(), true)
}

// owner resolves who the free-tier conversation belongs to, minting the
// anonymous cookie on first contact.
func (h *Handler) owner(c *gin.Context, mint bool) chat.Owner {
	if uid, ok := middleware.UserID(c); ok {
		return chat.Owner{UserID: &uid}
	}
	anon, err := c.Cookie(anonCookie)
	if (err != nil || anon == "") && mint {
		anon = uuid.NewString()
		h.setCookie(c, anonCookie, anon)
	}
	return chat.Owner{AnonymousID: anon}
}

type askReq struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message" binding:"required"`
}

// AskFree is the free-tier chat. Anonymous visitors carry their question
// count in the questionsUsed cookie.
func (h *Handler) AskFree(c *gin.Context) {
	var req askReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	owner := h.owner(c, true)
	used := 0
	if v, err := c.Cookie(quotaCookie); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			used = n
		}
	}

	resp, err := h.Funnel.AskFree(c.Request.Context(), funnel.FreeRequest{
		Question:      req.Message,
		QuestionsUsed: used,
		UserID:        owner.UserID,
		AnonymousID:   owner.AnonymousID,
		SessionID:     req.SessionID,
	})
	if err != nil {
		h.failErr(c, err)
		return
	}
	// a register prompt is a normal answer; the cookie already holds the quota
	if owner.UserID == nil && !resp.RegisterPrompt {
		h.setCookie(c, quotaCookie, strconv.Itoa(resp.QuestionsUsed))
	}
	common.OK(c, resp)
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	owner := h.owner(c, false)
	if owner.UserID == nil && owner.AnonymousID == "" {
		common.Fail(c, http.StatusNotFound, 40400, "conversation not found")
		return
	}
	sessionID := c.Param("session_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if s := c.Query("before_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), owner, sessionID, limit, beforeID)
	if err != nil {
		h.failErr(c, err)
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}
	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}
