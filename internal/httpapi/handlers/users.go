package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/legalfunnel/internal/auth"
	"github.com/suPer8Hu/legalfunnel/internal/common"
	"github.com/suPer8Hu/legalfunnel/internal/httpapi/middleware"
	"github.com/suPer8Hu/legalfunnel/internal/identity"
)

type createUserReq struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Email == "" || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "email and password required")
		return
	}

	user, err := h.Users.Register(c.Request.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		h.failErr(c, err)
		return
	}
	h.issueToken(c, user)
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	user, err := h.Users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.failErr(c, err)
		return
	}
	h.issueToken(c, user)
}

// issueToken signs the JWT and moves the visitor's anonymous conversations
// onto the account.
func (h *Handler) issueToken(c *gin.Context, user *identity.User) {
	token, err := auth.SignJWT(user.ID, user.Email, h.Cfg.JWTSecret, h.Cfg.JWTTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	if anon, err := c.Cookie(anonCookie); err == nil && anon != "" {
		n, err := h.ChatSvc.ClaimAnonymous(c.Request.Context(), anon, user.ID)
		if err != nil {
			h.Log.Warn("claim anonymous conversations failed", "user_id", user.ID, "error", err)
		} else if n > 0 {
			h.Log.Info("anonymous conversations claimed", "user_id", user.ID, "count", n)
		}
	}
	common.OK(c, gin.H{
		"id":    user.ID,
		"email": user.Email,
		"name":  user.Name,
		"tier":  user.Tier,
		"token": token,
	})
}

func (h *Handler) Me(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	user, err := h.Users.GetByID(c.Request.Context(), uid)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, user)
}
