package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/legalfunnel/internal/auth"
	"github.com/suPer8Hu/legalfunnel/internal/common"
)

const (
	UserIDKey      = "user_id"
	EmailKey       = "email"
	AdminKeyHeader = "X-Admin-Key"
)

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c)
		if token == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			c.Abort()
			return
		}
		uid, email, err := auth.ParseJWT(token, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			c.Abort()
			return
		}
		c.Set(UserIDKey, uid)
		c.Set(EmailKey, email)
		c.Next()
	}
}

// AuthOptional identifies the caller when a valid token is present and
// otherwise lets the request through anonymously.
func AuthOptional(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearer(c); token != "" {
			if uid, email, err := auth.ParseJWT(token, secret); err == nil {
				c.Set(UserIDKey, uid)
				c.Set(EmailKey, email)
			}
		}
		c.Next()
	}
}

func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// AdminKey guards the back office. An empty key disables it entirely.
func AdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			common.Fail(c, http.StatusUnauthorized, 40103, "admin key required")
			c.Abort()
			return
		}
		c.Next()
	}
}
