package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suPer8Hu/legalfunnel/internal/common"
	"github.com/suPer8Hu/legalfunnel/internal/config"
	"github.com/suPer8Hu/legalfunnel/internal/httpapi/handlers"
	"github.com/suPer8Hu/legalfunnel/internal/httpapi/middleware"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
)

// NewRouter wires every route. rl may be nil, which disables rate limiting.
func NewRouter(h *handlers.Handler, cfg config.Config, rl middleware.Checker, log *logger.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	optional := middleware.AuthOptional(cfg.JWTSecret)
	limit := func(name string) gin.HandlerFunc { return middleware.RateLimit(rl, name, log) }

	// users
	r.POST("/users", limit("auth"), h.CreateUser)
	r.POST("/login", limit("auth"), h.Login)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// free tier (anonymous or JWT)
	r.POST("/chat", optional, limit("chat"), h.AskFree)
	r.GET("/chat/sessions/:session_id/messages", optional, h.ListChatMessages)

	// paid funnel
	f := r.Group("/funnel/sessions", optional, limit("funnel"))
	f.POST("", h.StartFunnel)
	f.POST("/:uuid/messages", h.SendFunnelMessage)
	f.POST("/:uuid/offer", h.ChooseOffer)
	f.POST("/:uuid/comments", h.SubmitComments)

	p := r.Group("/payments", optional, limit("payment"))
	p.POST("/intent", h.CreatePaymentIntent)
	p.POST("/verify", h.VerifyPayment)

	admin := r.Group("/admin", middleware.AdminKey(cfg.AdminAPIKey))
	admin.GET("/stats", h.Overview)
	admin.GET("/stats/daily", h.DailyStats)
	admin.GET("/sessions/paid", h.ListPaidSessions)
	admin.GET("/sessions/unpaid", h.ListUnpaidSessions)
	admin.GET("/sessions/:uuid", h.GetSession)
	admin.GET("/export/paid.csv", h.ExportPaidCSV)
	admin.POST("/cache/purge", h.PurgeCache)
	return r
}
