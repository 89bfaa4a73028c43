package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/legalfunnel/internal/answercache"
	"github.com/suPer8Hu/legalfunnel/internal/apperr"
	"github.com/suPer8Hu/legalfunnel/internal/chat"
	"github.com/suPer8Hu/legalfunnel/internal/common"
	"github.com/suPer8Hu/legalfunnel/internal/config"
	"github.com/suPer8Hu/legalfunnel/internal/funnel"
	"github.com/suPer8Hu/legalfunnel/internal/identity"
	"github.com/suPer8Hu/legalfunnel/internal/ledger"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
	"github.com/suPer8Hu/legalfunnel/internal/metrics"
)

type Handler struct {
	Cfg     config.Config
	Users   *identity.Store
	ChatSvc *chat.Service
	Funnel  *funnel.Orchestrator
	Ledger  *ledger.Ledger
	Stats   *metrics.Aggregator
	Cache   *answercache.Cache
	Log     *logger.Logger
}

func NewHandler(cfg config.Config, users *identity.Store, chatSvc *chat.Service, orch *funnel.Orchestrator,
	led *ledger.Ledger, stats *metrics.Aggregator, cache *answercache.Cache, log *logger.Logger) *Handler {
	return &Handler{
		Cfg:     cfg,
		Users:   users,
		ChatSvc: chatSvc,
		Funnel:  orch,
		Ledger:  led,
		Stats:   stats,
		Cache:   cache,
		Log:     log.With("component", "http"),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// failErr maps err onto the response envelope. Upstream and store failures
// get a generic message; the cause is only logged.
func (h *Handler) failErr(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := publicMessage(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			"path", c.FullPath(),
			"request_id", c.GetString("request_id"),
			"code", apperr.CodeOf(err),
			"error", err,
		)
	}
	common.FailWith(c, status, status*100, msg, gin.H{"error": apperr.CodeOf(err)})
}

func publicMessage(err error) string {
	var e *apperr.Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case apperr.KindUpstream, apperr.KindTransientStore:
		return "service temporarily unavailable, please retry"
	case apperr.KindInternal:
		return "internal error"
	}
	return e.Error()
}
