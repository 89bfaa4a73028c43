package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/legalfunnel/internal/common"
	"github.com/suPer8Hu/legalfunnel/internal/ledger"
)

func (h *Handler) StartFunnel(c *gin.Context) {
	start, err := h.Funnel.StartFunnel(c.Request.Context())
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, start)
}

type funnelMessageReq struct {
	Message string `json:"message" binding:"required"`
}

func (h *Handler) SendFunnelMessage(c *gin.Context) {
	var req funnelMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	reply, err := h.Funnel.SendFunnelMessage(c.Request.Context(), c.Param("uuid"), req.Message)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, reply)
}

type offerReq struct {
	Tier string `json:"tier" binding:"required"`
}

func (h *Handler) ChooseOffer(c *gin.Context) {
	var req offerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	reply, err := h.Funnel.ChooseOffer(c.Request.Context(), c.Param("uuid"), ledger.Tier(req.Tier))
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, reply)
}

type commentsReq struct {
	Comments string `json:"comments"`
	Skip     bool   `json:"skip"`
}

func (h *Handler) SubmitComments(c *gin.Context) {
	var req commentsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	res, err := h.Funnel.SubmitComments(c.Request.Context(), c.Param("uuid"), req.Comments, req.Skip)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, res)
}

type paymentIntentReq struct {
	SessionUUID string `json:"session_uuid" binding:"required"`
	Tier        string `json:"tier" binding:"required"`
}

func (h *Handler) CreatePaymentIntent(c *gin.Context) {
	var req paymentIntentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	intent, err := h.Funnel.CreatePayment(c.Request.Context(), req.SessionUUID, ledger.Tier(req.Tier))
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, intent)
}

type verifyPaymentReq struct {
	SessionUUID     string `json:"session_uuid" binding:"required"`
	PaymentIntentID string `json:"payment_intent_id" binding:"required"`
	Email           string `json:"email"`
}

// VerifyPayment is called by the client after checkout. The processor is
// asked for the intent status; the client's word is not taken for it.
func (h *Handler) VerifyPayment(c *gin.Context) {
	var req verifyPaymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	res, err := h.Funnel.VerifyPayment(c.Request.Context(), req.SessionUUID, req.PaymentIntentID, req.Email)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, res)
}
