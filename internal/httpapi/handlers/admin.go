package handlers

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/legalfunnel/internal/apperr"
	"github.com/suPer8Hu/legalfunnel/internal/common"
	"github.com/suPer8Hu/legalfunnel/internal/ledger"
	"github.com/suPer8Hu/legalfunnel/internal/payment"
)

const exportPage = 500

func pageParams(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit"))
	offset, _ = strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Overview returns today against yesterday plus all-time conversion.
func (h *Handler) Overview(c *gin.Context) {
	ctx := c.Request.Context()
	today, yesterday, err := h.Stats.DayOverDay(ctx, time.Now())
	if err != nil {
		h.failErr(c, apperr.TransientStore(err))
		return
	}
	total, err := h.Stats.Totals(ctx)
	if err != nil {
		h.failErr(c, apperr.TransientStore(err))
		return
	}
	common.OK(c, gin.H{
		"today":     today,
		"yesterday": yesterday,
		"total":     total,
	})
}

// DailyStats lists ?from=YYYY-MM-DD&to=YYYY-MM-DD, the last 30 days by default.
func (h *Handler) DailyStats(c *gin.Context) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -29)
	var err error
	if s := c.Query("from"); s != "" {
		if from, err = time.Parse(time.DateOnly, s); err != nil {
			common.Fail(c, http.StatusBadRequest, 10005, "from must be YYYY-MM-DD")
			return
		}
	}
	if s := c.Query("to"); s != "" {
		if to, err = time.Parse(time.DateOnly, s); err != nil {
			common.Fail(c, http.StatusBadRequest, 10005, "to must be YYYY-MM-DD")
			return
		}
	}
	if to.Before(from) {
		common.Fail(c, http.StatusBadRequest, 10006, "to is before from")
		return
	}
	days, err := h.Stats.Range(c.Request.Context(), from, to)
	if err != nil {
		h.failErr(c, apperr.TransientStore(err))
		return
	}
	common.OK(c, gin.H{"days": days})
}

func (h *Handler) ListPaidSessions(c *gin.Context) {
	limit, offset := pageParams(c)
	onlyPaid := c.Query("only_paid") == "true"
	rows, err := h.Ledger.ListPaid(c.Request.Context(), onlyPaid, limit, offset)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, gin.H{"sessions": rows})
}

func (h *Handler) ListUnpaidSessions(c *gin.Context) {
	limit, offset := pageParams(c)
	rows, err := h.Ledger.ListUnpaid(c.Request.Context(), limit, offset)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, gin.H{"sessions": rows})
}

func (h *Handler) GetSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("uuid")
	r, err := h.Ledger.Resolve(ctx, id)
	if err != nil {
		h.failErr(c, err)
		return
	}
	msgs, err := h.Ledger.Transcript(ctx, id)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, gin.H{
		"location": r.Location,
		"status":   r.Status(),
		"session":  r.State(),
		"messages": msgs,
	})
}

// ExportPaidCSV streams every paid session as CSV.
func (h *Handler) ExportPaidCSV(c *gin.Context) {
	ctx := c.Request.Context()
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="paid_sessions.csv"`)
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"session_uuid", "email", "tier", "amount", "payment_ref", "paid_at", "analysis_email_sent", "created_at"})
	currency := h.Cfg.PaymentCurrency
	for offset := 0; ; offset += exportPage {
		rows, err := h.Ledger.ListPaid(ctx, true, exportPage, offset)
		if err != nil {
			// headers are gone; the truncated file is all we can signal
			h.Log.Error("paid export failed", "offset", offset, "error", err)
			break
		}
		for _, s := range rows {
			_ = w.Write(exportRow(s, currency))
		}
		if len(rows) < exportPage {
			break
		}
	}
	w.Flush()
}

func exportRow(s ledger.PaidSession, currency string) []string {
	var email, tier, ref, paidAt string
	if s.Email != nil {
		email = *s.Email
	}
	if s.Tier != nil {
		tier = string(*s.Tier)
	}
	if s.PaymentRef != nil {
		ref = *s.PaymentRef
	}
	if s.PaidAt != nil {
		paidAt = s.PaidAt.UTC().Format(time.RFC3339)
	}
	return []string{
		s.SessionUUID,
		email,
		tier,
		payment.FormatAmount(s.PriceCents, currency),
		ref,
		paidAt,
		strconv.FormatBool(s.AnalysisEmailSent),
		s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) PurgeCache(c *gin.Context) {
	n, err := h.Cache.PurgeExpired(c.Request.Context())
	if err != nil {
		h.failErr(c, apperr.TransientStore(err))
		return
	}
	h.Log.Info("answer cache purged", "deleted", n)
	common.OK(c, gin.H{"deleted": n})
}
