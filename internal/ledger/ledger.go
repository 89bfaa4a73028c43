// Package ledger persists funnel sessions across the paid_sessions and
// unpaid_sessions_with_email tables.
//
// A funnel uuid has exactly one authoritative row at any time: a
// paid_sessions row with moved=false, or an unpaid_sessions_with_email row
// with moved_to_paid=false. Migrations copy the row and its messages first
// and then flag the source, all inside one transaction; the conditional
// update on the source flag is the point where concurrent migrations of the
// same uuid are serialized. Should both tables ever hold a live row, the
// unpaid one wins until it is explicitly marked moved.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/legalfunnel/internal/apperr"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
	"github.com/suPer8Hu/legalfunnel/internal/metrics"
)

var (
	ErrSessionNotFound   = apperr.New(apperr.KindNotFound, "session_not_found", "funnel session not found")
	ErrSessionExists     = apperr.New(apperr.KindConflict, "session_exists", "funnel session already exists")
	ErrAlreadyPaid       = apperr.New(apperr.KindConflict, "already_paid", "funnel session already paid")
	ErrPaymentMismatch   = apperr.New(apperr.KindConflict, "payment_mismatch", "payment does not match session")
	ErrMigrationConflict = apperr.New(apperr.KindConflict, "migration_conflict", "session migrated concurrently")
)

// Counter receives transition events inside the ledger's transaction.
type Counter interface {
	Increment(ctx context.Context, tx *gorm.DB, e metrics.Event) error
}

type Ledger struct {
	db      *gorm.DB
	counter Counter
	log     *logger.Logger
	now     func() time.Time
}

func New(db *gorm.DB, counter Counter, log *logger.Logger) *Ledger {
	return &Ledger{
		db:      db,
		counter: counter,
		log:     log.With("component", "ledger"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Tests only.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = func() time.Time { return now().UTC() }
	return l
}

// txEvents collects counter events so they are exported only after commit.
type txEvents []metrics.Event

func (l *Ledger) inTx(ctx context.Context, fn func(tx *gorm.DB, ev *txEvents) error) error {
	var ev txEvents
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, &ev)
	})
	if err != nil {
		return storeErr(err)
	}
	for _, e := range ev {
		metrics.Observe(e)
	}
	return nil
}

func (l *Ledger) count(ctx context.Context, tx *gorm.DB, ev *txEvents, e metrics.Event) error {
	if l.counter != nil {
		if err := l.counter.Increment(ctx, tx, e); err != nil {
			return err
		}
	}
	*ev = append(*ev, e)
	return nil
}

// storeErr keeps typed ledger errors and marks everything else transient.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.TransientStore(err)
}

// forUpdate row-locks the selected rows. SQLite has no row locks; its
// database-wide write lock already serializes the transaction.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func validUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// resolve finds the authoritative row for id, locking it.
func (l *Ledger) resolve(tx *gorm.DB, id string) (*Resolved, error) {
	var unpaid []UnpaidSession
	if err := forUpdate(tx).Where("session_uuid = ? AND moved_to_paid = ?", id, false).Limit(1).Find(&unpaid).Error; err != nil {
		return nil, err
	}
	if len(unpaid) > 0 {
		return &Resolved{Location: LocationUnpaid, Unpaid: &unpaid[0]}, nil
	}
	var paid []PaidSession
	if err := forUpdate(tx).Where("session_uuid = ? AND moved = ?", id, false).Limit(1).Find(&paid).Error; err != nil {
		return nil, err
	}
	if len(paid) > 0 {
		return &Resolved{Location: LocationPaid, Paid: &paid[0]}, nil
	}
	return nil, ErrSessionNotFound
}

// Resolve returns the authoritative row for id.
func (l *Ledger) Resolve(ctx context.Context, id string) (*Resolved, error) {
	var out *Resolved
	err := l.inTx(ctx, func(tx *gorm.DB, _ *txEvents) error {
		r, err := l.resolve(tx, id)
		out = r
		return err
	})
	return out, err
}

func (l *Ledger) CreateFunnelSession(ctx context.Context, id, threadID string) (*PaidSession, error) {
	if !validUUID(id) {
		return nil, apperr.Validation("invalid session uuid")
	}
	s := &PaidSession{FunnelState: FunnelState{
		SessionUUID: id,
		ThreadID:    threadID,
		Stage:       StageQuestionnaire,
		CreatedAt:   l.now(),
	}}
	err := l.inTx(ctx, func(tx *gorm.DB, _ *txEvents) error {
		var cnt int64
		if err := tx.Model(&PaidSession{}).Where("session_uuid = ?", id).Count(&cnt).Error; err != nil {
			return err
		}
		if cnt > 0 {
			return ErrSessionExists
		}
		return tx.Create(s).Error
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("funnel session created", "session_uuid", id)
	return s, nil
}

// RecordPaymentSetup stores tier, price and processor reference before the
// payment is confirmed. Unpaid rows also count the attempt.
func (l *Ledger) RecordPaymentSetup(ctx context.Context, id string, tier Tier, priceCents int64, paymentRef string) error {
	if !tier.Valid() {
		return apperr.Validation("unknown tier %q", tier)
	}
	if priceCents <= 0 {
		return apperr.Validation("price must be positive")
	}
	return l.inTx(ctx, func(tx *gorm.DB, _ *txEvents) error {
		r, err := l.resolve(tx, id)
		if err != nil {
			return err
		}
		if r.State().Paid {
			return ErrAlreadyPaid
		}
		updates := map[string]any{
			"tier":        tier,
			"price_cents": priceCents,
			"payment_ref": paymentRef,
		}
		if r.Location == LocationUnpaid {
			updates["payment_attempts"] = gorm.Expr("payment_attempts + 1")
			return tx.Model(&UnpaidSession{}).Where("id = ?", r.Unpaid.ID).Updates(updates).Error
		}
		return tx.Model(&PaidSession{}).Where("id = ?", r.Paid.ID).Updates(updates).Error
	})
}

// ConfirmPayment flips paid exactly once. A repeated call returns the paid
// row without error and without counting again. An email is merged only
// when none is stored yet.
func (l *Ledger) ConfirmPayment(ctx context.Context, id, email string) (*PaidSession, error) {
	email = normalizeEmail(email)
	var out PaidSession
	var confirmed bool
	err := l.inTx(ctx, func(tx *gorm.DB, ev *txEvents) error {
		r, err := l.resolve(tx, id)
		if err != nil {
			return err
		}
		if r.Location == LocationUnpaid {
			if _, err := l.unpaidToPaid(tx, r.Unpaid, ""); err != nil {
				return err
			}
			if r, err = l.resolve(tx, id); err != nil {
				return err
			}
		}
		p := r.Paid
		if p.Paid {
			out = *p
			return nil
		}
		now := l.now()
		updates := map[string]any{"paid": true, "paid_at": now}
		if email != "" && (p.Email == nil || *p.Email == "") {
			updates["email"] = email
		}
		res := tx.Model(&PaidSession{}).Where("id = ? AND paid = ?", p.ID, false).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			confirmed = true
			if err := l.count(ctx, tx, ev, metrics.PaymentCompleted); err != nil {
				return err
			}
		}
		return tx.First(&out, p.ID).Error
	})
	if err != nil {
		return nil, err
	}
	if confirmed {
		l.log.Info("payment confirmed", "session_uuid", id, "email", derefString(out.Email), "price_cents", out.PriceCents)
	}
	return &out, nil
}

// CaptureEmailUnpaid moves an unpaid paid_sessions row (with its messages)
// into unpaid_sessions_with_email, or updates the email in place when the
// session already lives there. The email-collected counter moves once per
// uuid: only when no unpaid row ever existed for it.
func (l *Ledger) CaptureEmailUnpaid(ctx context.Context, id, email string) (*UnpaidSession, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, apperr.Validation("email required")
	}
	var out UnpaidSession
	var firstCapture, alreadyPaid bool
	err := l.inTx(ctx, func(tx *gorm.DB, ev *txEvents) error {
		r, err := l.resolve(tx, id)
		if err != nil {
			return err
		}
		if r.Location == LocationUnpaid {
			if r.Unpaid.Email == nil || *r.Unpaid.Email != email {
				if err := tx.Model(&UnpaidSession{}).Where("id = ?", r.Unpaid.ID).Update("email", email).Error; err != nil {
					return err
				}
			}
			return tx.First(&out, r.Unpaid.ID).Error
		}

		p := r.Paid
		if p.Paid {
			// Keep the row where it is; only fill a missing email.
			alreadyPaid = true
			if p.Email == nil || *p.Email == "" {
				return tx.Model(&PaidSession{}).Where("id = ?", p.ID).Update("email", email).Error
			}
			return nil
		}

		var existing []UnpaidSession
		if err := tx.Where("session_uuid = ?", id).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		state := p.FunnelState
		state.Email = &email

		var target *UnpaidSession
		if len(existing) == 0 {
			target = &UnpaidSession{FunnelState: state}
			if err := tx.Create(target).Error; err != nil {
				return err
			}
			firstCapture = true
		} else {
			target = &existing[0]
			cols := stateColumns(state)
			cols["moved_to_paid"] = false
			cols["moved_to_paid_at"] = nil
			if err := tx.Model(&UnpaidSession{}).Where("id = ?", target.ID).Updates(cols).Error; err != nil {
				return err
			}
		}
		if err := copyPaidMessagesToUnpaid(tx, p.ID, target.ID); err != nil {
			return err
		}

		res := tx.Model(&PaidSession{}).
			Where("id = ? AND moved = ? AND paid = ?", p.ID, false, false).
			Updates(map[string]any{"moved": true, "moved_at": l.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrMigrationConflict
		}
		if firstCapture {
			if err := l.count(ctx, tx, ev, metrics.EmailCollected); err != nil {
				return err
			}
		}
		return tx.First(&out, target.ID).Error
	})
	if err != nil {
		return nil, err
	}
	if alreadyPaid {
		return nil, ErrAlreadyPaid
	}
	l.log.Info("email captured", "session_uuid", id, "email", email, "first_capture", firstCapture)
	return &out, nil
}

// MigrateUnpaidToPaid copies the live unpaid row and its messages back into
// paid_sessions (still paid=false) and flags the unpaid row moved. It
// reports false, without error, when there is no live unpaid row.
func (l *Ledger) MigrateUnpaidToPaid(ctx context.Context, id, email string) (bool, error) {
	email = normalizeEmail(email)
	var migrated bool
	err := l.inTx(ctx, func(tx *gorm.DB, _ *txEvents) error {
		var unpaid []UnpaidSession
		if err := forUpdate(tx).Where("session_uuid = ? AND moved_to_paid = ?", id, false).Limit(1).Find(&unpaid).Error; err != nil {
			return err
		}
		if len(unpaid) == 0 {
			return nil
		}
		ok, err := l.unpaidToPaid(tx, &unpaid[0], email)
		migrated = ok
		return err
	})
	if err != nil {
		return false, err
	}
	if migrated {
		l.log.Info("session migrated to paid table", "session_uuid", id)
	}
	return migrated, nil
}

func (l *Ledger) unpaidToPaid(tx *gorm.DB, u *UnpaidSession, email string) (bool, error) {
	state := u.FunnelState
	if email != "" && (state.Email == nil || *state.Email == "") {
		state.Email = &email
	}

	var existing []PaidSession
	if err := forUpdate(tx).Where("session_uuid = ?", u.SessionUUID).Limit(1).Find(&existing).Error; err != nil {
		return false, err
	}
	var target *PaidSession
	if len(existing) == 0 {
		target = &PaidSession{FunnelState: state}
		if err := tx.Create(target).Error; err != nil {
			return false, err
		}
	} else {
		target = &existing[0]
		cols := stateColumns(state)
		cols["moved"] = false
		cols["moved_at"] = nil
		if target.Paid {
			keepPayment(cols, target.FunnelState)
		}
		if err := tx.Model(&PaidSession{}).Where("id = ?", target.ID).Updates(cols).Error; err != nil {
			return false, err
		}
	}
	if err := copyUnpaidMessagesToPaid(tx, u.ID, target.ID); err != nil {
		return false, err
	}

	res := tx.Model(&UnpaidSession{}).
		Where("id = ? AND moved_to_paid = ?", u.ID, false).
		Updates(map[string]any{"moved_to_paid": true, "moved_to_paid_at": l.now()})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, ErrMigrationConflict
	}
	return true, nil
}

// AppendMessage resolves the uuid and appends to that row's log in one
// transaction, so a message never lands on a row being migrated.
func (l *Ledger) AppendMessage(ctx context.Context, id, role, content string) error {
	if role != RoleUser && role != RoleAssistant {
		return apperr.Validation("unknown role %q", role)
	}
	return l.inTx(ctx, func(tx *gorm.DB, _ *txEvents) error {
		r, err := l.resolve(tx, id)
		if err != nil {
			return err
		}
		now := l.now()
		if r.Location == LocationUnpaid {
			return tx.Create(&UnpaidMessage{SessionID: r.Unpaid.ID, Role: role, Content: content, CreatedAt: now}).Error
		}
		return tx.Create(&PaidMessage{SessionID: r.Paid.ID, Role: role, Content: content, CreatedAt: now}).Error
	})
}

// MarkFirstMessage sets first_message_sent once; only the call that flips it
// bumps the first-message counter.
func (l *Ledger) MarkFirstMessage(ctx context.Context, id string) (bool, error) {
	var changed bool
	err := l.inTx(ctx, func(tx *gorm.DB, ev *txEvents) error {
		r, err := l.resolve(tx, id)
		if err != nil {
			return err
		}
		var res *gorm.DB
		if r.Location == LocationUnpaid {
			res = tx.Model(&UnpaidSession{}).Where("id = ? AND first_message_sent = ?", r.Unpaid.ID, false).Update("first_message_sent", true)
		} else {
			res = tx.Model(&PaidSession{}).Where("id = ? AND first_message_sent = ?", r.Paid.ID, false).Update("first_message_sent", true)
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changed = true
		return l.count(ctx, tx, ev, metrics.FirstMessage)
	})
	return changed, err
}

// UpdateFunnelState applies fn to the authoritative row's funnel columns.
func (l *Ledger) UpdateFunnelState(ctx context.Context, id string, fn func(st *FunnelState) error) (*FunnelState, error) {
	var out FunnelState
	err := l.inTx(ctx, func(tx *gorm.DB, _ *txEvents) error {
		r, err := l.resolve(tx, id)
		if err != nil {
			return err
		}
		st := *r.State()
		if err := fn(&st); err != nil {
			return err
		}
		cols := map[string]any{
			"stage":              st.Stage,
			"questionnaire_step": st.QuestionnaireStep,
			"answers":            st.Answers,
			"tier":               st.Tier,
			"comments":           st.Comments,
		}
		if r.Location == LocationUnpaid {
			err = tx.Model(&UnpaidSession{}).Where("id = ?", r.Unpaid.ID).Updates(cols).Error
		} else {
			err = tx.Model(&PaidSession{}).Where("id = ?", r.Paid.ID).Updates(cols).Error
		}
		out = st
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Transcript returns the authoritative row's messages, oldest first.
func (l *Ledger) Transcript(ctx context.Context, id string) ([]Message, error) {
	var out []Message
	err := l.inTx(ctx, func(tx *gorm.DB, _ *txEvents) error {
		r, err := l.resolve(tx, id)
		if err != nil {
			return err
		}
		if r.Location == LocationUnpaid {
			var msgs []UnpaidMessage
			if err := tx.Where("session_id = ?", r.Unpaid.ID).Order("id ASC").Find(&msgs).Error; err != nil {
				return err
			}
			for _, m := range msgs {
				out = append(out, Message{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
			}
			return nil
		}
		var msgs []PaidMessage
		if err := tx.Where("session_id = ?", r.Paid.ID).Order("id ASC").Find(&msgs).Error; err != nil {
			return err
		}
		for _, m := range msgs {
			out = append(out, Message{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
		}
		return nil
	})
	return out, err
}

// MarkAnalysisEmailSent flags a paid session whose analysis went out.
func (l *Ledger) MarkAnalysisEmailSent(ctx context.Context, id string) error {
	return l.inTx(ctx, func(tx *gorm.DB, _ *txEvents) error {
		res := tx.Model(&PaidSession{}).
			Where("session_uuid = ? AND moved = ? AND paid = ?", id, false, true).
			Updates(map[string]any{"analysis_email_sent": true, "analysis_email_sent_at": l.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// ListPaid returns live paid_sessions rows, newest first.
func (l *Ledger) ListPaid(ctx context.Context, onlyPaid bool, limit, offset int) ([]PaidSession, error) {
	q := l.db.WithContext(ctx).Where("moved = ?", false)
	if onlyPaid {
		q = q.Where("paid = ?", true)
	}
	var out []PaidSession
	err := q.Order("id DESC").Limit(clampLimit(limit)).Offset(offset).Find(&out).Error
	return out, storeErr(err)
}

// ListUnpaid returns live unpaid rows, newest first.
func (l *Ledger) ListUnpaid(ctx context.Context, limit, offset int) ([]UnpaidSession, error) {
	var out []UnpaidSession
	err := l.db.WithContext(ctx).
		Where("moved_to_paid = ?", false).
		Order("id DESC").Limit(clampLimit(limit)).Offset(offset).
		Find(&out).Error
	return out, storeErr(err)
}

func stateColumns(st FunnelState) map[string]any {
	return map[string]any{
		"email":                  st.Email,
		"tier":                   st.Tier,
		"price_cents":            st.PriceCents,
		"paid":                   st.Paid,
		"payment_ref":            st.PaymentRef,
		"thread_id":              st.ThreadID,
		"answers":                st.Answers,
		"stage":                  st.Stage,
		"questionnaire_step":     st.QuestionnaireStep,
		"comments":               st.Comments,
		"first_message_sent":     st.FirstMessageSent,
		"analysis_email_sent":    st.AnalysisEmailSent,
		"analysis_email_sent_at": st.AnalysisEmailSentAt,
		"paid_at":                st.PaidAt,
		"created_at":             st.CreatedAt,
	}
}

// keepPayment stops a revive from un-paying a row: payment and analysis
// delivery columns stay as the paid row has them.
func keepPayment(cols map[string]any, paid FunnelState) {
	cols["paid"] = true
	cols["paid_at"] = paid.PaidAt
	cols["tier"] = paid.Tier
	cols["price_cents"] = paid.PriceCents
	cols["payment_ref"] = paid.PaymentRef
	cols["analysis_email_sent"] = paid.AnalysisEmailSent
	cols["analysis_email_sent_at"] = paid.AnalysisEmailSentAt
	if paid.Email != nil && *paid.Email != "" {
		cols["email"] = paid.Email
	}
}

func copyPaidMessagesToUnpaid(tx *gorm.DB, fromID, toID uint64) error {
	var src []PaidMessage
	if err := tx.Where("session_id = ?", fromID).Order("id ASC").Find(&src).Error; err != nil {
		return err
	}
	if err := tx.Where("session_id = ?", toID).Delete(&UnpaidMessage{}).Error; err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	dst := make([]UnpaidMessage, 0, len(src))
	for _, m := range src {
		dst = append(dst, UnpaidMessage{SessionID: toID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return tx.CreateInBatches(dst, 200).Error
}

func copyUnpaidMessagesToPaid(tx *gorm.DB, fromID, toID uint64) error {
	var src []UnpaidMessage
	if err := tx.Where("session_id = ?", fromID).Order("id ASC").Find(&src).Error; err != nil {
		return err
	}
	if err := tx.Where("session_id = ?", toID).Delete(&PaidMessage{}).Error; err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	dst := make([]PaidMessage, 0, len(src))
	for _, m := range src {
		dst = append(dst, PaidMessage{SessionID: toID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return tx.CreateInBatches(dst, 200).Error
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
