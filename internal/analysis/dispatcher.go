// Package analysis delivers a paid session to the human reviewer: the full
// transcript goes to the ops address and a confirmation to the payer.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/suPer8Hu/legalfunnel/internal/email"
	"github.com/suPer8Hu/legalfunnel/internal/ledger"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
	"github.com/suPer8Hu/legalfunnel/internal/payment"
	"github.com/suPer8Hu/legalfunnel/internal/store/rabbitmq"
)

// Dispatcher hands a paid session over for analysis delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionUUID string) error
}

// Sessions is the slice of the ledger the mailer reads and flags.
type Sessions interface {
	Resolve(ctx context.Context, id string) (*ledger.Resolved, error)
	Transcript(ctx context.Context, id string) ([]ledger.Message, error)
	MarkAnalysisEmailSent(ctx context.Context, id string) error
}

var ErrNotPaid = fmt.Errorf("session not paid: %w", rabbitmq.ErrPermanent)

type Mailer struct {
	sessions Sessions
	sender   email.Sender
	opsEmail string
	currency string
	log      *logger.Logger
}

func NewMailer(sessions Sessions, sender email.Sender, opsEmail, currency string, log *logger.Logger) *Mailer {
	return &Mailer{
		sessions: sessions,
		sender:   sender,
		opsEmail: opsEmail,
		currency: currency,
		log:      log.With("component", "analysis_mailer"),
	}
}

// Dispatch delivers inline.
func (m *Mailer) Dispatch(ctx context.Context, sessionUUID string) error {
	return m.Deliver(ctx, sessionUUID)
}

// Deliver sends both emails and sets analysis_email_sent. A session already
// flagged is skipped, so redelivered jobs do not email twice.
func (m *Mailer) Deliver(ctx context.Context, sessionUUID string) error {
	r, err := m.sessions.Resolve(ctx, sessionUUID)
	if err != nil {
		if errors.Is(err, ledger.ErrSessionNotFound) {
			return fmt.Errorf("%w: %w", rabbitmq.ErrPermanent, err)
		}
		return err
	}
	st := r.State()
	if !st.Paid {
		return ErrNotPaid
	}
	if st.AnalysisEmailSent {
		m.log.Info("analysis already sent", "session_uuid", sessionUUID)
		return nil
	}

	msgs, err := m.sessions.Transcript(ctx, sessionUUID)
	if err != nil {
		return err
	}

	data := email.AnalysisData{
		SessionUUID: sessionUUID,
		Amount:      payment.FormatAmount(st.PriceCents, m.currency),
		Answers:     st.Answers,
	}
	if st.Email != nil {
		data.CustomerEmail = *st.Email
	}
	if st.Tier != nil {
		data.Tier = string(*st.Tier)
	}
	if st.PaidAt != nil {
		data.PaidAt = *st.PaidAt
	}
	if st.Comments != nil {
		data.Comments = *st.Comments
	}
	for _, msg := range msgs {
		data.Transcript = append(data.Transcript, email.TranscriptLine{Role: msg.Role, Content: msg.Content, CreatedAt: msg.CreatedAt})
	}

	subject, body, err := email.RenderAnalysis(data)
	if err != nil {
		return fmt.Errorf("%w: render analysis: %w", rabbitmq.ErrPermanent, err)
	}
	if err := m.sender.Send(ctx, m.opsEmail, subject, body); err != nil {
		return fmt.Errorf("send analysis: %w", err)
	}

	if data.CustomerEmail != "" {
		subject, body, err := email.RenderConfirmation(email.ConfirmationData{
			SessionUUID: sessionUUID,
			Tier:        data.Tier,
			Amount:      data.Amount,
		})
		if err == nil {
			err = m.sender.Send(ctx, data.CustomerEmail, subject, body)
		}
		if err != nil {
			m.log.Warn("confirmation email failed", "session_uuid", sessionUUID, "email", data.CustomerEmail, "error", err)
		}
	}

	if err := m.sessions.MarkAnalysisEmailSent(ctx, sessionUUID); err != nil {
		return err
	}
	m.log.Info("analysis email sent", "session_uuid", sessionUUID, "messages", len(msgs))
	return nil
}

// Publisher is the queue side used by QueueDispatcher.
type Publisher interface {
	PublishAnalysis(ctx context.Context, sessionUUID string) error
}

// QueueDispatcher defers delivery to cmd/worker.
type QueueDispatcher struct {
	pub Publisher
}

func NewQueueDispatcher(pub Publisher) *QueueDispatcher { return &QueueDispatcher{pub: pub} }

func (q *QueueDispatcher) Dispatch(ctx context.Context, sessionUUID string) error {
	return q.pub.PublishAnalysis(ctx, sessionUUID)
}
