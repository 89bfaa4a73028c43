package funnel

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/suPer8Hu/legalfunnel/internal/apperr"
	"github.com/suPer8Hu/legalfunnel/internal/ledger"
	"github.com/suPer8Hu/legalfunnel/internal/payment"
)

type FunnelStart struct {
	SessionUUID string       `json:"session_uuid"`
	Stage       ledger.Stage `json:"stage"`
	Steps       int          `json:"steps"`
}

// StartFunnel allocates an assistant thread and the ledger row for a new
// funnel session.
func (o *Orchestrator) StartFunnel(ctx context.Context) (*FunnelStart, error) {
	id := uuid.NewString()
	threadID, err := o.assistant.CreateThread(ctx)
	if err != nil {
		o.log.Error("assistant thread creation failed", "error", err)
		return nil, ErrAssistantUnavailable
	}
	if err := o.retry(ctx, "create_funnel_session", func() error {
		_, cerr := o.ledger.CreateFunnelSession(ctx, id, threadID)
		return cerr
	}); err != nil {
		return nil, err
	}
	return &FunnelStart{SessionUUID: id, Stage: ledger.StageQuestionnaire, Steps: o.opts.QuestionnaireSteps}, nil
}

type FunnelReply struct {
	Reply             string        `json:"reply"`
	Stage             ledger.Stage  `json:"stage"`
	Step              int           `json:"step"`
	Steps             int           `json:"steps"`
	Status            ledger.Status `json:"status"`
	EmailCaptured     bool          `json:"email_captured"`
	CommentsRequested bool          `json:"comments_requested"`
}

func (o *Orchestrator) resolve(ctx context.Context, id string) (*ledger.Resolved, error) {
	var r *ledger.Resolved
	err := o.retry(ctx, "resolve", func() error {
		var rerr error
		r, rerr = o.ledger.Resolve(ctx, id)
		return rerr
	})
	return r, err
}

// captureEmail moves the session to the unpaid table the first time an
// email shows up. A paid session only gets the email merged.
func (o *Orchestrator) captureEmail(ctx context.Context, id string, st *ledger.FunnelState, text string) (bool, error) {
	addr := ExtractEmail(text)
	if addr == "" {
		return false, nil
	}
	if st.Email != nil && *st.Email == addr {
		return false, nil
	}
	err := o.retry(ctx, "capture_email", func() error {
		_, cerr := o.ledger.CaptureEmailUnpaid(ctx, id, addr)
		return cerr
	})
	if err != nil && !errors.Is(err, ledger.ErrAlreadyPaid) {
		return false, err
	}
	return true, nil
}

// SendFunnelMessage runs one questionnaire turn. Nothing from the turn is
// persisted unless the assistant answered.
func (o *Orchestrator) SendFunnelMessage(ctx context.Context, id, text string) (*FunnelReply, error) {
	text, err := o.checkText(text)
	if err != nil {
		return nil, err
	}
	r, err := o.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	st := r.State()
	if st.Paid {
		return nil, ledger.ErrAlreadyPaid
	}
	if st.Stage != ledger.StageQuestionnaire {
		return nil, ErrWrongStage
	}

	// no store lock is held across the assistant call
	reply, err := o.assistant.Ask(ctx, st.ThreadID, text, o.opts.AssistantInstructions)
	if err != nil {
		o.log.Error("assistant call failed", "session_uuid", id, "error", err)
		return nil, ErrAssistantUnavailable
	}

	captured, err := o.captureEmail(ctx, id, st, text)
	if err != nil {
		return nil, err
	}
	complete := strings.Contains(reply, o.opts.CompletionMarker)
	reply = strings.TrimSpace(strings.ReplaceAll(reply, o.opts.CompletionMarker, ""))

	if err := o.retry(ctx, "append_user", func() error {
		return o.ledger.AppendMessage(ctx, id, ledger.RoleUser, text)
	}); err != nil {
		return nil, err
	}
	if err := o.retry(ctx, "append_assistant", func() error {
		return o.ledger.AppendMessage(ctx, id, ledger.RoleAssistant, reply)
	}); err != nil {
		return nil, err
	}
	if err := o.retry(ctx, "first_message", func() error {
		_, merr := o.ledger.MarkFirstMessage(ctx, id)
		return merr
	}); err != nil {
		return nil, err
	}

	var updated *ledger.FunnelState
	if err := o.retry(ctx, "advance_questionnaire", func() error {
		var uerr error
		updated, uerr = o.ledger.UpdateFunnelState(ctx, id, func(fs *ledger.FunnelState) error {
			if fs.Stage != ledger.StageQuestionnaire {
				return nil
			}
			fs.QuestionnaireStep++
			if fs.Answers == nil {
				fs.Answers = map[string]any{}
			}
			fs.Answers[strconv.Itoa(fs.QuestionnaireStep)] = text
			if complete || fs.QuestionnaireStep >= o.opts.QuestionnaireSteps {
				fs.Stage = ledger.StageAwaitingOffer
			}
			return nil
		})
		return uerr
	}); err != nil {
		return nil, err
	}

	status := ledger.StatusCreated
	if captured || (updated.Email != nil && *updated.Email != "") {
		status = ledger.StatusEmailCaptured
	}
	return &FunnelReply{
		Reply:         reply,
		Stage:         updated.Stage,
		Step:          updated.QuestionnaireStep,
		Steps:         o.opts.QuestionnaireSteps,
		Status:        status,
		EmailCaptured: captured,
	}, nil
}

// ChooseOffer records the offer the visitor picked once the questionnaire
// is over and asks for personal comments. The offer can be changed until
// payment.
func (o *Orchestrator) ChooseOffer(ctx context.Context, id string, tier ledger.Tier) (*FunnelReply, error) {
	if !tier.Valid() {
		return nil, apperr.Validation("unknown offer %q", tier)
	}
	var updated *ledger.FunnelState
	err := o.retry(ctx, "choose_offer", func() error {
		var uerr error
		updated, uerr = o.ledger.UpdateFunnelState(ctx, id, func(fs *ledger.FunnelState) error {
			if fs.Paid {
				return ledger.ErrAlreadyPaid
			}
			switch fs.Stage {
			case ledger.StageAwaitingOffer:
				fs.Stage = ledger.StageAwaitingComments
			case ledger.StageAwaitingComments, ledger.StageReadyForPayment:
			default:
				return ErrWrongStage
			}
			t := tier
			fs.Tier = &t
			return nil
		})
		return uerr
	})
	if err != nil {
		return nil, err
	}
	return &FunnelReply{
		Reply:             o.opts.CommentsPrompt,
		Stage:             updated.Stage,
		Step:              updated.QuestionnaireStep,
		Steps:             o.opts.QuestionnaireSteps,
		CommentsRequested: updated.Stage == ledger.StageAwaitingComments,
	}, nil
}

type CommentsResult struct {
	Stage           ledger.Stage `json:"stage"`
	ReadyForPayment bool         `json:"ready_for_payment"`
	EmailCaptured   bool         `json:"email_captured"`
}

// SubmitComments stores the visitor's free-form comments (or their explicit
// skip) and unlocks the payment step.
func (o *Orchestrator) SubmitComments(ctx context.Context, id, comments string, skip bool) (*CommentsResult, error) {
	comments = strings.TrimSpace(comments)
	if !skip {
		var err error
		if comments, err = o.checkText(comments); err != nil {
			return nil, err
		}
	}
	r, err := o.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	st := r.State()
	if st.Paid {
		return nil, ledger.ErrAlreadyPaid
	}
	if st.Stage != ledger.StageAwaitingComments && st.Stage != ledger.StageReadyForPayment {
		return nil, ErrWrongStage
	}

	var captured bool
	if !skip {
		if captured, err = o.captureEmail(ctx, id, st, comments); err != nil {
			return nil, err
		}
	}

	var updated *ledger.FunnelState
	err = o.retry(ctx, "submit_comments", func() error {
		var uerr error
		updated, uerr = o.ledger.UpdateFunnelState(ctx, id, func(fs *ledger.FunnelState) error {
			if skip {
				fs.Comments = nil
			} else {
				c := comments
				fs.Comments = &c
			}
			fs.Stage = ledger.StageReadyForPayment
			return nil
		})
		return uerr
	})
	if err != nil {
		return nil, err
	}
	return &CommentsResult{Stage: updated.Stage, ReadyForPayment: true, EmailCaptured: captured}, nil
}

type PaymentIntent struct {
	IntentID     string `json:"payment_intent_id"`
	ClientSecret string `json:"client_secret"`
	AmountCents  int64  `json:"amount_cents"`
	Currency     string `json:"currency"`
	Display      string `json:"display"`
}

// CreatePayment opens a processor intent for the tier and records tier,
// price and intent id on the session. The session stays where it is; an
// unpaid row only moves back to paid_sessions when the payment is confirmed.
func (o *Orchestrator) CreatePayment(ctx context.Context, id string, tier ledger.Tier) (*PaymentIntent, error) {
	price, err := payment.PriceCents(tier)
	if err != nil {
		return nil, apperr.Validation("unknown offer %q", tier)
	}
	r, err := o.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.State().Paid {
		return nil, ledger.ErrAlreadyPaid
	}

	intent, err := o.payments.CreateIntent(ctx, price, id, string(tier))
	if err != nil {
		o.log.Error("payment intent creation failed", "session_uuid", id, "error", err)
		return nil, ErrPaymentUnavailable
	}
	if err := o.retry(ctx, "payment_setup", func() error {
		return o.ledger.RecordPaymentSetup(ctx, id, tier, price, intent.ID)
	}); err != nil {
		return nil, err
	}
	currency := o.payments.Currency()
	return &PaymentIntent{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		AmountCents:  price,
		Currency:     currency,
		Display:      payment.FormatAmount(price, currency),
	}, nil
}

type PaymentResult struct {
	SessionUUID    string        `json:"session_uuid"`
	Status         ledger.Status `json:"status"`
	Email          string        `json:"email,omitempty"`
	AmountCents    int64         `json:"amount_cents"`
	AnalysisQueued bool          `json:"analysis_queued"`
}

// VerifyPayment re-reads the intent from the processor and only then marks
// the session paid. Client-side success claims are never trusted.
func (o *Orchestrator) VerifyPayment(ctx context.Context, id, intentID, email string) (*PaymentResult, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, apperr.Validation("payment_intent_id required")
	}
	intent, err := o.payments.GetIntent(ctx, intentID)
	if err != nil {
		o.log.Error("payment intent lookup failed", "session_uuid", id, "intent", intentID, "error", err)
		return nil, ErrPaymentUnavailable
	}
	if intent.Status != payment.StatusSucceeded {
		return nil, ErrPaymentIncomplete
	}

	r, err := o.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	st := r.State()
	if intent.SessionUUID() != id ||
		st.PaymentRef == nil || *st.PaymentRef != intent.ID ||
		intent.Amount != st.PriceCents {
		o.log.Warn("payment does not match session", "session_uuid", id, "intent", intent.ID, "amount", intent.Amount)
		return nil, ledger.ErrPaymentMismatch
	}

	addr := strings.TrimSpace(email)
	if addr == "" {
		addr = intent.ReceiptEmail
	}
	var paid *ledger.PaidSession
	if err := o.retry(ctx, "confirm_payment", func() error {
		var cerr error
		paid, cerr = o.ledger.ConfirmPayment(ctx, id, addr)
		return cerr
	}); err != nil {
		return nil, err
	}

	res := &PaymentResult{
		SessionUUID: id,
		Status:      ledger.StatusPaid,
		Email:       derefString(paid.Email),
		AmountCents: paid.PriceCents,
	}
	if !paid.AnalysisEmailSent {
		// the payment stands even if delivery fails; the worker or a later
		// verify retries it
		if err := o.dispatcher.Dispatch(ctx, id); err != nil {
			o.log.Error("analysis dispatch failed", "session_uuid", id, "error", err)
		} else {
			res.AnalysisQueued = true
		}
	}
	return res, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
