// Package funnel drives visitors through the free tier and the paid
// questionnaire funnel, coordinating the answer cache, the chat model, the
// external assistant, the session ledger and the payment processor.
package funnel

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/suPer8Hu/legalfunnel/internal/analysis"
	"github.com/suPer8Hu/legalfunnel/internal/answercache"
	"github.com/suPer8Hu/legalfunnel/internal/apperr"
	"github.com/suPer8Hu/legalfunnel/internal/chat"
	"github.com/suPer8Hu/legalfunnel/internal/identity"
	"github.com/suPer8Hu/legalfunnel/internal/ledger"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
	"github.com/suPer8Hu/legalfunnel/internal/payment"
)

var (
	ErrAssistantUnavailable = apperr.New(apperr.KindUpstream, "assistant_unavailable", "the assistant is not available right now, please retry")
	ErrPaymentUnavailable   = apperr.New(apperr.KindUpstream, "payment_unavailable", "payment service unavailable, please retry")
	ErrPaymentIncomplete    = apperr.New(apperr.KindConflict, "payment_incomplete", "payment not completed")
	ErrWrongStage           = apperr.New(apperr.KindConflict, "wrong_stage", "this step is not available at the current stage")
)

type Assistant interface {
	CreateThread(ctx context.Context) (string, error)
	Ask(ctx context.Context, threadID, text, instructions string) (string, error)
}

type PaymentProcessor interface {
	CreateIntent(ctx context.Context, amountCents int64, sessionUUID, tier string) (*payment.Intent, error)
	GetIntent(ctx context.Context, intentID string) (*payment.Intent, error)
	Currency() string
}

type AnswerCache interface {
	Lookup(ctx context.Context, question string) (*answercache.Entry, error)
	Store(ctx context.Context, question, answer string) error
}

type Conversations interface {
	SessionFor(ctx context.Context, owner chat.Owner, sessionID, firstQuestion string) (*chat.Session, error)
	Generate(ctx context.Context, sess *chat.Session, question string) (chat.Reply, error)
	Record(ctx context.Context, sess *chat.Session, question string, reply chat.Reply) (*chat.Message, error)
}

type Users interface {
	GetByID(ctx context.Context, id uint64) (*identity.User, error)
	IncrementQuestionUsage(ctx context.Context, email string) error
}

type Deps struct {
	Ledger        *ledger.Ledger
	Cache         AnswerCache
	Conversations Conversations
	Users         Users
	Assistant     Assistant
	Payments      PaymentProcessor
	Dispatcher    analysis.Dispatcher
}

type Options struct {
	FreeQuestionQuota     int
	AssistantInstructions string
	QuestionnaireSteps    int
	// CompletionMarker in an assistant reply ends the questionnaire early.
	CompletionMarker string
	CommentsPrompt   string
	MaxMessageLength int
	RetryAttempts    int
	RetryBackoff     time.Duration
}

func (o *Options) applyDefaults() {
	if o.FreeQuestionQuota <= 0 {
		o.FreeQuestionQuota = 2
	}
	if o.QuestionnaireSteps <= 0 {
		o.QuestionnaireSteps = 7
	}
	if o.CompletionMarker == "" {
		o.CompletionMarker = "[QUESTIONNAIRE_COMPLETE]"
	}
	if o.CommentsPrompt == "" {
		o.CommentsPrompt = "Souhaitez-vous ajouter des commentaires personnels pour le juriste ? Vous pouvez aussi passer cette étape."
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = 4000
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 100 * time.Millisecond
	}
}

type Orchestrator struct {
	ledger     *ledger.Ledger
	cache      AnswerCache
	conv       Conversations
	users      Users
	assistant  Assistant
	payments   PaymentProcessor
	dispatcher analysis.Dispatcher
	opts       Options
	log        *logger.Logger
}

func New(d Deps, opts Options, log *logger.Logger) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		ledger:     d.Ledger,
		cache:      d.Cache,
		conv:       d.Conversations,
		users:      d.Users,
		assistant:  d.Assistant,
		payments:   d.Payments,
		dispatcher: d.Dispatcher,
		opts:       opts,
		log:        log.With("component", "funnel"),
	}
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// attempts run out. Exhausted transient errors surface as upstream errors.
func (o *Orchestrator) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= o.opts.RetryAttempts; attempt++ {
		if err = fn(); err == nil || !apperr.IsTransient(err) {
			return err
		}
		o.log.Warn("transient store error", "op", op, "attempt", attempt, "error", err)
		if attempt == o.opts.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.opts.RetryBackoff * time.Duration(attempt)):
		}
	}
	return apperr.Upstream("store", err)
}

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// ExtractEmail returns the first email-looking token in text, lowercased.
func ExtractEmail(text string) string {
	m := emailPattern.FindString(text)
	return strings.ToLower(strings.Trim(m, "."))
}

func (o *Orchestrator) checkText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Validation("message is empty")
	}
	if len([]rune(text)) > o.opts.MaxMessageLength {
		return "", apperr.Validation("message longer than %d characters", o.opts.MaxMessageLength)
	}
	return text, nil
}
