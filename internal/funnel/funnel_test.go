package funnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/suPer8Hu/legalfunnel/internal/ai"
	"github.com/suPer8Hu/legalfunnel/internal/analysis"
	"github.com/suPer8Hu/legalfunnel/internal/answercache"
	"github.com/suPer8Hu/legalfunnel/internal/chat"
	"github.com/suPer8Hu/legalfunnel/internal/identity"
	"github.com/suPer8Hu/legalfunnel/internal/ledger"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
	"github.com/suPer8Hu/legalfunnel/internal/metrics"
	"github.com/suPer8Hu/legalfunnel/internal/payment"
	"github.com/suPer8Hu/legalfunnel/internal/testutil"
)

const opsEmail = "ops@cabinet.example"

var fixedNow = time.Date(2026, 3, 12, 14, 0, 0, 0, time.UTC)

type fakeAssistant struct {
	mu      sync.Mutex
	replies []string
	err     error
	asked   []string
	threads int
}

func (f *fakeAssistant) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.threads++
	return fmt.Sprintf("thread_%d", f.threads), nil
}

func (f *fakeAssistant) Ask(_ context.Context, _, text, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.asked = append(f.asked, text)
	if len(f.replies) == 0 {
		return "Merci, question suivante.", nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

type fakePayments struct {
	mu        sync.Mutex
	intents   map[string]*payment.Intent
	createErr error
}

func newFakePayments() *fakePayments {
	return &fakePayments{intents: map[string]*payment.Intent{}}
}

func (f *fakePayments) CreateIntent(_ context.Context, amount int64, sessionUUID, tier string) (*payment.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	id := fmt.Sprintf("pi_%d", len(f.intents)+1)
	in := &payment.Intent{
		ID:           id,
		Amount:       amount,
		Currency:     "eur",
		Status:       "requires_payment_method",
		ClientSecret: id + "_secret",
		Metadata:     map[string]string{"session_uuid": sessionUUID, "tier": tier},
	}
	f.intents[id] = in
	return in, nil
}

func (f *fakePayments) GetIntent(_ context.Context, id string) (*payment.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[id]
	if !ok {
		return nil, errors.New("no such payment_intent")
	}
	cp := *in
	return &cp, nil
}

func (f *fakePayments) Currency() string { return "eur" }

func (f *fakePayments) succeed(id, receipt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents[id].Status = payment.StatusSucceeded
	f.intents[id].ReceiptEmail = receipt
}

type countingProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingProvider) Chat(_ context.Context, msgs []ai.Message) (ai.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return ai.Completion{}, p.err
	}
	return ai.Completion{Content: "Réponse: " + msgs[len(msgs)-1].Content, Tokens: 9}, nil
}

func (p *countingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type sentMail struct{ to, subject, body string }

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeSender) Send(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

func (f *fakeSender) to(addr string) []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMail
	for _, m := range f.sent {
		if m.to == addr {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	db        *gorm.DB
	orch      *Orchestrator
	led       *ledger.Ledger
	agg       *metrics.Aggregator
	users     *identity.Store
	cache     *answercache.Cache
	assistant *fakeAssistant
	payments  *fakePayments
	model     *countingProvider
	mail      *fakeSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	models := append(ledger.Models(), chat.Models()...)
	models = append(models, &identity.User{}, &answercache.Entry{}, &metrics.DailyStatistic{})
	db := testutil.OpenSQLite(t, models...)
	clock := func() time.Time { return fixedNow }
	log := logger.NewNop()

	agg := metrics.NewAggregator(db).WithClock(clock)
	led := ledger.New(db, agg, log).WithClock(clock)
	cache := answercache.New(db, time.Hour).WithClock(clock)
	users := identity.NewStore(db, log, bcrypt.MinCost)

	model := &countingProvider{}
	reg := ai.NewRegistry("fake")
	reg.Register("fake", "test", func(context.Context, string) (ai.Provider, error) { return model, nil })
	conv := chat.NewService(chat.NewRepo(db), reg, chat.Options{Provider: "fake", Model: "test", ContextWindowSize: 10})

	h := &harness{
		db:        db,
		led:       led,
		agg:       agg,
		users:     users,
		cache:     cache,
		assistant: &fakeAssistant{},
		payments:  newFakePayments(),
		model:     model,
		mail:      &fakeSender{},
	}
	h.orch = New(Deps{
		Ledger:        led,
		Cache:         cache,
		Conversations: conv,
		Users:         users,
		Assistant:     h.assistant,
		Payments:      h.payments,
		Dispatcher:    analysis.NewMailer(led, h.mail, opsEmail, "eur", log),
	}, Options{QuestionnaireSteps: 3, RetryBackoff: time.Millisecond}, log)
	return h
}

func (h *harness) today(t *testing.T) metrics.Report {
	t.Helper()
	r, err := h.agg.Day(context.Background(), fixedNow)
	require.NoError(t, err)
	return r
}
