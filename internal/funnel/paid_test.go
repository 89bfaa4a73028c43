package funnel

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/legalfunnel/internal/apperr"
	"github.com/suPer8Hu/legalfunnel/internal/ledger"
)

func TestFunnel_EndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.assistant.replies = []string{"Quel âge a votre enfant ?", "Merci, je note votre adresse."}

	start, err := h.orch.StartFunnel(ctx)
	require.NoError(t, err)
	id := start.SessionUUID
	assert.Equal(t, ledger.StageQuestionnaire, start.Stage)

	reply, err := h.orch.SendFunnelMessage(ctx, id, "j'ai un enfant")
	require.NoError(t, err)
	assert.Equal(t, "Quel âge a votre enfant ?", reply.Reply)
	assert.Equal(t, 1, reply.Step)
	assert.False(t, reply.EmailCaptured)
	assert.Equal(t, int64(1), h.today(t).FirstMessages)

	reply, err = h.orch.SendFunnelMessage(ctx, id, "vous pouvez m'écrire à jean@example.com")
	require.NoError(t, err)
	assert.True(t, reply.EmailCaptured)
	assert.Equal(t, ledger.StatusEmailCaptured, reply.Status)

	r, err := h.led.Resolve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.LocationUnpaid, r.Location)
	require.NotNil(t, r.Unpaid.Email)
	assert.Equal(t, "jean@example.com", *r.Unpaid.Email)
	assert.Equal(t, int64(1), h.today(t).EmailsCollected)

	intent, err := h.orch.CreatePayment(ctx, id, ledger.TierClassique)
	require.NoError(t, err)
	assert.Equal(t, int64(2900), intent.AmountCents)
	assert.Equal(t, "29.00 EUR", intent.Display)
	assert.NotEmpty(t, intent.ClientSecret)

	r, err = h.led.Resolve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.LocationUnpaid, r.Location, "intent creation does not move the session")
	assert.Equal(t, 1, r.Unpaid.PaymentAttempts)

	h.payments.succeed(intent.IntentID, "")
	res, err := h.orch.VerifyPayment(ctx, id, intent.IntentID, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, res.Status)
	assert.Equal(t, "jean@example.com", res.Email)
	assert.True(t, res.AnalysisQueued)

	r, err = h.led.Resolve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.LocationPaid, r.Location)
	assert.True(t, r.Paid.Paid)
	assert.True(t, r.Paid.AnalysisEmailSent)
	assert.Equal(t, int64(1), h.today(t).PaymentsCompleted)

	ops := h.mail.to(opsEmail)
	require.Len(t, ops, 1)
	for _, line := range []string{"j'ai un enfant", "Quel âge a votre enfant ?", "vous pouvez m'écrire à jean@example.com", "Merci, je note votre adresse."} {
		assert.Contains(t, ops[0].body, line)
	}
	assert.Len(t, h.mail.to("jean@example.com"), 1)
}

func TestSendFunnelMessage_AssistantFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	start, err := h.orch.StartFunnel(ctx)
	require.NoError(t, err)

	h.assistant.err = errors.New("run failed")
	_, err = h.orch.SendFunnelMessage(ctx, start.SessionUUID, "je suis marie@example.com")
	require.ErrorIs(t, err, ErrAssistantUnavailable)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))

	msgs, err := h.led.Transcript(ctx, start.SessionUUID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	r, err := h.led.Resolve(ctx, start.SessionUUID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LocationPaid, r.Location)
	assert.Equal(t, 0, r.Paid.QuestionnaireStep)
	assert.False(t, r.Paid.FirstMessageSent)

	rep := h.today(t)
	assert.Zero(t, rep.FirstMessages)
	assert.Zero(t, rep.EmailsCollected)
}

func TestStartFunnel_AssistantDown(t *testing.T) {
	h := newHarness(t)
	h.assistant.err = errors.New("dial tcp: timeout")

	_, err := h.orch.StartFunnel(context.Background())
	require.ErrorIs(t, err, ErrAssistantUnavailable)

	var n int64
	require.NoError(t, h.db.Model(&ledger.PaidSession{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestSendFunnelMessage_UnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.SendFunnelMessage(context.Background(), uuid.NewString(), "bonjour")
	assert.ErrorIs(t, err, ledger.ErrSessionNotFound)
}

func TestQuestionnaire_StagesThroughOfferAndComments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	start, err := h.orch.StartFunnel(ctx)
	require.NoError(t, err)
	id := start.SessionUUID

	_, err = h.orch.ChooseOffer(ctx, id, ledger.TierPremium)
	require.ErrorIs(t, err, ErrWrongStage)

	var last *FunnelReply
	for _, text := range []string{"licenciement", "il y a deux mois", "CDI"} {
		last, err = h.orch.SendFunnelMessage(ctx, id, text)
		require.NoError(t, err)
	}
	assert.Equal(t, ledger.StageAwaitingOffer, last.Stage)
	assert.Equal(t, 3, last.Step)

	_, err = h.orch.SendFunnelMessage(ctx, id, "encore une chose")
	require.ErrorIs(t, err, ErrWrongStage)

	_, err = h.orch.ChooseOffer(ctx, id, ledger.Tier("gold"))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	offer, err := h.orch.ChooseOffer(ctx, id, ledger.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, ledger.StageAwaitingComments, offer.Stage)
	assert.True(t, offer.CommentsRequested)
	assert.NotEmpty(t, offer.Reply)

	_, err = h.orch.SubmitComments(ctx, id, "  ", false)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	done, err := h.orch.SubmitComments(ctx, id, "Mon employeur refuse tout dialogue.", false)
	require.NoError(t, err)
	assert.True(t, done.ReadyForPayment)
	assert.Equal(t, ledger.StageReadyForPayment, done.Stage)

	r, err := h.led.Resolve(ctx, id)
	require.NoError(t, err)
	st := r.State()
	require.NotNil(t, st.Tier)
	assert.Equal(t, ledger.TierPremium, *st.Tier)
	require.NotNil(t, st.Comments)
	assert.Equal(t, "Mon employeur refuse tout dialogue.", *st.Comments)
	assert.Equal(t, "licenciement", st.Answers["1"])
	assert.Equal(t, "CDI", st.Answers["3"])
}

func TestQuestionnaire_CompletionMarkerEndsEarly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.assistant.replies = []string{"J'ai tout ce qu'il me faut. [QUESTIONNAIRE_COMPLETE]"}
	start, err := h.orch.StartFunnel(ctx)
	require.NoError(t, err)

	reply, err := h.orch.SendFunnelMessage(ctx, start.SessionUUID, "voici tout mon dossier")
	require.NoError(t, err)
	assert.Equal(t, ledger.StageAwaitingOffer, reply.Stage)
	assert.Equal(t, "J'ai tout ce qu'il me faut.", reply.Reply)
}

func TestSubmitComments_SkipAndEmailCapture(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.assistant.replies = []string{"[QUESTIONNAIRE_COMPLETE]"}
	start, err := h.orch.StartFunnel(ctx)
	require.NoError(t, err)
	id := start.SessionUUID
	_, err = h.orch.SendFunnelMessage(ctx, id, "divorce")
	require.NoError(t, err)
	_, err = h.orch.ChooseOffer(ctx, id, ledger.TierClassique)
	require.NoError(t, err)

	res, err := h.orch.SubmitComments(ctx, id, "", true)
	require.NoError(t, err)
	assert.True(t, res.ReadyForPayment)

	res, err = h.orch.SubmitComments(ctx, id, "contactez paul@example.org", false)
	require.NoError(t, err)
	assert.True(t, res.EmailCaptured)

	r, err := h.led.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.LocationUnpaid, r.Location)
	assert.Equal(t, ledger.StageReadyForPayment, r.State().Stage)
}

func TestVerifyPayment_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	start, err := h.orch.StartFunnel(ctx)
	require.NoError(t, err)
	id := start.SessionUUID

	intent, err := h.orch.CreatePayment(ctx, id, ledger.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, int64(4900), intent.AmountCents)
	h.payments.succeed(intent.IntentID, "lea@example.com")

	for i := 0; i < 2; i++ {
		res, err := h.orch.VerifyPayment(ctx, id, intent.IntentID, "")
		require.NoError(t, err)
		assert.Equal(t, "lea@example.com", res.Email)
	}
	assert.Equal(t, int64(1), h.today(t).PaymentsCompleted)
	assert.Len(t, h.mail.to(opsEmail), 1)

	_, err = h.orch.CreatePayment(ctx, id, ledger.TierPremium)
	assert.ErrorIs(t, err, ledger.ErrAlreadyPaid)
}

func TestVerifyPayment_RejectsMismatchAndIncomplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, err := h.orch.StartFunnel(ctx)
	require.NoError(t, err)
	b, err := h.orch.StartFunnel(ctx)
	require.NoError(t, err)

	intent, err := h.orch.CreatePayment(ctx, a.SessionUUID, ledger.TierClassique)
	require.NoError(t, err)

	_, err = h.orch.VerifyPayment(ctx, a.SessionUUID, intent.IntentID, "")
	require.ErrorIs(t, err, ErrPaymentIncomplete)

	h.payments.succeed(intent.IntentID, "")
	_, err = h.orch.VerifyPayment(ctx, b.SessionUUID, intent.IntentID, "")
	require.ErrorIs(t, err, ledger.ErrPaymentMismatch)

	_, err = h.orch.VerifyPayment(ctx, a.SessionUUID, "pi_unknown", "")
	require.ErrorIs(t, err, ErrPaymentUnavailable)

	r, err := h.led.Resolve(ctx, b.SessionUUID)
	require.NoError(t, err)
	assert.False(t, r.State().Paid)
	assert.Zero(t, h.today(t).PaymentsCompleted)
}

func TestVerifyPayment_DispatchFailureKeepsPayment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mail.err = errors.New("smtp: 421 service not available")
	start, err := h.orch.StartFunnel(ctx)
	require.NoError(t, err)

	intent, err := h.orch.CreatePayment(ctx, start.SessionUUID, ledger.TierClassique)
	require.NoError(t, err)
	h.payments.succeed(intent.IntentID, "")

	res, err := h.orch.VerifyPayment(ctx, start.SessionUUID, intent.IntentID, "")
	require.NoError(t, err)
	assert.False(t, res.AnalysisQueued)

	r, err := h.led.Resolve(ctx, start.SessionUUID)
	require.NoError(t, err)
	assert.True(t, r.Paid.Paid)
	assert.False(t, r.Paid.AnalysisEmailSent)
}

func TestCreatePayment_ProcessorDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	start, err := h.orch.StartFunnel(ctx)
	require.NoError(t, err)
	h.payments.createErr = errors.New("503")

	_, err = h.orch.CreatePayment(ctx, start.SessionUUID, ledger.TierClassique)
	require.ErrorIs(t, err, ErrPaymentUnavailable)

	_, err = h.orch.CreatePayment(ctx, start.SessionUUID, ledger.Tier("vip"))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
