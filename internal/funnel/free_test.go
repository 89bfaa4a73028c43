package funnel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/legalfunnel/internal/answercache"
	"github.com/suPer8Hu/legalfunnel/internal/apperr"
	"github.com/suPer8Hu/legalfunnel/internal/chat"
	"github.com/suPer8Hu/legalfunnel/internal/identity"
)

func TestAskFree_QuotaBlocksWithoutModelCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	resp, err := h.orch.AskFree(ctx, FreeRequest{Question: "Mon bail est-il valable ?", QuestionsUsed: 0, AnonymousID: "anon-1"})
	require.NoError(t, err)
	assert.False(t, resp.RegisterPrompt)
	assert.Equal(t, 1, resp.QuestionsUsed)
	assert.Equal(t, 1, resp.Remaining)
	assert.NotEmpty(t, resp.SessionID)

	resp, err = h.orch.AskFree(ctx, FreeRequest{Question: "Et le dépôt de garantie ?", QuestionsUsed: 1, AnonymousID: "anon-1", SessionID: resp.SessionID})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.QuestionsUsed)
	assert.Equal(t, 0, resp.Remaining)
	require.Equal(t, 2, h.model.count())

	resp, err = h.orch.AskFree(ctx, FreeRequest{Question: "Une troisième question ?", QuestionsUsed: 2, AnonymousID: "anon-1"})
	require.NoError(t, err)
	assert.True(t, resp.RegisterPrompt)
	assert.Empty(t, resp.Answer)
	assert.Equal(t, 2, h.model.count(), "model must not be called past the quota")
}

func TestAskFree_RegisteredUserBypassesQuota(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u, err := h.users.Register(ctx, "Claire", "claire@example.com", "motdepasse1")
	require.NoError(t, err)

	uid := u.ID
	resp, err := h.orch.AskFree(ctx, FreeRequest{Question: "Comment contester une amende ?", QuestionsUsed: 99, UserID: &uid})
	require.NoError(t, err)
	assert.False(t, resp.RegisterPrompt)
	assert.Equal(t, -1, resp.Remaining)
	assert.Equal(t, 1, resp.QuestionsUsed)

	got, err := h.users.GetByID(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, 1, got.QuestionsUsed)
}

func TestAskFree_UnknownUser(t *testing.T) {
	h := newHarness(t)
	uid := uint64(4242)
	_, err := h.orch.AskFree(context.Background(), FreeRequest{Question: "Bonjour ?", UserID: &uid})
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestAskFree_CacheHitSkipsModel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.orch.AskFree(ctx, FreeRequest{Question: "Puis-je résilier mon bail ?", AnonymousID: "anon-a"})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := h.orch.AskFree(ctx, FreeRequest{Question: "  puis-je   RÉSILIER mon bail ? ", AnonymousID: "anon-b"})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, 1, h.model.count())

	var msgs []chat.Message
	require.NoError(t, h.db.Where("session_id = ?", second.SessionID).Order("id").Find(&msgs).Error)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].CacheHit)
}

type brokenCache struct{}

func (brokenCache) Lookup(context.Context, string) (*answercache.Entry, error) {
	return nil, errors.New("database is locked")
}

func (brokenCache) Store(context.Context, string, string) error {
	return errors.New("database is locked")
}

func TestAskFree_CacheFailureDegradesToMiss(t *testing.T) {
	h := newHarness(t)
	h.orch.cache = brokenCache{}

	resp, err := h.orch.AskFree(context.Background(), FreeRequest{Question: "Quel délai de préavis ?", AnonymousID: "anon-c"})
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, "Réponse: Quel délai de préavis ?", resp.Answer)
	assert.Equal(t, 1, h.model.count())
}

func TestAskFree_ModelFailureIsUpstream(t *testing.T) {
	h := newHarness(t)
	h.model.err = errors.New("connection refused")

	_, err := h.orch.AskFree(context.Background(), FreeRequest{Question: "Question ?", AnonymousID: "anon-d"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
}

func TestAskFree_RejectsEmptyAndOversized(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.AskFree(context.Background(), FreeRequest{Question: "   "})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	long := make([]rune, 4001)
	for i := range long {
		long[i] = 'a'
	}
	_, err = h.orch.AskFree(context.Background(), FreeRequest{Question: string(long)})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Zero(t, h.model.count())
}

func TestRetry_SurfacesExhaustedTransientAsUpstream(t *testing.T) {
	h := newHarness(t)
	calls := 0
	err := h.orch.retry(context.Background(), "op", func() error {
		calls++
		return apperr.TransientStore(errors.New("bad connection"))
	})
	assert.Equal(t, 3, calls)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))

	calls = 0
	err = h.orch.retry(context.Background(), "op", func() error {
		calls++
		if calls == 1 {
			return apperr.TransientStore(errors.New("bad connection"))
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestExtractEmail(t *testing.T) {
	assert.Equal(t, "jean@example.com", ExtractEmail("écrivez-moi à Jean@Example.com."))
	assert.Equal(t, "", ExtractEmail("pas d'adresse ici"))
}
