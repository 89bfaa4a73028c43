package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/suPer8Hu/legalfunnel/internal/apperr"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
	"github.com/suPer8Hu/legalfunnel/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := testutil.OpenSQLite(t, &User{})
	return NewStore(db, logger.NewNop(), bcrypt.MinCost)
}

func TestRegister_HashesAndRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, err := s.Register(ctx, "Jean", " Jean@Example.com ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "jean@example.com", u.Email)
	assert.NotContains(t, u.PasswordHash, "correct horse")
	assert.Equal(t, TierFree, u.Tier)

	_, err = s.Register(ctx, "Other", "jean@example.com", "another pass")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateEmail))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestRegister_Validation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Register(context.Background(), "x", "nope", "long enough")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = s.Register(context.Background(), "x", "a@b.fr", "short")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestAuthenticate_DoesNotLeakWhichPartFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Register(ctx, "Jean", "jean@example.com", "correct horse")
	require.NoError(t, err)

	u, err := s.Authenticate(ctx, "JEAN@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "jean@example.com", u.Email)

	_, errWrongPw := s.Authenticate(ctx, "jean@example.com", "bad horse")
	_, errUnknown := s.Authenticate(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, errWrongPw, ErrAuthFailure)
	assert.ErrorIs(t, errUnknown, ErrAuthFailure)
	assert.Equal(t, errWrongPw.Error(), errUnknown.Error())
}

func TestQuestionUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Register(ctx, "Jean", "jean@example.com", "correct horse")
	require.NoError(t, err)

	require.NoError(t, s.IncrementQuestionUsage(ctx, "jean@example.com"))
	require.NoError(t, s.IncrementQuestionUsage(ctx, "jean@example.com"))
	u, err := s.GetByEmail(ctx, "jean@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, u.QuestionsUsed)
	assert.NotNil(t, u.LastQuestionAt)

	require.NoError(t, s.ResetQuestionUsage(ctx, "jean@example.com"))
	u, err = s.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, u.QuestionsUsed)
}

func TestQuestionUsage_UnknownUserIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.IncrementQuestionUsage(context.Background(), "ghost@example.com"))
	assert.NoError(t, s.ResetQuestionUsage(context.Background(), "ghost@example.com"))
}
