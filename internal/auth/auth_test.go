package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret!", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret!", hash)
	assert.True(t, CheckPassword(hash, "s3cret!"))
	assert.False(t, CheckPassword(hash, "wrong"))
}

func TestHashPassword_InvalidCostFallsBack(t *testing.T) {
	hash, err := HashPassword("pw", 99)
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, DefaultCost, cost)
}

func TestJWTRoundTrip(t *testing.T) {
	tok, err := SignJWT(42, "jean@example.com", "k", time.Hour)
	require.NoError(t, err)

	uid, email, err := ParseJWT(tok, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 42, uid)
	assert.Equal(t, "jean@example.com", email)

	_, _, err = ParseJWT(tok, "other")
	assert.Error(t, err)
}

func TestJWTExpired(t *testing.T) {
	tok, err := SignJWT(1, "a@b.c", "k", -time.Minute)
	require.NoError(t, err)
	_, _, err = ParseJWT(tok, "k")
	assert.Error(t, err)
}
