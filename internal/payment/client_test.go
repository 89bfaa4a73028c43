package payment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/legalfunnel/internal/ledger"
)

func TestCreateIntent_SendsFormAndMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "4900", r.PostForm.Get("amount"))
		assert.Equal(t, "eur", r.PostForm.Get("currency"))
		assert.Equal(t, "uuid-1", r.PostForm.Get("metadata[session_uuid]"))
		assert.Equal(t, "premium", r.PostForm.Get("metadata[tier]"))
		assert.Equal(t, "true", r.PostForm.Get("automatic_payment_methods[enabled]"))
		assert.Equal(t, "intent-uuid-1-premium", r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"id":"pi_1","amount":4900,"currency":"eur","status":"requires_payment_method",` +
			`"client_secret":"pi_1_secret","metadata":{"session_uuid":"uuid-1","tier":"premium"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test", "EUR")
	intent, err := c.CreateIntent(context.Background(), 4900, "uuid-1", "premium")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", intent.ID)
	assert.Equal(t, "pi_1_secret", intent.ClientSecret)
	assert.Equal(t, "uuid-1", intent.SessionUUID())
}

func TestGetIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/payment_intents/pi_9", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"pi_9","amount":2900,"currency":"eur","status":"succeeded","metadata":{"session_uuid":"u"}}`))
	}))
	defer srv.Close()

	intent, err := NewClient(srv.URL, "sk", "eur").GetIntent(context.Background(), "pi_9")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, intent.Status)
	assert.EqualValues(t, 2900, intent.Amount)
}

func TestGetIntent_ProcessorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"No such payment_intent","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "sk", "eur").GetIntent(context.Background(), "pi_x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such payment_intent")

	_, err = NewClient(srv.URL, "sk", "eur").GetIntent(context.Background(), "../charges")
	assert.EqualError(t, err, "invalid intent id")
}

func TestPricing(t *testing.T) {
	p, err := PriceCents(ledger.TierClassique)
	require.NoError(t, err)
	assert.EqualValues(t, 2900, p)
	p, err = PriceCents(ledger.TierPremium)
	require.NoError(t, err)
	assert.EqualValues(t, 4900, p)
	_, err = PriceCents("gold")
	require.Error(t, err)

	assert.Equal(t, "29.00 EUR", FormatAmount(2900, "eur"))
	assert.Equal(t, "0.05 EUR", FormatAmount(5, "eur"))
}
