// Package payment creates and re-reads payment intents on a Stripe-compatible
// processor.
package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

const StatusSucceeded = string(stripe.PaymentIntentStatusSucceeded)

// Intent is the part of a processor payment intent the funnel reads.
type Intent struct {
	ID           string            `json:"id"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Status       string            `json:"status"`
	ClientSecret string            `json:"client_secret"`
	ReceiptEmail string            `json:"receipt_email"`
	Metadata     map[string]string `json:"metadata"`
}

func (i *Intent) SessionUUID() string { return i.Metadata["session_uuid"] }

type Client struct {
	intents  paymentintent.Client
	currency string
}

func NewClient(baseURL, secretKey, currency string) *Client {
	if baseURL == "" {
		baseURL = stripe.APIURL
	}
	if currency == "" {
		currency = "eur"
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:        stripe.String(strings.TrimRight(baseURL, "/")),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		// the orchestrator owns retries
		MaxNetworkRetries: stripe.Int64(0),
	})
	return &Client{
		intents:  paymentintent.Client{B: backend, Key: secretKey},
		currency: strings.ToLower(currency),
	}
}

func (c *Client) Currency() string { return c.currency }

// CreateIntent opens a payment intent tagged with the funnel session uuid.
func (c *Client) CreateIntent(ctx context.Context, amountCents int64, sessionUUID, tier string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(c.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("session_uuid", sessionUUID)
	params.AddMetadata("tier", tier)
	// retries of the same funnel step reuse the processor-side intent
	params.SetIdempotencyKey("intent-" + sessionUUID + "-" + tier)

	pi, err := c.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("processor: create intent: %w", err)
	}
	return fromStripe(pi), nil
}

// GetIntent re-reads an intent from the processor; client-supplied status is
// never trusted.
func (c *Client) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	if intentID == "" || strings.ContainsAny(intentID, "/?#.") {
		return nil, fmt.Errorf("invalid intent id")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := c.intents.Get(intentID, params)
	if err != nil {
		return nil, fmt.Errorf("processor: get intent: %w", err)
	}
	return fromStripe(pi), nil
}

func fromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
		ReceiptEmail: pi.ReceiptEmail,
		Metadata:     pi.Metadata,
	}
}
