package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/suPer8Hu/legalfunnel/internal/ledger"
)

var tierPrices = map[ledger.Tier]int64{
	ledger.TierClassique: 2900,
	ledger.TierPremium:   4900,
}

// PriceCents returns the fixed price of a consultation tier.
func PriceCents(t ledger.Tier) (int64, error) {
	p, ok := tierPrices[t]
	if !ok {
		return 0, fmt.Errorf("unknown tier %q", t)
	}
	return p, nil
}

// FormatAmount renders cents for humans: 2900, "eur" -> "29.00 EUR".
func FormatAmount(cents int64, currency string) string {
	return decimal.New(cents, -2).StringFixed(2) + " " + strings.ToUpper(currency)
}
