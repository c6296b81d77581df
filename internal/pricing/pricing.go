package pricing

import (
	"context"
	"log"
	"time"

	"cryptosettle/internal/metrics"
	"cryptosettle/internal/models"

	"github.com/shopspring/decimal"
)

// Strategy is one price source. Rate returns the crypto price denominated in
// the fiat currency, or an error to hand off to the next strategy.
type Strategy interface {
	Name() string
	Rate(ctx context.Context, fiatCcy, cryptoCcy string) (decimal.Decimal, error)
}

// Oracle tries its strategies in order until one yields a rate. The last
// strategy is the static emergency table, so Convert never fails.
type Oracle struct {
	strategies []Strategy
}

func NewOracle(strategies ...Strategy) *Oracle {
	return &Oracle{strategies: strategies}
}

// Default builds the production chain: market ticker, ledger rate service,
// static table.
func Default(marketURL, rateURL string) *Oracle {
	return NewOracle(
		NewMarketTicker(marketURL),
		NewLedgerRate(rateURL),
		StaticTable{},
	)
}

const amountScale = 8

// Convert prices fiatAmount of fiatCcy in cryptoCcy units, rounded to 8
// decimal places. Degraded sources are visible through Quote.Source.
func (o *Oracle) Convert(ctx context.Context, fiatAmount decimal.Decimal, fiatCcy, cryptoCcy string) models.ConversionQuote {
	for _, s := range o.strategies {
		rate, err := s.Rate(ctx, fiatCcy, cryptoCcy)
		if err != nil || !rate.IsPositive() {
			log.Printf("pricing: source=%s %s/%s failed: %v", s.Name(), cryptoCcy, fiatCcy, err)
			metrics.PriceSourceFallbacks.Inc()
			continue
		}
		return models.ConversionQuote{
			Amount:    fiatAmount.DivRound(rate, amountScale),
			Rate:      rate,
			Source:    s.Name(),
			Timestamp: time.Now().UTC(),
		}
	}

	// Unreachable with StaticTable last, kept for oracles built without it.
	rate := StaticTable{}.rateFor(cryptoCcy)
	return models.ConversionQuote{
		Amount:    fiatAmount.DivRound(rate, amountScale),
		Rate:      rate,
		Source:    staticSource,
		Timestamp: time.Now().UTC(),
	}
}
