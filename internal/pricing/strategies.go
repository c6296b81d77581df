package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var errNoSymbol = errors.New("no symbol mapping for ticker")

// MarketTicker is the primary source: a last-price lookup against a market
// data endpoint keyed by trading symbol.
type MarketTicker struct {
	baseURL string
	client  *http.Client
}

func NewMarketTicker(baseURL string) *MarketTicker {
	return &MarketTicker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

func (m *MarketTicker) Name() string { return "market-ticker" }

// marketSymbols maps a crypto ticker to its quoted trading pair per fiat.
var marketSymbols = map[string]string{
	"BTC":   "BTCUSDT",
	"ETH":   "ETHUSDT",
	"LTC":   "LTCUSDT",
	"DOGE":  "DOGEUSDT",
	"MATIC": "MATICUSDT",
	"BNB":   "BNBUSDT",
	"SOL":   "SOLUSDT",
	"TRON":  "TRXUSDT",
	"XRP":   "XRPUSDT",
	"XLM":   "XLMUSDT",
	"ADA":   "ADAUSDT",
}

func (m *MarketTicker) Rate(ctx context.Context, fiatCcy, cryptoCcy string) (decimal.Decimal, error) {
	symbol, ok := marketSymbols[cryptoCcy]
	if !ok {
		return decimal.Zero, errNoSymbol
	}
	endpoint := m.baseURL + "/api/v3/ticker/price?symbol=" + url.QueryEscape(symbol)

	var resp struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := getJSON(ctx, m.client, endpoint, &resp); err != nil {
		return decimal.Zero, err
	}
	if !resp.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price for %s", symbol)
	}
	return resp.Price, nil
}

// LedgerRate is the secondary source: per-ticker rate from the custodial
// provider's rate service, quoted against a base fiat currency.
type LedgerRate struct {
	baseURL string
	client  *http.Client
}

func NewLedgerRate(baseURL string) *LedgerRate {
	return &LedgerRate{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

func (l *LedgerRate) Name() string { return "ledger-rate" }

func (l *LedgerRate) Rate(ctx context.Context, fiatCcy, cryptoCcy string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/rate/%s?basePair=%s",
		l.baseURL, url.PathEscape(cryptoCcy), url.QueryEscape(fiatCcy))

	var resp struct {
		Value decimal.Decimal `json:"value"`
	}
	if err := getJSON(ctx, l.client, endpoint, &resp); err != nil {
		return decimal.Zero, err
	}
	if !resp.Value.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive rate for %s", cryptoCcy)
	}
	return resp.Value, nil
}

const staticSource = "static-table"

// StaticTable is the emergency fallback. The rates are deliberately stale;
// Quote.Source lets operators audit orders priced through it.
type StaticTable struct{}

func (StaticTable) Name() string { return staticSource }

var staticRates = map[string]string{
	"BTC":   "60000",
	"ETH":   "2500",
	"LTC":   "80",
	"DOGE":  "0.12",
	"MATIC": "0.55",
	"BNB":   "550",
	"SOL":   "145",
	"TRON":  "0.12",
	"XRP":   "0.5",
	"XLM":   "0.1",
	"ADA":   "0.4",
}

// defaultStaticRate covers tickers missing from the table so the oracle
// contract (Convert never fails) holds for any input.
const defaultStaticRate = "1"

func (s StaticTable) Rate(ctx context.Context, fiatCcy, cryptoCcy string) (decimal.Decimal, error) {
	return s.rateFor(cryptoCcy), nil
}

func (s StaticTable) rateFor(cryptoCcy string) decimal.Decimal {
	v, ok := staticRates[cryptoCcy]
	if !ok {
		v = defaultStaticRate
	}
	return decimal.RequireFromString(v)
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("price http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("price http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
