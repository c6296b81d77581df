package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderReceived  OrderStatus = "received"
	OrderPaid      OrderStatus = "paid"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// Open reports whether the order can still accept payment.
func (s OrderStatus) Open() bool {
	return s == OrderPending || s == OrderReceived
}

func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled || s == OrderExpired
}

type PaymentMethod string

const (
	MethodCrypto PaymentMethod = "crypto"
	MethodFiat   PaymentMethod = "fiat"
)

// AddressSource marks where a deposit address came from. Local fallback
// addresses are generated when the custodial provider is unreachable and
// must be distinguishable in logs and support tooling.
const (
	AddressSourceProvider = "provider"
	AddressSourceLocal    = "local-fallback"
	AddressSourceFailed   = "setup-failed"
)

type LineItem struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Quantity int             `json:"quantity"`
}

type CryptoInfo struct {
	Address       string `json:"address"`
	Memo          string `json:"memo,omitempty"`
	Tag           string `json:"tag,omitempty"`
	AccountID     string `json:"accountId"`
	Chain         string `json:"chain"`
	AddressSource string `json:"addressSource"`
}

// ConversionQuote records how the expected amount was priced. It is
// provenance only; ExpectedAmount on the order is authoritative.
type ConversionQuote struct {
	Amount    decimal.Decimal `json:"amount"`
	Rate      decimal.Decimal `json:"rate"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

type PaymentOrder struct {
	OrderID            string
	ServerID           string
	BuyerID            string
	Items              []LineItem
	ExpectedAmount     decimal.Decimal
	SettlementCurrency string
	PaymentMethod      PaymentMethod
	Status             OrderStatus
	Crypto             *CryptoInfo
	Quote              *ConversionQuote
	ReceivedAmount     decimal.Decimal
	TxHash             *string
	WebhookSubID       *string
	CheckoutSessionID  *string
	ExpiresAt          time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// VirtualAccount is the custodial ledger account shared by all orders for
// one (owner, currency, chain) tuple.
type VirtualAccount struct {
	AccountID string
	OwnerID   string
	Currency  string
	Chain     string
	Revoked   bool
	CreatedAt time.Time
}
