package orders

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"cryptosettle/internal/metrics"
	"cryptosettle/internal/models"
	"cryptosettle/internal/registry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingServerID  = errors.New("missing server id")
	ErrMissingBuyerID   = errors.New("missing buyer id")
	ErrNoItems          = errors.New("order has no items")
	ErrBadPaymentMethod = errors.New("unsupported payment method")
)

type Store interface {
	InsertOrder(ctx context.Context, order *models.PaymentOrder) error
	GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error)
}

type Converter interface {
	Convert(ctx context.Context, fiatAmount decimal.Decimal, fiatCcy, cryptoCcy string) models.ConversionQuote
}

type Provisioner interface {
	EnsureVirtualAccount(ctx context.Context, ownerID, currency string) (string, error)
	GenerateDepositAddress(ctx context.Context, currency, accountID, orderID string) (models.CryptoInfo, error)
}

type Subscriber interface {
	CreateSubscription(ctx context.Context, address, chainID, callbackURL string) (string, error)
}

// FiatCheckout opens an external checkout session for fiat-paid orders.
type FiatCheckout interface {
	CreateSession(ctx context.Context, order *models.PaymentOrder) (string, error)
}

type Service struct {
	Store       Store
	Oracle      Converter
	Wallet      Provisioner
	Subs        Subscriber
	Fiat        FiatCheckout
	Registry    *registry.Registry
	Sandbox     bool
	TTL         time.Duration
	CallbackURL string
}

type CreateOrderInput struct {
	ServerID string
	BuyerID  string
	Items    []models.LineItem
	Method   models.PaymentMethod
	Currency string
}

// CreateOrder builds a fully payable order synchronously: quote, ledger
// account, deposit address and webhook subscription are resolved before it is
// returned. Provider outages degrade the crypto setup instead of failing the
// purchase.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.PaymentOrder, error) {
	if in.ServerID == "" {
		return nil, ErrMissingServerID
	}
	if in.BuyerID == "" {
		return nil, ErrMissingBuyerID
	}
	if len(in.Items) == 0 {
		return nil, ErrNoItems
	}
	if in.Method != models.MethodCrypto && in.Method != models.MethodFiat {
		return nil, ErrBadPaymentMethod
	}

	fiatTotal, fiatCcy := itemsTotal(in.Items)
	now := time.Now().UTC()
	order := &models.PaymentOrder{
		OrderID:        uuid.NewString(),
		ServerID:       in.ServerID,
		BuyerID:        in.BuyerID,
		Items:          in.Items,
		PaymentMethod:  in.Method,
		Status:         models.OrderPending,
		ReceivedAmount: decimal.Zero,
		ExpiresAt:      now.Add(s.TTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	switch in.Method {
	case models.MethodCrypto:
		s.setupCrypto(ctx, order, fiatTotal, fiatCcy, strings.ToUpper(in.Currency))
	case models.MethodFiat:
		order.ExpectedAmount = fiatTotal
		order.SettlementCurrency = fiatCcy
		s.setupFiat(ctx, order)
	}

	if err := s.Store.InsertOrder(ctx, order); err != nil {
		return nil, err
	}
	metrics.OrdersCreated.WithLabelValues(string(in.Method)).Inc()
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	return s.Store.GetOrder(ctx, orderID)
}

// setupCrypto prices the order and attaches a deposit address. The quote is
// provenance; ExpectedAmount fixed here is what settlement compares against.
func (s *Service) setupCrypto(ctx context.Context, order *models.PaymentOrder, fiatTotal decimal.Decimal, fiatCcy, currency string) {
	quote := s.Oracle.Convert(ctx, fiatTotal, fiatCcy, currency)
	order.ExpectedAmount = quote.Amount
	order.SettlementCurrency = currency
	order.Quote = &quote

	accountID, err := s.Wallet.EnsureVirtualAccount(ctx, order.ServerID, currency)
	if err != nil {
		log.Printf("orders: ledger account unavailable order=%s currency=%s: %v", order.OrderID, currency, err)
	}

	info, err := s.Wallet.GenerateDepositAddress(ctx, currency, accountID, order.OrderID)
	if err != nil {
		log.Printf("orders: crypto setup failed order=%s currency=%s: %v", order.OrderID, currency, err)
		order.Crypto = &models.CryptoInfo{
			Chain:         s.Registry.Resolve(currency).ChainID(s.Sandbox),
			AddressSource: models.AddressSourceFailed,
		}
		return
	}
	order.Crypto = &info

	if s.Subs == nil || s.CallbackURL == "" || info.AddressSource != models.AddressSourceProvider {
		return
	}
	subID, err := s.Subs.CreateSubscription(ctx, info.Address, info.Chain, s.CallbackURL)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("create_subscription").Inc()
		log.Printf("orders: webhook subscription failed order=%s address=%s, relying on polling: %v", order.OrderID, info.Address, err)
		return
	}
	order.WebhookSubID = &subID
}

func (s *Service) setupFiat(ctx context.Context, order *models.PaymentOrder) {
	if s.Fiat == nil {
		return
	}
	sessionID, err := s.Fiat.CreateSession(ctx, order)
	if err != nil {
		log.Printf("orders: fiat checkout session failed order=%s: %v", order.OrderID, err)
		return
	}
	order.CheckoutSessionID = &sessionID
}

// itemsTotal sums the snapshotted line items. All items on one order share a
// price currency; the first item's currency wins, defaulting to USD.
func itemsTotal(items []models.LineItem) (decimal.Decimal, string) {
	total := decimal.Zero
	ccy := "USD"
	for i, item := range items {
		if i == 0 && item.Currency != "" {
			ccy = item.Currency
		}
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(qty))))
	}
	return total, ccy
}
