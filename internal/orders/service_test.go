package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"cryptosettle/internal/models"
	"cryptosettle/internal/registry"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type memStore struct {
	orders map[string]*models.PaymentOrder
}

func (m *memStore) InsertOrder(ctx context.Context, o *models.PaymentOrder) error {
	m.orders[o.OrderID] = o
	return nil
}

func (m *memStore) GetOrder(ctx context.Context, id string) (*models.PaymentOrder, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return o, nil
}

type fixedOracle struct {
	rate string
}

func (f fixedOracle) Convert(ctx context.Context, fiatAmount decimal.Decimal, fiatCcy, cryptoCcy string) models.ConversionQuote {
	rate := decimal.RequireFromString(f.rate)
	return models.ConversionQuote{
		Amount:    fiatAmount.DivRound(rate, 8),
		Rate:      rate,
		Source:    "test",
		Timestamp: time.Now().UTC(),
	}
}

type fakeWallet struct {
	accountErr error
	addressErr error
	source     string
}

func (f *fakeWallet) EnsureVirtualAccount(ctx context.Context, ownerID, currency string) (string, error) {
	if f.accountErr != nil {
		return "", f.accountErr
	}
	return "acc-" + ownerID, nil
}

func (f *fakeWallet) GenerateDepositAddress(ctx context.Context, currency, accountID, orderID string) (models.CryptoInfo, error) {
	if f.addressErr != nil {
		return models.CryptoInfo{}, f.addressErr
	}
	source := f.source
	if source == "" {
		source = models.AddressSourceProvider
	}
	return models.CryptoInfo{
		Address:       "0xaddr-" + orderID,
		AccountID:     accountID,
		Chain:         "ethereum-mainnet",
		AddressSource: source,
	}, nil
}

type fakeSubs struct {
	err   error
	calls int
}

func (f *fakeSubs) CreateSubscription(ctx context.Context, address, chainID, callbackURL string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "sub-1", nil
}

type fakeFiat struct {
	err error
}

func (f *fakeFiat) CreateSession(ctx context.Context, order *models.PaymentOrder) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "cs_test_1", nil
}

func usdItem(name, price string) models.LineItem {
	return models.LineItem{Name: name, Price: decimal.RequireFromString(price), Currency: "USD", Quantity: 1}
}

func newService(w *fakeWallet, subs *fakeSubs) (*Service, *memStore) {
	st := &memStore{orders: map[string]*models.PaymentOrder{}}
	return &Service{
		Store:       st,
		Oracle:      fixedOracle{rate: "2500"},
		Wallet:      w,
		Subs:        subs,
		Registry:    registry.New(),
		TTL:         30 * time.Minute,
		CallbackURL: "https://shop.example/callbacks/payment",
	}, st
}

func TestCreateCryptoOrder(t *testing.T) {
	subs := &fakeSubs{}
	svc, st := newService(&fakeWallet{}, subs)

	order, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		ServerID: "shop-1",
		BuyerID:  "buyer-1",
		Items:    []models.LineItem{usdItem("sword", "10")},
		Method:   models.MethodCrypto,
		Currency: "eth",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if order.Status != models.OrderPending {
		t.Errorf("status = %s", order.Status)
	}
	if !order.ExpectedAmount.Equal(decimal.RequireFromString("0.004")) {
		t.Errorf("expected amount = %s, want 0.00400000", order.ExpectedAmount)
	}
	if order.SettlementCurrency != "ETH" {
		t.Errorf("currency = %s", order.SettlementCurrency)
	}
	if order.Crypto == nil || order.Crypto.Address == "" {
		t.Fatal("order must carry a deposit address")
	}
	if order.Crypto.AddressSource != models.AddressSourceProvider {
		t.Errorf("address source = %s", order.Crypto.AddressSource)
	}
	if order.WebhookSubID == nil || *order.WebhookSubID != "sub-1" {
		t.Errorf("subscription = %v", order.WebhookSubID)
	}
	if order.Quote == nil || order.Quote.Source != "test" {
		t.Errorf("quote = %+v", order.Quote)
	}
	if _, ok := st.orders[order.OrderID]; !ok {
		t.Error("order not persisted")
	}
	if got := time.Until(order.ExpiresAt); got < 29*time.Minute || got > 31*time.Minute {
		t.Errorf("ttl = %s", got)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _ := newService(&fakeWallet{}, &fakeSubs{})
	items := []models.LineItem{usdItem("sword", "10")}

	cases := []struct {
		name string
		in   CreateOrderInput
		want error
	}{
		{"missing server", CreateOrderInput{BuyerID: "b", Items: items, Method: models.MethodCrypto, Currency: "ETH"}, ErrMissingServerID},
		{"missing buyer", CreateOrderInput{ServerID: "s", Items: items, Method: models.MethodCrypto, Currency: "ETH"}, ErrMissingBuyerID},
		{"no items", CreateOrderInput{ServerID: "s", BuyerID: "b", Method: models.MethodCrypto, Currency: "ETH"}, ErrNoItems},
		{"bad method", CreateOrderInput{ServerID: "s", BuyerID: "b", Items: items, Method: "iou", Currency: "ETH"}, ErrBadPaymentMethod},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateOrder(context.Background(), tc.in); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreateOrderSubscriptionFailureIsNotFatal(t *testing.T) {
	subs := &fakeSubs{err: errors.New("subscription api down")}
	svc, _ := newService(&fakeWallet{}, subs)

	order, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		ServerID: "shop-1",
		BuyerID:  "buyer-1",
		Items:    []models.LineItem{usdItem("sword", "10")},
		Method:   models.MethodCrypto,
		Currency: "ETH",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.WebhookSubID != nil {
		t.Error("no subscription should be recorded")
	}
}

func TestCreateOrderNoSubscriptionForLocalAddress(t *testing.T) {
	subs := &fakeSubs{}
	svc, _ := newService(&fakeWallet{source: models.AddressSourceLocal}, subs)

	order, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		ServerID: "shop-1",
		BuyerID:  "buyer-1",
		Items:    []models.LineItem{usdItem("sword", "10")},
		Method:   models.MethodCrypto,
		Currency: "ETH",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if subs.calls != 0 {
		t.Error("provider does not know local fallback addresses; no subscription should be attempted")
	}
	if order.Crypto.AddressSource != models.AddressSourceLocal {
		t.Errorf("source = %s", order.Crypto.AddressSource)
	}
}

func TestCreateOrderDegradedCryptoSetupStillCreates(t *testing.T) {
	w := &fakeWallet{accountErr: errors.New("down"), addressErr: errors.New("no xpub")}
	svc, st := newService(w, &fakeSubs{})

	order, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		ServerID: "shop-1",
		BuyerID:  "buyer-1",
		Items:    []models.LineItem{usdItem("sword", "10")},
		Method:   models.MethodCrypto,
		Currency: "ETH",
	})
	if err != nil {
		t.Fatalf("creation must not be blocked by provisioning: %v", err)
	}
	if order.Crypto == nil || order.Crypto.AddressSource != models.AddressSourceFailed {
		t.Errorf("crypto = %+v, want setup-failed marker", order.Crypto)
	}
	if _, ok := st.orders[order.OrderID]; !ok {
		t.Error("order not persisted")
	}
}

func TestCreateFiatOrder(t *testing.T) {
	svc, _ := newService(&fakeWallet{}, &fakeSubs{})
	svc.Fiat = &fakeFiat{}

	order, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		ServerID: "shop-1",
		BuyerID:  "buyer-1",
		Items:    []models.LineItem{usdItem("sword", "10"), usdItem("shield", "5")},
		Method:   models.MethodFiat,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !order.ExpectedAmount.Equal(decimal.RequireFromString("15")) {
		t.Errorf("expected amount = %s", order.ExpectedAmount)
	}
	if order.SettlementCurrency != "USD" {
		t.Errorf("currency = %s", order.SettlementCurrency)
	}
	if order.CheckoutSessionID == nil || *order.CheckoutSessionID != "cs_test_1" {
		t.Errorf("session = %v", order.CheckoutSessionID)
	}
	if order.Crypto != nil {
		t.Error("fiat order must not carry crypto info")
	}
}
