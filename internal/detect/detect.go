package detect

import (
	"context"
	"errors"
	"log"
	"strings"

	"cryptosettle/internal/metrics"
	"cryptosettle/internal/models"
	"cryptosettle/internal/provider"
	"cryptosettle/internal/registry"
	"cryptosettle/internal/settle"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Store is the lookup surface the detector needs to resolve observations to
// orders.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error)
	FindOpenOrderByAddress(ctx context.Context, address, currency string) (*models.PaymentOrder, error)
}

// Settler is the single sink for all detection outcomes.
type Settler interface {
	Settle(ctx context.Context, orderID string, observed decimal.Decimal, txHash string) (settle.Result, error)
}

// ChainQuerier is the per-chain-family provider query surface.
type ChainQuerier interface {
	IncomingTransactions(ctx context.Context, chainID, address string) ([]provider.Transaction, error)
	AddressBalance(ctx context.Context, chainID, address string) (*provider.Balance, error)
}

// WebhookEvent is the normalized inbound push: either an HTTP webhook body or
// a provider stream message.
type WebhookEvent struct {
	Address  string
	Amount   decimal.Decimal
	TxID     string
	Currency string
	OrderID  string
}

// Observation is the chain-family-neutral poll result. Both provider response
// shapes normalize into it before any settlement logic runs.
type Observation struct {
	TotalReceived decimal.Decimal
	TxHash        string
}

type Detector struct {
	Store    Store
	Settler  Settler
	Chains   ChainQuerier
	Registry *registry.Registry
}

// IngestWebhook resolves the event to an open order and settles it. Events
// that resolve to nothing are expected (unsolicited or test traffic) and are
// dropped with an info log.
func (d *Detector) IngestWebhook(ctx context.Context, ev WebhookEvent) (settle.Result, error) {
	order, err := d.resolve(ctx, ev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.WebhooksIngested.WithLabelValues("unmatched").Inc()
			log.Printf("detect: webhook matched no open order address=%s currency=%s orderId=%s", ev.Address, ev.Currency, ev.OrderID)
			return settle.Result{}, nil
		}
		return settle.Result{}, err
	}

	metrics.WebhooksIngested.WithLabelValues("matched").Inc()
	return d.Settler.Settle(ctx, order.OrderID, ev.Amount, ev.TxID)
}

func (d *Detector) resolve(ctx context.Context, ev WebhookEvent) (*models.PaymentOrder, error) {
	if ev.OrderID != "" {
		return d.Store.GetOrder(ctx, ev.OrderID)
	}
	if ev.Address == "" {
		return nil, pgx.ErrNoRows
	}
	return d.Store.FindOpenOrderByAddress(ctx, ev.Address, strings.ToUpper(ev.Currency))
}

// PollAddress runs an on-demand detection pass for one order. Provider
// failures degrade to a zero observation; the caller still gets the last
// known order snapshot through the status query.
func (d *Detector) PollAddress(ctx context.Context, order *models.PaymentOrder) (settle.Result, error) {
	if order.Crypto == nil {
		return settle.Result{NewStatus: order.Status}, nil
	}
	metrics.AddressPolls.Inc()

	obs := d.observe(ctx, order)
	if !obs.TotalReceived.IsPositive() {
		return settle.Result{NewStatus: order.Status}, nil
	}
	return d.Settler.Settle(ctx, order.OrderID, obs.TotalReceived, obs.TxHash)
}

// observe dispatches to the chain family's query shape and normalizes the
// response. The state machine never sees a raw provider shape.
func (d *Detector) observe(ctx context.Context, order *models.PaymentOrder) Observation {
	cfg := d.Registry.Resolve(order.SettlementCurrency)

	switch cfg.Family {
	case registry.FamilyEVM:
		txs, err := d.Chains.IncomingTransactions(ctx, order.Crypto.Chain, order.Crypto.Address)
		if err != nil {
			metrics.ProviderErrors.WithLabelValues("incoming_transactions").Inc()
			log.Printf("detect: order=%s tx list query failed, treating as zero observed: %v", order.OrderID, err)
			return Observation{TotalReceived: decimal.Zero}
		}
		return sumIncoming(txs, order.Crypto.Address)
	default:
		bal, err := d.Chains.AddressBalance(ctx, order.Crypto.Chain, order.Crypto.Address)
		if err != nil {
			metrics.ProviderErrors.WithLabelValues("address_balance").Inc()
			log.Printf("detect: order=%s balance query failed, treating as zero observed: %v", order.OrderID, err)
			return Observation{TotalReceived: decimal.Zero}
		}
		return Observation{TotalReceived: bal.Incoming}
	}
}

func sumIncoming(txs []provider.Transaction, address string) Observation {
	total := decimal.Zero
	var candidate string
	for _, tx := range txs {
		if !strings.EqualFold(tx.To, address) {
			continue
		}
		total = total.Add(tx.Amount)
		if candidate == "" {
			candidate = tx.Hash
		}
	}
	return Observation{TotalReceived: total, TxHash: candidate}
}
