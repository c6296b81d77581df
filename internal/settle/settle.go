package settle

import (
	"context"
	"errors"
	"log"
	"time"

	"cryptosettle/internal/metrics"
	"cryptosettle/internal/models"

	"github.com/shopspring/decimal"
)

// ErrNotYetExpired is returned when Expire is called before the order's
// deadline has passed.
var ErrNotYetExpired = errors.New("order has not expired yet")

// Store is the persistence surface of the state machine. Every transition
// goes through ConditionalUpdateStatus; a false return means a concurrent
// writer won and the attempt is a no-op.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error)
	ConditionalUpdateStatus(ctx context.Context, orderID string, expected []models.OrderStatus, next models.OrderStatus, received *decimal.Decimal, txHash *string) (bool, error)
	ClearWebhookSubscription(ctx context.Context, orderID string) error
}

// Fulfiller delivers the purchased goods once an order is paid. Failures do
// not revert the paid status; they are logged and retried externally.
type Fulfiller interface {
	Fulfill(ctx context.Context, order *models.PaymentOrder) error
}

// SubscriptionRevoker tears down an order's webhook subscription.
type SubscriptionRevoker interface {
	DeleteSubscription(ctx context.Context, subscriptionID string) error
}

type Result struct {
	Applied   bool
	NewStatus models.OrderStatus
}

type StateMachine struct {
	Store         Store
	Fulfiller     Fulfiller
	Subscriptions SubscriptionRevoker
}

var openStatuses = []models.OrderStatus{models.OrderPending, models.OrderReceived}

// Settle applies the exact-or-greater sufficiency policy to an observed
// amount. Sufficient payment moves the order to paid and fires fulfillment
// exactly once; underpayment records partial funds and leaves the order open.
// Settling an order that is already paid or terminal is a no-op.
func (m *StateMachine) Settle(ctx context.Context, orderID string, observed decimal.Decimal, txHash string) (Result, error) {
	order, err := m.Store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !order.Status.Open() {
		log.Printf("settle: order=%s already %s, ignoring observation", orderID, order.Status)
		return Result{NewStatus: order.Status}, nil
	}

	var tx *string
	if txHash != "" {
		tx = &txHash
	}

	if observed.Cmp(order.ExpectedAmount) >= 0 {
		applied, err := m.Store.ConditionalUpdateStatus(ctx, orderID, openStatuses, models.OrderPaid, &observed, tx)
		if err != nil {
			return Result{}, err
		}
		if !applied {
			log.Printf("settle: order=%s lost paid transition to concurrent writer", orderID)
			return Result{NewStatus: order.Status}, nil
		}
		metrics.SettlementsApplied.WithLabelValues(string(models.OrderPaid)).Inc()
		log.Printf("settle: order=%s -> paid amount=%s tx=%s", orderID, observed, txHash)

		order.Status = models.OrderPaid
		order.ReceivedAmount = observed
		order.TxHash = tx
		m.fulfill(order)
		return Result{Applied: true, NewStatus: models.OrderPaid}, nil
	}

	// Partial funds. receivedAmount is monotone: a poll observing less than
	// an earlier webhook must not shrink it.
	received := decimal.Max(order.ReceivedAmount, observed)
	applied, err := m.Store.ConditionalUpdateStatus(ctx, orderID, openStatuses, models.OrderReceived, &received, tx)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{NewStatus: order.Status}, nil
	}
	metrics.SettlementsApplied.WithLabelValues(string(models.OrderReceived)).Inc()
	log.Printf("settle: order=%s -> received amount=%s expected=%s", orderID, received, order.ExpectedAmount)
	return Result{Applied: true, NewStatus: models.OrderReceived}, nil
}

// Cancel is valid only while the order is open. It revokes the webhook
// subscription before the conditional update; revocation failures do not
// block the cancel.
func (m *StateMachine) Cancel(ctx context.Context, orderID string) (Result, error) {
	order, err := m.Store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !order.Status.Open() {
		return Result{NewStatus: order.Status}, nil
	}

	m.revokeSubscription(ctx, order)

	applied, err := m.Store.ConditionalUpdateStatus(ctx, orderID, openStatuses, models.OrderCancelled, nil, nil)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{NewStatus: order.Status}, nil
	}
	metrics.SettlementsApplied.WithLabelValues(string(models.OrderCancelled)).Inc()
	return Result{Applied: true, NewStatus: models.OrderCancelled}, nil
}

// Expire moves an open order past its deadline to expired. Racing settles
// are resolved by the conditional update; the loser is a silent no-op.
func (m *StateMachine) Expire(ctx context.Context, orderID string, now time.Time) (Result, error) {
	order, err := m.Store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !order.Status.Open() {
		return Result{NewStatus: order.Status}, nil
	}
	if now.Before(order.ExpiresAt) {
		return Result{NewStatus: order.Status}, ErrNotYetExpired
	}

	m.revokeSubscription(ctx, order)

	applied, err := m.Store.ConditionalUpdateStatus(ctx, orderID, openStatuses, models.OrderExpired, nil, nil)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{NewStatus: order.Status}, nil
	}
	metrics.SettlementsApplied.WithLabelValues(string(models.OrderExpired)).Inc()
	return Result{Applied: true, NewStatus: models.OrderExpired}, nil
}

func (m *StateMachine) revokeSubscription(ctx context.Context, order *models.PaymentOrder) {
	if m.Subscriptions == nil || order.WebhookSubID == nil {
		return
	}
	if err := m.Subscriptions.DeleteSubscription(ctx, *order.WebhookSubID); err != nil {
		metrics.ProviderErrors.WithLabelValues("delete_subscription").Inc()
		log.Printf("settle: order=%s webhook revocation failed: %v", order.OrderID, err)
		return
	}
	if err := m.Store.ClearWebhookSubscription(ctx, order.OrderID); err != nil {
		log.Printf("settle: order=%s clearing webhook sub failed: %v", order.OrderID, err)
	}
}

// fulfill hands the paid order to the fulfiller in the background. Success
// promotes paid to completed; failure leaves the order paid for an external
// retry.
func (m *StateMachine) fulfill(order *models.PaymentOrder) {
	if m.Fulfiller == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := m.Fulfiller.Fulfill(ctx, order); err != nil {
			metrics.FulfillmentFailures.Inc()
			log.Printf("settle: order=%s fulfillment failed, order stays paid: %v", order.OrderID, err)
			return
		}
		applied, err := m.Store.ConditionalUpdateStatus(ctx, order.OrderID, []models.OrderStatus{models.OrderPaid}, models.OrderCompleted, nil, nil)
		if err != nil {
			log.Printf("settle: order=%s completion update failed: %v", order.OrderID, err)
			return
		}
		if applied {
			metrics.SettlementsApplied.WithLabelValues(string(models.OrderCompleted)).Inc()
		}
	}()
}
