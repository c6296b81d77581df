package settle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cryptosettle/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type memStore struct {
	mu     sync.Mutex
	orders map[string]*models.PaymentOrder
}

func newMemStore(orders ...*models.PaymentOrder) *memStore {
	m := &memStore{orders: map[string]*models.PaymentOrder{}}
	for _, o := range orders {
		m.orders[o.OrderID] = o
	}
	return m
}

func (m *memStore) GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) ConditionalUpdateStatus(ctx context.Context, orderID string, expected []models.OrderStatus, next models.OrderStatus, received *decimal.Decimal, txHash *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, nil
	}
	match := false
	for _, st := range expected {
		if o.Status == st {
			match = true
			break
		}
	}
	if !match {
		return false, nil
	}
	o.Status = next
	if received != nil {
		// Same fold as the SQL: a stale writer must not shrink the column.
		o.ReceivedAmount = decimal.Max(o.ReceivedAmount, *received)
	}
	if txHash != nil {
		o.TxHash = txHash
	}
	return true, nil
}

func (m *memStore) ClearWebhookSubscription(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.WebhookSubID = nil
	}
	return nil
}

type countingFulfiller struct {
	calls atomic.Int32
	done  chan struct{}
	err   error
}

func (f *countingFulfiller) Fulfill(ctx context.Context, order *models.PaymentOrder) error {
	f.calls.Add(1)
	if f.done != nil {
		f.done <- struct{}{}
	}
	return f.err
}

type recordingRevoker struct {
	deleted []string
	err     error
}

func (r *recordingRevoker) DeleteSubscription(ctx context.Context, id string) error {
	r.deleted = append(r.deleted, id)
	return r.err
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func openOrder(t *testing.T, expected string) *models.PaymentOrder {
	t.Helper()
	sub := "sub-1"
	return &models.PaymentOrder{
		OrderID:            "order-1",
		ServerID:           "shop-1",
		BuyerID:            "buyer-1",
		ExpectedAmount:     dec(t, expected),
		SettlementCurrency: "ETH",
		PaymentMethod:      models.MethodCrypto,
		Status:             models.OrderPending,
		ReceivedAmount:     decimal.Zero,
		WebhookSubID:       &sub,
		ExpiresAt:          time.Now().Add(30 * time.Minute),
	}
}

func waitFulfillment(t *testing.T, f *countingFulfiller) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("fulfillment was not triggered")
	}
}

func TestSettleExactAmountPays(t *testing.T) {
	st := newMemStore(openOrder(t, "0.00400000"))
	f := &countingFulfiller{done: make(chan struct{}, 1)}
	m := &StateMachine{Store: st, Fulfiller: f}

	res, err := m.Settle(context.Background(), "order-1", dec(t, "0.004"), "0xt1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Applied || res.NewStatus != models.OrderPaid {
		t.Fatalf("result = %+v, want applied paid", res)
	}
	waitFulfillment(t, f)

	got, _ := st.GetOrder(context.Background(), "order-1")
	if !got.ReceivedAmount.Equal(dec(t, "0.004")) {
		t.Errorf("received = %s", got.ReceivedAmount)
	}
	if got.TxHash == nil || *got.TxHash != "0xt1" {
		t.Errorf("tx hash = %v", got.TxHash)
	}
}

func TestSettleOverpaymentPays(t *testing.T) {
	st := newMemStore(openOrder(t, "0.004"))
	m := &StateMachine{Store: st}

	res, err := m.Settle(context.Background(), "order-1", dec(t, "0.005"), "0xt1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Applied || res.NewStatus != models.OrderPaid {
		t.Fatalf("result = %+v", res)
	}
}

func TestSettleUnderpaymentRecordsReceived(t *testing.T) {
	st := newMemStore(openOrder(t, "0.004"))
	f := &countingFulfiller{}
	m := &StateMachine{Store: st, Fulfiller: f}

	res, err := m.Settle(context.Background(), "order-1", dec(t, "0.0039"), "0xt1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Applied || res.NewStatus != models.OrderReceived {
		t.Fatalf("result = %+v, want applied received", res)
	}

	got, _ := st.GetOrder(context.Background(), "order-1")
	if !got.ReceivedAmount.Equal(dec(t, "0.0039")) {
		t.Errorf("received = %s, want 0.0039", got.ReceivedAmount)
	}
	if f.calls.Load() != 0 {
		t.Error("underpayment must not trigger fulfillment")
	}

	// A later sufficient observation still completes the order.
	res, err = m.Settle(context.Background(), "order-1", dec(t, "0.004"), "0xt2")
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !res.Applied || res.NewStatus != models.OrderPaid {
		t.Fatalf("second result = %+v", res)
	}
}

func TestReceivedAmountIsMonotonic(t *testing.T) {
	st := newMemStore(openOrder(t, "0.01"))
	m := &StateMachine{Store: st}

	if _, err := m.Settle(context.Background(), "order-1", dec(t, "0.003"), ""); err != nil {
		t.Fatal(err)
	}
	// A later pass observing less (e.g. a balance read racing a mempool view)
	// must not shrink receivedAmount.
	if _, err := m.Settle(context.Background(), "order-1", dec(t, "0.001"), ""); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetOrder(context.Background(), "order-1")
	if !got.ReceivedAmount.Equal(dec(t, "0.003")) {
		t.Errorf("received = %s, want 0.003", got.ReceivedAmount)
	}
}

// barrierStore holds every Settle call at its snapshot read until all
// expected readers have arrived, so the writes that follow are computed from
// equally stale views of the order.
type barrierStore struct {
	*memStore
	ready sync.WaitGroup
}

func (s *barrierStore) GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	o, err := s.memStore.GetOrder(ctx, orderID)
	s.ready.Done()
	s.ready.Wait()
	return o, err
}

func TestInterleavedPartialObservationsKeepLargest(t *testing.T) {
	st := &barrierStore{memStore: newMemStore(openOrder(t, "0.01"))}
	st.ready.Add(2)
	m := &StateMachine{Store: st}

	// Webhook and poll both observe partial funds against the same pending
	// snapshot; the writer carrying the smaller amount may land last.
	var wg sync.WaitGroup
	for _, amt := range []string{"0.003", "0.001"} {
		wg.Add(1)
		go func(amt string) {
			defer wg.Done()
			if _, err := m.Settle(context.Background(), "order-1", dec(t, amt), ""); err != nil {
				t.Error(err)
			}
		}(amt)
	}
	wg.Wait()

	got, _ := st.memStore.GetOrder(context.Background(), "order-1")
	if got.Status != models.OrderReceived {
		t.Errorf("status = %s, want received", got.Status)
	}
	if !got.ReceivedAmount.Equal(dec(t, "0.003")) {
		t.Errorf("received = %s, want 0.003", got.ReceivedAmount)
	}
}

func TestSettleIdempotentAfterPaid(t *testing.T) {
	st := newMemStore(openOrder(t, "0.004"))
	f := &countingFulfiller{done: make(chan struct{}, 2)}
	m := &StateMachine{Store: st, Fulfiller: f}

	if _, err := m.Settle(context.Background(), "order-1", dec(t, "0.004"), "0xt1"); err != nil {
		t.Fatal(err)
	}
	waitFulfillment(t, f)

	res, err := m.Settle(context.Background(), "order-1", dec(t, "0.004"), "0xt1")
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if res.Applied {
		t.Error("second settle must be a no-op")
	}
	if res.NewStatus != models.OrderPaid && res.NewStatus != models.OrderCompleted {
		t.Errorf("status = %s", res.NewStatus)
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fulfillment calls = %d, want 1", got)
	}
}

func TestConcurrentSettlesFulfillOnce(t *testing.T) {
	st := newMemStore(openOrder(t, "0.004"))
	f := &countingFulfiller{done: make(chan struct{}, 16)}
	m := &StateMachine{Store: st, Fulfiller: f}

	const n = 16
	var wg sync.WaitGroup
	var applied atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Settle(context.Background(), "order-1", dec(t, "0.004"), "0xrace")
			if err != nil {
				t.Errorf("settle: %v", err)
				return
			}
			if res.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	waitFulfillment(t, f)

	if got := applied.Load(); got != 1 {
		t.Errorf("applied settles = %d, want exactly 1", got)
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fulfillment calls = %d, want exactly 1", got)
	}
}

func TestFulfillmentSuccessCompletesOrder(t *testing.T) {
	st := newMemStore(openOrder(t, "0.004"))
	f := &countingFulfiller{done: make(chan struct{}, 1)}
	m := &StateMachine{Store: st, Fulfiller: f}

	if _, err := m.Settle(context.Background(), "order-1", dec(t, "0.004"), "0xt1"); err != nil {
		t.Fatal(err)
	}
	waitFulfillment(t, f)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := st.GetOrder(context.Background(), "order-1")
		if got.Status == models.OrderCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order stuck in %s, want completed", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFulfillmentFailureLeavesPaid(t *testing.T) {
	st := newMemStore(openOrder(t, "0.004"))
	f := &countingFulfiller{done: make(chan struct{}, 1), err: context.DeadlineExceeded}
	m := &StateMachine{Store: st, Fulfiller: f}

	if _, err := m.Settle(context.Background(), "order-1", dec(t, "0.004"), "0xt1"); err != nil {
		t.Fatal(err)
	}
	waitFulfillment(t, f)
	time.Sleep(50 * time.Millisecond)

	got, _ := st.GetOrder(context.Background(), "order-1")
	if got.Status != models.OrderPaid {
		t.Errorf("status = %s, want paid after failed fulfillment", got.Status)
	}
}

func TestCancelRevokesSubscription(t *testing.T) {
	st := newMemStore(openOrder(t, "0.004"))
	rev := &recordingRevoker{}
	m := &StateMachine{Store: st, Subscriptions: rev}

	res, err := m.Cancel(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !res.Applied || res.NewStatus != models.OrderCancelled {
		t.Fatalf("result = %+v", res)
	}
	if len(rev.deleted) != 1 || rev.deleted[0] != "sub-1" {
		t.Errorf("revoked = %v", rev.deleted)
	}
}

func TestCancelInvalidFromPaid(t *testing.T) {
	o := openOrder(t, "0.004")
	o.Status = models.OrderPaid
	st := newMemStore(o)
	m := &StateMachine{Store: st}

	res, err := m.Cancel(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Applied {
		t.Error("cancel from paid must be a no-op")
	}
}

func TestExpireBeforeDeadline(t *testing.T) {
	st := newMemStore(openOrder(t, "0.004"))
	m := &StateMachine{Store: st}

	_, err := m.Expire(context.Background(), "order-1", time.Now())
	if err != ErrNotYetExpired {
		t.Fatalf("err = %v, want ErrNotYetExpired", err)
	}
}

func TestExpireIsIdempotent(t *testing.T) {
	o := openOrder(t, "0.004")
	o.ExpiresAt = time.Now().Add(-time.Minute)
	st := newMemStore(o)
	rev := &recordingRevoker{}
	m := &StateMachine{Store: st, Subscriptions: rev}

	res, err := m.Expire(context.Background(), "order-1", time.Now())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if !res.Applied || res.NewStatus != models.OrderExpired {
		t.Fatalf("result = %+v", res)
	}

	res, err = m.Expire(context.Background(), "order-1", time.Now())
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if res.Applied {
		t.Error("second expire must be a no-op")
	}
	if res.NewStatus != models.OrderExpired {
		t.Errorf("status = %s", res.NewStatus)
	}
}

func TestSettleAfterExpiredIsNoop(t *testing.T) {
	o := openOrder(t, "0.004")
	o.Status = models.OrderExpired
	st := newMemStore(o)
	f := &countingFulfiller{}
	m := &StateMachine{Store: st, Fulfiller: f}

	res, err := m.Settle(context.Background(), "order-1", dec(t, "1"), "0xlate")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Applied || res.NewStatus != models.OrderExpired {
		t.Fatalf("result = %+v", res)
	}
	if f.calls.Load() != 0 {
		t.Error("late payment must not fulfill an expired order")
	}
}
