package reaper

import (
	"context"
	"errors"
	"log"
	"time"

	"cryptosettle/internal/metrics"
	"cryptosettle/internal/models"
	"cryptosettle/internal/settle"
)

// Store lists the orders the sweep considers.
type Store interface {
	ListExpiredOpenOrders(ctx context.Context, now time.Time) ([]*models.PaymentOrder, error)
}

// Expirer is the state machine surface the reaper drives. Expiry goes through
// the same conditional update as every other transition, so a sweep racing an
// in-flight settle loses cleanly.
type Expirer interface {
	Expire(ctx context.Context, orderID string, now time.Time) (settle.Result, error)
}

type Reaper struct {
	Store    Store
	Machine  Expirer
	Interval time.Duration
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.SweepOnce(ctx); err != nil {
			log.Printf("reaper: sweep error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce expires every open order whose deadline has passed. Safe to run
// concurrently with itself and with in-flight settles; losers of the
// conditional update are no-ops.
func (r *Reaper) SweepOnce(ctx context.Context) error {
	now := time.Now().UTC()
	orders, err := r.Store.ListExpiredOpenOrders(ctx, now)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}

	expired := 0
	for _, order := range orders {
		res, err := r.Machine.Expire(ctx, order.OrderID, now)
		if err != nil {
			if errors.Is(err, settle.ErrNotYetExpired) {
				continue
			}
			log.Printf("reaper: expire order=%s failed: %v", order.OrderID, err)
			continue
		}
		if res.Applied {
			expired++
			metrics.OrdersReaped.Inc()
		}
	}
	if expired > 0 {
		log.Printf("reaper: expired %d of %d stale orders", expired, len(orders))
	}
	return nil
}
