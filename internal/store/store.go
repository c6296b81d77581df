package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"cryptosettle/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const orderColumns = `
	order_id, server_id, buyer_id, items, expected_amount::text,
	settlement_currency, payment_method, status, crypto, quote,
	received_amount::text, tx_hash, webhook_sub_id, checkout_session_id,
	expires_at, created_at, updated_at`

func (s *Store) NextAddressIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.Pool.QueryRow(ctx, "SELECT nextval('deposit_address_index_seq')").Scan(&idx)
	return idx, err
}

func (s *Store) InsertOrder(ctx context.Context, order *models.PaymentOrder) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return err
	}
	var crypto, quote []byte
	if order.Crypto != nil {
		if crypto, err = json.Marshal(order.Crypto); err != nil {
			return err
		}
	}
	if order.Quote != nil {
		if quote, err = json.Marshal(order.Quote); err != nil {
			return err
		}
	}

	_, err = s.Pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, server_id, buyer_id, items, expected_amount,
			settlement_currency, payment_method, status, crypto, quote,
			received_amount, tx_hash, webhook_sub_id, checkout_session_id,
			expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		order.OrderID,
		order.ServerID,
		order.BuyerID,
		items,
		order.ExpectedAmount.String(),
		order.SettlementCurrency,
		order.PaymentMethod,
		order.Status,
		crypto,
		quote,
		order.ReceivedAmount.String(),
		order.TxHash,
		order.WebhookSubID,
		order.CheckoutSessionID,
		order.ExpiresAt,
	)
	return err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	return scanOrder(row)
}

// FindOpenOrderByAddress resolves a deposit address back to its order. If an
// address was ever handed to more than one open order, the most recently
// created one wins.
func (s *Store) FindOpenOrderByAddress(ctx context.Context, address, currency string) (*models.PaymentOrder, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('pending','received')
		  AND settlement_currency=$2
		  AND crypto->>'address' = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, address, currency)
	return scanOrder(row)
}

// ConditionalUpdateStatus is the only write path for status transitions. It
// matches the row against the expected prior statuses; zero rows affected
// means a concurrent writer won and the caller must treat its attempt as a
// no-op. The received amount is folded with GREATEST in the statement itself:
// the status guard admits concurrent received -> received writers, so a
// caller's value computed from a stale read must never shrink the column.
func (s *Store) ConditionalUpdateStatus(ctx context.Context, orderID string, expected []models.OrderStatus, next models.OrderStatus, received *decimal.Decimal, txHash *string) (bool, error) {
	prior := make([]string, 0, len(expected))
	for _, st := range expected {
		prior = append(prior, string(st))
	}
	var recv *string
	if received != nil {
		v := received.String()
		recv = &v
	}
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$2,
			received_amount=GREATEST(received_amount, COALESCE($3::numeric, received_amount)),
			tx_hash=COALESCE($4, tx_hash),
			updated_at=now()
		WHERE order_id=$1 AND status = ANY($5)
	`, orderID, next, recv, txHash, prior)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) ClearWebhookSubscription(ctx context.Context, orderID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE orders SET webhook_sub_id=NULL, updated_at=now() WHERE order_id=$1
	`, orderID)
	return err
}

func (s *Store) ListExpiredOpenOrders(ctx context.Context, now time.Time) ([]*models.PaymentOrder, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('pending','received') AND expires_at < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.PaymentOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (s *Store) GetVirtualAccount(ctx context.Context, ownerID, currency, chain string) (string, error) {
	var accountID string
	err := s.Pool.QueryRow(ctx, `
		SELECT account_id FROM virtual_accounts
		WHERE owner_id=$1 AND currency=$2 AND chain=$3 AND NOT revoked
	`, ownerID, currency, chain).Scan(&accountID)
	return accountID, err
}

func (s *Store) InsertVirtualAccount(ctx context.Context, va *models.VirtualAccount) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO virtual_accounts (account_id, owner_id, currency, chain)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (owner_id, currency, chain) WHERE NOT revoked DO NOTHING
	`, va.AccountID, va.OwnerID, va.Currency, va.Chain)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	var items, crypto, quote []byte
	var expected, received string
	var txHash, webhookSub, checkoutSession sql.NullString

	err := row.Scan(
		&order.OrderID,
		&order.ServerID,
		&order.BuyerID,
		&items,
		&expected,
		&order.SettlementCurrency,
		&order.PaymentMethod,
		&order.Status,
		&crypto,
		&quote,
		&received,
		&txHash,
		&webhookSub,
		&checkoutSession,
		&order.ExpiresAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if order.ExpectedAmount, err = decimal.NewFromString(expected); err != nil {
		return nil, err
	}
	if order.ReceivedAmount, err = decimal.NewFromString(received); err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &order.Items); err != nil {
			return nil, err
		}
	}
	if len(crypto) > 0 {
		order.Crypto = &models.CryptoInfo{}
		if err := json.Unmarshal(crypto, order.Crypto); err != nil {
			return nil, err
		}
	}
	if len(quote) > 0 {
		order.Quote = &models.ConversionQuote{}
		if err := json.Unmarshal(quote, order.Quote); err != nil {
			return nil, err
		}
	}
	if txHash.Valid {
		order.TxHash = &txHash.String
	}
	if webhookSub.Valid {
		order.WebhookSubID = &webhookSub.String
	}
	if checkoutSession.Valid {
		order.CheckoutSessionID = &checkoutSession.String
	}
	return &order, nil
}
