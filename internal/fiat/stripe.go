package fiat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cryptosettle/internal/models"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/checkout/session"
	"github.com/stripe/stripe-go/v74/webhook"
)

// Checkout creates Stripe checkout sessions for fiat-paid orders. The order
// id rides along as the client reference so the callback can settle the right
// order.
type Checkout struct {
	SuccessURL string
	CancelURL  string
}

func NewCheckout(key, successURL, cancelURL string) *Checkout {
	stripe.Key = key
	return &Checkout{SuccessURL: successURL, CancelURL: cancelURL}
}

func (c *Checkout) CreateSession(ctx context.Context, order *models.PaymentOrder) (string, error) {
	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(order.Items))
	for _, item := range order.Items {
		qty := int64(item.Quantity)
		if qty <= 0 {
			qty = 1
		}
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(qty),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(item.Currency)),
				UnitAmount: stripe.Int64(item.Price.Shift(2).IntPart()),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		})
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems:         lineItems,
		ClientReferenceID: stripe.String(order.OrderID),
		SuccessURL:        stripe.String(c.SuccessURL),
		CancelURL:         stripe.String(c.CancelURL),
	}
	params.Context = ctx

	s, err := session.New(params)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// CompletedOrderID verifies a Stripe callback payload and returns the order
// id of a completed checkout session. ok is false for event types this
// system does not care about.
func CompletedOrderID(payload []byte, signature, signingSecret string) (orderID string, ok bool, err error) {
	event, err := webhook.ConstructEvent(payload, signature, signingSecret)
	if err != nil {
		return "", false, err
	}
	if event.Type != "checkout.session.completed" {
		return "", false, nil
	}

	var checkout stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &checkout); err != nil {
		return "", false, err
	}
	if checkout.ClientReferenceID == "" {
		return "", false, fmt.Errorf("completed session %s has no client reference", checkout.ID)
	}
	return checkout.ClientReferenceID, true, nil
}
