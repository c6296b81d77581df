package http

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"cryptosettle/internal/detect"
	"cryptosettle/internal/fiat"
	"cryptosettle/internal/models"
	"cryptosettle/internal/orders"
	"cryptosettle/internal/settle"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

type Handler struct {
	Orders       *orders.Service
	Detector     *detect.Detector
	Machine      *settle.StateMachine
	StripeSecret string
}

func NewHandler(orders *orders.Service, detector *detect.Detector, machine *settle.StateMachine, stripeSecret string) *Handler {
	return &Handler{Orders: orders, Detector: detector, Machine: machine, StripeSecret: stripeSecret}
}

type createOrderRequest struct {
	BuyerID       string            `json:"buyerId"`
	PaymentMethod string            `json:"paymentMethod"`
	Currency      string            `json:"currency"`
	Items         []models.LineItem `json:"items"`
}

type cryptoInfoResponse struct {
	Address       string `json:"address"`
	Memo          string `json:"memo,omitempty"`
	Tag           string `json:"tag,omitempty"`
	Chain         string `json:"chain"`
	AddressSource string `json:"addressSource"`
}

type orderResponse struct {
	OrderID            string              `json:"orderId"`
	Status             string              `json:"status"`
	ExpectedAmount     string              `json:"expectedAmount"`
	ReceivedAmount     string              `json:"receivedAmount"`
	SettlementCurrency string              `json:"settlementCurrency"`
	PaymentMethod      string              `json:"paymentMethod"`
	Crypto             *cryptoInfoResponse `json:"crypto,omitempty"`
	CheckoutSessionID  string              `json:"checkoutSessionId,omitempty"`
	TxHash             string              `json:"txHash,omitempty"`
	QuoteSource        string              `json:"quoteSource,omitempty"`
	ExpiresAt          string              `json:"expiresAt"`
	CreatedAt          string              `json:"createdAt"`
}

func toOrderResponse(order *models.PaymentOrder) orderResponse {
	resp := orderResponse{
		OrderID:            order.OrderID,
		Status:             string(order.Status),
		ExpectedAmount:     order.ExpectedAmount.String(),
		ReceivedAmount:     order.ReceivedAmount.String(),
		SettlementCurrency: order.SettlementCurrency,
		PaymentMethod:      string(order.PaymentMethod),
		ExpiresAt:          order.ExpiresAt.Format(time.RFC3339),
		CreatedAt:          order.CreatedAt.Format(time.RFC3339),
	}
	if order.Crypto != nil {
		resp.Crypto = &cryptoInfoResponse{
			Address:       order.Crypto.Address,
			Memo:          order.Crypto.Memo,
			Tag:           order.Crypto.Tag,
			Chain:         order.Crypto.Chain,
			AddressSource: order.Crypto.AddressSource,
		}
	}
	if order.CheckoutSessionID != nil {
		resp.CheckoutSessionID = *order.CheckoutSessionID
	}
	if order.TxHash != nil {
		resp.TxHash = *order.TxHash
	}
	if order.Quote != nil {
		resp.QuoteSource = order.Quote.Source
	}
	return resp
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	serverID := r.Header.Get("X-Server-Id")
	order, err := h.Orders.CreateOrder(r.Context(), orders.CreateOrderInput{
		ServerID: serverID,
		BuyerID:  req.BuyerID,
		Items:    req.Items,
		Method:   models.PaymentMethod(req.PaymentMethod),
		Currency: req.Currency,
	})
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrMissingServerID):
			writeError(w, http.StatusUnauthorized, "missing server id")
		case errors.Is(err, orders.ErrMissingBuyerID):
			writeError(w, http.StatusBadRequest, "missing buyer id")
		case errors.Is(err, orders.ErrNoItems):
			writeError(w, http.StatusBadRequest, "order has no items")
		case errors.Is(err, orders.ErrBadPaymentMethod):
			writeError(w, http.StatusBadRequest, "unsupported payment method")
		default:
			writeError(w, http.StatusInternalServerError, "create order failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// PollOrder runs an on-demand detection pass. The response is always the
// latest snapshot; a provider outage during the pass degrades to the last
// known state instead of an error.
func (h *Handler) PollOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}

	if order.PaymentMethod == models.MethodCrypto && order.Status.Open() {
		if _, err := h.Detector.PollAddress(r.Context(), order); err != nil {
			log.Printf("http: poll order=%s failed: %v", order.OrderID, err)
		}
		refreshed, err := h.Orders.GetOrder(r.Context(), order.OrderID)
		if err == nil {
			order = refreshed
		}
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}

	res, err := h.Machine.Cancel(r.Context(), order.OrderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if !res.Applied && res.NewStatus != models.OrderCancelled {
		writeError(w, http.StatusConflict, "order is not cancellable")
		return
	}
	order.Status = res.NewStatus
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// OrderQR renders the deposit address as a PNG for payment pages.
func (h *Handler) OrderQR(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	if order.Crypto == nil || order.Crypto.Address == "" {
		writeError(w, http.StatusNotFound, "order has no deposit address")
		return
	}

	png, err := qrcode.Encode(order.Crypto.Address, qrcode.Medium, 256)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "qr encode failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type webhookRequest struct {
	Address  string          `json:"address"`
	Amount   decimal.Decimal `json:"amount"`
	TxID     string          `json:"txId"`
	Currency string          `json:"currency"`
	OrderID  string          `json:"orderId"`
}

// PaymentWebhook ingests the provider's push notifications. It always
// returns 200 for well-formed bodies; unsolicited events are expected.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	_, err := h.Detector.IngestWebhook(r.Context(), detect.WebhookEvent{
		Address:  req.Address,
		Amount:   req.Amount,
		TxID:     req.TxID,
		Currency: req.Currency,
		OrderID:  req.OrderID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StripeCallback settles fiat orders on checkout.session.completed.
func (h *Handler) StripeCallback(w http.ResponseWriter, r *http.Request) {
	const maxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "read body failed")
		return
	}

	orderID, completed, err := fiat.CompletedOrderID(payload, r.Header.Get("Stripe-Signature"), h.StripeSecret)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stripe event")
		return
	}
	if !completed {
		w.WriteHeader(http.StatusOK)
		return
	}

	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		log.Printf("http: stripe callback for unknown order=%s", orderID)
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := h.Machine.Settle(r.Context(), order.OrderID, order.ExpectedAmount, ""); err != nil {
		writeError(w, http.StatusInternalServerError, "settle failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) loadOrder(w http.ResponseWriter, r *http.Request) (*models.PaymentOrder, bool) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return nil, false
	}
	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "order not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "get order failed")
		return nil, false
	}
	return order, true
}
