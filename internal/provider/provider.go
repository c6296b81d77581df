package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Mode selects the provider environment. It is resolved once at construction
// and never re-checked per call.
type Mode string

const (
	ModeLive    Mode = "live"
	ModeSandbox Mode = "sandbox"
)

// APIError is any non-2xx provider response. Callers treat every APIError as
// "provider unavailable" and fall back.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("provider http status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("provider http status %d", e.StatusCode)
}

type Client struct {
	baseURL string
	apiKey  string
	mode    Mode
	client  *http.Client
}

func NewClient(baseURL, apiKey string, mode Mode) *Client {
	if mode != ModeSandbox {
		mode = ModeLive
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		mode:    mode,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) Sandbox() bool {
	return c.mode == ModeSandbox
}

type ledgerAccountRequest struct {
	Currency    string `json:"currency"`
	Label       string `json:"accountingCurrency,omitempty"`
	CustomerRef string `json:"externalId"`
}

type ledgerAccountResponse struct {
	ID string `json:"id"`
}

// CreateLedgerAccount creates a custodial ledger account aggregating funds
// for one (owner, currency, chain) tuple.
func (c *Client) CreateLedgerAccount(ctx context.Context, currency, label, ownerRef string) (string, error) {
	req := ledgerAccountRequest{Currency: currency, Label: label, CustomerRef: ownerRef}
	var resp ledgerAccountResponse
	if err := c.do(ctx, http.MethodPost, "/ledger/account", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &APIError{StatusCode: http.StatusOK, Body: "ledger account response missing id"}
	}
	return resp.ID, nil
}

type DepositAddress struct {
	Address string `json:"address"`
	Memo    string `json:"memo"`
	Tag     string `json:"destinationTag"`
}

// GenerateDepositAddress requests a fresh address on the given chain for a
// ledger account. Freshness is the provider's promise; there is no
// server-side reservation.
func (c *Client) GenerateDepositAddress(ctx context.Context, accountID, chainID string) (*DepositAddress, error) {
	var resp DepositAddress
	path := fmt.Sprintf("/offchain/account/%s/address?chain=%s", accountID, chainID)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Address == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Body: "address response missing address"}
	}
	return &resp, nil
}

type subscriptionRequest struct {
	Type string         `json:"type"`
	Attr map[string]any `json:"attr"`
}

type subscriptionResponse struct {
	ID string `json:"id"`
}

// CreateSubscription registers an incoming-transaction webhook for an address.
func (c *Client) CreateSubscription(ctx context.Context, address, chainID, callbackURL string) (string, error) {
	req := subscriptionRequest{
		Type: "ADDRESS_TRANSACTION",
		Attr: map[string]any{
			"address": address,
			"chain":   chainID,
			"url":     callbackURL,
		},
	}
	var resp subscriptionResponse
	if err := c.do(ctx, http.MethodPost, "/subscription", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// DeleteSubscription revokes a webhook subscription. A 404 means the
// subscription is already gone and is not an error.
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	err := c.do(ctx, http.MethodDelete, "/subscription/"+subscriptionID, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
