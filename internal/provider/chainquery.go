package provider

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
)

// Transaction is one entry of an EVM-style incoming transaction list.
type Transaction struct {
	Hash   string          `json:"hash"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// Balance is the UTXO/account-style address balance summary.
type Balance struct {
	Incoming decimal.Decimal `json:"incoming"`
	Outgoing decimal.Decimal `json:"outgoing"`
}

// IncomingTransactions lists transactions credited to an address on an
// EVM-style chain, newest first.
func (c *Client) IncomingTransactions(ctx context.Context, chainID, address string) ([]Transaction, error) {
	path := fmt.Sprintf("/blockchain/%s/account/transaction/%s?direction=incoming&pageSize=50",
		url.PathEscape(chainID), url.PathEscape(address))
	var out []Transaction
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddressBalance reads the balance summary for an address on a UTXO or
// account-style chain.
func (c *Client) AddressBalance(ctx context.Context, chainID, address string) (*Balance, error) {
	path := fmt.Sprintf("/blockchain/%s/address/balance/%s",
		url.PathEscape(chainID), url.PathEscape(address))
	var out Balance
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
