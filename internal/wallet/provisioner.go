package wallet

import (
	"context"
	"errors"
	"fmt"
	"log"

	"cryptosettle/internal/metrics"
	"cryptosettle/internal/models"
	"cryptosettle/internal/provider"
	"cryptosettle/internal/registry"

	"github.com/jackc/pgx/v5"
)

// AccountStore is the persistence the provisioner needs.
type AccountStore interface {
	GetVirtualAccount(ctx context.Context, ownerID, currency, chain string) (string, error)
	InsertVirtualAccount(ctx context.Context, va *models.VirtualAccount) error
	NextAddressIndex(ctx context.Context) (int64, error)
}

// ProviderAPI is the custodial provider surface the provisioner calls.
type ProviderAPI interface {
	CreateLedgerAccount(ctx context.Context, currency, label, ownerRef string) (string, error)
	GenerateDepositAddress(ctx context.Context, accountID, chainID string) (*provider.DepositAddress, error)
	Sandbox() bool
}

type Provisioner struct {
	Store    AccountStore
	Provider ProviderAPI
	Registry *registry.Registry
	Fallback FallbackDeriver
}

// EnsureVirtualAccount returns the ledger account for the owner on the
// currency's chain, creating it at the provider on first use. Concurrent
// first calls may both create provider accounts; the insert's conflict
// handling makes one of them the durable winner and the re-read returns it.
func (p *Provisioner) EnsureVirtualAccount(ctx context.Context, ownerID, currency string) (string, error) {
	chain := p.Registry.Resolve(currency).ChainID(p.Provider.Sandbox())

	accountID, err := p.Store.GetVirtualAccount(ctx, ownerID, currency, chain)
	if err == nil {
		return accountID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	label := fmt.Sprintf("%s %s %s", ownerID, currency, chain)
	created, err := p.Provider.CreateLedgerAccount(ctx, currency, label, ownerID)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("create_ledger_account").Inc()
		return "", err
	}

	va := &models.VirtualAccount{AccountID: created, OwnerID: ownerID, Currency: currency, Chain: chain}
	if err := p.Store.InsertVirtualAccount(ctx, va); err != nil {
		return "", err
	}
	return p.Store.GetVirtualAccount(ctx, ownerID, currency, chain)
}

// GenerateDepositAddress always produces a usable address. Provider failures
// degrade to a locally derived address marked as such, so order creation is
// never blocked by a provider outage.
func (p *Provisioner) GenerateDepositAddress(ctx context.Context, currency, accountID, orderID string) (models.CryptoInfo, error) {
	cfg := p.Registry.Resolve(currency)
	chainID := cfg.ChainID(p.Provider.Sandbox())

	info := models.CryptoInfo{
		AccountID:     accountID,
		Chain:         chainID,
		AddressSource: models.AddressSourceProvider,
	}

	if accountID != "" {
		addr, err := p.Provider.GenerateDepositAddress(ctx, accountID, chainID)
		if err == nil {
			info.Address = addr.Address
			info.Memo, info.Tag = addr.Memo, addr.Tag
			if cfg.Memo != registry.MemoNone && info.Memo == "" && info.Tag == "" {
				info.Memo, info.Tag = fallbackMemo(cfg.Memo, orderID)
			}
			return info, nil
		}
		metrics.ProviderErrors.WithLabelValues("generate_address").Inc()
		log.Printf("wallet: provider address generation failed order=%s chain=%s, using local fallback: %v", orderID, chainID, err)
	} else {
		log.Printf("wallet: no ledger account for order=%s chain=%s, using local fallback", orderID, chainID)
	}

	idx, idxErr := p.Store.NextAddressIndex(ctx)
	if idxErr != nil {
		return models.CryptoInfo{}, idxErr
	}
	local, derr := p.Fallback.Derive(cfg.Family, uint32(idx))
	if derr != nil {
		return models.CryptoInfo{}, fmt.Errorf("provider unavailable and local derivation failed: %w", derr)
	}

	metrics.FallbackAddresses.Inc()
	info.Address = local
	info.AddressSource = models.AddressSourceLocal
	info.Memo, info.Tag = fallbackMemo(cfg.Memo, orderID)
	return info, nil
}
