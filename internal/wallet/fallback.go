package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"

	"cryptosettle/internal/registry"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
)

// FallbackDeriver generates deposit addresses locally from an extended public
// key when the custodial provider is unavailable. The derived keys belong to
// the platform wallet, so funds sent to a fallback address are still
// recoverable; the orders carrying them are flagged for reconciliation.
type FallbackDeriver struct {
	XPub   string
	Prefix string
}

// Derive produces an address for the child index in the shape the chain
// family expects: 0x-hex for EVM chains, bech32 otherwise.
func (d FallbackDeriver) Derive(family registry.ChainFamily, index uint32) (string, error) {
	if d.XPub == "" {
		return "", errors.New("fallback xpub is not configured")
	}

	key, err := hdkeychain.NewKeyFromString(d.XPub)
	if err != nil {
		return "", err
	}
	child, err := key.Derive(index)
	if err != nil {
		return "", err
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	if family == registry.FamilyEVM {
		// keccak256 of the uncompressed key body, last 20 bytes.
		uncompressed := pubKey.SerializeUncompressed()
		h := sha3.NewLegacyKeccak256()
		h.Write(uncompressed[1:])
		sum := h.Sum(nil)
		return "0x" + hex.EncodeToString(sum[len(sum)-20:]), nil
	}

	if d.Prefix == "" {
		return "", errors.New("fallback bech32 prefix is not configured")
	}
	compressed := pubKey.SerializeCompressed()
	hash := sha256.Sum256(compressed)
	rip := ripemd160.New()
	_, _ = rip.Write(hash[:])
	addr := rip.Sum(nil)

	converted, err := bech32.ConvertBits(addr, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(d.Prefix, converted)
}

// fallbackMemo derives a deterministic sub-account discriminator from the
// order id for memo-style chains.
func fallbackMemo(kind registry.MemoKind, orderID string) (memo, tag string) {
	switch kind {
	case registry.MemoTag:
		h := fnv.New32a()
		_, _ = h.Write([]byte(orderID))
		return "", fmt.Sprintf("%d", h.Sum32()%1_000_000_000)
	case registry.MemoText:
		if len(orderID) > 28 {
			return orderID[:28], ""
		}
		return orderID, ""
	default:
		return "", ""
	}
}
