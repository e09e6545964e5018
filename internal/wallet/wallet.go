// internal/wallet/wallet.go
package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/crypto/sha3"

	"github.com/cmatc13/invoicechain/pkg/errors"
)

// ApprovalFunc is asked before every signature. Returning an error declines
// the signature, which surfaces as ErrUserRejected.
type ApprovalFunc func(ctx context.Context, tx *types.Transaction) error

// KeySigner signs ledger transactions with a local secp256k1 key
type KeySigner struct {
	key     *btcec.PrivateKey
	address common.Address
	approve ApprovalFunc
}

// NewKeySigner creates a signer from a hex private key, with or without 0x.
func NewKeySigner(privateKeyHex string) (*KeySigner, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, errors.Configf("invalid private key format: %v", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, errors.Configf("private key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
	}

	key, _ := btcec.PrivKeyFromBytes(raw)
	return newKeySigner(key), nil
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return newKeySigner(key), nil
}

func newKeySigner(key *btcec.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		address: PubkeyToAddress(key.PubKey()),
	}
}

// WithApproval returns a copy of the signer that consults fn before signing.
func (s *KeySigner) WithApproval(fn ApprovalFunc) *KeySigner {
	c := *s
	c.approve = fn
	return &c
}

// Address returns the account the signer signs for.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// ExportPrivateKey exports the private key as a hex string
func (s *KeySigner) ExportPrivateKey() string {
	return hex.EncodeToString(s.key.Serialize())
}

// SignHash produces a 65 byte [R || S || V] signature with V in {0, 1}.
func (s *KeySigner) SignHash(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig := ecdsa.SignCompact(s.key, hash, false)

	// Compact form is [27 + recid || R || S]; move the recovery id to the end.
	v := sig[0] - 27
	copy(sig, sig[1:])
	sig[64] = v
	return sig, nil
}

// SignTx signs tx for chainID. A declined approval aborts with
// ErrUserRejected and nothing is signed.
func (s *KeySigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.approve != nil {
		if err := s.approve(ctx, tx); err != nil {
			return nil, errors.NewLedgerError(errors.OpSign, errors.LedgerErrUserRejected, err.Error(), nil)
		}
	}

	signer := types.LatestSignerForChainID(chainID)
	hash := signer.Hash(tx)
	sig, err := s.SignHash(hash[:])
	if err != nil {
		return nil, errors.NewLedgerError(errors.OpSign, errors.LedgerErrEncoding, "sign transaction", err)
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, errors.NewLedgerError(errors.OpSign, errors.LedgerErrEncoding, "attach signature", err)
	}
	return signed, nil
}

// PubkeyToAddress derives the ledger account of a public key: the last 20
// bytes of the Keccak-256 of the uncompressed key without its prefix.
func PubkeyToAddress(pub *btcec.PublicKey) common.Address {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	return common.BytesToAddress(h.Sum(nil)[12:])
}
