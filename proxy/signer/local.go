package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Local signs with an in-memory secp256k1 key. Intended for development and
// single-tenant deployments; production fleets should prefer the kms
// backend.
type Local struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  gethtypes.Signer
}

var _ TxSigner = (*Local)(nil)

// NewLocal parses a hex private key and binds it to the chain id.
func NewLocal(privateKeyHex string, chainID uint64) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	log.WithField("address", addr.Hex()).Info("Loaded raw signing key")
	return &Local{
		key:     key,
		address: addr,
		signer:  gethtypes.NewCancunSigner(new(big.Int).SetUint64(chainID)),
	}, nil
}

// Address returns the signing key's address.
func (l *Local) Address() common.Address {
	return l.address
}

// SignTx signs tx with the Cancun signer, which covers both dynamic-fee and
// blob transactions.
func (l *Local) SignTx(_ context.Context, tx *gethtypes.Transaction) (*gethtypes.Transaction, error) {
	signed, err := gethtypes.SignTx(tx, l.signer, l.key)
	if err != nil {
		return nil, errors.Wrap(ErrDenied, err.Error())
	}
	return signed, nil
}

// SignMessage signs the personal-message digest of msg and returns a
// 65-byte [R || S || V] signature with V in {27, 28}.
func (l *Local) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(personalHash(msg), l.key)
	if err != nil {
		return nil, errors.Wrap(ErrDenied, err.Error())
	}
	sig[64] += 27
	return sig, nil
}
