// Package signer produces signatures for blob and escrow-completion
// transactions. The concrete backend (in-memory raw key or AWS KMS) is
// selected at startup; the rest of the proxy is polymorphic over the
// TxSigner capability set.
package signer

import (
	"context"
	"fmt"

	"github.com/blobkit/blobproxy/proxy/params"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "signer")

// ErrUnavailable marks a transient backend failure; callers may retry.
var ErrUnavailable = errors.New("signer unavailable")

// ErrDenied marks a fatal backend refusal (key disabled, access revoked).
var ErrDenied = errors.New("signer denied")

// TxSigner signs transactions and raw messages with the proxy's key. The
// public address is read-only to the rest of the system.
type TxSigner interface {
	// Address returns the signing key's address.
	Address() common.Address
	// SignTx signs tx with the configured chain's signer.
	SignTx(ctx context.Context, tx *gethtypes.Transaction) (*gethtypes.Transaction, error)
	// SignMessage signs an Ethereum personal message over msg.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// New constructs the backend selected by the config.
func New(ctx context.Context, cfg *params.Config) (TxSigner, error) {
	switch cfg.SignerBackend {
	case params.LocalSigner:
		return NewLocal(cfg.PrivateKeyHex, cfg.ChainID)
	case params.KMSSigner:
		return NewKMS(ctx, cfg.KMSKeyID, cfg.ChainID)
	default:
		return nil, errors.Errorf("unknown signer backend %q", cfg.SignerBackend)
	}
}

// personalHash implements the Ethereum personal-message digest over msg.
func personalHash(msg []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return crypto.Keccak256([]byte(prefixed))
}

// RecoverPersonal recovers the address that produced a 65-byte
// personal-message signature over msg. Both v in {0,1} and {27,28} are
// accepted, matching what browser wallets emit.
func RecoverPersonal(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	s := make([]byte, crypto.SignatureLength)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(personalHash(msg), s)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "could not recover public key")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
