package signer

import (
	"context"
	"math/big"
	"testing"

	"github.com/blobkit/blobproxy/testing/assert"
	"github.com/blobkit/blobproxy/testing/require"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestLocal_Address(t *testing.T) {
	l, err := NewLocal(testKeyHex, 1)
	require.NoError(t, err)
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), l.Address())
}

func TestLocal_AcceptsHexPrefix(t *testing.T) {
	l, err := NewLocal("0x"+testKeyHex, 1)
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, l.Address())
}

func TestLocal_RejectsBadKey(t *testing.T) {
	_, err := NewLocal("not-a-key", 1)
	assert.ErrorContains(t, "invalid private key", err)
}

func TestLocal_SignTx(t *testing.T) {
	l, err := NewLocal(testKeyHex, 5)
	require.NoError(t, err)

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(5),
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(100),
		Gas:       21000,
		To:        &common.Address{},
	})
	signed, err := l.SignTx(context.Background(), tx)
	require.NoError(t, err)

	sender, err := gethtypes.Sender(gethtypes.NewCancunSigner(big.NewInt(5)), signed)
	require.NoError(t, err)
	assert.Equal(t, l.Address(), sender)
}

func TestSignMessage_RoundTrip(t *testing.T) {
	l, err := NewLocal(testKeyHex, 1)
	require.NoError(t, err)

	msg := []byte("blob payload bytes")
	sig, err := l.SignMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, crypto.SignatureLength, len(sig))
	// V must be in wallet form.
	require.Equal(t, true, sig[64] == 27 || sig[64] == 28)

	recovered, err := RecoverPersonal(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, l.Address(), recovered)
}

func TestRecoverPersonal_AcceptsZeroBasedV(t *testing.T) {
	l, err := NewLocal(testKeyHex, 1)
	require.NoError(t, err)

	msg := []byte("payload")
	sig, err := l.SignMessage(context.Background(), msg)
	require.NoError(t, err)
	sig[64] -= 27

	recovered, err := RecoverPersonal(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, l.Address(), recovered)
}

func TestRecoverPersonal_WrongSigner(t *testing.T) {
	l, err := NewLocal(testKeyHex, 1)
	require.NoError(t, err)

	sig, err := l.SignMessage(context.Background(), []byte("signed payload"))
	require.NoError(t, err)

	// Recovery over different content yields a different address.
	other, err := RecoverPersonal([]byte("tampered payload"), sig)
	require.NoError(t, err)
	assert.NotEqual(t, l.Address(), other)
}

func TestRecoverPersonal_BadLength(t *testing.T) {
	_, err := RecoverPersonal([]byte("msg"), make([]byte, 64))
	assert.ErrorContains(t, "signature must be", err)
}
