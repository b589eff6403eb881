package signer

import (
	"context"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// KMS signs through an AWS KMS asymmetric key (ECC_SECG_P256K1 with
// SIGN_VERIFY usage). The public key is fetched once at construction; every
// SignTx issues one KMS Sign call over the transaction digest.
type KMS struct {
	client *kms.Client
	keyID  string

	pubkey  []byte // uncompressed 65-byte point, for recovery-id search
	address common.Address
	signer  gethtypes.Signer
}

var _ TxSigner = (*KMS)(nil)

// spkiDocument is the SubjectPublicKeyInfo layout of GetPublicKey output.
// The standard library cannot parse secp256k1 SPKI documents, so the point
// is pulled out of the ASN.1 envelope by hand.
type spkiDocument struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// ecdsaSigValue is the DER layout of a KMS ECDSA signature.
type ecdsaSigValue struct {
	R *big.Int
	S *big.Int
}

var secp256k1HalfN = new(big.Int).Rsh(crypto.S256().Params().N, 1)

// NewKMS resolves the key's public address and returns a ready signer.
func NewKMS(ctx context.Context, keyID string, chainID uint64) (*KMS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	client := kms.NewFromConfig(awsCfg)
	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, classifyKMSError(err)
	}
	var doc spkiDocument
	if _, err := asn1.Unmarshal(out.PublicKey, &doc); err != nil {
		return nil, errors.Wrap(err, "could not parse KMS public key document")
	}
	pub, err := crypto.UnmarshalPubkey(doc.PublicKey.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "KMS key is not an uncompressed secp256k1 point")
	}
	addr := crypto.PubkeyToAddress(*pub)
	log.WithField("address", addr.Hex()).WithField("keyId", keyID).Info("Resolved KMS signing key")
	return &KMS{
		client:  client,
		keyID:   keyID,
		pubkey:  crypto.FromECDSAPub(pub),
		address: addr,
		signer:  gethtypes.NewCancunSigner(new(big.Int).SetUint64(chainID)),
	}, nil
}

// Address returns the signing key's address.
func (k *KMS) Address() common.Address {
	return k.address
}

// SignTx signs tx via KMS and reassembles the recoverable signature.
func (k *KMS) SignTx(ctx context.Context, tx *gethtypes.Transaction) (*gethtypes.Transaction, error) {
	sig, err := k.signDigest(ctx, k.signer.Hash(tx).Bytes())
	if err != nil {
		return nil, err
	}
	return tx.WithSignature(k.signer, sig)
}

// SignMessage signs the personal-message digest of msg, returning V in
// {27, 28}.
func (k *KMS) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	sig, err := k.signDigest(ctx, personalHash(msg))
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// signDigest runs one KMS Sign call and converts the DER output into the
// 65-byte [R || S || V] form with a canonical (low) S.
func (k *KMS) signDigest(ctx context.Context, digest []byte) ([]byte, error) {
	out, err := k.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(k.keyID),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, classifyKMSError(err)
	}
	var der ecdsaSigValue
	if _, err := asn1.Unmarshal(out.Signature, &der); err != nil {
		return nil, errors.Wrap(err, "could not parse KMS signature")
	}
	s := der.S
	if s.Cmp(secp256k1HalfN) > 0 {
		s = new(big.Int).Sub(crypto.S256().Params().N, s)
	}
	sig := make([]byte, crypto.SignatureLength)
	der.R.FillBytes(sig[:32])
	s.FillBytes(sig[32:64])
	// KMS does not return the recovery id; try both candidates.
	for _, v := range []byte{0, 1} {
		sig[64] = v
		recovered, err := crypto.Ecrecover(digest, sig)
		if err == nil && string(recovered) == string(k.pubkey) {
			return sig, nil
		}
	}
	return nil, errors.Wrap(ErrUnavailable, "could not derive recovery id for KMS signature")
}

func classifyKMSError(err error) error {
	var disabled *kmstypes.DisabledException
	var invalidState *kmstypes.KMSInvalidStateException
	var notFound *kmstypes.NotFoundException
	if errors.As(err, &disabled) || errors.As(err, &invalidState) || errors.As(err, &notFound) {
		return errors.Wrap(ErrDenied, err.Error())
	}
	return errors.Wrap(ErrUnavailable, err.Error())
}
