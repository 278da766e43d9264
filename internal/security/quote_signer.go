// Package security signs engine results so quotes handed to brokers can be
// verified later.
package security

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Algorithm names the signature scheme of a Receipt
const Algorithm = "secp256k1-keccak256"

// ErrInvalidSignature is returned when a receipt does not verify
var ErrInvalidSignature = errors.New("invalid receipt signature")

// Receipt is a signed engine result. The hash covers the payload bytes and
// the signing timestamp.
type Receipt struct {
	Payload   json.RawMessage `json:"payload"`
	Keccak256 string          `json:"keccak256"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"public_key"`
	Algorithm string          `json:"algorithm"`
	SignedAt  int64           `json:"signed_at"`
}

// QuoteSigner signs payloads with a secp256k1 key
type QuoteSigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  string
	now        func() time.Time
}

// NewQuoteSigner creates a signer with a freshly generated key
func NewQuoteSigner() (*QuoteSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newQuoteSigner(key), nil
}

// NewQuoteSignerFromHex creates a signer from a hex-encoded private key
func NewQuoteSignerFromHex(hexKey string) (*QuoteSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return newQuoteSigner(key), nil
}

func newQuoteSigner(key *ecdsa.PrivateKey) *QuoteSigner {
	s := &QuoteSigner{
		privateKey: key,
		publicKey:  hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey)),
		now:        time.Now,
	}
	logrus.Infof("Quote signer initialized with public key: %s", s.publicKey[:18]+"...")
	return s
}

// PublicKey returns the hex-encoded uncompressed public key
func (s *QuoteSigner) PublicKey() string {
	return s.publicKey
}

func receiptHash(payload []byte, signedAt int64) []byte {
	return crypto.Keccak256Hash(payload, []byte(strconv.FormatInt(signedAt, 10))).Bytes()
}

// Sign marshals payload and signs it
func (s *QuoteSigner) Sign(payload any) (Receipt, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	signedAt := s.now().Unix()
	hash := receiptHash(payloadBytes, signedAt)

	signature, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to sign payload: %w", err)
	}

	return Receipt{
		Payload:   payloadBytes,
		Keccak256: hexutil.Encode(hash),
		Signature: hexutil.Encode(signature),
		PublicKey: s.publicKey,
		Algorithm: Algorithm,
		SignedAt:  signedAt,
	}, nil
}

// Verify checks that the receipt is intact and was signed by its public key
func Verify(r Receipt) error {
	hash := receiptHash(r.Payload, r.SignedAt)
	if hexutil.Encode(hash) != r.Keccak256 {
		return fmt.Errorf("%w: payload hash mismatch", ErrInvalidSignature)
	}

	signature, err := hexutil.Decode(r.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature: %v", ErrInvalidSignature, err)
	}
	if len(signature) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature length %d", ErrInvalidSignature, len(signature))
	}

	publicKey, err := hexutil.Decode(r.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: malformed public key: %v", ErrInvalidSignature, err)
	}

	recovered, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !bytes.Equal(crypto.FromECDSAPub(recovered), publicKey) {
		return fmt.Errorf("%w: signer does not match public key", ErrInvalidSignature)
	}
	if !crypto.VerifySignature(publicKey, hash, signature[:64]) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyFrom verifies the receipt and that it was signed by the expected key
func VerifyFrom(r Receipt, expectedPublicKey string) error {
	if !strings.EqualFold(r.PublicKey, expectedPublicKey) {
		return fmt.Errorf("%w: unexpected signer", ErrInvalidSignature)
	}
	return Verify(r)
}
