// Package security signs API responses so clients can verify they were
// produced by this service and not altered in transit.
package security

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Algorithm names the signature scheme carried in every integrity block
const Algorithm = "secp256k1-keccak256"

// ErrSignatureMismatch is returned when a signature does not match the payload or signer
var ErrSignatureMismatch = errors.New("signature does not match payload")

// Integrity is attached to signed response envelopes
type Integrity struct {
	Algorithm string `json:"algorithm"`
	Keccak256 string `json:"keccak256"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
	SignedAt  int64  `json:"signed_at"`
}

// Signer signs JSON payloads with an Ethereum key
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	now     func() time.Time
}

// NewSigner loads a hex-encoded secp256k1 key. An empty key generates an
// ephemeral one, valid for the life of the process.
func NewSigner(hexKey string) (*Signer, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"); hexKey == "" {
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		logrus.Warn("No signing key configured, using an ephemeral key")
	} else {
		key, err = crypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
	}

	s := &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		now:     time.Now,
	}
	logrus.WithField("signer", s.address.Hex()).Info("Response signing enabled")
	return s, nil
}

// Address returns the checksummed address of the signing key
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign hashes the JSON encoding of payload with Keccak256 and signs the hash
func (s *Signer) Sign(payload interface{}) (Integrity, error) {
	hash, err := hashPayload(payload)
	if err != nil {
		return Integrity{}, err
	}
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return Integrity{}, fmt.Errorf("failed to sign payload: %w", err)
	}
	return Integrity{
		Algorithm: Algorithm,
		Keccak256: hash.Hex(),
		Signature: hexutil.Encode(sig),
		Signer:    s.address.Hex(),
		SignedAt:  s.now().Unix(),
	}, nil
}

// Verify checks that in was produced over payload by the key it names
func Verify(payload interface{}, in Integrity) error {
	hash, err := hashPayload(payload)
	if err != nil {
		return err
	}
	if !strings.EqualFold(hash.Hex(), in.Keccak256) {
		return fmt.Errorf("%w: hash %s, expected %s", ErrSignatureMismatch, hash.Hex(), in.Keccak256)
	}

	sig, err := hexutil.Decode(in.Signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != common.HexToAddress(in.Signer) {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrSignatureMismatch, recovered.Hex(), in.Signer)
	}
	return nil
}

func hashPayload(payload interface{}) (common.Hash, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return crypto.Keccak256Hash(body), nil
}
