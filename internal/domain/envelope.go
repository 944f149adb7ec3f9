package domain

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Envelope is the unsigned payout transaction handed to the payee's wallet.
// Field order is fixed so that equal inputs always encode to the same bytes.
type Envelope struct {
	Network   string `json:"network"`
	Payee     string `json:"payee"`
	Amount    string `json:"amount"`
	Asset     string `json:"asset"`
	Reference string `json:"reference"`
}

// SignedEnvelope is the wallet's answer: the envelope it saw plus an
// EIP-191 personal signature over the envelope's encoding.
type SignedEnvelope struct {
	Envelope  Envelope `json:"envelope"`
	Signature string   `json:"signature"`
}

// NormalizePayee validates a hex account address and returns its checksummed form.
func NormalizePayee(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", NewValidationError("payee", "is required")
	}
	if !common.IsHexAddress(raw) {
		return "", NewValidationError("payee", "must be a 20-byte hex address")
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return "", NewValidationError("payee", "must not be the zero address")
	}
	return addr.Hex(), nil
}

// BuildEnvelope assembles the unsigned envelope from already-normalized inputs.
func BuildEnvelope(network, payee string, amount decimal.Decimal, asset, reference string) Envelope {
	return Envelope{
		Network:   network,
		Payee:     payee,
		Amount:    CanonicalAmount(amount),
		Asset:     asset,
		Reference: reference,
	}
}

// Encode returns the canonical byte form of the envelope.
func (e Envelope) Encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}

// SigningDigest returns the personal-sign digest a wallet signs for e.
func (e Envelope) SigningDigest() ([]byte, error) {
	payload, err := e.Encode()
	if err != nil {
		return nil, err
	}
	return accounts.TextHash(payload), nil
}

// Matches reports whether other carries exactly the same economic payload.
func (e Envelope) Matches(other Envelope) bool {
	if e.Network != other.Network || e.Asset != other.Asset || e.Reference != other.Reference {
		return false
	}
	if !common.IsHexAddress(other.Payee) || common.HexToAddress(e.Payee) != common.HexToAddress(other.Payee) {
		return false
	}
	want, err := decimal.NewFromString(e.Amount)
	if err != nil {
		return false
	}
	got, err := decimal.NewFromString(other.Amount)
	if err != nil {
		return false
	}
	return want.Equal(got)
}

// DecodeEnvelope parses a stored unsigned payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// VerifySignedPayload checks that signed answers the unsigned payload and was
// signed by the payee. Any mismatch is reported as ErrInvalidSignature.
func VerifySignedPayload(unsigned, signed []byte) error {
	stored, err := DecodeEnvelope(unsigned)
	if err != nil {
		return err
	}

	var candidate SignedEnvelope
	if err := json.Unmarshal(signed, &candidate); err != nil {
		return fmt.Errorf("%w: malformed signed payload", ErrInvalidSignature)
	}
	if !stored.Matches(candidate.Envelope) {
		return fmt.Errorf("%w: payee, amount or asset differ from the payout", ErrInvalidSignature)
	}

	sig, err := hexutil.Decode(candidate.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature must be 65 hex-encoded bytes", ErrInvalidSignature)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	digest, err := stored.SigningDigest()
	if err != nil {
		return err
	}
	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: recover signer: %v", ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*pubKey) != common.HexToAddress(stored.Payee) {
		return fmt.Errorf("%w: signer is not the payee", ErrInvalidSignature)
	}
	return nil
}

// SignEnvelope produces a signed payload for env the way a wallet does.
func SignEnvelope(env Envelope, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := env.SigningDigest()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	payload, err := json.Marshal(SignedEnvelope{Envelope: env, Signature: hexutil.Encode(sig)})
	if err != nil {
		return nil, fmt.Errorf("encode signed envelope: %w", err)
	}
	return payload, nil
}
