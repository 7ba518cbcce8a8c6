package payment

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet is the payment capability of the client side of the handshake.
// Selected at startup: a funded ECDSA wallet, or the unconfigured variant
// that fails deterministically the moment it is invoked.
type Wallet interface {
	Address() string
	SignProof(req Requirement) (Proof, error)
}

const proofDomain = "yieldpilot-payment-v1"

// proofDigest binds every requirement field, the resource path included, into
// the signed message.
func proofDigest(network, receiver, amount, currency, resource, nonce string) []byte {
	msg := strings.Join([]string{proofDomain, network, receiver, amount, currency, resource, nonce}, "\n")
	return crypto.Keccak256([]byte(msg))
}

// ECDSAWallet signs payment proofs with a secp256k1 key.
type ECDSAWallet struct {
	key  *ecdsa.PrivateKey
	addr string
}

// NewECDSAWallet parses a hex-encoded private key.
func NewECDSAWallet(hexKey string) (*ECDSAWallet, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if raw == "" {
		return nil, fmt.Errorf("%w: empty wallet key", ErrProofConstruction)
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse wallet key: %v", ErrProofConstruction, err)
	}
	return &ECDSAWallet{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Address returns the payer identity.
func (w *ECDSAWallet) Address() string {
	return w.addr
}

// SignProof builds a proof satisfying exactly the given requirement.
func (w *ECDSAWallet) SignProof(req Requirement) (Proof, error) {
	if err := req.Validate(); err != nil {
		return Proof{}, err
	}

	digest := proofDigest(req.Network, req.Receiver, req.Amount, req.Currency, req.Resource, req.Nonce)
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: sign digest: %v", ErrProofConstruction, err)
	}

	return Proof{
		Network:   req.Network,
		Receiver:  req.Receiver,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Resource:  req.Resource,
		Nonce:     req.Nonce,
		Payer:     w.addr,
		Signature: fmt.Sprintf("%x", sig),
	}, nil
}

// VerifyProof checks the proof signature and recovers the payer address.
func VerifyProof(p Proof) error {
	sig, err := hex.DecodeString(p.Signature)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrProtocolViolation, err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes", ErrProtocolViolation)
	}

	digest := proofDigest(p.Network, p.Receiver, p.Amount, p.Currency, p.Resource, p.Nonce)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: recover signer: %v", ErrProtocolViolation, err)
	}
	if !strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), p.Payer) {
		return fmt.Errorf("%w: signature does not match payer", ErrProtocolViolation)
	}
	return nil
}

// UnconfiguredWallet is selected when no wallet key is supplied. Every call
// fails loudly so a gated fetch cannot silently proceed unpaid.
type UnconfiguredWallet struct{}

// Address returns an empty payer identity.
func (UnconfiguredWallet) Address() string { return "" }

// SignProof always fails.
func (UnconfiguredWallet) SignProof(Requirement) (Proof, error) {
	return Proof{}, fmt.Errorf("%w: payment wallet not configured", ErrProofConstruction)
}

var (
	_ Wallet = (*ECDSAWallet)(nil)
	_ Wallet = UnconfiguredWallet{}
)
