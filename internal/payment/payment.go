package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProofHeader carries the encoded payment proof on a retried request.
const ProofHeader = "X-Payment"

var (
	// ErrProtocolViolation indicates a malformed payment-required response or
	// a malformed proof.
	ErrProtocolViolation = errors.New("payment: protocol violation")
	// ErrPaymentRejected indicates the gate refused the request even with a
	// proof attached. The client never pays twice for one request.
	ErrPaymentRejected = errors.New("payment: payment rejected")
	// ErrProofConstruction indicates a proof could not be built, e.g. no
	// wallet is configured.
	ErrProofConstruction = errors.New("payment: proof construction failed")
	// ErrTransport indicates a network-level failure during the handshake.
	ErrTransport = errors.New("payment: transport error")
	// ErrAlreadySettled indicates a proof was presented a second time. The
	// second attempt settles nothing and releases nothing.
	ErrAlreadySettled = errors.New("payment: proof already settled")
)

// Requirement describes what must be paid to unlock one resource. Issued by
// the gate server on a 402 response; transient, never persisted.
type Requirement struct {
	Network   string    `json:"network"`
	Receiver  string    `json:"receiver"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Resource  string    `json:"resource"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Validate checks the requirement carries every field the client needs to
// construct a proof.
func (r Requirement) Validate() error {
	switch {
	case r.Network == "":
		return fmt.Errorf("%w: requirement missing network", ErrProtocolViolation)
	case r.Receiver == "":
		return fmt.Errorf("%w: requirement missing receiver", ErrProtocolViolation)
	case r.Amount == "":
		return fmt.Errorf("%w: requirement missing amount", ErrProtocolViolation)
	case r.Currency == "":
		return fmt.Errorf("%w: requirement missing currency", ErrProtocolViolation)
	case r.Resource == "":
		return fmt.Errorf("%w: requirement missing resource", ErrProtocolViolation)
	case r.Nonce == "":
		return fmt.Errorf("%w: requirement missing nonce", ErrProtocolViolation)
	}
	return nil
}

// Proof is a signed attestation bound to exactly one requirement. Single-use:
// the gate accepts a given proof at most once.
type Proof struct {
	Network   string `json:"network"`
	Receiver  string `json:"receiver"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Resource  string `json:"resource"`
	Nonce     string `json:"nonce"`
	Payer     string `json:"payer"`
	Signature string `json:"signature"`
}

// Matches reports whether the proof is bound to the given requirement. A
// proof minted for a different requirement must be rejected downstream.
func (p Proof) Matches(r Requirement) bool {
	return p.Network == r.Network &&
		p.Receiver == r.Receiver &&
		p.Amount == r.Amount &&
		p.Currency == r.Currency &&
		p.Resource == r.Resource &&
		p.Nonce == r.Nonce
}

// EncodeProof serialises a proof for the X-Payment header.
func EncodeProof(p Proof) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeProof parses an X-Payment header value.
func DecodeProof(header string) (Proof, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: decode proof header: %v", ErrProtocolViolation, err)
	}
	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return Proof{}, fmt.Errorf("%w: parse proof: %v", ErrProtocolViolation, err)
	}
	if p.Nonce == "" || p.Payer == "" || p.Signature == "" {
		return Proof{}, fmt.Errorf("%w: proof missing required fields", ErrProtocolViolation)
	}
	return p, nil
}
