package payment

import (
	"errors"
	"testing"
	"time"
)

// Throwaway secp256k1 key, used only in tests.
const testWalletKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testRequirement() Requirement {
	return Requirement{
		Network:   "base-sepolia",
		Receiver:  "0x1111111111111111111111111111111111111111",
		Amount:    "0.001",
		Currency:  "USDC",
		Resource:  "/v1/protocols/1/apy",
		Nonce:     "nonce-1",
		ExpiresAt: time.Now().Add(time.Minute),
	}
}

func TestSignAndVerifyProof(t *testing.T) {
	wallet, err := NewECDSAWallet(testWalletKey)
	if err != nil {
		t.Fatalf("parse wallet key: %v", err)
	}

	req := testRequirement()
	proof, err := wallet.SignProof(req)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}

	if proof.Payer != wallet.Address() {
		t.Fatalf("proof payer %s, wallet address %s", proof.Payer, wallet.Address())
	}
	if !proof.Matches(req) {
		t.Fatal("proof should match the requirement it was minted for")
	}
	if err := VerifyProof(proof); err != nil {
		t.Fatalf("verify proof: %v", err)
	}
}

func TestVerifyRejectsTamperedProof(t *testing.T) {
	wallet, err := NewECDSAWallet(testWalletKey)
	if err != nil {
		t.Fatalf("parse wallet key: %v", err)
	}

	proof, err := wallet.SignProof(testRequirement())
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}

	proof.Amount = "1000000"
	if err := VerifyProof(proof); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("tampered proof must fail verification, got %v", err)
	}
}

func TestProofDoesNotMatchOtherRequirement(t *testing.T) {
	wallet, err := NewECDSAWallet(testWalletKey)
	if err != nil {
		t.Fatalf("parse wallet key: %v", err)
	}

	proof, err := wallet.SignProof(testRequirement())
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}

	other := testRequirement()
	other.Nonce = "nonce-2"
	if proof.Matches(other) {
		t.Fatal("proof must be bound to exactly one requirement")
	}
}

func TestSignProofRejectsIncompleteRequirement(t *testing.T) {
	wallet, err := NewECDSAWallet(testWalletKey)
	if err != nil {
		t.Fatalf("parse wallet key: %v", err)
	}

	req := testRequirement()
	req.Receiver = ""
	if _, err := wallet.SignProof(req); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("incomplete requirement must be ErrProtocolViolation, got %v", err)
	}
}

func TestUnconfiguredWalletFailsDeterministically(t *testing.T) {
	var wallet Wallet = UnconfiguredWallet{}
	if _, err := wallet.SignProof(testRequirement()); !errors.Is(err, ErrProofConstruction) {
		t.Fatalf("unconfigured wallet must fail with ErrProofConstruction, got %v", err)
	}
}

func TestNewECDSAWalletRejectsBadKey(t *testing.T) {
	for _, key := range []string{"", "nothex", "0x12"} {
		if _, err := NewECDSAWallet(key); !errors.Is(err, ErrProofConstruction) {
			t.Fatalf("key %q must be ErrProofConstruction, got %v", key, err)
		}
	}
}

func TestEncodeDecodeProof(t *testing.T) {
	wallet, err := NewECDSAWallet(testWalletKey)
	if err != nil {
		t.Fatalf("parse wallet key: %v", err)
	}

	proof, err := wallet.SignProof(testRequirement())
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}

	header, err := EncodeProof(proof)
	if err != nil {
		t.Fatalf("encode proof: %v", err)
	}

	decoded, err := DecodeProof(header)
	if err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	if decoded != proof {
		t.Fatalf("round trip changed proof: %+v vs %+v", decoded, proof)
	}
}

func TestDecodeProofMalformed(t *testing.T) {
	for _, header := range []string{"!!!", "bm90IGpzb24=", "e30="} {
		if _, err := DecodeProof(header); !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("header %q must be ErrProtocolViolation, got %v", header, err)
		}
	}
}
