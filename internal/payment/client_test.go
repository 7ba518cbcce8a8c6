package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newGatedServer(t *testing.T, store *MemorySettlements, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	gate := NewGate(testGateOptions(), store, zerolog.Nop())
	srv := httptest.NewServer(gate.Guard(handler))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientNegotiatesPaymentTransparently(t *testing.T) {
	store := NewMemorySettlements()
	srv := newGatedServer(t, store, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "series")
	})

	wallet, err := NewECDSAWallet(testWalletKey)
	if err != nil {
		t.Fatalf("parse wallet key: %v", err)
	}
	client := NewClient(wallet, 5*time.Second, zerolog.Nop())

	resp, err := client.Get(srv.URL + "/v1/protocols/1/apy")
	if err != nil {
		t.Fatalf("gated fetch should succeed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after negotiation, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "series" {
		t.Fatalf("unexpected body %q", body)
	}
	if store.Count() != 1 {
		t.Fatalf("expected exactly one settlement, got %d", store.Count())
	}
}

func TestClientPaysOncePerRequest(t *testing.T) {
	store := NewMemorySettlements()
	srv := newGatedServer(t, store, func(w http.ResponseWriter, r *http.Request) {})

	wallet, err := NewECDSAWallet(testWalletKey)
	if err != nil {
		t.Fatalf("parse wallet key: %v", err)
	}
	client := NewClient(wallet, 5*time.Second, zerolog.Nop())

	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL + "/v1/protocols/1/apy")
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		resp.Body.Close()
	}
	if store.Count() != 3 {
		t.Fatalf("each fetch settles a fresh nonce, got %d settlements", store.Count())
	}
}

func TestClientRewindsRequestBodyOnRetry(t *testing.T) {
	store := NewMemorySettlements()
	srv := newGatedServer(t, store, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"bucket_type":"daily"}` {
			t.Fatalf("retried request lost its body: %q", body)
		}
	})

	wallet, err := NewECDSAWallet(testWalletKey)
	if err != nil {
		t.Fatalf("parse wallet key: %v", err)
	}
	client := NewClient(wallet, 5*time.Second, zerolog.Nop())

	resp, err := client.Post(srv.URL+"/apy", "application/json", bytes.NewReader([]byte(`{"bucket_type":"daily"}`)))
	if err != nil {
		t.Fatalf("gated POST should succeed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestClientNeverPaysTwiceForOneRequest(t *testing.T) {
	// A gate that refuses every proof. The client must give up after one
	// payment attempt instead of looping.
	var demands int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		demands++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(Requirement{
			Network:   "base-sepolia",
			Receiver:  "0x1111111111111111111111111111111111111111",
			Amount:    "0.001",
			Currency:  "USDC",
			Resource:  r.URL.Path,
			Nonce:     "nonce-1",
			ExpiresAt: time.Now().Add(time.Minute),
		})
	}))
	defer srv.Close()

	wallet, err := NewECDSAWallet(testWalletKey)
	if err != nil {
		t.Fatalf("parse wallet key: %v", err)
	}
	client := NewClient(wallet, 5*time.Second, zerolog.Nop())

	_, err = client.Get(srv.URL + "/v1/protocols/1/apy")
	if !errors.Is(err, ErrPaymentRejected) {
		t.Fatalf("second 402 must be ErrPaymentRejected, got %v", err)
	}
	if demands != 2 {
		t.Fatalf("expected exactly one retry, server saw %d requests", demands)
	}
}

func TestClientRejectsMalformedRequirement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = io.WriteString(w, "not json")
	}))
	defer srv.Close()

	wallet, err := NewECDSAWallet(testWalletKey)
	if err != nil {
		t.Fatalf("parse wallet key: %v", err)
	}
	client := NewClient(wallet, 5*time.Second, zerolog.Nop())

	if _, err := client.Get(srv.URL); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("malformed requirement must be ErrProtocolViolation, got %v", err)
	}
}

func TestClientRejectsIncompleteRequirement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(Requirement{Network: "base-sepolia"})
	}))
	defer srv.Close()

	wallet, err := NewECDSAWallet(testWalletKey)
	if err != nil {
		t.Fatalf("parse wallet key: %v", err)
	}
	client := NewClient(wallet, 5*time.Second, zerolog.Nop())

	if _, err := client.Get(srv.URL); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("incomplete requirement must be ErrProtocolViolation, got %v", err)
	}
}

func TestClientWithoutWalletCannotPay(t *testing.T) {
	store := NewMemorySettlements()
	srv := newGatedServer(t, store, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})

	client := NewClient(UnconfiguredWallet{}, 5*time.Second, zerolog.Nop())

	_, err := client.Get(srv.URL + "/v1/protocols/1/apy")
	if !errors.Is(err, ErrProofConstruction) {
		t.Fatalf("unconfigured wallet must surface ErrProofConstruction, got %v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("nothing should have settled, count %d", store.Count())
	}
}

func TestClientPassesUngatedResponsesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(ProofHeader) != "" {
			t.Fatal("ungated request must not carry a proof")
		}
		_, _ = io.WriteString(w, "plain")
	}))
	defer srv.Close()

	wallet, err := NewECDSAWallet(testWalletKey)
	if err != nil {
		t.Fatalf("parse wallet key: %v", err)
	}
	client := NewClient(wallet, 5*time.Second, zerolog.Nop())

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("ungated fetch: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "plain" {
		t.Fatalf("unexpected body %q", body)
	}
}
