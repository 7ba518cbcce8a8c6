package payment

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Transport negotiates payment-gated requests: on a 402 response it
// constructs a proof for the advertised requirement and retries the original
// request exactly once. It plugs beneath any *http.Client, so gated and
// ungated endpoints go through the same caller code.
//
// States: Requesting -> Fulfilled, or Requesting -> PaymentRequired ->
// Paying -> Retrying -> (Fulfilled | Denied).
type Transport struct {
	wallet Wallet
	inner  http.RoundTripper
	logger zerolog.Logger
}

// NewTransport wraps an inner round tripper with payment negotiation.
func NewTransport(wallet Wallet, inner http.RoundTripper, logger zerolog.Logger) *Transport {
	if inner == nil {
		inner = http.DefaultTransport
	}
	return &Transport{
		wallet: wallet,
		inner:  inner,
		logger: logger.With().Str("component", "payment_client").Logger(),
	}
}

// NewClient builds an http.Client that negotiates payment transparently.
func NewClient(wallet Wallet, timeout time.Duration, logger zerolog.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(wallet, nil, logger),
	}
}

// RoundTrip performs the handshake.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.request(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	requirement, err := t.decodeRequirement(resp)
	if err != nil {
		return nil, err
	}

	proof, err := t.pay(requirement)
	if err != nil {
		return nil, err
	}

	return t.retryWithProof(req, proof)
}

// request issues the resource request with no payment attached.
func (t *Transport) request(req *http.Request) (*http.Response, error) {
	return t.inner.RoundTrip(req)
}

// decodeRequirement is the validated-decode boundary for the 402 body.
func (t *Transport) decodeRequirement(resp *http.Response) (Requirement, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Requirement{}, fmt.Errorf("%w: read requirement: %v", ErrTransport, err)
	}

	var requirement Requirement
	if err := json.Unmarshal(body, &requirement); err != nil {
		return Requirement{}, fmt.Errorf("%w: parse requirement: %v", ErrProtocolViolation, err)
	}
	if err := requirement.Validate(); err != nil {
		return Requirement{}, err
	}
	return requirement, nil
}

// pay constructs a proof bound to exactly the advertised requirement.
func (t *Transport) pay(requirement Requirement) (Proof, error) {
	proof, err := t.wallet.SignProof(requirement)
	if err != nil {
		return Proof{}, err
	}
	t.logger.Debug().
		Str("resource", requirement.Resource).
		Str("amount", requirement.Amount).
		Str("currency", requirement.Currency).
		Msg("payment proof constructed")
	return proof, nil
}

// retryWithProof resubmits the original request once with the proof attached.
// A second 402 terminates in Denied; the client never loops re-paying.
func (t *Transport) retryWithProof(req *http.Request, proof Proof) (*http.Response, error) {
	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%w: rewind request body: %v", ErrTransport, err)
		}
		retry.Body = body
	}

	header, err := EncodeProof(proof)
	if err != nil {
		return nil, fmt.Errorf("%w: encode proof: %v", ErrProofConstruction, err)
	}
	retry.Header.Set(ProofHeader, header)

	resp, err := t.inner.RoundTrip(retry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: gate refused proof with status %d", ErrPaymentRejected, resp.StatusCode)
	}

	t.logger.Debug().Str("resource", proof.Resource).Int("status", resp.StatusCode).Msg("gated request fulfilled")
	return resp, nil
}
