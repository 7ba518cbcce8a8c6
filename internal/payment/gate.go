package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GateOptions parameterise the server side of the handshake.
type GateOptions struct {
	Network        string
	Receiver       string
	Amount         string
	Currency       string
	RequirementTTL time.Duration
}

// Gate is middleware guarding a protected resource. An unpaid request gets a
// 402 with a freshly minted requirement bound to the resource path; a request
// carrying a valid proof is verified and settled exactly once before the
// resource handler runs. The handler never executes on an unpaid or
// double-spent request.
type Gate struct {
	opts   GateOptions
	store  SettlementStore
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]Requirement
}

// NewGate constructs gate middleware over a settlement store.
func NewGate(opts GateOptions, store SettlementStore, logger zerolog.Logger) *Gate {
	if opts.RequirementTTL <= 0 {
		opts.RequirementTTL = 5 * time.Minute
	}
	return &Gate{
		opts:    opts,
		store:   store,
		logger:  logger.With().Str("component", "payment_gate").Logger(),
		now:     time.Now,
		pending: make(map[string]Requirement),
	}
}

// Guard wraps a resource handler with the payment handshake.
func (g *Gate) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(ProofHeader)
		if header == "" {
			g.demandPayment(w, r)
			return
		}

		proof, err := DecodeProof(header)
		if err != nil {
			g.logger.Warn().Err(err).Str("resource", r.URL.Path).Msg("malformed proof")
			http.Error(w, "malformed payment proof", http.StatusBadRequest)
			return
		}

		if err := g.verify(r.Context(), proof, r.URL.Path); err != nil {
			if errors.Is(err, ErrAlreadySettled) {
				g.logger.Warn().Str("nonce", proof.Nonce).Msg("replayed proof rejected")
				http.Error(w, "payment already settled", http.StatusConflict)
				return
			}
			g.logger.Warn().Err(err).Str("resource", r.URL.Path).Msg("proof verification failed")
			g.demandPayment(w, r)
			return
		}

		if err := g.settle(r, proof); err != nil {
			if errors.Is(err, ErrAlreadySettled) {
				http.Error(w, "payment already settled", http.StatusConflict)
				return
			}
			g.logger.Error().Err(err).Str("nonce", proof.Nonce).Msg("settlement failed")
			http.Error(w, "settlement failed", http.StatusBadGateway)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// demandPayment mints a requirement for this resource and answers 402.
func (g *Gate) demandPayment(w http.ResponseWriter, r *http.Request) {
	requirement := Requirement{
		Network:   g.opts.Network,
		Receiver:  g.opts.Receiver,
		Amount:    g.opts.Amount,
		Currency:  g.opts.Currency,
		Resource:  r.URL.Path,
		Nonce:     uuid.NewString(),
		ExpiresAt: g.now().Add(g.opts.RequirementTTL),
	}

	g.mu.Lock()
	g.evictExpiredLocked()
	g.pending[requirement.Nonce] = requirement
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(requirement); err != nil {
		g.logger.Error().Err(err).Msg("encode requirement")
	}

	g.logger.Debug().Str("resource", requirement.Resource).Str("nonce", requirement.Nonce).Msg("payment required")
}

// verify checks the proof is well-formed, signed by its payer, bound to a
// requirement this gate actually issued for this resource, and not expired.
func (g *Gate) verify(ctx context.Context, proof Proof, resource string) error {
	if err := VerifyProof(proof); err != nil {
		return err
	}

	g.mu.Lock()
	requirement, ok := g.pending[proof.Nonce]
	g.mu.Unlock()

	if !ok {
		// Unknown nonce: either never issued, or already consumed. A spent
		// nonce is a replay and must surface as such.
		spent, err := g.store.IsSettled(ctx, proof.Nonce)
		if err != nil {
			return err
		}
		if spent {
			return ErrAlreadySettled
		}
		return errors.New("no pending requirement for nonce")
	}

	if proof.Resource != resource {
		return errors.New("proof bound to a different resource")
	}
	if !proof.Matches(requirement) {
		return errors.New("proof does not match issued requirement")
	}
	if g.now().After(requirement.ExpiresAt) {
		return errors.New("requirement expired")
	}
	return nil
}

// settle finalises the value transfer exactly once, then consumes the
// pending requirement so the nonce cannot be presented again.
func (g *Gate) settle(r *http.Request, proof Proof) error {
	err := g.store.Settle(r.Context(), Settlement{
		Nonce:     proof.Nonce,
		Payer:     proof.Payer,
		Receiver:  proof.Receiver,
		Amount:    proof.Amount,
		Currency:  proof.Currency,
		Resource:  proof.Resource,
		Network:   proof.Network,
		SettledAt: g.now().UTC(),
	})
	if err != nil {
		return err
	}

	g.mu.Lock()
	delete(g.pending, proof.Nonce)
	g.mu.Unlock()

	g.logger.Info().
		Str("nonce", proof.Nonce).
		Str("payer", proof.Payer).
		Str("amount", proof.Amount).
		Str("currency", proof.Currency).
		Str("resource", proof.Resource).
		Msg("payment settled")
	return nil
}

// evictExpiredLocked drops pending requirements past their TTL. Callers hold
// g.mu.
func (g *Gate) evictExpiredLocked() {
	now := g.now()
	for nonce, requirement := range g.pending {
		if now.After(requirement.ExpiresAt) {
			delete(g.pending, nonce)
		}
	}
}
