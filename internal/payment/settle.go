package payment

import (
	"context"
	"sync"
	"time"
)

// Settlement records one finalised value transfer. The nonce is the
// single-use key: a nonce can settle at most once.
type Settlement struct {
	Nonce     string
	Payer     string
	Receiver  string
	Amount    string
	Currency  string
	Resource  string
	Network   string
	SettledAt time.Time
}

// SettlementStore finalises payments exactly once. Settle must be idempotent
// under retransmission: a second call for the same nonce returns
// ErrAlreadySettled without transferring value again.
type SettlementStore interface {
	Settle(ctx context.Context, s Settlement) error
	IsSettled(ctx context.Context, nonce string) (bool, error)
}

// MemorySettlements is the in-process settlement store, used when no
// database is configured and in tests.
type MemorySettlements struct {
	mu      sync.Mutex
	settled map[string]Settlement
}

// NewMemorySettlements constructs an empty store.
func NewMemorySettlements() *MemorySettlements {
	return &MemorySettlements{settled: make(map[string]Settlement)}
}

// Settle records the settlement, failing on a spent nonce.
func (m *MemorySettlements) Settle(_ context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, spent := m.settled[s.Nonce]; spent {
		return ErrAlreadySettled
	}
	m.settled[s.Nonce] = s
	return nil
}

// IsSettled reports whether the nonce was already consumed.
func (m *MemorySettlements) IsSettled(_ context.Context, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, spent := m.settled[nonce]
	return spent, nil
}

// Count reports how many settlements have been recorded.
func (m *MemorySettlements) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.settled)
}

var _ SettlementStore = (*MemorySettlements)(nil)
